package service

import (
	"fmt"
	"strings"

	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/google/uuid"
)

var defaultSymbolIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"ADA":  "cardano",
	"USDT": "tether",
}

// SymbolMap translates ticker symbols to oracle asset ids. Unknown symbols
// fall back to their lowercase form.
type SymbolMap struct {
	ids map[string]string
}

func NewSymbolMap(extra map[string]string) SymbolMap {
	ids := make(map[string]string, len(defaultSymbolIDs)+len(extra))
	for symbol, id := range defaultSymbolIDs {
		ids[symbol] = id
	}
	for symbol, id := range extra {
		symbol = storage.NormalizeSymbol(symbol)
		id = strings.ToLower(strings.TrimSpace(id))
		if symbol == "" || id == "" {
			continue
		}
		ids[symbol] = id
	}
	return SymbolMap{ids: ids}
}

func (m SymbolMap) OracleID(symbol string) string {
	symbol = storage.NormalizeSymbol(symbol)
	if id, ok := m.ids[symbol]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

func walletAddress(symbol string) string {
	return fmt.Sprintf("%s_wallet_%s", strings.ToLower(storage.NormalizeSymbol(symbol)), strings.Split(uuid.NewString(), "-")[0])
}
