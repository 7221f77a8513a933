package service

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// FeePolicy prices the network fee charged on a trade, in the trade's fiat currency.
type FeePolicy interface {
	NetworkFee(symbol string, side Side) decimal.Decimal
}

var DefaultNetworkFee = decimal.RequireFromString("0.50")

// FlatFeePolicy charges a constant fee with optional overrides keyed by
// "SYMBOL:SIDE" or "SYMBOL". The more specific key wins.
type FlatFeePolicy struct {
	fee       decimal.Decimal
	overrides map[string]decimal.Decimal
}

func NewFlatFeePolicy(fee decimal.Decimal, overrides map[string]decimal.Decimal) *FlatFeePolicy {
	normalized := make(map[string]decimal.Decimal, len(overrides))
	for key, value := range overrides {
		normalized[strings.ToUpper(strings.TrimSpace(key))] = value
	}
	return &FlatFeePolicy{fee: fee, overrides: normalized}
}

func (p *FlatFeePolicy) NetworkFee(symbol string, side Side) decimal.Decimal {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if fee, ok := p.overrides[symbol+":"+string(side)]; ok {
		return fee
	}
	if fee, ok := p.overrides[symbol]; ok {
		return fee
	}
	return p.fee
}
