package handlers

import (
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
)

type accountResponse struct {
	ID                   string `json:"id"`
	AccountNumber        string `json:"account_number"`
	OwnerID              int64  `json:"owner_id"`
	Type                 string `json:"type"`
	Status               string `json:"status"`
	Balance              string `json:"balance"`
	Currency             string `json:"currency"`
	CryptoTradingEnabled bool   `json:"crypto_trading_enabled"`
	CreatedAt            string `json:"created_at"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	BalanceBefore  string `json:"balance_before"`
	BalanceAfter   string `json:"balance_after"`
	Description    string `json:"description,omitempty"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

type positionResponse struct {
	ID               string `json:"id"`
	AccountID        string `json:"account_id"`
	Symbol           string `json:"symbol"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"available_balance"`
	LockedBalance    string `json:"locked_balance"`
	AverageBuyPrice  string `json:"average_buy_price"`
	TotalInvested    string `json:"total_invested"`
	WalletAddress    string `json:"wallet_address"`
}

type chainResponse struct {
	FromAddress           string `json:"from_address,omitempty"`
	ToAddress             string `json:"to_address,omitempty"`
	TxHash                string `json:"tx_hash"`
	Network               string `json:"network,omitempty"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"required_confirmations"`
}

type cryptoTransactionResponse struct {
	ID                  string         `json:"id"`
	AccountID           string         `json:"account_id"`
	Type                string         `json:"type"`
	Symbol              string         `json:"symbol"`
	CryptoAmount        string         `json:"crypto_amount"`
	FiatAmount          string         `json:"fiat_amount"`
	FiatCurrency        string         `json:"fiat_currency"`
	PricePerUnit        string         `json:"price_per_unit"`
	NetworkFee          string         `json:"network_fee"`
	CryptoBalanceBefore string         `json:"crypto_balance_before"`
	CryptoBalanceAfter  string         `json:"crypto_balance_after"`
	FiatBalanceBefore   string         `json:"fiat_balance_before"`
	FiatBalanceAfter    string         `json:"fiat_balance_after"`
	Status              string         `json:"status"`
	Description         string         `json:"description,omitempty"`
	Chain               *chainResponse `json:"chain,omitempty"`
	CreatedAt           string         `json:"created_at"`
	ConfirmedAt         string         `json:"confirmed_at,omitempty"`
}

type quoteResponse struct {
	CostBasis     string `json:"cost_basis"`
	GrossProceeds string `json:"gross_proceeds"`
	NetProceeds   string `json:"net_proceeds"`
	ProfitLoss    string `json:"profit_loss"`
}

type sellResponse struct {
	Transaction cryptoTransactionResponse `json:"transaction"`
	Quote       quoteResponse             `json:"quote"`
}

type transferResponse struct {
	Source      accountResponse     `json:"source"`
	Transaction transactionResponse `json:"transaction"`
}

type priceResponse struct {
	Symbol   string `json:"symbol"`
	Currency string `json:"currency"`
	Price    string `json:"price"`
}

type pricesResponse struct {
	Currency string            `json:"currency"`
	Prices   map[string]string `json:"prices"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAccount(a storage.Account) accountResponse {
	return accountResponse{
		ID:                   a.ID.String(),
		AccountNumber:        a.AccountNumber,
		OwnerID:              a.OwnerID,
		Type:                 string(a.Type),
		Status:               string(a.Status),
		Balance:              a.Balance.StringFixed(storage.FiatScale),
		Currency:             a.Currency,
		CryptoTradingEnabled: a.CryptoTradingEnabled,
		CreatedAt:            formatTime(a.CreatedAt),
	}
}

func toAccounts(accounts []storage.Account) []accountResponse {
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccount(a))
	}
	return out
}

func toTransaction(t storage.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID.String(),
		AccountID:      t.AccountID.String(),
		Type:           string(t.Type),
		Amount:         t.Amount.StringFixed(storage.FiatScale),
		BalanceBefore:  t.BalanceBefore.StringFixed(storage.FiatScale),
		BalanceAfter:   t.BalanceAfter.StringFixed(storage.FiatScale),
		Description:    t.Description,
		Reference:      t.Reference,
		IdempotencyKey: t.IdempotencyKey,
		Status:         string(t.Status),
		CreatedAt:      formatTime(t.CreatedAt),
	}
}

func toTransactions(txns []storage.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransaction(t))
	}
	return out
}

func toPositions(positions []storage.CryptoPosition) []positionResponse {
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse{
			ID:               p.ID.String(),
			AccountID:        p.AccountID.String(),
			Symbol:           p.Symbol,
			Balance:          p.Balance.String(),
			AvailableBalance: p.AvailableBalance.String(),
			LockedBalance:    p.LockedBalance.String(),
			AverageBuyPrice:  p.AverageBuyPrice.String(),
			TotalInvested:    p.TotalInvested.StringFixed(storage.FiatScale),
			WalletAddress:    p.WalletAddress,
		})
	}
	return out
}

func toCryptoTransaction(t storage.CryptoTransaction) cryptoTransactionResponse {
	out := cryptoTransactionResponse{
		ID:                  t.ID.String(),
		AccountID:           t.AccountID.String(),
		Type:                string(t.Type),
		Symbol:              t.Symbol,
		CryptoAmount:        t.CryptoAmount.String(),
		FiatAmount:          t.FiatAmount.StringFixed(storage.FiatScale),
		FiatCurrency:        t.FiatCurrency,
		PricePerUnit:        t.PricePerUnit.String(),
		NetworkFee:          t.NetworkFee.StringFixed(storage.FiatScale),
		CryptoBalanceBefore: t.CryptoBalanceBefore.String(),
		CryptoBalanceAfter:  t.CryptoBalanceAfter.String(),
		FiatBalanceBefore:   t.FiatBalanceBefore.StringFixed(storage.FiatScale),
		FiatBalanceAfter:    t.FiatBalanceAfter.StringFixed(storage.FiatScale),
		Status:              string(t.Status),
		Description:         t.Description,
		CreatedAt:           formatTime(t.CreatedAt),
	}
	if t.Chain.TxHash != "" {
		out.Chain = &chainResponse{
			FromAddress:           t.Chain.FromAddress,
			ToAddress:             t.Chain.ToAddress,
			TxHash:                t.Chain.TxHash,
			Network:               t.Chain.Network,
			Confirmations:         t.Chain.Confirmations,
			RequiredConfirmations: t.Chain.RequiredConfirmations,
		}
	}
	if t.ConfirmedAt != nil {
		out.ConfirmedAt = formatTime(*t.ConfirmedAt)
	}
	return out
}

func toCryptoTransactions(txns []storage.CryptoTransaction) []cryptoTransactionResponse {
	out := make([]cryptoTransactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toCryptoTransaction(t))
	}
	return out
}

func toSell(res *service.SellResult) sellResponse {
	return sellResponse{
		Transaction: toCryptoTransaction(*res.Transaction),
		Quote: quoteResponse{
			CostBasis:     res.Quote.CostBasis.StringFixed(storage.FiatScale),
			GrossProceeds: res.Quote.GrossProceeds.StringFixed(storage.FiatScale),
			NetProceeds:   res.Quote.NetProceeds.StringFixed(storage.FiatScale),
			ProfitLoss:    res.Quote.ProfitLoss.StringFixed(storage.FiatScale),
		},
	}
}
