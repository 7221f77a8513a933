package handlers

import (
	"net/http"
	"strings"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type buyRequest struct {
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	FiatCurrency string          `json:"fiat_currency"`
}

type sellRequest struct {
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	FiatCurrency string          `json:"fiat_currency"`
}

func (h *Handler) Buy(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req buyRequest
	if !bindJSON(c, &req) {
		return
	}
	accountID, err := h.resolveTradingAccount(c, actorID, req.AccountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	txn, err := h.Trading.BuyOrder(c.Request.Context(), service.BuyRequest{
		ActorID:        actorID,
		AccountID:      accountID,
		Symbol:         req.Symbol,
		FiatAmount:     req.FiatAmount,
		FiatCurrency:   req.FiatCurrency,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCryptoTransaction(*txn))
}

func (h *Handler) Sell(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req sellRequest
	if !bindJSON(c, &req) {
		return
	}
	accountID, err := h.resolveTradingAccount(c, actorID, req.AccountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	res, err := h.Trading.SellOrder(c.Request.Context(), service.SellRequest{
		ActorID:        actorID,
		AccountID:      accountID,
		Symbol:         req.Symbol,
		CryptoAmount:   req.CryptoAmount,
		FiatCurrency:   req.FiatCurrency,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSell(res))
}

func (h *Handler) Portfolio(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	accountID, err := h.resolveTradingAccount(c, actorID, c.Query("account_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	positions, err := h.Trading.Portfolio(c.Request.Context(), actorID, accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "positions": toPositions(positions)})
}

func (h *Handler) CryptoTransactions(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	accountID, err := h.resolveTradingAccount(c, actorID, c.Query("account_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	txns, err := h.Trading.ListCryptoTransactions(c.Request.Context(), actorID, accountID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": toCryptoTransactions(txns)})
}

func (h *Handler) Prices(c *gin.Context) {
	var symbols []string
	for _, s := range strings.Split(c.Query("symbols"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		badRequest(c, "symbols is required")
		return
	}
	currency := strings.ToUpper(c.DefaultQuery("currency", service.DefaultCurrency))
	prices := h.Trading.GetPrices(c.Request.Context(), symbols, currency)
	out := make(map[string]string, len(prices))
	for symbol, price := range prices {
		out[symbol] = price.String()
	}
	c.JSON(http.StatusOK, pricesResponse{Currency: currency, Prices: out})
}

func (h *Handler) Price(c *gin.Context) {
	currency := strings.ToUpper(c.DefaultQuery("currency", service.DefaultCurrency))
	symbol := strings.ToUpper(c.Param("symbol"))
	price, err := h.Trading.GetPrice(c.Request.Context(), symbol, currency)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, priceResponse{Symbol: symbol, Currency: currency, Price: price.String()})
}

// resolveTradingAccount parses an explicit account id or falls back to the
// caller's active trading account.
func (h *Handler) resolveTradingAccount(c *gin.Context, actorID int64, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, apperr.Wrap(apperr.ErrInvalidRequest, "invalid account_id")
		}
		return id, nil
	}
	acct, err := h.Ledger.GetTradingAccount(c.Request.Context(), actorID)
	if err != nil {
		return uuid.Nil, err
	}
	return acct.ID, nil
}
