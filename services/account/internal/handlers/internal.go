package handlers

import (
	"net/http"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type depositRequest struct {
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference"`
}

type chainRequest struct {
	FromAddress           string `json:"from_address"`
	ToAddress             string `json:"to_address"`
	TxHash                string `json:"tx_hash"`
	Network               string `json:"network"`
	Confirmations         int    `json:"confirmations"`
	RequiredConfirmations int    `json:"required_confirmations"`
}

type cryptoDepositRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Amount    decimal.Decimal `json:"amount"`
	Chain     *chainRequest   `json:"chain"`
}

type confirmationsRequest struct {
	Confirmations int `json:"confirmations"`
}

func (h *Handler) Deposit(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req depositRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.AccountNumber == "" {
		badRequest(c, "account_number is required")
		return
	}
	txn, err := h.Ledger.Deposit(c.Request.Context(), req.AccountNumber, req.Amount, req.Description, req.Reference, key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.Logger.Info("deposit recorded", "caller", c.GetString(apikey.ContextName), "account_number", req.AccountNumber, "transaction_id", txn.ID.String())
	c.JSON(http.StatusOK, toTransaction(*txn))
}

func (h *Handler) DepositCrypto(c *gin.Context) {
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req cryptoDepositRequest
	if !bindJSON(c, &req) {
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		badRequest(c, "invalid account_id")
		return
	}
	deposit := service.DepositRequest{
		AccountID:      accountID,
		Symbol:         req.Symbol,
		Amount:         req.Amount,
		IdempotencyKey: key,
	}
	if req.Chain != nil {
		deposit.Chain = storage.ChainMetadata{
			FromAddress:           req.Chain.FromAddress,
			ToAddress:             req.Chain.ToAddress,
			TxHash:                req.Chain.TxHash,
			Network:               req.Chain.Network,
			Confirmations:         req.Chain.Confirmations,
			RequiredConfirmations: req.Chain.RequiredConfirmations,
		}
	}
	txn, err := h.Trading.DepositCrypto(c.Request.Context(), deposit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCryptoTransaction(*txn))
}

func (h *Handler) ConfirmCrypto(c *gin.Context) {
	txID, ok := transactionID(c)
	if !ok {
		return
	}
	var req confirmationsRequest
	if !bindJSON(c, &req) {
		return
	}
	txn, err := h.Trading.UpdateCryptoTransactionStatus(c.Request.Context(), txID, req.Confirmations)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCryptoTransaction(*txn))
}

func (h *Handler) FailCrypto(c *gin.Context) {
	txID, ok := transactionID(c)
	if !ok {
		return
	}
	txn, err := h.Trading.FailCryptoTransaction(c.Request.Context(), txID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCryptoTransaction(*txn))
}

func transactionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid transaction id")
		return uuid.Nil, false
	}
	return id, true
}
