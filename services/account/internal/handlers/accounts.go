package handlers

import (
	"net/http"

	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type createAccountRequest struct {
	Type           string          `json:"type"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
}

type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type transferRequest struct {
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

func (h *Handler) CreateAccount(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req createAccountRequest
	if !bindJSON(c, &req) {
		return
	}
	accountType, err := storage.ParseAccountType(req.Type)
	if err != nil {
		h.writeError(c, err)
		return
	}
	acct, err := h.Ledger.CreateAccount(c.Request.Context(), actorID, accountType, req.InitialDeposit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toAccount(*acct))
}

func (h *Handler) ListAccounts(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	accounts, err := h.Ledger.GetUserAccounts(c.Request.Context(), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": toAccounts(accounts)})
}

func (h *Handler) GetAccount(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.GetAccount(c.Request.Context(), c.Param("number"), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccount(*acct))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	txns, err := h.Ledger.ListTransactions(c.Request.Context(), c.Param("number"), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": toTransactions(txns)})
}

func (h *Handler) Withdraw(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req withdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	txn, err := h.Ledger.Withdraw(c.Request.Context(), c.Param("number"), req.Amount, actorID, req.Description, key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTransaction(*txn))
}

func (h *Handler) Activate(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.Activate(c.Request.Context(), c.Param("number"), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccount(*acct))
}

func (h *Handler) Deactivate(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	acct, err := h.Ledger.Deactivate(c.Request.Context(), c.Param("number"), actorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccount(*acct))
}

func (h *Handler) Transfer(c *gin.Context) {
	actorID, ok := actorFromContext(c)
	if !ok {
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}
	var req transferRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.FromAccount == "" || req.ToAccount == "" {
		badRequest(c, "from_account and to_account are required")
		return
	}
	res, err := h.Ledger.Transfer(c.Request.Context(), req.FromAccount, req.ToAccount, req.Amount, actorID, req.Description, key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, transferResponse{Source: toAccount(*res.Source), Transaction: toTransaction(*res.Transaction)})
}
