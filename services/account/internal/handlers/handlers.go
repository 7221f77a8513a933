package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/AfshinJalili/gobank/libs/auth"
	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/gin-gonic/gin"
)

// IdempotencyHeader carries the caller's replay key on mutating routes.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

type Handler struct {
	Ledger  *service.LedgerService
	Trading *service.TradingService
	Logger  *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(ledger *service.LedgerService, trading *service.TradingService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: ledger, Trading: trading, Logger: logger}
}

// Register mounts the customer API behind JWT auth and the system API behind
// internal API keys.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, keyring *apikey.Keyring) {
	v1 := r.Group("/v1", auth.Middleware(jwtSecret))
	v1.POST("/accounts", h.CreateAccount)
	v1.GET("/accounts", h.ListAccounts)
	v1.GET("/accounts/:number", h.GetAccount)
	v1.GET("/accounts/:number/transactions", h.ListTransactions)
	v1.POST("/accounts/:number/withdraw", h.Withdraw)
	v1.POST("/accounts/:number/activate", h.Activate)
	v1.POST("/accounts/:number/deactivate", h.Deactivate)
	v1.POST("/transfers", h.Transfer)

	v1.POST("/crypto/buy", h.Buy)
	v1.POST("/crypto/sell", h.Sell)
	v1.GET("/crypto/portfolio", h.Portfolio)
	v1.GET("/crypto/transactions", h.CryptoTransactions)
	v1.GET("/crypto/prices", h.Prices)
	v1.GET("/crypto/prices/:symbol", h.Price)

	internal := r.Group("/internal/v1", apikey.Middleware(keyring))
	internal.POST("/deposits", h.Deposit)
	internal.POST("/crypto/deposits", h.DepositCrypto)
	internal.POST("/crypto/transactions/:id/confirmations", h.ConfirmCrypto)
	internal.POST("/crypto/transactions/:id/fail", h.FailCrypto)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientBalance, apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		h.Logger.Error("unhandled error", "path", c.FullPath(), "error", err)
	}
	if e.Kind == apperr.KindInternal {
		e = apperr.ErrInternal
	}
	c.JSON(statusForKind(e.Kind), errorResponse{Code: e.Code, Message: e.Message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Code: apperr.ErrInvalidRequest.Code, Message: message})
}

func actorFromContext(c *gin.Context) (int64, bool) {
	actorID, ok := auth.ActorID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing actor"})
		return 0, false
	}
	return actorID, true
}

func idempotencyKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if len(key) > maxIdempotencyKeyLen {
		badRequest(c, "Idempotency-Key is too long")
		return "", false
	}
	return key, true
}

// bindJSON decodes the body and reports malformed input as INVALID_REQUEST.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body")
		return false
	}
	return true
}
