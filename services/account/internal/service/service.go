// Package service holds the fiat ledger and crypto trading engines. Engines
// receive the acting owner id explicitly and return apperr errors only.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventPublisher receives committed ledger records. Failures are logged by the
// engines and never undo a commit.
type EventPublisher interface {
	PublishTransaction(ctx context.Context, account storage.Account, txn storage.Transaction) error
	PublishCryptoTransaction(ctx context.Context, txn storage.CryptoTransaction) error
}

type Deps struct {
	Store   storage.Store
	Logger  *slog.Logger
	Metrics *Metrics
	Events  EventPublisher
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// translate passes taxonomy errors through and hides everything else behind
// ErrInternal after logging it.
func translate(logger *slog.Logger, operation string, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	args := append([]any{"operation", operation, "error", err}, attrs...)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("operation aborted", args...)
	} else {
		logger.Error("operation failed", args...)
	}
	return apperr.ErrInternal
}

func accountLookup(err error, ref string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.ErrAccountNotFound, "account %s not found", ref)
	}
	return err
}

func checkOwner(account *storage.Account, actorID int64) error {
	if account.OwnerID != actorID {
		return apperr.ErrUnauthorized
	}
	return nil
}

func validateFiatAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Wrap(apperr.ErrInvalidAmount, "amount must be greater than zero")
	}
	if !amount.Equal(amount.Round(storage.FiatScale)) {
		return apperr.Wrap(apperr.ErrInvalidAmount, "amount must have at most %d decimal places", storage.FiatScale)
	}
	return nil
}

func validateCryptoAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Wrap(apperr.ErrInvalidAmount, "amount must be greater than zero")
	}
	if !amount.Equal(amount.Round(storage.CryptoScale)) {
		return apperr.Wrap(apperr.ErrInvalidAmount, "amount must have at most %d decimal places", storage.CryptoScale)
	}
	return nil
}

// replayTransaction returns the record already written under key, or nil when
// the key is unused. A key reused for a different kind of movement is rejected.
func replayTransaction(ctx context.Context, tx storage.Tx, accountID uuid.UUID, key string, want storage.TransactionType) (*storage.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := tx.TransactionByIdempotencyKey(ctx, accountID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior.Type != want {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "idempotency key already used for a %s", prior.Type)
	}
	return prior, nil
}

// replayTransfer looks the source-scoped key up across all accounts. The caller
// holds the source row lock, so two transfers under one key cannot both miss.
func replayTransfer(ctx context.Context, tx storage.Tx, destinationID uuid.UUID, key string) (*storage.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := tx.TransactionByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior.AccountID != destinationID {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "idempotency key already used for a transfer to another account")
	}
	if prior.Type != storage.TransactionTypeDeposit {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "idempotency key already used for a %s", prior.Type)
	}
	return prior, nil
}

func replayCryptoTransaction(ctx context.Context, tx storage.Tx, accountID uuid.UUID, key string, want storage.CryptoTransactionType) (*storage.CryptoTransaction, error) {
	if key == "" {
		return nil, nil
	}
	prior, err := tx.CryptoTransactionByIdempotencyKey(ctx, accountID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior.Type != want {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "idempotency key already used for a %s", prior.Type)
	}
	return prior, nil
}
