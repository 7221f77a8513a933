// Package apperr is the error taxonomy shared by the ledger and trading engines.
// Every error returned to a caller carries a stable Kind and Code plus a message
// that is safe to show to the end user.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidState        Kind = "invalid_state"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindConflict            Kind = "conflict"
	KindExternalUnavailable Kind = "external_unavailable"
	KindValidation          Kind = "validation"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	base    *Error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	if e.base == nil {
		return nil
	}
	return e.base
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrAccountNotFound        = newError(KindNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	ErrCryptoPositionNotFound = newError(KindNotFound, "CRYPTO_POSITION_NOT_FOUND", "crypto position not found")
	ErrTransactionNotFound    = newError(KindNotFound, "TRANSACTION_NOT_FOUND", "transaction not found")

	ErrUnauthorized = newError(KindUnauthorized, "FORBIDDEN", "account does not belong to caller")

	ErrAccountInactive         = newError(KindInvalidState, "ACCOUNT_INACTIVE", "account is not active")
	ErrTradingNotAllowed       = newError(KindInvalidState, "TRADING_NOT_ALLOWED", "crypto trading is not allowed for this account")
	ErrInvalidStatusTransition = newError(KindInvalidState, "INVALID_STATUS_TRANSITION", "status transition not allowed")

	ErrInsufficientFunds         = newError(KindInsufficientBalance, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrInsufficientFiatBalance   = newError(KindInsufficientBalance, "INSUFFICIENT_FIAT_BALANCE", "insufficient fiat balance")
	ErrInsufficientCryptoBalance = newError(KindInsufficientBalance, "INSUFFICIENT_CRYPTO_BALANCE", "insufficient crypto balance")

	ErrDuplicateAccountType = newError(KindConflict, "DUPLICATE_ACCOUNT_TYPE", "account of this type already exists")

	ErrPriceUnavailable = newError(KindExternalUnavailable, "PRICE_UNAVAILABLE", "price unavailable")

	ErrInvalidAmount  = newError(KindValidation, "INVALID_AMOUNT", "invalid amount")
	ErrInvalidRequest = newError(KindValidation, "INVALID_REQUEST", "invalid request")

	ErrInternal = newError(KindInternal, "INTERNAL_ERROR", "internal error")
)

// Wrap returns a copy of base with a more specific message. errors.Is(err, base)
// still holds for the result.
func Wrap(base *Error, format string, args ...any) error {
	root := base
	if base.base != nil {
		root = base.base
	}
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...), base: root}
}

// As extracts the taxonomy error from err. Anything outside the taxonomy is
// reported as ErrInternal with ok=false.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return ErrInternal, false
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	e, _ := As(err)
	return e.Kind
}
