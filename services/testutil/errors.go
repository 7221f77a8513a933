package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest            = "INVALID_REQUEST"
	ErrorCodeInvalidAmount             = "INVALID_AMOUNT"
	ErrorCodeUnauthorized              = "UNAUTHORIZED"
	ErrorCodeForbidden                 = "FORBIDDEN"
	ErrorCodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	ErrorCodePositionNotFound          = "CRYPTO_POSITION_NOT_FOUND"
	ErrorCodeTransactionNotFound       = "TRANSACTION_NOT_FOUND"
	ErrorCodeAccountInactive           = "ACCOUNT_INACTIVE"
	ErrorCodeTradingNotAllowed         = "TRADING_NOT_ALLOWED"
	ErrorCodeInvalidTransition         = "INVALID_STATUS_TRANSITION"
	ErrorCodeInsufficientFunds         = "INSUFFICIENT_FUNDS"
	ErrorCodeInsufficientFiatBalance   = "INSUFFICIENT_FIAT_BALANCE"
	ErrorCodeInsufficientCryptoBalance = "INSUFFICIENT_CRYPTO_BALANCE"
	ErrorCodeDuplicateAccountType      = "DUPLICATE_ACCOUNT_TYPE"
	ErrorCodePriceUnavailable          = "PRICE_UNAVAILABLE"
	ErrorCodeInternalError             = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != StatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d (%s)", StatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (%s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

// StatusForErrorCode mirrors the status mapping of the account service handlers.
func StatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidAmount,
		ErrorCodeInsufficientFunds, ErrorCodeInsufficientFiatBalance, ErrorCodeInsufficientCryptoBalance:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeAccountNotFound, ErrorCodePositionNotFound, ErrorCodeTransactionNotFound:
		return http.StatusNotFound
	case ErrorCodeAccountInactive, ErrorCodeTradingNotAllowed, ErrorCodeInvalidTransition, ErrorCodeDuplicateAccountType:
		return http.StatusConflict
	case ErrorCodePriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
