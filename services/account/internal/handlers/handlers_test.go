package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/gobank/libs/logging"
	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/AfshinJalili/gobank/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type stubOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (o *stubOracle) GetPrice(_ context.Context, id, _ string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.prices[id]
	if !ok {
		return decimal.Zero, apperr.Wrap(apperr.ErrPriceUnavailable, "no price for %s", id)
	}
	return p, nil
}

func (o *stubOracle) FetchPrice(ctx context.Context, id, currency string) (decimal.Decimal, error) {
	return o.GetPrice(ctx, id, currency)
}

func (o *stubOracle) GetPrices(_ context.Context, ids []string, _ string) (map[string]decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, id := range ids {
		if p, ok := o.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type testEnv struct {
	router *gin.Engine
	store  *storage.MemoryStore
	key    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore()
	oracle := &stubOracle{prices: map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(50000)}}
	deps := service.Deps{Store: store, Logger: logging.Discard()}
	ledger := service.NewLedgerService(deps, service.LedgerConfig{ProvisionBalance: service.DefaultProvisionBalance})
	trading := service.NewTradingService(deps, oracle, nil, service.NewSymbolMap(nil), "USD")

	keyring, key, err := testutil.InternalKeyring("chain-watcher")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	r := gin.New()
	New(ledger, trading, logging.Discard()).Register(r, []byte(testutil.JWTSecret), keyring)
	return &testEnv{router: r, store: store, key: key}
}

func token(t *testing.T, actorID int64) string {
	t.Helper()
	tok, err := testutil.GenerateJWT(actorID, []byte(testutil.JWTSecret), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return tok
}

func (e *testEnv) createAccount(t *testing.T, tok, accountType, deposit string) accountResponse {
	t.Helper()
	w := testutil.MakeAuthRequest(e.router, http.MethodPost, "/v1/accounts",
		map[string]string{"type": accountType, "initial_deposit": deposit}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusCreated)
	acct, err := testutil.DecodeJSON[accountResponse](w)
	if err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return acct
}

func TestRoutesRequireJWT(t *testing.T) {
	env := newTestEnv(t)
	w := testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/accounts", nil, "")
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/accounts", nil, "not-a-token")
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
}

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, testutil.DemoOwnerID)

	acct := env.createAccount(t, tok, "checking", "1000")
	if acct.Balance != "1000.00" || acct.Type != "CHECKING" || acct.CryptoTradingEnabled {
		t.Fatalf("unexpected account %+v", acct)
	}

	w := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts",
		map[string]string{"type": "CHECKING"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeDuplicateAccountType)

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts/"+acct.AccountNumber+"/withdraw",
		map[string]string{"amount": "300"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	txn, _ := testutil.DecodeJSON[transactionResponse](w)
	if txn.BalanceBefore != "1000.00" || txn.BalanceAfter != "700.00" || txn.Type != "WITHDRAWAL" {
		t.Fatalf("unexpected withdrawal %+v", txn)
	}

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts/"+acct.AccountNumber+"/withdraw",
		map[string]string{"amount": "5000"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInsufficientFunds)

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts/"+acct.AccountNumber+"/deactivate", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts/"+acct.AccountNumber+"/withdraw",
		map[string]string{"amount": "1"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeAccountInactive)
	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts/"+acct.AccountNumber+"/activate", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/accounts/"+acct.AccountNumber+"/transactions", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	history, _ := testutil.DecodeJSON[struct {
		Transactions []transactionResponse `json:"transactions"`
	}](w)
	if len(history.Transactions) != 2 || history.Transactions[0].Type != "WITHDRAWAL" {
		t.Fatalf("expected newest first, got %+v", history.Transactions)
	}
}

func TestAccountOwnershipAndLookup(t *testing.T) {
	env := newTestEnv(t)
	owner := token(t, testutil.DemoOwnerID)
	other := token(t, testutil.TraderOwnerID)
	acct := env.createAccount(t, owner, "SAVINGS", "10")

	w := testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/accounts/"+acct.AccountNumber, nil, other)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeForbidden)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/accounts/ACC0000000000", nil, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeAccountNotFound)

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/accounts", map[string]string{"type": "BROKERAGE"}, owner)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestTransferWithIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	alice := token(t, testutil.DemoOwnerID)
	bob := token(t, testutil.TraderOwnerID)
	from := env.createAccount(t, alice, "CHECKING", "1000")
	to := env.createAccount(t, bob, "CHECKING", "500")

	body := map[string]string{"from_account": from.AccountNumber, "to_account": to.AccountNumber, "amount": "300"}
	first := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/transfers", body, alice, IdempotencyHeader, "tr-1")
	testutil.AssertHTTPStatus(t, first, http.StatusOK)
	second := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/transfers", body, alice, IdempotencyHeader, "tr-1")
	testutil.AssertHTTPStatus(t, second, http.StatusOK)

	a, _ := testutil.DecodeJSON[transferResponse](first)
	b, _ := testutil.DecodeJSON[transferResponse](second)
	if a.Transaction.ID != b.Transaction.ID {
		t.Fatalf("expected replay to return the same transaction")
	}
	if a.Source.Balance != "700.00" || a.Transaction.BalanceAfter != "800.00" {
		t.Fatalf("unexpected transfer %+v", a)
	}

	got, err := env.store.GetAccountByNumber(context.Background(), to.AccountNumber)
	if err != nil || !got.Balance.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected destination 800, got %v %v", got, err)
	}

	w := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/transfers", map[string]string{"amount": "1"}, alice)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestCryptoTradingRoutes(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, testutil.DemoOwnerID)
	env.createAccount(t, tok, "TRADING", "5000")

	w := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/buy",
		map[string]string{"symbol": "btc", "fiat_amount": "1000"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	buy, _ := testutil.DecodeJSON[cryptoTransactionResponse](w)
	if buy.CryptoAmount != "0.02" || buy.FiatBalanceAfter != "3999.50" || buy.Status != "COMPLETED" {
		t.Fatalf("unexpected buy %+v", buy)
	}

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/sell",
		map[string]string{"symbol": "BTC", "crypto_amount": "0.01"}, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	sell, _ := testutil.DecodeJSON[sellResponse](w)
	if sell.Quote.NetProceeds != "499.50" || sell.Quote.CostBasis != "500.00" || sell.Quote.ProfitLoss != "-0.50" {
		t.Fatalf("unexpected sell %+v", sell.Quote)
	}

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/sell",
		map[string]string{"symbol": "BTC", "crypto_amount": "1"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInsufficientCryptoBalance)

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/buy",
		map[string]string{"symbol": "DOGE", "fiat_amount": "10"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodePriceUnavailable)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/portfolio", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	portfolio, _ := testutil.DecodeJSON[struct {
		Positions []positionResponse `json:"positions"`
	}](w)
	if len(portfolio.Positions) != 1 || portfolio.Positions[0].Balance != "0.01" {
		t.Fatalf("unexpected portfolio %+v", portfolio)
	}

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/transactions", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
}

func TestCryptoRoutesWithoutTradingAccount(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, testutil.DemoOwnerID)
	env.createAccount(t, tok, "CHECKING", "100")

	w := testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/buy",
		map[string]string{"symbol": "BTC", "fiat_amount": "10"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeAccountNotFound)

	w = testutil.MakeAuthRequest(env.router, http.MethodPost, "/v1/crypto/buy",
		map[string]string{"account_id": "nope", "symbol": "BTC", "fiat_amount": "10"}, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestPriceRoutes(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, testutil.DemoOwnerID)

	w := testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/prices?symbols=BTC,xyz", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	prices, _ := testutil.DecodeJSON[pricesResponse](w)
	if prices.Prices["BTC"] != "50000" || prices.Prices["XYZ"] != "0" || prices.Currency != "USD" {
		t.Fatalf("unexpected prices %+v", prices)
	}

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/prices", nil, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/prices/btc", nil, tok)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeAuthRequest(env.router, http.MethodGet, "/v1/crypto/prices/xyz", nil, tok)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodePriceUnavailable)
}

func TestInternalRoutes(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, testutil.DemoOwnerID)
	acct := env.createAccount(t, tok, "CRYPTO", "0")

	w := testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/deposits",
		map[string]string{"account_number": acct.AccountNumber, "amount": "25"}, "")
	testutil.AssertHTTPStatus(t, w, http.StatusUnauthorized)

	w = testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/deposits",
		map[string]string{"account_number": acct.AccountNumber, "amount": "25", "reference": "wire-1"}, env.key)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/crypto/deposits", map[string]any{
		"account_id": acct.ID, "symbol": "BTC", "amount": "0.5",
		"chain": map[string]any{"tx_hash": "0xfeed", "network": "bitcoin", "required_confirmations": 2},
	}, env.key)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	deposit, _ := testutil.DecodeJSON[cryptoTransactionResponse](w)
	if deposit.Status != "PENDING" || deposit.Chain == nil || deposit.Chain.RequiredConfirmations != 2 {
		t.Fatalf("unexpected deposit %+v", deposit)
	}

	w = testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/crypto/transactions/"+deposit.ID+"/confirmations",
		map[string]int{"confirmations": 2}, env.key)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	confirmed, _ := testutil.DecodeJSON[cryptoTransactionResponse](w)
	if confirmed.Status != "COMPLETED" || confirmed.ConfirmedAt == "" {
		t.Fatalf("unexpected confirmation %+v", confirmed)
	}

	w = testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/crypto/transactions/"+deposit.ID+"/fail", nil, env.key)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidTransition)

	w = testutil.MakeInternalRequest(env.router, http.MethodPost, "/internal/v1/crypto/transactions/not-a-uuid/fail", nil, env.key)
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil, nil, logging.Discard())
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	h.writeError(c, errors.New("pq: connection reset"))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInternalError)
	testutil.AssertErrorMessage(t, w, "internal error")

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	h.writeError(c, apperr.Wrap(apperr.ErrPriceUnavailable, "price oracle temporarily unavailable"))
	testutil.AssertErrorCode(t, w, testutil.ErrorCodePriceUnavailable)
	testutil.AssertErrorMessage(t, w, "price oracle temporarily unavailable")
}
