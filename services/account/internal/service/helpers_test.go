package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/AfshinJalili/gobank/libs/logging"
	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  atomic.Int32
	// fetches counts uncached FetchPrice lookups.
	fetches atomic.Int32
	// batches records the ids of every GetPrices call.
	batches [][]string
	// currencies records the quote currency of every single-asset lookup.
	currencies []string
}

func newFakeOracle(prices map[string]string) *fakeOracle {
	o := &fakeOracle{prices: make(map[string]decimal.Decimal, len(prices))}
	for id, p := range prices {
		o.prices[id] = decimal.RequireFromString(p)
	}
	return o
}

func (o *fakeOracle) setPrice(id, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[id] = decimal.RequireFromString(price)
}

func (o *fakeOracle) GetPrice(_ context.Context, assetID, currency string) (decimal.Decimal, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currencies = append(o.currencies, currency)
	if o.err != nil {
		return decimal.Zero, o.err
	}
	price, ok := o.prices[assetID]
	if !ok {
		return decimal.Zero, apperr.Wrap(apperr.ErrPriceUnavailable, "no price for %s", assetID)
	}
	return price, nil
}

func (o *fakeOracle) FetchPrice(ctx context.Context, assetID, currency string) (decimal.Decimal, error) {
	o.fetches.Add(1)
	return o.GetPrice(ctx, assetID, currency)
}

func (o *fakeOracle) GetPrices(_ context.Context, ids []string, _ string) (map[string]decimal.Decimal, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, append([]string(nil), ids...))
	if o.err != nil {
		return nil, o.err
	}
	out := make(map[string]decimal.Decimal)
	for _, id := range ids {
		if p, ok := o.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	fiat   []storage.Transaction
	crypto []storage.CryptoTransaction
	err    error
}

func (p *fakePublisher) PublishTransaction(_ context.Context, _ storage.Account, txn storage.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fiat = append(p.fiat, txn)
	return p.err
}

func (p *fakePublisher) PublishCryptoTransaction(_ context.Context, txn storage.CryptoTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crypto = append(p.crypto, txn)
	return p.err
}

type fixture struct {
	store   *storage.MemoryStore
	oracle  *fakeOracle
	events  *fakePublisher
	ledger  *LedgerService
	trading *TradingService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	oracle := newFakeOracle(map[string]string{"bitcoin": "50000.00", "ethereum": "3000.00"})
	events := &fakePublisher{}
	deps := Deps{Store: store, Logger: logging.Discard(), Events: events}
	return &fixture{
		store:   store,
		oracle:  oracle,
		events:  events,
		ledger:  NewLedgerService(deps, LedgerConfig{ProvisionBalance: DefaultProvisionBalance}),
		trading: NewTradingService(deps, oracle, NewFlatFeePolicy(DefaultNetworkFee, nil), NewSymbolMap(nil), "USD"),
	}
}

var accountSeq atomic.Int64

func (f *fixture) seedAccount(t *testing.T, owner int64, accountType storage.AccountType, balance string) *storage.Account {
	t.Helper()
	acct := &storage.Account{
		OwnerID:              owner,
		AccountNumber:        fmt.Sprintf("ACC%010d", accountSeq.Add(1)),
		Type:                 accountType,
		Status:               storage.AccountStatusActive,
		Balance:              decimal.RequireFromString(balance),
		Currency:             "USD",
		CryptoTradingEnabled: accountType.CryptoCapable(),
	}
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.InsertAccount(context.Background(), acct)
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

func (f *fixture) setStatus(t *testing.T, target *storage.Account, status storage.AccountStatus) {
	t.Helper()
	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		acct, err := tx.AccountForUpdate(context.Background(), target.ID)
		if err != nil {
			return err
		}
		acct.Status = status
		return tx.UpdateAccount(context.Background(), acct)
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, number string) decimal.Decimal {
	t.Helper()
	acct, err := f.store.GetAccountByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acct.Balance
}

func (f *fixture) transactions(t *testing.T, acct *storage.Account) []storage.Transaction {
	t.Helper()
	txns, err := f.store.ListTransactions(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return txns
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func assertErr(t *testing.T, err error, want *apperr.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func assertBalance(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}
