package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// runStoreContract exercises the behaviour both store implementations promise.
func runStoreContract(t *testing.T, store Store, ownerBase int64) {
	ctx := context.Background()

	t.Run("insert and read account", func(t *testing.T) {
		acct := newTestAccount(ownerBase+1, "100.00")
		if err := store.InTx(ctx, func(tx Tx) error { return tx.InsertAccount(ctx, acct) }); err != nil {
			t.Fatalf("insert account: %v", err)
		}
		got, err := store.GetAccountByNumber(ctx, acct.AccountNumber)
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if got.ID != acct.ID || !got.Balance.Equal(decimal.RequireFromString("100")) || got.Status != AccountStatusActive {
			t.Fatalf("unexpected account %+v", got)
		}
		if _, err := store.GetAccountByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		acct := newTestAccount(ownerBase+2, "50.00")
		mustInsert(t, store, acct)

		boom := errors.New("boom")
		err := store.InTx(ctx, func(tx Tx) error {
			locked, err := tx.AccountForUpdate(ctx, acct.ID)
			if err != nil {
				return err
			}
			locked.Balance = decimal.Zero
			if err := tx.UpdateAccount(ctx, locked); err != nil {
				return err
			}
			if err := tx.InsertTransaction(ctx, &Transaction{
				AccountID: acct.ID, Type: TransactionTypeWithdrawal, Amount: decimal.RequireFromString("50"),
				BalanceBefore: decimal.RequireFromString("50"), BalanceAfter: decimal.Zero, Status: TransactionStatusCompleted,
			}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected callback error, got %v", err)
		}
		got, _ := store.GetAccountByID(ctx, acct.ID)
		if !got.Balance.Equal(decimal.RequireFromString("50")) {
			t.Fatalf("expected balance unchanged, got %s", got.Balance)
		}
		txns, _ := store.ListTransactions(ctx, acct.ID)
		if len(txns) != 0 {
			t.Fatalf("expected no transactions, got %d", len(txns))
		}
	})

	t.Run("transactions newest first and round trip", func(t *testing.T) {
		acct := newTestAccount(ownerBase+3, "0.00")
		mustInsert(t, store, acct)

		for i, amount := range []string{"10.00", "20.00", "30.00"} {
			before := decimal.NewFromInt(int64(i * 10))
			txn := &Transaction{
				AccountID: acct.ID, Type: TransactionTypeDeposit, Amount: decimal.RequireFromString(amount),
				BalanceBefore: before, BalanceAfter: before.Add(decimal.RequireFromString(amount)),
				Description: fmt.Sprintf("deposit %d", i), Status: TransactionStatusCompleted,
				IdempotencyKey: fmt.Sprintf("%s-key-%d", acct.ID, i),
			}
			if err := store.InTx(ctx, func(tx Tx) error { return tx.InsertTransaction(ctx, txn) }); err != nil {
				t.Fatalf("insert transaction: %v", err)
			}
		}

		txns, err := store.ListTransactions(ctx, acct.ID)
		if err != nil {
			t.Fatalf("list transactions: %v", err)
		}
		if len(txns) != 3 || txns[0].Description != "deposit 2" || txns[2].Description != "deposit 0" {
			t.Fatalf("expected newest first, got %+v", txns)
		}
		if !txns[0].BalanceBefore.Equal(decimal.NewFromInt(20)) || !txns[0].BalanceAfter.Equal(decimal.NewFromInt(50)) {
			t.Fatalf("round trip mismatch: %+v", txns[0])
		}

		err = store.InTx(ctx, func(tx Tx) error {
			found, err := tx.TransactionByIdempotencyKey(ctx, acct.ID, acct.ID.String()+"-key-1")
			if err != nil {
				return err
			}
			if found.Description != "deposit 1" {
				return fmt.Errorf("wrong transaction %s", found.Description)
			}
			if _, err := tx.TransactionByIdempotencyKey(ctx, acct.ID, "missing"); !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("expected not found, got %v", err)
			}
			anyAccount, err := tx.TransactionByKey(ctx, acct.ID.String()+"-key-1")
			if err != nil {
				return err
			}
			if anyAccount.ID != found.ID || anyAccount.AccountID != acct.ID {
				return fmt.Errorf("key lookup returned %+v", anyAccount)
			}
			if _, err := tx.TransactionByKey(ctx, acct.ID.String()+"-missing"); !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("expected not found, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("idempotency lookup: %v", err)
		}
	})

	t.Run("duplicate account number", func(t *testing.T) {
		first := newTestAccount(ownerBase+4, "0.00")
		mustInsert(t, store, first)
		dup := newTestAccount(ownerBase+4, "0.00")
		dup.AccountNumber = first.AccountNumber
		err := store.InTx(ctx, func(tx Tx) error { return tx.InsertAccount(ctx, dup) })
		if !errors.Is(err, ErrDuplicateAccountNumber) {
			t.Fatalf("expected ErrDuplicateAccountNumber, got %v", err)
		}
	})

	t.Run("concurrent get-or-create yields one position", func(t *testing.T) {
		acct := newTestAccount(ownerBase+5, "0.00")
		mustInsert(t, store, acct)

		const workers = 16
		var wg sync.WaitGroup
		errCh := make(chan error, workers)
		var createdMu sync.Mutex
		created := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- store.InTx(ctx, func(tx Tx) error {
					pos, isNew, err := tx.GetOrCreatePosition(ctx, acct.ID, "btc", "btc_wallet_test")
					if err != nil {
						return err
					}
					if isNew {
						createdMu.Lock()
						created++
						createdMu.Unlock()
					}
					pos.Balance = pos.Balance.Add(decimal.NewFromInt(1))
					pos.AvailableBalance = pos.AvailableBalance.Add(decimal.NewFromInt(1))
					return tx.UpdatePosition(ctx, pos)
				})
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				t.Fatalf("get-or-create: %v", err)
			}
		}

		positions, err := store.ListPositions(ctx, acct.ID)
		if err != nil {
			t.Fatalf("list positions: %v", err)
		}
		if len(positions) != 1 {
			t.Fatalf("expected exactly one position, got %d", len(positions))
		}
		if created != 1 {
			t.Fatalf("expected one creation, got %d", created)
		}
		if !positions[0].Balance.Equal(decimal.NewFromInt(workers)) || positions[0].Symbol != "BTC" {
			t.Fatalf("expected no lost updates, got %+v", positions[0])
		}
	})

	t.Run("owner lock serializes provisioning", func(t *testing.T) {
		owner := ownerBase + 6
		const workers = 8
		var wg sync.WaitGroup
		errCh := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- store.InTx(ctx, func(tx Tx) error {
					if err := tx.LockOwner(ctx, owner); err != nil {
						return err
					}
					n, err := tx.CountAccountsByOwner(ctx, owner)
					if err != nil || n > 0 {
						return err
					}
					return tx.InsertAccount(ctx, newTestAccount(owner, "0.00"))
				})
			}()
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			if err != nil {
				t.Fatalf("provision: %v", err)
			}
		}
		accounts, _ := store.ListAccountsByOwner(ctx, owner)
		if len(accounts) != 1 {
			t.Fatalf("expected one account, got %d", len(accounts))
		}
	})

	t.Run("crypto transaction update", func(t *testing.T) {
		acct := newTestAccount(ownerBase+7, "0.00")
		mustInsert(t, store, acct)
		ctxn := &CryptoTransaction{
			AccountID: acct.ID, Type: CryptoTxDeposit, Symbol: "ETH", CryptoAmount: decimal.RequireFromString("1.5"),
			FiatCurrency: "USD", CryptoBalanceAfter: decimal.RequireFromString("1.5"), Status: CryptoTxPending,
			Chain: ChainMetadata{TxHash: "0xabc", Network: "ethereum", RequiredConfirmations: 12},
		}
		if err := store.InTx(ctx, func(tx Tx) error { return tx.InsertCryptoTransaction(ctx, ctxn) }); err != nil {
			t.Fatalf("insert crypto tx: %v", err)
		}
		err := store.InTx(ctx, func(tx Tx) error {
			locked, err := tx.CryptoTransactionForUpdate(ctx, ctxn.ID)
			if err != nil {
				return err
			}
			locked.Status = CryptoTxConfirming
			locked.Chain.Confirmations = 3
			return tx.UpdateCryptoTransaction(ctx, locked)
		})
		if err != nil {
			t.Fatalf("update crypto tx: %v", err)
		}
		got, err := store.GetCryptoTransaction(ctx, ctxn.ID)
		if err != nil {
			t.Fatalf("get crypto tx: %v", err)
		}
		if got.Status != CryptoTxConfirming || got.Chain.Confirmations != 3 || got.Chain.TxHash != "0xabc" {
			t.Fatalf("unexpected crypto tx %+v", got)
		}
		list, _ := store.ListCryptoTransactions(ctx, acct.ID)
		if len(list) != 1 {
			t.Fatalf("expected one crypto tx, got %d", len(list))
		}
	})
}

func newTestAccount(owner int64, balance string) *Account {
	return &Account{
		OwnerID:       owner,
		AccountNumber: fmt.Sprintf("ACC%010d", 1_000_000_000+rand.Int64N(8_999_999_999)),
		Type:          AccountTypeTrading,
		Status:        AccountStatusActive,
		Balance:       decimal.RequireFromString(balance),
		Currency:      "USD",
	}
}

func mustInsert(t *testing.T, store Store, acct *Account) {
	t.Helper()
	if err := store.InTx(context.Background(), func(tx Tx) error { return tx.InsertAccount(context.Background(), acct) }); err != nil {
		t.Fatalf("insert account: %v", err)
	}
}
