package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateAccountNumber = errors.New("duplicate account number")
	ErrDuplicateIdempotency   = errors.New("duplicate idempotency key")
)

// Store is the durable ledger and position store. Plain reads take no locks;
// every mutation goes through InTx.
type Store interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByNumber(ctx context.Context, number string) (*Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID int64) ([]Account, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID) ([]Transaction, error)
	GetPosition(ctx context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error)
	ListPositions(ctx context.Context, accountID uuid.UUID) ([]CryptoPosition, error)
	ListCryptoTransactions(ctx context.Context, accountID uuid.UUID) ([]CryptoTransaction, error)
	GetCryptoTransaction(ctx context.Context, id uuid.UUID) (*CryptoTransaction, error)

	// InTx runs fn as one atomic unit. Row locks taken through tx are held until
	// fn returns; a non-nil error discards every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
}

// Tx is the locked read-modify-write surface handed to InTx callbacks.
type Tx interface {
	AccountForUpdate(ctx context.Context, id uuid.UUID) (*Account, error)
	AccountByNumberForUpdate(ctx context.Context, number string) (*Account, error)
	// LockOwner serializes provisioning and account creation for one owner.
	LockOwner(ctx context.Context, ownerID int64) error
	CountAccountsByOwner(ctx context.Context, ownerID int64) (int, error)
	ExistsForOwner(ctx context.Context, ownerID int64, accountType AccountType) (bool, error)
	InsertAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error

	InsertTransaction(ctx context.Context, txn *Transaction) error
	TransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Transaction, error)
	// TransactionByKey searches every account for a row written under key.
	TransactionByKey(ctx context.Context, key string) (*Transaction, error)

	// GetOrCreatePosition returns the locked position for (accountID, symbol),
	// creating an empty one if none exists. created reports which happened.
	GetOrCreatePosition(ctx context.Context, accountID uuid.UUID, symbol, walletAddress string) (pos *CryptoPosition, created bool, err error)
	PositionForUpdate(ctx context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error)
	UpdatePosition(ctx context.Context, pos *CryptoPosition) error

	InsertCryptoTransaction(ctx context.Context, txn *CryptoTransaction) error
	CryptoTransactionForUpdate(ctx context.Context, id uuid.UUID) (*CryptoTransaction, error)
	UpdateCryptoTransaction(ctx context.Context, txn *CryptoTransaction) error
	CryptoTransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*CryptoTransaction, error)
}

// LockOrder sorts account ids into the global lock order (ascending bytes).
func LockOrder(ids ...uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
