package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process. Rows are locked per key for the whole
// InTx unit, and writes are staged and applied only on commit. It backs
// storage.driver=memory and the engine tests.
type MemoryStore struct {
	mu              sync.RWMutex
	accounts        map[uuid.UUID]Account
	byNumber        map[string]uuid.UUID
	transactions    map[uuid.UUID][]Transaction
	positions       map[string]CryptoPosition
	cryptoTxs       map[uuid.UUID]CryptoTransaction
	cryptoByAccount map[uuid.UUID][]uuid.UUID

	locks *keyedLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[uuid.UUID]Account),
		byNumber:        make(map[string]uuid.UUID),
		transactions:    make(map[uuid.UUID][]Transaction),
		positions:       make(map[string]CryptoPosition),
		cryptoTxs:       make(map[uuid.UUID]CryptoTransaction),
		cryptoByAccount: make(map[uuid.UUID][]uuid.UUID),
		locks:           newKeyedLocks(),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetAccountByID(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) GetAccountByNumber(ctx context.Context, number string) (*Account, error) {
	s.mu.RLock()
	id, ok := s.byNumber[number]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetAccountByID(ctx, id)
}

func (s *MemoryStore) ListAccountsByOwner(_ context.Context, ownerID int64) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Account) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID uuid.UUID) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.transactions[accountID])
	slices.Reverse(out)
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID uuid.UUID) ([]CryptoPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CryptoPosition
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b CryptoPosition) int {
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) ListCryptoTransactions(_ context.Context, accountID uuid.UUID) ([]CryptoTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.cryptoByAccount[accountID]
	out := make([]CryptoTransaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.cryptoTxs[ids[i]])
	}
	return out, nil
}

func (s *MemoryStore) GetCryptoTransaction(_ context.Context, id uuid.UUID) (*CryptoTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cryptoTxs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		held:      make(map[string]struct{}),
		accounts:  make(map[uuid.UUID]Account),
		positions: make(map[string]CryptoPosition),
		cryptoTxs: make(map[uuid.UUID]CryptoTransaction),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s    *MemoryStore
	held map[string]struct{}
	// lock acquisition order, released in reverse
	order []string

	accounts    map[uuid.UUID]Account
	newAccounts []uuid.UUID
	txns        []Transaction
	positions   map[string]CryptoPosition
	cryptoTxs   map[uuid.UUID]CryptoTransaction
	newCryptoTx []uuid.UUID
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
}

func (t *memTx) AccountForUpdate(ctx context.Context, id uuid.UUID) (*Account, error) {
	if err := t.lock(ctx, "account:"+id.String()); err != nil {
		return nil, err
	}
	if a, ok := t.accounts[id]; ok {
		return &a, nil
	}
	return t.s.GetAccountByID(ctx, id)
}

func (t *memTx) AccountByNumberForUpdate(ctx context.Context, number string) (*Account, error) {
	for _, id := range t.newAccounts {
		if t.accounts[id].AccountNumber == number {
			return t.AccountForUpdate(ctx, id)
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.byNumber[number]
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return t.AccountForUpdate(ctx, id)
}

func (t *memTx) LockOwner(ctx context.Context, ownerID int64) error {
	return t.lock(ctx, ownerLockKey(ownerID))
}

func (t *memTx) ownerAccounts(ownerID int64) []Account {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []Account
	for _, a := range t.s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	for _, id := range t.newAccounts {
		if a := t.accounts[id]; a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out
}

func (t *memTx) CountAccountsByOwner(_ context.Context, ownerID int64) (int, error) {
	return len(t.ownerAccounts(ownerID)), nil
}

func (t *memTx) ExistsForOwner(_ context.Context, ownerID int64, accountType AccountType) (bool, error) {
	for _, a := range t.ownerAccounts(ownerID) {
		if a.Type == accountType {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAccount(ctx context.Context, a *Account) error {
	if err := t.lock(ctx, "account-number:"+a.AccountNumber); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, taken := t.s.byNumber[a.AccountNumber]
	t.s.mu.RUnlock()
	for _, id := range t.newAccounts {
		if t.accounts[id].AccountNumber == a.AccountNumber {
			taken = true
		}
	}
	if taken {
		return ErrDuplicateAccountNumber
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := t.lock(ctx, "account:"+a.ID.String()); err != nil {
		return err
	}
	t.accounts[a.ID] = *a
	t.newAccounts = append(t.newAccounts, a.ID)
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a *Account) error {
	if _, ok := t.held["account:"+a.ID.String()]; !ok {
		return fmt.Errorf("update account %s: row not locked", a.ID)
	}
	a.UpdatedAt = time.Now().UTC()
	t.accounts[a.ID] = *a
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.IdempotencyKey != "" {
		if _, err := t.TransactionByIdempotencyKey(ctx, txn.AccountID, txn.IdempotencyKey); err == nil {
			return ErrDuplicateIdempotency
		}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now().UTC()
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *memTx) TransactionByIdempotencyKey(_ context.Context, accountID uuid.UUID, key string) (*Transaction, error) {
	for i := range t.txns {
		if t.txns[i].AccountID == accountID && t.txns[i].IdempotencyKey == key {
			found := t.txns[i]
			return &found, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, txn := range t.s.transactions[accountID] {
		if txn.IdempotencyKey == key {
			return &txn, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) TransactionByKey(_ context.Context, key string) (*Transaction, error) {
	for i := range t.txns {
		if t.txns[i].IdempotencyKey == key {
			found := t.txns[i]
			return &found, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, txns := range t.s.transactions {
		for _, txn := range txns {
			if txn.IdempotencyKey == key {
				return &txn, nil
			}
		}
	}
	return nil, ErrNotFound
}

// GetOrCreatePosition holds the (account, symbol) key lock from the existence
// check through commit, so concurrent first buys serialize on it.
func (t *memTx) GetOrCreatePosition(ctx context.Context, accountID uuid.UUID, symbol, walletAddress string) (*CryptoPosition, bool, error) {
	pos, err := t.PositionForUpdate(ctx, accountID, symbol)
	if err == nil {
		return pos, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	created := CryptoPosition{
		ID:            uuid.New(),
		AccountID:     accountID,
		Symbol:        NormalizeSymbol(symbol),
		WalletAddress: walletAddress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.positions[positionKey(accountID, symbol)] = created
	return &created, true, nil
}

func (t *memTx) PositionForUpdate(ctx context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error) {
	key := positionKey(accountID, symbol)
	if err := t.lock(ctx, "position:"+key); err != nil {
		return nil, err
	}
	if p, ok := t.positions[key]; ok {
		return &p, nil
	}
	return t.s.GetPosition(ctx, accountID, symbol)
}

func (t *memTx) UpdatePosition(_ context.Context, p *CryptoPosition) error {
	key := positionKey(p.AccountID, p.Symbol)
	if _, ok := t.held["position:"+key]; !ok {
		return fmt.Errorf("update position %s: row not locked", key)
	}
	p.UpdatedAt = time.Now().UTC()
	t.positions[key] = *p
	return nil
}

func (t *memTx) InsertCryptoTransaction(ctx context.Context, c *CryptoTransaction) error {
	if c.IdempotencyKey != "" {
		if _, err := t.CryptoTransactionByIdempotencyKey(ctx, c.AccountID, c.IdempotencyKey); err == nil {
			return ErrDuplicateIdempotency
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	if err := t.lock(ctx, "crypto-tx:"+c.ID.String()); err != nil {
		return err
	}
	t.cryptoTxs[c.ID] = *c
	t.newCryptoTx = append(t.newCryptoTx, c.ID)
	return nil
}

func (t *memTx) CryptoTransactionForUpdate(ctx context.Context, id uuid.UUID) (*CryptoTransaction, error) {
	if err := t.lock(ctx, "crypto-tx:"+id.String()); err != nil {
		return nil, err
	}
	if c, ok := t.cryptoTxs[id]; ok {
		return &c, nil
	}
	return t.s.GetCryptoTransaction(ctx, id)
}

func (t *memTx) UpdateCryptoTransaction(_ context.Context, c *CryptoTransaction) error {
	if _, ok := t.held["crypto-tx:"+c.ID.String()]; !ok {
		return fmt.Errorf("update crypto transaction %s: row not locked", c.ID)
	}
	t.cryptoTxs[c.ID] = *c
	return nil
}

func (t *memTx) CryptoTransactionByIdempotencyKey(_ context.Context, accountID uuid.UUID, key string) (*CryptoTransaction, error) {
	for _, id := range t.newCryptoTx {
		if c := t.cryptoTxs[id]; c.AccountID == accountID && c.IdempotencyKey == key {
			return &c, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, id := range t.s.cryptoByAccount[accountID] {
		if c := t.s.cryptoTxs[id]; c.IdempotencyKey == key {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range t.accounts {
		s.accounts[id] = a
		s.byNumber[a.AccountNumber] = id
	}
	for _, txn := range t.txns {
		s.transactions[txn.AccountID] = append(s.transactions[txn.AccountID], txn)
	}
	for key, p := range t.positions {
		s.positions[key] = p
	}
	for _, id := range t.newCryptoTx {
		c := t.cryptoTxs[id]
		s.cryptoByAccount[c.AccountID] = append(s.cryptoByAccount[c.AccountID], id)
	}
	for id, c := range t.cryptoTxs {
		s.cryptoTxs[id] = c
	}
}

func positionKey(accountID uuid.UUID, symbol string) string {
	return accountID.String() + ":" + NormalizeSymbol(symbol)
}

// keyedLocks is a map of one-slot semaphores so waiters can give up on ctx.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*lockSlot)}
}

func (k *keyedLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.drop(key, slot)
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	slot := k.slots[key]
	k.mu.Unlock()
	if slot == nil {
		return
	}
	<-slot.ch
	k.drop(key, slot)
}

func (k *keyedLocks) drop(key string, slot *lockSlot) {
	k.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// size reports how many keys currently have holders or waiters.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
