package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	accountNumberAttempts = 5
	DefaultCurrency       = "USD"
	ProvisionDescription  = "Initial trading balance"
)

var DefaultProvisionBalance = decimal.RequireFromString("3500.00")

type LedgerConfig struct {
	Currency         string
	ProvisionType    storage.AccountType
	ProvisionBalance decimal.Decimal
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if !c.ProvisionType.Valid() {
		c.ProvisionType = storage.AccountTypeTrading
	}
	if c.ProvisionBalance.IsNegative() {
		c.ProvisionBalance = decimal.Zero
	}
	return c
}

// TransferResult reflects the source account after the transfer together with
// the credit row written on the destination.
type TransferResult struct {
	Source      *storage.Account
	Transaction *storage.Transaction
}

type LedgerService struct {
	store     storage.Store
	logger    *slog.Logger
	metrics   *Metrics
	events    EventPublisher
	cfg       LedgerConfig
	newNumber func() string
}

func NewLedgerService(deps Deps, cfg LedgerConfig) *LedgerService {
	return &LedgerService{
		store:     deps.Store,
		logger:    deps.logger(),
		metrics:   deps.Metrics,
		events:    deps.Events,
		cfg:       cfg.withDefaults(),
		newNumber: randomAccountNumber,
	}
}

func randomAccountNumber() string {
	return fmt.Sprintf("ACC%010d", rand.Int64N(10_000_000_000))
}

// Deposit credits an account. It is a system operation and takes no actor.
func (s *LedgerService) Deposit(ctx context.Context, accountNumber string, amount decimal.Decimal, description, reference, idempotencyKey string) (_ *storage.Transaction, err error) {
	defer s.metrics.track("deposit", time.Now(), &err)
	if err := validateFiatAmount(amount); err != nil {
		return nil, err
	}

	var (
		out      *storage.Transaction
		account  storage.Account
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.AccountByNumberForUpdate(ctx, accountNumber)
		if err != nil {
			return accountLookup(err, accountNumber)
		}
		prior, err := replayTransaction(ctx, tx, acct.ID, idempotencyKey, storage.TransactionTypeDeposit)
		if err != nil {
			return err
		}
		if prior != nil {
			out, replayed = prior, true
			return nil
		}
		if !acct.IsActive() {
			return apperr.Wrap(apperr.ErrAccountInactive, "account %s is %s", accountNumber, acct.Status)
		}

		if description == "" {
			description = "Deposit"
		}
		txn, err := s.applyCredit(ctx, tx, acct, amount, description, reference, idempotencyKey)
		if err != nil {
			return err
		}
		out, account = txn, *acct
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "deposit", err, "account_number", accountNumber)
	}
	if !replayed {
		s.publish(ctx, account, *out)
	}
	return out, nil
}

func (s *LedgerService) Withdraw(ctx context.Context, accountNumber string, amount decimal.Decimal, actorID int64, description, idempotencyKey string) (_ *storage.Transaction, err error) {
	defer s.metrics.track("withdraw", time.Now(), &err)
	if err := validateFiatAmount(amount); err != nil {
		return nil, err
	}

	var (
		out      *storage.Transaction
		account  storage.Account
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.AccountByNumberForUpdate(ctx, accountNumber)
		if err != nil {
			return accountLookup(err, accountNumber)
		}
		if err := checkOwner(acct, actorID); err != nil {
			return err
		}
		prior, err := replayTransaction(ctx, tx, acct.ID, idempotencyKey, storage.TransactionTypeWithdrawal)
		if err != nil {
			return err
		}
		if prior != nil {
			out, replayed = prior, true
			return nil
		}
		if !acct.IsActive() {
			return apperr.Wrap(apperr.ErrAccountInactive, "account %s is %s", accountNumber, acct.Status)
		}
		if acct.Balance.LessThan(amount) {
			return apperr.Wrap(apperr.ErrInsufficientFunds, "balance %s is less than %s", acct.Balance.StringFixed(storage.FiatScale), amount.StringFixed(storage.FiatScale))
		}

		before := acct.Balance
		acct.Balance = acct.Balance.Sub(amount)
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if description == "" {
			description = "Withdrawal"
		}
		txn := &storage.Transaction{
			AccountID:      acct.ID,
			Type:           storage.TransactionTypeWithdrawal,
			Amount:         amount,
			BalanceBefore:  before,
			BalanceAfter:   acct.Balance,
			Description:    description,
			IdempotencyKey: idempotencyKey,
			Status:         storage.TransactionStatusCompleted,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		out, account = txn, *acct
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "withdraw", err, "account_number", accountNumber, "actor_id", actorID)
	}
	if !replayed {
		s.publish(ctx, account, *out)
	}
	return out, nil
}

// Transfer moves amount between two accounts in one unit. Only the destination
// gets a row (a DEPOSIT documenting the credit leg); replays are keyed on the
// destination under a source-scoped key. Reusing a key towards a different
// destination is rejected.
func (s *LedgerService) Transfer(ctx context.Context, fromNumber, toNumber string, amount decimal.Decimal, actorID int64, description, idempotencyKey string) (_ *TransferResult, err error) {
	defer s.metrics.track("transfer", time.Now(), &err)
	if err := validateFiatAmount(amount); err != nil {
		return nil, err
	}
	if fromNumber == toNumber {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "cannot transfer to the same account")
	}

	src, err := s.store.GetAccountByNumber(ctx, fromNumber)
	if err != nil {
		return nil, translate(s.logger, "transfer", accountLookup(err, fromNumber))
	}
	if err := checkOwner(src, actorID); err != nil {
		return nil, err
	}
	dst, err := s.store.GetAccountByNumber(ctx, toNumber)
	if err != nil {
		return nil, translate(s.logger, "transfer", accountLookup(err, toNumber))
	}

	replayKey := ""
	if idempotencyKey != "" {
		replayKey = "transfer:" + src.ID.String() + ":" + idempotencyKey
	}

	var (
		result   TransferResult
		account  storage.Account
		replayed bool
	)
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		locked := make(map[uuid.UUID]*storage.Account, 2)
		for _, id := range storage.LockOrder(src.ID, dst.ID) {
			acct, err := tx.AccountForUpdate(ctx, id)
			if err != nil {
				return accountLookup(err, id.String())
			}
			locked[id] = acct
		}
		from, to := locked[src.ID], locked[dst.ID]

		prior, err := replayTransfer(ctx, tx, to.ID, replayKey)
		if err != nil {
			return err
		}
		if prior != nil {
			result = TransferResult{Source: from, Transaction: prior}
			replayed = true
			return nil
		}
		if !from.IsActive() {
			return apperr.Wrap(apperr.ErrAccountInactive, "account %s is %s", fromNumber, from.Status)
		}
		if !to.IsActive() {
			return apperr.Wrap(apperr.ErrAccountInactive, "account %s is %s", toNumber, to.Status)
		}
		if from.Balance.LessThan(amount) {
			return apperr.Wrap(apperr.ErrInsufficientFunds, "balance %s is less than %s", from.Balance.StringFixed(storage.FiatScale), amount.StringFixed(storage.FiatScale))
		}

		from.Balance = from.Balance.Sub(amount)
		if err := tx.UpdateAccount(ctx, from); err != nil {
			return fmt.Errorf("update source account: %w", err)
		}
		if description == "" {
			description = "Transfer from " + fromNumber
		}
		txn, err := s.applyCredit(ctx, tx, to, amount, description, fromNumber, replayKey)
		if err != nil {
			return err
		}
		result = TransferResult{Source: from, Transaction: txn}
		account = *to
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, "transfer", err, "from", fromNumber, "to", toNumber, "actor_id", actorID)
	}
	if !replayed {
		s.publish(ctx, account, *result.Transaction)
	}
	return &result, nil
}

func (s *LedgerService) Activate(ctx context.Context, accountNumber string, actorID int64) (_ *storage.Account, err error) {
	defer s.metrics.track("activate", time.Now(), &err)
	return s.setStatus(ctx, "activate", accountNumber, actorID, storage.AccountStatusActive)
}

func (s *LedgerService) Deactivate(ctx context.Context, accountNumber string, actorID int64) (_ *storage.Account, err error) {
	defer s.metrics.track("deactivate", time.Now(), &err)
	return s.setStatus(ctx, "deactivate", accountNumber, actorID, storage.AccountStatusInactive)
}

// setStatus toggles between ACTIVE and INACTIVE. Setting the current status is
// a no-op; administrative states cannot be left or entered here.
func (s *LedgerService) setStatus(ctx context.Context, operation, accountNumber string, actorID int64, target storage.AccountStatus) (*storage.Account, error) {
	var out *storage.Account
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		acct, err := tx.AccountByNumberForUpdate(ctx, accountNumber)
		if err != nil {
			return accountLookup(err, accountNumber)
		}
		if err := checkOwner(acct, actorID); err != nil {
			return err
		}
		switch acct.Status {
		case target:
			out = acct
			return nil
		case storage.AccountStatusActive, storage.AccountStatusInactive:
		default:
			return apperr.Wrap(apperr.ErrInvalidStatusTransition, "account %s is %s and cannot be changed to %s", accountNumber, acct.Status, target)
		}
		acct.Status = target
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, translate(s.logger, operation, err, "account_number", accountNumber, "actor_id", actorID)
	}
	return out, nil
}

// CreateAccount opens an account of the given type for the actor. An owner may
// hold one account per type.
func (s *LedgerService) CreateAccount(ctx context.Context, actorID int64, accountType storage.AccountType, initialDeposit decimal.Decimal) (_ *storage.Account, err error) {
	defer s.metrics.track("create_account", time.Now(), &err)
	if !accountType.Valid() {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "unknown account type %q", accountType)
	}
	if initialDeposit.IsNegative() {
		return nil, apperr.Wrap(apperr.ErrInvalidAmount, "initial deposit cannot be negative")
	}
	if !initialDeposit.IsZero() {
		if err := validateFiatAmount(initialDeposit); err != nil {
			return nil, err
		}
	}

	var (
		out *storage.Account
		txn *storage.Transaction
	)
	open := func(tx storage.Tx) error {
		if err := tx.LockOwner(ctx, actorID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
		exists, err := tx.ExistsForOwner(ctx, actorID, accountType)
		if err != nil {
			return fmt.Errorf("check existing account: %w", err)
		}
		if exists {
			return apperr.Wrap(apperr.ErrDuplicateAccountType, "a %s account already exists", accountType)
		}
		out, txn, err = s.openAccount(ctx, tx, actorID, accountType, initialDeposit, "Initial deposit")
		return err
	}
	if err := s.withAccountNumberRetry(ctx, open); err != nil {
		return nil, translate(s.logger, "create_account", err, "actor_id", actorID, "type", accountType)
	}
	if txn != nil {
		s.publish(ctx, *out, *txn)
	}
	return out, nil
}

// ProvisionDefaultAccount opens the seeded trading account for a newly
// registered owner. Owners that already hold any account are left untouched
// and created is false.
func (s *LedgerService) ProvisionDefaultAccount(ctx context.Context, ownerID int64) (_ *storage.Account, created bool, err error) {
	defer s.metrics.track("provision", time.Now(), &err)
	if ownerID <= 0 {
		return nil, false, apperr.Wrap(apperr.ErrInvalidRequest, "owner id must be positive")
	}

	var (
		out *storage.Account
		txn *storage.Transaction
	)
	err = s.withAccountNumberRetry(ctx, func(tx storage.Tx) error {
		out, txn = nil, nil
		if err := tx.LockOwner(ctx, ownerID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
		count, err := tx.CountAccountsByOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		if count > 0 {
			return nil
		}
		out, txn, err = s.openAccount(ctx, tx, ownerID, s.cfg.ProvisionType, s.cfg.ProvisionBalance, ProvisionDescription)
		return err
	})
	if err != nil {
		return nil, false, translate(s.logger, "provision", err, "owner_id", ownerID)
	}
	if out == nil {
		s.logger.Info("owner already has accounts, skipping provisioning", "owner_id", ownerID)
		return nil, false, nil
	}
	s.logger.Info("default account provisioned", "owner_id", ownerID, "account_number", out.AccountNumber)
	if txn != nil {
		s.publish(ctx, *out, *txn)
	}
	return out, true, nil
}

func (s *LedgerService) GetUserAccounts(ctx context.Context, actorID int64) (_ []storage.Account, err error) {
	defer s.metrics.track("list_accounts", time.Now(), &err)
	accounts, err := s.store.ListAccountsByOwner(ctx, actorID)
	if err != nil {
		return nil, translate(s.logger, "list_accounts", err, "actor_id", actorID)
	}
	return accounts, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountNumber string, actorID int64) (_ *storage.Account, err error) {
	defer s.metrics.track("get_account", time.Now(), &err)
	acct, err := s.ownedAccount(ctx, accountNumber, actorID)
	if err != nil {
		return nil, translate(s.logger, "get_account", err, "account_number", accountNumber)
	}
	return acct, nil
}

// GetTradingAccount returns the caller's active TRADING account.
func (s *LedgerService) GetTradingAccount(ctx context.Context, actorID int64) (_ *storage.Account, err error) {
	defer s.metrics.track("get_trading_account", time.Now(), &err)
	accounts, err := s.store.ListAccountsByOwner(ctx, actorID)
	if err != nil {
		return nil, translate(s.logger, "get_trading_account", err, "actor_id", actorID)
	}
	for i := range accounts {
		if accounts[i].Type == storage.AccountTypeTrading && accounts[i].IsActive() {
			return &accounts[i], nil
		}
	}
	return nil, apperr.Wrap(apperr.ErrAccountNotFound, "no active trading account")
}

func (s *LedgerService) ListTransactions(ctx context.Context, accountNumber string, actorID int64) (_ []storage.Transaction, err error) {
	defer s.metrics.track("list_transactions", time.Now(), &err)
	acct, err := s.ownedAccount(ctx, accountNumber, actorID)
	if err != nil {
		return nil, translate(s.logger, "list_transactions", err, "account_number", accountNumber)
	}
	txns, err := s.store.ListTransactions(ctx, acct.ID)
	if err != nil {
		return nil, translate(s.logger, "list_transactions", err, "account_number", accountNumber)
	}
	return txns, nil
}

func (s *LedgerService) ownedAccount(ctx context.Context, accountNumber string, actorID int64) (*storage.Account, error) {
	acct, err := s.store.GetAccountByNumber(ctx, accountNumber)
	if err != nil {
		return nil, accountLookup(err, accountNumber)
	}
	if err := checkOwner(acct, actorID); err != nil {
		return nil, err
	}
	return acct, nil
}

// applyCredit adds amount to a locked account and records the DEPOSIT row.
func (s *LedgerService) applyCredit(ctx context.Context, tx storage.Tx, acct *storage.Account, amount decimal.Decimal, description, reference, idempotencyKey string) (*storage.Transaction, error) {
	before := acct.Balance
	acct.Balance = acct.Balance.Add(amount)
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	txn := &storage.Transaction{
		AccountID:      acct.ID,
		Type:           storage.TransactionTypeDeposit,
		Amount:         amount,
		BalanceBefore:  before,
		BalanceAfter:   acct.Balance,
		Description:    description,
		Reference:      reference,
		IdempotencyKey: idempotencyKey,
		Status:         storage.TransactionStatusCompleted,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return txn, nil
}

// openAccount inserts an empty account and, for a positive opening balance,
// credits it through a recorded DEPOSIT.
func (s *LedgerService) openAccount(ctx context.Context, tx storage.Tx, ownerID int64, accountType storage.AccountType, opening decimal.Decimal, description string) (*storage.Account, *storage.Transaction, error) {
	acct := &storage.Account{
		OwnerID:              ownerID,
		AccountNumber:        s.newNumber(),
		Type:                 accountType,
		Status:               storage.AccountStatusActive,
		Balance:              decimal.Zero,
		Currency:             s.cfg.Currency,
		CryptoTradingEnabled: accountType.CryptoCapable(),
	}
	if err := tx.InsertAccount(ctx, acct); err != nil {
		return nil, nil, err
	}
	if !opening.IsPositive() {
		return acct, nil, nil
	}
	txn, err := s.applyCredit(ctx, tx, acct, opening, description, "", "")
	if err != nil {
		return nil, nil, err
	}
	return acct, txn, nil
}

// withAccountNumberRetry reruns the whole unit on an account number collision,
// since a failed insert poisons the surrounding database transaction.
func (s *LedgerService) withAccountNumberRetry(ctx context.Context, fn func(tx storage.Tx) error) error {
	var err error
	for attempt := 1; attempt <= accountNumberAttempts; attempt++ {
		err = s.store.InTx(ctx, fn)
		if !errors.Is(err, storage.ErrDuplicateAccountNumber) {
			return err
		}
		s.logger.Warn("account number collision, retrying", "attempt", attempt)
	}
	return fmt.Errorf("generate account number: %w", err)
}

func (s *LedgerService) publish(ctx context.Context, account storage.Account, txn storage.Transaction) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishTransaction(ctx, account, txn); err != nil {
		s.logger.Warn("publish transaction event failed", "transaction_id", txn.ID.String(), "error", err)
	}
}
