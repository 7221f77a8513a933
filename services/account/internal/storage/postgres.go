package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	accountColumns = `id, owner_id, account_number, type, status, balance::text, currency,
		crypto_trading_enabled, created_at, updated_at`
	transactionColumns = `id, account_id, type, amount::text, balance_before::text, balance_after::text,
		description, reference, idempotency_key, status, created_at`
	positionColumns = `id, account_id, symbol, balance::text, available_balance::text, locked_balance::text,
		average_buy_price::text, total_invested::text, wallet_address, created_at, updated_at`
	cryptoTxColumns = `id, account_id, type, symbol, crypto_amount::text, fiat_amount::text, fiat_currency,
		price_per_unit::text, network_fee::text, crypto_balance_before::text, crypto_balance_after::text,
		fiat_balance_before::text, fiat_balance_after::text, status, description, idempotency_key,
		from_address, to_address, tx_hash, network, confirmations, required_confirmations,
		created_at, confirmed_at`

	accountNumberConstraint = "accounts_account_number_key"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) GetAccountByNumber(ctx context.Context, number string) (*Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, number))
}

func (s *PostgresStore) ListAccountsByOwner(ctx context.Context, ownerID int64) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE owner_id = $1
		ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID uuid.UUID) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error) {
	return scanPosition(s.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM crypto_positions
		WHERE account_id = $1 AND symbol = $2
	`, accountID, NormalizeSymbol(symbol)))
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID uuid.UUID) ([]CryptoPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM crypto_positions
		WHERE account_id = $1
		ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CryptoPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCryptoTransactions(ctx context.Context, accountID uuid.UUID) ([]CryptoTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cryptoTxColumns+`
		FROM crypto_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CryptoTransaction
	for rows.Next() {
		txn, err := scanCryptoTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCryptoTransaction(ctx context.Context, id uuid.UUID) (*CryptoTransaction, error) {
	return scanCryptoTransaction(s.pool.QueryRow(ctx, `SELECT `+cryptoTxColumns+` FROM crypto_transactions WHERE id = $1`, id))
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AccountForUpdate(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) AccountByNumberForUpdate(ctx context.Context, number string) (*Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1 FOR UPDATE`, number))
}

func (t *pgTx) LockOwner(ctx context.Context, ownerID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerLockKey(ownerID))
	return err
}

func (t *pgTx) CountAccountsByOwner(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

func (t *pgTx) ExistsForOwner(ctx context.Context, ownerID int64, accountType AccountType) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE owner_id = $1 AND type = $2)
	`, ownerID, string(accountType)).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertAccount(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, owner_id, account_number, type, status, balance, currency,
			crypto_trading_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, a.ID, a.OwnerID, a.AccountNumber, string(a.Type), string(a.Status), a.Balance.StringFixed(FiatScale),
		a.Currency, a.CryptoTradingEnabled, now)
	if err != nil {
		if isUniqueViolation(err, accountNumberConstraint) {
			return ErrDuplicateAccountNumber
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *Account) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET status = $1, balance = $2, crypto_trading_enabled = $3, updated_at = $4
		WHERE id = $5
	`, string(a.Status), a.Balance.StringFixed(FiatScale), a.CryptoTradingEnabled, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	txn.CreatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, balance_before, balance_after,
			description, reference, idempotency_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, txn.ID, txn.AccountID, string(txn.Type), txn.Amount.StringFixed(FiatScale),
		txn.BalanceBefore.StringFixed(FiatScale), txn.BalanceAfter.StringFixed(FiatScale),
		txn.Description, txn.Reference, nullString(txn.IdempotencyKey), string(txn.Status), txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateIdempotency
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) TransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
}

func (t *pgTx) TransactionByKey(ctx context.Context, key string) (*Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE idempotency_key = $1
		ORDER BY created_at
		LIMIT 1
	`, key))
}

// GetOrCreatePosition relies on the (account_id, symbol) unique index: a racing
// insert blocks on the index, then DO NOTHING, and the re-select waits for the
// winner's row lock.
func (t *pgTx) GetOrCreatePosition(ctx context.Context, accountID uuid.UUID, symbol, walletAddress string) (*CryptoPosition, bool, error) {
	symbol = NormalizeSymbol(symbol)
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO crypto_positions (id, account_id, symbol, balance, available_balance, locked_balance,
			total_invested, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, 0, $4, $5, $5)
		ON CONFLICT (account_id, symbol) DO NOTHING
	`, uuid.New(), accountID, symbol, walletAddress, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert position: %w", err)
	}

	pos, err := t.PositionForUpdate(ctx, accountID, symbol)
	if err != nil {
		return nil, false, err
	}
	return pos, tag.RowsAffected() == 1, nil
}

func (t *pgTx) PositionForUpdate(ctx context.Context, accountID uuid.UUID, symbol string) (*CryptoPosition, error) {
	return scanPosition(t.tx.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM crypto_positions
		WHERE account_id = $1 AND symbol = $2
		FOR UPDATE
	`, accountID, NormalizeSymbol(symbol)))
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *CryptoPosition) error {
	p.UpdatedAt = time.Now().UTC()
	var avg *string
	if !p.AverageBuyPrice.IsZero() {
		v := p.AverageBuyPrice.StringFixed(CryptoScale)
		avg = &v
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE crypto_positions
		SET balance = $1, available_balance = $2, locked_balance = $3, average_buy_price = $4,
			total_invested = $5, updated_at = $6
		WHERE id = $7
	`, p.Balance.StringFixed(CryptoScale), p.AvailableBalance.StringFixed(CryptoScale),
		p.LockedBalance.StringFixed(CryptoScale), avg, p.TotalInvested.StringFixed(FiatScale), p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertCryptoTransaction(ctx context.Context, c *CryptoTransaction) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO crypto_transactions (id, account_id, type, symbol, crypto_amount, fiat_amount, fiat_currency,
			price_per_unit, network_fee, crypto_balance_before, crypto_balance_after, fiat_balance_before,
			fiat_balance_after, status, description, idempotency_key, from_address, to_address, tx_hash,
			network, confirmations, required_confirmations, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24)
	`, c.ID, c.AccountID, string(c.Type), c.Symbol, c.CryptoAmount.StringFixed(CryptoScale),
		c.FiatAmount.StringFixed(FiatScale), c.FiatCurrency, c.PricePerUnit.StringFixed(CryptoScale),
		c.NetworkFee.StringFixed(FiatScale), c.CryptoBalanceBefore.StringFixed(CryptoScale),
		c.CryptoBalanceAfter.StringFixed(CryptoScale), c.FiatBalanceBefore.StringFixed(FiatScale),
		c.FiatBalanceAfter.StringFixed(FiatScale), string(c.Status), c.Description, nullString(c.IdempotencyKey),
		c.Chain.FromAddress, c.Chain.ToAddress, c.Chain.TxHash, c.Chain.Network, c.Chain.Confirmations,
		c.Chain.RequiredConfirmations, c.CreatedAt, c.ConfirmedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrDuplicateIdempotency
		}
		return fmt.Errorf("insert crypto transaction: %w", err)
	}
	return nil
}

func (t *pgTx) CryptoTransactionForUpdate(ctx context.Context, id uuid.UUID) (*CryptoTransaction, error) {
	return scanCryptoTransaction(t.tx.QueryRow(ctx, `SELECT `+cryptoTxColumns+` FROM crypto_transactions WHERE id = $1 FOR UPDATE`, id))
}

// UpdateCryptoTransaction only touches the fields the confirmation flow may change.
func (t *pgTx) UpdateCryptoTransaction(ctx context.Context, c *CryptoTransaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE crypto_transactions
		SET status = $1, confirmations = $2, crypto_balance_after = $3, confirmed_at = $4
		WHERE id = $5
	`, string(c.Status), c.Chain.Confirmations, c.CryptoBalanceAfter.StringFixed(CryptoScale), c.ConfirmedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update crypto transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CryptoTransactionByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*CryptoTransaction, error) {
	return scanCryptoTransaction(t.tx.QueryRow(ctx, `
		SELECT `+cryptoTxColumns+`
		FROM crypto_transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var accountType, status, balance string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.AccountNumber, &accountType, &status, &balance, &a.Currency,
		&a.CryptoTradingEnabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	a.Type = AccountType(accountType)
	a.Status = AccountStatus(status)
	var err error
	if a.Balance, err = parseDecimal(balance, "account balance"); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var txType, status, amount, before, after string
	var key *string
	if err := row.Scan(&t.ID, &t.AccountID, &txType, &amount, &before, &after, &t.Description, &t.Reference,
		&key, &status, &t.CreatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	t.Type = TransactionType(txType)
	t.Status = TransactionStatus(status)
	if key != nil {
		t.IdempotencyKey = *key
	}
	return &t, parseDecimals(
		decimalField{amount, &t.Amount, "amount"},
		decimalField{before, &t.BalanceBefore, "balance_before"},
		decimalField{after, &t.BalanceAfter, "balance_after"},
	)
}

func scanPosition(row scanner) (*CryptoPosition, error) {
	var p CryptoPosition
	var balance, available, locked, invested string
	var avg *string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &balance, &available, &locked, &avg, &invested,
		&p.WalletAddress, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapNoRows(err)
	}
	fields := []decimalField{
		{balance, &p.Balance, "balance"},
		{available, &p.AvailableBalance, "available_balance"},
		{locked, &p.LockedBalance, "locked_balance"},
		{invested, &p.TotalInvested, "total_invested"},
	}
	if avg != nil {
		fields = append(fields, decimalField{*avg, &p.AverageBuyPrice, "average_buy_price"})
	}
	return &p, parseDecimals(fields...)
}

func scanCryptoTransaction(row scanner) (*CryptoTransaction, error) {
	var c CryptoTransaction
	var txType, status string
	var cryptoAmount, fiatAmount, price, fee, cBefore, cAfter, fBefore, fAfter string
	var key *string
	if err := row.Scan(&c.ID, &c.AccountID, &txType, &c.Symbol, &cryptoAmount, &fiatAmount, &c.FiatCurrency,
		&price, &fee, &cBefore, &cAfter, &fBefore, &fAfter, &status, &c.Description, &key,
		&c.Chain.FromAddress, &c.Chain.ToAddress, &c.Chain.TxHash, &c.Chain.Network, &c.Chain.Confirmations,
		&c.Chain.RequiredConfirmations, &c.CreatedAt, &c.ConfirmedAt); err != nil {
		return nil, mapNoRows(err)
	}
	c.Type = CryptoTransactionType(txType)
	c.Status = CryptoTransactionStatus(status)
	if key != nil {
		c.IdempotencyKey = *key
	}
	return &c, parseDecimals(
		decimalField{cryptoAmount, &c.CryptoAmount, "crypto_amount"},
		decimalField{fiatAmount, &c.FiatAmount, "fiat_amount"},
		decimalField{price, &c.PricePerUnit, "price_per_unit"},
		decimalField{fee, &c.NetworkFee, "network_fee"},
		decimalField{cBefore, &c.CryptoBalanceBefore, "crypto_balance_before"},
		decimalField{cAfter, &c.CryptoBalanceAfter, "crypto_balance_after"},
		decimalField{fBefore, &c.FiatBalanceBefore, "fiat_balance_before"},
		decimalField{fAfter, &c.FiatBalanceAfter, "fiat_balance_after"},
	)
}

type decimalField struct {
	raw  string
	dst  *decimal.Decimal
	name string
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := parseDecimal(f.raw, f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func parseDecimal(raw, name string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation matches SQLSTATE 23505, optionally restricted to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func ownerLockKey(ownerID int64) string {
	return "account-owner:" + strconv.FormatInt(ownerID, 10)
}

// NormalizeSymbol is the canonical form used as the position key.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
