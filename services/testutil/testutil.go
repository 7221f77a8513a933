package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "bank"),
		getEnv("POSTGRES_PASSWORD", "bank"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "bank_core"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := ApplySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// ApplySchema runs the account service schema; every statement is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("locate schema: runtime caller unavailable")
	}
	path := filepath.Join(filepath.Dir(file), "..", "account", "migrations", "0001_init.sql")
	sql, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := pool.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CleanupOwners removes every row belonging to the given owners.
func CleanupOwners(ctx context.Context, pool *pgxpool.Pool, ownerIDs ...int64) error {
	queries := []string{
		"DELETE FROM crypto_transactions WHERE account_id IN (SELECT id FROM accounts WHERE owner_id = ANY($1))",
		"DELETE FROM crypto_positions WHERE account_id IN (SELECT id FROM accounts WHERE owner_id = ANY($1))",
		"DELETE FROM transactions WHERE account_id IN (SELECT id FROM accounts WHERE owner_id = ANY($1))",
		"DELETE FROM accounts WHERE owner_id = ANY($1)",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q, ownerIDs); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
