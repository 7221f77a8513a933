package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/AfshinJalili/gobank/libs/auth"
	"github.com/AfshinJalili/gobank/libs/logging"
	"github.com/AfshinJalili/gobank/services/account/internal/config"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type demoOwner struct {
	id      int64
	name    string
	deposit string
}

var demoOwners = []demoOwner{
	{id: 1, name: "demo", deposit: "10000.00"},
	{id: 2, name: "trader", deposit: "250000.00"},
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: BANK_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		log.Fatalf("refusing to seed: storage driver %q keeps nothing between runs", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, "account-seed", cfg.App.Env)
	store := storage.NewPostgresStore(pool, logger)
	provisionType, err := storage.ParseAccountType(cfg.Provisioning.AccountType)
	if err != nil {
		log.Fatalf("provisioning account type: %v", err)
	}
	ledger := service.NewLedgerService(service.Deps{Store: store, Logger: logger}, service.LedgerConfig{
		Currency:         cfg.Trading.Currency,
		ProvisionType:    provisionType,
		ProvisionBalance: cfg.Provisioning.Balance,
	})

	fmt.Println("Seeding accounts...")
	for _, owner := range demoOwners {
		acct, created, err := ledger.ProvisionDefaultAccount(ctx, owner.id)
		if err != nil {
			log.Fatalf("provision %s: %v", owner.name, err)
		}
		// The idempotency key makes reruns a no-op.
		key := fmt.Sprintf("seed-%s-deposit", owner.name)
		if _, err := ledger.Deposit(ctx, acct.AccountNumber, decimal.RequireFromString(owner.deposit), "Seed deposit", "seed", key); err != nil {
			log.Fatalf("deposit %s: %v", owner.name, err)
		}
		state := "existing"
		if created {
			state = "created"
		}
		fmt.Printf("✓ %s (owner %d): %s account %s\n", owner.name, owner.id, state, acct.AccountNumber)
	}

	fmt.Println("\n=== Seed Complete ===")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("\nBearer tokens (24h):")
		for _, owner := range demoOwners {
			token, err := auth.IssueToken(owner.id, []byte(cfg.Auth.JWTSecret), 24*time.Hour)
			if err != nil {
				log.Fatalf("issue token: %v", err)
			}
			fmt.Printf("  %s: %s\n", owner.name, token)
		}
	}

	if cfg.App.Env == "dev" {
		full, prefix, hash, err := apikey.Generate(cfg.App.Env)
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate api key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("\nInternal API key (DEV ONLY):")
		fmt.Printf("  key:    %s\n", full)
		fmt.Printf("  config: BANK_INTERNAL_API_KEYS=seed:%s:%s\n", prefix, hash)
	}
}
