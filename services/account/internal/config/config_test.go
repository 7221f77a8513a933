package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("BANK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Kafka.Enabled() || cfg.Redis.Enabled() {
		t.Fatalf("expected kafka and redis disabled by default")
	}
	if cfg.Kafka.Topics.UserRegistered != "user.registered" || cfg.Kafka.Topics.CryptoTransactions != "account.crypto_transactions" {
		t.Fatalf("unexpected topics %+v", cfg.Kafka.Topics)
	}
	if !cfg.Trading.NetworkFee.Equal(decimal.RequireFromString("0.50")) || cfg.Trading.Currency != "USD" {
		t.Fatalf("unexpected trading config %+v", cfg.Trading)
	}
	if !cfg.Provisioning.Balance.Equal(decimal.RequireFromString("3500")) || cfg.Provisioning.AccountType != "TRADING" {
		t.Fatalf("unexpected provisioning config %+v", cfg.Provisioning)
	}
	if cfg.Oracle.APIKeyHeader != "x-cg-demo-api-key" || cfg.Oracle.Timeout != 10*time.Second || cfg.Oracle.MaxBatch != 50 {
		t.Fatalf("unexpected oracle config %+v", cfg.Oracle)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("STORAGE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ORACLE_TIMEOUT", "2s")
	t.Setenv("TRADING_FEE_OVERRIDES", "btc:sell=1.25,ETH=0.75")
	t.Setenv("TRADING_SYMBOL_IDS", "SOL=solana")
	t.Setenv("PROVISION_BALANCE", "100.00")
	t.Setenv("BANK_INTERNAL_API_KEYS", "gateway:abc:deadbeef")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.Storage.Driver)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if !cfg.Redis.Enabled() || cfg.Oracle.Timeout != 2*time.Second {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Redis, cfg.Oracle)
	}
	if fee := cfg.Trading.FeeOverrides["BTC:SELL"]; !fee.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("unexpected fee overrides %v", cfg.Trading.FeeOverrides)
	}
	if cfg.Trading.SymbolIDs["SOL"] != "solana" {
		t.Fatalf("unexpected symbol ids %v", cfg.Trading.SymbolIDs)
	}
	if !cfg.Provisioning.Balance.Equal(decimal.RequireFromString("100")) || len(cfg.Auth.InternalKeys) != 1 {
		t.Fatalf("unexpected config %+v %+v", cfg.Provisioning, cfg.Auth)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("storage:\n  driver: memory\ntrading:\n  currency: eur\n  symbol_ids:\n    - DOT=polkadot\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BANK_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != DriverMemory || cfg.Trading.Currency != "EUR" || cfg.Trading.SymbolIDs["DOT"] != "polkadot" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"driver":       {"STORAGE_DRIVER", "sqlite"},
		"fee":          {"TRADING_NETWORK_FEE", "abc"},
		"negative fee": {"TRADING_NETWORK_FEE", "-1"},
		"override":     {"TRADING_FEE_OVERRIDES", "BTC"},
		"symbol ids":   {"TRADING_SYMBOL_IDS", "=bitcoin"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			t.Setenv(env[0], env[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", env[0], env[1])
			}
		})
	}
}
