package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/gobank/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns)
}

type StorageConfig struct {
	Driver string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether quotes are cached in Redis rather than in process.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type KafkaTopics struct {
	UserRegistered     string
	DLQ                string
	Transactions       string
	CryptoTransactions string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxRetries    int
	RetryBackoff  time.Duration
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type OracleConfig struct {
	BaseURL            string
	APIKey             string
	APIKeyHeader       string
	Timeout            time.Duration
	MaxRetries         int
	Backoff            time.Duration
	MaxBatch           int
	CacheTTL           time.Duration
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

type TradingConfig struct {
	NetworkFee   decimal.Decimal
	FeeOverrides map[string]decimal.Decimal
	Currency     string
	SymbolIDs    map[string]string
}

type ProvisioningConfig struct {
	Balance     decimal.Decimal
	AccountType string
}

type AuthConfig struct {
	JWTSecret string
	// InternalKeys are "name:prefix:sha256" entries for the internal routes.
	InternalKeys []string
}

type Config struct {
	App          base.AppConfig
	DB           DBConfig
	Storage      StorageConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Oracle       OracleConfig
	Trading      TradingConfig
	Provisioning ProvisioningConfig
	Auth         AuthConfig
}

func Load() (*Config, error) {
	path := os.Getenv("BANK_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(base.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "account-service")
	v.SetDefault("kafka.topics.user_registered", "user.registered")
	v.SetDefault("kafka.topics.dlq", "account.dlq")
	v.SetDefault("kafka.topics.transactions", "account.transactions")
	v.SetDefault("kafka.topics.crypto_transactions", "account.crypto_transactions")
	v.SetDefault("oracle.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracle.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("trading.currency", "USD")
	v.SetDefault("trading.network_fee", "0.50")
	v.SetDefault("provisioning.balance", "3500.00")
	v.SetDefault("provisioning.account_type", "TRADING")

	networkFee, err := envDecimal("TRADING_NETWORK_FEE", v.GetString("trading.network_fee"))
	if err != nil {
		return nil, err
	}
	feeOverrides, err := parseFeeOverrides(envCSV("TRADING_FEE_OVERRIDES", v.GetStringSlice("trading.fee_overrides")))
	if err != nil {
		return nil, err
	}
	symbolIDs, err := parsePairs(envCSV("TRADING_SYMBOL_IDS", v.GetStringSlice("trading.symbol_ids")))
	if err != nil {
		return nil, err
	}
	provisionBalance, err := envDecimal("PROVISION_BALANCE", v.GetString("provisioning.balance"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "bank_accounts"),
			User:     envString("POSTGRES_USER", "bank"),
			Password: envString("POSTGRES_PASSWORD", "bank"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: envInt("POSTGRES_MAX_CONNS", 10),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(envString("STORAGE_DRIVER", v.GetString("storage.driver"))),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				UserRegistered:     envString("KAFKA_USER_REGISTERED_TOPIC", v.GetString("kafka.topics.user_registered")),
				DLQ:                envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dlq")),
				Transactions:       envString("KAFKA_TRANSACTIONS_TOPIC", v.GetString("kafka.topics.transactions")),
				CryptoTransactions: envString("KAFKA_CRYPTO_TRANSACTIONS_TOPIC", v.GetString("kafka.topics.crypto_transactions")),
			},
			MaxRetries:   envInt("KAFKA_MAX_RETRIES", 3),
			RetryBackoff: envDuration("KAFKA_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Oracle: OracleConfig{
			BaseURL:            envString("ORACLE_BASE_URL", v.GetString("oracle.base_url")),
			APIKey:             envString("ORACLE_API_KEY", v.GetString("oracle.api_key")),
			APIKeyHeader:       envString("ORACLE_API_KEY_HEADER", v.GetString("oracle.api_key_header")),
			Timeout:            envDuration("ORACLE_TIMEOUT", 10*time.Second),
			MaxRetries:         envInt("ORACLE_MAX_RETRIES", 3),
			Backoff:            envDuration("ORACLE_BACKOFF", 500*time.Millisecond),
			MaxBatch:           envInt("ORACLE_MAX_BATCH", 50),
			CacheTTL:           envDuration("ORACLE_CACHE_TTL", 30*time.Second),
			BreakerFailures:    envInt("ORACLE_BREAKER_FAILURES", 5),
			BreakerOpenTimeout: envDuration("ORACLE_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Trading: TradingConfig{
			NetworkFee:   networkFee,
			FeeOverrides: feeOverrides,
			Currency:     strings.ToUpper(envString("TRADING_CURRENCY", v.GetString("trading.currency"))),
			SymbolIDs:    symbolIDs,
		},
		Provisioning: ProvisioningConfig{
			Balance:     provisionBalance,
			AccountType: strings.ToUpper(envString("PROVISION_ACCOUNT_TYPE", v.GetString("provisioning.account_type"))),
		},
		Auth: AuthConfig{
			JWTSecret:    envString("BANK_JWT_SECRET", "change-me"),
			InternalKeys: envCSV("BANK_INTERNAL_API_KEYS", v.GetStringSlice("auth.internal_keys")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("BANK_JWT_SECRET must be set")
	}
	if c.Kafka.Enabled() && c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Trading.NetworkFee.IsNegative() {
		return fmt.Errorf("network fee cannot be negative")
	}
	if c.Provisioning.Balance.IsNegative() {
		return fmt.Errorf("provisioning balance cannot be negative")
	}
	if c.Oracle.MaxBatch <= 0 {
		return fmt.Errorf("ORACLE_MAX_BATCH must be positive")
	}
	if c.Oracle.MaxRetries < 0 {
		return fmt.Errorf("ORACLE_MAX_RETRIES cannot be negative")
	}
	return nil
}

// parseFeeOverrides reads "BTC:SELL=1.25" or "ETH=0.75" entries.
func parseFeeOverrides(entries []string) (map[string]decimal.Decimal, error) {
	pairs, err := parsePairs(entries)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(pairs))
	for key, raw := range pairs {
		fee, err := decimal.NewFromString(raw)
		if err != nil || fee.IsNegative() {
			return nil, fmt.Errorf("invalid fee override %q", key+"="+raw)
		}
		out[strings.ToUpper(key)] = fee
	}
	return out, nil
}

func parsePairs(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q, expected key=value", entry)
		}
		out[key] = value
	}
	return out, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func envDecimal(key, def string) (decimal.Decimal, error) {
	raw := envString(key, def)
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal: %w", key, err)
	}
	return d, nil
}
