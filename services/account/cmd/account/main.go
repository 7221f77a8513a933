package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/AfshinJalili/gobank/libs/health"
	"github.com/AfshinJalili/gobank/libs/httpmiddleware"
	"github.com/AfshinJalili/gobank/libs/kafka"
	"github.com/AfshinJalili/gobank/libs/logging"
	"github.com/AfshinJalili/gobank/libs/metrics"
	"github.com/AfshinJalili/gobank/libs/trace"
	"github.com/AfshinJalili/gobank/services/account/internal/cache"
	"github.com/AfshinJalili/gobank/services/account/internal/config"
	"github.com/AfshinJalili/gobank/services/account/internal/consumer"
	"github.com/AfshinJalili/gobank/services/account/internal/events"
	"github.com/AfshinJalili/gobank/services/account/internal/handlers"
	"github.com/AfshinJalili/gobank/services/account/internal/oracle"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if err := run(cfg, logger); err != nil {
		logger.Error("account service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := trace.InitTracer(ctx, cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)
	serviceMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	store, closeStore, err := openStore(ctx, cfg, logger, ready)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	quoteCache, closeCache := openQuoteCache(cfg, ready)
	defer closeCache()

	priceOracle := oracle.New(oracle.Config{
		BaseURL:            cfg.Oracle.BaseURL,
		APIKey:             cfg.Oracle.APIKey,
		APIKeyHeader:       cfg.Oracle.APIKeyHeader,
		Timeout:            cfg.Oracle.Timeout,
		MaxRetries:         cfg.Oracle.MaxRetries,
		Backoff:            cfg.Oracle.Backoff,
		MaxBatch:           cfg.Oracle.MaxBatch,
		BreakerFailures:    uint32(cfg.Oracle.BreakerFailures),
		BreakerOpenTimeout: cfg.Oracle.BreakerOpenTimeout,
	}, logging.Component(logger, "oracle"), oracle.WithCache(quoteCache), oracle.WithMetrics(serviceMetrics))

	var (
		producer  *kafka.SyncProducer
		publisher service.EventPublisher
	)
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		var out kafka.Publisher = producer
		if cfg.Kafka.Topics.DLQ != "" {
			out = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger)
		}
		publisher = events.NewPublisher(out, events.Topics{
			Transactions:       cfg.Kafka.Topics.Transactions,
			CryptoTransactions: cfg.Kafka.Topics.CryptoTransactions,
		}, logging.Component(logger, "events"))
	} else {
		logger.Warn("kafka disabled, registration events and ledger events are off")
	}

	provisionType, err := storage.ParseAccountType(cfg.Provisioning.AccountType)
	if err != nil {
		return fmt.Errorf("provisioning account type: %w", err)
	}
	deps := service.Deps{
		Store:   store,
		Logger:  logging.Component(logger, "service"),
		Metrics: serviceMetrics,
		Events:  publisher,
	}
	ledger := service.NewLedgerService(deps, service.LedgerConfig{
		Currency:         cfg.Trading.Currency,
		ProvisionType:    provisionType,
		ProvisionBalance: cfg.Provisioning.Balance,
	})
	trading := service.NewTradingService(deps, priceOracle,
		service.NewFlatFeePolicy(cfg.Trading.NetworkFee, cfg.Trading.FeeOverrides),
		service.NewSymbolMap(cfg.Trading.SymbolIDs),
		cfg.Trading.Currency)

	records, err := apikey.ParseRecords(cfg.Auth.InternalKeys)
	if err != nil {
		return fmt.Errorf("internal api keys: %w", err)
	}
	keyring, err := apikey.NewKeyring(records...)
	if err != nil {
		return fmt.Errorf("internal api keys: %w", err)
	}
	if len(records) == 0 {
		logger.Warn("no internal api keys configured, internal routes will reject every caller")
	}

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))
	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))
	handlers.New(ledger, trading, logging.Component(logger, "http")).Register(router, []byte(cfg.Auth.JWTSecret), keyring)

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.Enabled() {
		group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logging.Component(logger, "consumer"),
			kafka.WithDLQ(producer, cfg.Kafka.Topics.DLQ),
			kafka.WithRetry(cfg.Kafka.MaxRetries, cfg.Kafka.RetryBackoff))
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer group.Close()
		registrations := consumer.NewRegistrationConsumer(ledger, logging.Component(logger, "registration"))
		g.Go(func() error {
			logger.Info("registration consumer starting", "topic", cfg.Kafka.Topics.UserRegistered)
			err := group.Consume(gctx, []string{cfg.Kafka.Topics.UserRegistered}, registrations)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		logger.Info("account http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown started")
		ready.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	ready.SetReady(true)
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready *health.Manager) (storage.Store, func(), error) {
	if cfg.Storage.Driver == config.DriverMemory {
		logger.Warn("using in-memory store, balances are lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, cfg.DB.DSN())
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	store := storage.NewPostgresStore(pool, logging.Component(logger, "storage"))
	ready.AddCheck("postgres", store.Ping)
	return store, pool.Close, nil
}

func openQuoteCache(cfg *config.Config, ready *health.Manager) (cache.QuoteCache, func()) {
	if !cfg.Redis.Enabled() {
		return cache.NewMemoryQuoteCache(cfg.Oracle.CacheTTL), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	return cache.NewRedisQuoteCache(client, cfg.Oracle.CacheTTL, ""), func() { _ = client.Close() }
}
