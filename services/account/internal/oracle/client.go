// Package oracle fetches fiat quotes for crypto assets from a CoinGecko-style
// /simple/price endpoint.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/cache"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL      = "https://api.coingecko.com/api/v3"
	DefaultAPIKeyHeader = "x-cg-demo-api-key"
	DefaultMaxBatch     = 50
)

type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	MaxRetries   int
	Backoff      time.Duration
	MaxBatch     int

	// Breaker trips after this many consecutive transient failures and stays
	// open for BreakerOpenTimeout.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = DefaultAPIKeyHeader
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

// Metrics is implemented by service.Metrics. Implementations must tolerate a
// nil receiver.
type Metrics interface {
	ObserveOracleRequest(result string, duration time.Duration)
	IncOracleRetry()
	IncOracleCache(result string)
	SetOracleBreakerState(state string)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache enables the quote cache. A nil cache leaves it disabled.
func WithCache(qc cache.QuoteCache) Option {
	return func(c *Client) {
		c.cache = qc
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	cache   cache.QuoteCache
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
		tracer: otel.Tracer("account-service/oracle"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-oracle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Client-side rejections and abandoned requests say nothing about
		// oracle health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.SetOracleBreakerState(to.String())
			}
		},
	})
	return c
}

// GetPrice returns the quote for a single asset id, served from the cache when
// one is configured and fresh.
func (c *Client) GetPrice(ctx context.Context, assetID, currency string) (decimal.Decimal, error) {
	return c.price(ctx, assetID, currency, true)
}

// FetchPrice asks the upstream even when the cache holds a quote, and refreshes
// the cache with the answer. Orders fill at this price.
func (c *Client) FetchPrice(ctx context.Context, assetID, currency string) (decimal.Decimal, error) {
	return c.price(ctx, assetID, currency, false)
}

func (c *Client) price(ctx context.Context, assetID, currency string, useCache bool) (decimal.Decimal, error) {
	id := normalizeID(assetID)
	if id == "" {
		return decimal.Zero, apperr.Wrap(apperr.ErrInvalidRequest, "asset id is required")
	}
	prices, err := c.prices(ctx, []string{id}, currency, useCache)
	if err != nil {
		return decimal.Zero, err
	}
	price, ok := prices[id]
	if !ok {
		return decimal.Zero, apperr.Wrap(apperr.ErrPriceUnavailable, "price unavailable for %s", id)
	}
	return price, nil
}

// GetPrices quotes up to MaxBatch ids in one round trip. Ids the oracle does
// not price are omitted from the result rather than failing the call.
func (c *Client) GetPrices(ctx context.Context, assetIDs []string, currency string) (map[string]decimal.Decimal, error) {
	return c.prices(ctx, assetIDs, currency, true)
}

func (c *Client) prices(ctx context.Context, assetIDs []string, currency string, useCache bool) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}
	ids := normalizeIDs(assetIDs)
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	if len(ids) > c.cfg.MaxBatch {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "at most %d assets per price request", c.cfg.MaxBatch)
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidRequest, "currency is required")
	}

	result := make(map[string]decimal.Decimal, len(ids))
	missing := ids
	if c.cache != nil && useCache {
		cached, err := c.cache.GetMany(ctx, currency, ids)
		if err != nil {
			c.logger.Warn("quote cache read failed", "error", err)
		}
		missing = missing[:0:0]
		for _, id := range ids {
			if price, ok := cached[id]; ok {
				result[id] = price
				continue
			}
			missing = append(missing, id)
		}
		c.observeCache(len(ids)-len(missing), len(missing))
		if len(missing) == 0 {
			return result, nil
		}
	}

	fetched, err := c.shared(ctx, missing, currency)
	if err != nil {
		return nil, err
	}

	if c.cache != nil && len(fetched) > 0 {
		if err := c.cache.SetMany(ctx, currency, fetched); err != nil {
			c.logger.Warn("quote cache write failed", "error", err)
		}
	}
	for id, price := range fetched {
		result[id] = price
	}
	return result, nil
}

// shared collapses identical concurrent lookups into one upstream fetch. The
// fetch outlives any single caller: a caller that gives up gets its context
// error back while the others still receive the result.
func (c *Client) shared(ctx context.Context, ids []string, currency string) (map[string]decimal.Decimal, error) {
	key := currency + "|" + strings.Join(ids, ",")
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetch(detached, ids, currency)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]decimal.Decimal), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("price lookup: %w", ctx.Err())
	}
}

func (c *Client) fetch(ctx context.Context, ids []string, currency string) (map[string]decimal.Decimal, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.simple_price",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("oracle.ids", len(ids)),
			attribute.String("oracle.currency", currency),
		),
	)
	defer span.End()

	start := time.Now()
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := c.breaker.Execute(func() (any, error) {
			return c.roundTrip(ctx, ids, currency)
		})
		if err == nil {
			c.observe("success", time.Since(start))
			span.SetAttributes(attribute.Int("oracle.attempts", attempt))
			return v.(map[string]decimal.Decimal), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.observe("breaker_open", time.Since(start))
			span.SetStatus(codes.Error, "circuit open")
			return nil, apperr.Wrap(apperr.ErrPriceUnavailable, "price oracle temporarily unavailable")
		}
		if !isTransient(err) || attempt == attempts {
			break
		}
		if c.metrics != nil {
			c.metrics.IncOracleRetry()
		}
		c.logger.Warn("oracle request failed, retrying", "attempt", attempt, "error", err)
		if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	c.observe("failure", time.Since(start))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "price lookup failed")
	c.logger.Error("oracle request failed", "ids", strings.Join(ids, ","), "currency", currency, "error", lastErr)
	return nil, apperr.Wrap(apperr.ErrPriceUnavailable, "price unavailable")
}

func (c *Client) roundTrip(parent context.Context, ids []string, currency string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", currency)
	q.Set("include_24hr_change", "true")
	q.Set("include_last_updated_at", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return nil, permanent(fmt.Errorf("oracle request abandoned: %w", parent.Err()))
		}
		return nil, transient(fmt.Errorf("oracle request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, transient(fmt.Errorf("oracle status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, permanent(fmt.Errorf("oracle status %d", resp.StatusCode))
	}

	var payload map[string]map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return nil, transient(fmt.Errorf("read oracle response: %w", err))
		}
		return nil, permanent(fmt.Errorf("decode oracle response: %w", err))
	}

	prices := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		quote, ok := payload[id]
		if !ok {
			continue
		}
		raw, ok := quote[currency]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(strings.Trim(string(raw), `"`))
		if err != nil || !price.IsPositive() {
			c.logger.Warn("oracle returned invalid price", "id", id, "currency", currency, "raw", string(raw))
			continue
		}
		prices[id] = price
	}
	return prices, nil
}

func (c *Client) observe(result string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveOracleRequest(result, d)
	}
}

func (c *Client) observeCache(hits, misses int) {
	if c.metrics == nil {
		return
	}
	for i := 0; i < hits; i++ {
		c.metrics.IncOracleCache("hit")
	}
	for i := 0; i < misses; i++ {
		c.metrics.IncOracleCache("miss")
	}
}

type classifiedError struct {
	err       error
	transient bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func transient(err error) error { return &classifiedError{err: err, transient: true} }
func permanent(err error) error { return &classifiedError{err: err} }

func isTransient(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.transient
	}
	return false
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := normalizeID(id)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
