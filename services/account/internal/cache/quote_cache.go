package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteCache holds recent oracle prices keyed by (asset id, currency).
type QuoteCache interface {
	GetMany(ctx context.Context, currency string, ids []string) (map[string]decimal.Decimal, error)
	SetMany(ctx context.Context, currency string, prices map[string]decimal.Decimal) error
}

func quoteKey(currency, id string) string {
	return strings.ToLower(strings.TrimSpace(currency)) + ":" + strings.ToLower(strings.TrimSpace(id))
}

type memoryEntry struct {
	price     decimal.Decimal
	expiresAt time.Time
}

// MemoryQuoteCache is the single-instance fallback used when Redis is not configured.
type MemoryQuoteCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryQuoteCache(ttl time.Duration) *MemoryQuoteCache {
	return &MemoryQuoteCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryQuoteCache) GetMany(_ context.Context, currency string, ids []string) (map[string]decimal.Decimal, error) {
	now := c.now()
	out := make(map[string]decimal.Decimal, len(ids))

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		entry, ok := c.entries[quoteKey(currency, id)]
		if !ok || now.After(entry.expiresAt) {
			continue
		}
		out[id] = entry.price
	}
	return out, nil
}

func (c *MemoryQuoteCache) SetMany(_ context.Context, currency string, prices map[string]decimal.Decimal) error {
	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, price := range prices {
		c.entries[quoteKey(currency, id)] = memoryEntry{price: price, expiresAt: expiresAt}
	}
	if len(c.entries) > 1024 {
		c.evictExpiredLocked()
	}
	return nil
}

func (c *MemoryQuoteCache) evictExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
