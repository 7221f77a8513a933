package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func TestRedisQuoteCacheRoundTripAndExpiry(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	c := NewRedisQuoteCache(client, 10*time.Second, "test:")
	ctx := context.Background()

	err = c.SetMany(ctx, "USD", map[string]decimal.Decimal{
		"bitcoin":  decimal.RequireFromString("50000.12"),
		"ethereum": decimal.RequireFromString("3000"),
	})
	if err != nil {
		t.Fatalf("set quotes: %v", err)
	}

	got, err := c.GetMany(ctx, "usd", []string{"bitcoin", "ethereum", "cardano"})
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	if len(got) != 2 || !got["bitcoin"].Equal(decimal.RequireFromString("50000.12")) {
		t.Fatalf("unexpected quotes %v", got)
	}
	if _, ok := got["cardano"]; ok {
		t.Fatalf("expected cache miss for cardano")
	}

	s.FastForward(11 * time.Second)
	got, err = c.GetMany(ctx, "USD", []string{"bitcoin"})
	if err != nil {
		t.Fatalf("get quotes after expiry: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired quotes, got %v", got)
	}
}

func TestRedisQuoteCacheIgnoresGarbage(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	if err := s.Set("test:usd:bitcoin", "not-a-number"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := NewRedisQuoteCache(client, time.Minute, "test:")
	got, err := c.GetMany(context.Background(), "USD", []string{"bitcoin"})
	if err != nil {
		t.Fatalf("get quotes: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected garbage to be skipped, got %v", got)
	}
}

func TestMemoryQuoteCacheExpiry(t *testing.T) {
	c := NewMemoryQuoteCache(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.SetMany(ctx, "USD", map[string]decimal.Decimal{"bitcoin": decimal.NewFromInt(100)})
	if got, _ := c.GetMany(ctx, "USD", []string{"bitcoin"}); len(got) != 1 {
		t.Fatalf("expected hit, got %v", got)
	}

	now = now.Add(2 * time.Minute)
	if got, _ := c.GetMany(ctx, "USD", []string{"bitcoin"}); len(got) != 0 {
		t.Fatalf("expected miss after ttl, got %v", got)
	}
}
