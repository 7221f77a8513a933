package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryBackoff time.Duration
}

type ConsumerOption func(*Consumer)

// WithDLQ routes messages that fail permanently (or exhaust retries) to topic.
func WithDLQ(publisher Publisher, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.dlqPublisher = publisher
		c.dlqTopic = topic
	}
}

func WithRetry(maxAttempts int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	c := &Consumer{
		group:        group,
		logger:       logger,
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Consume blocks until ctx is cancelled, rejoining the group after rebalances.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
		retryBackoff: c.retryBackoff,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	retryBackoff time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if !h.process(session, msg) {
			return nil
		}
	}
	return nil
}

// process handles one message, retrying transient failures in place. It returns
// false when the session ended before the message could be settled.
func (h *consumerGroupHandler) process(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) bool {
	ctx := session.Context()
	key := messageKey(msg)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.clear(key)
			session.MarkMessage(msg, "")
			return true
		}

		attempts := h.retryTracker.inc(key)
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) || attempts >= h.retryTracker.maxAttempts {
			if dlqErr == nil {
				dlqErr = &DLQError{Err: err, Reason: "max_retries"}
			}
			h.deadLetter(ctx, msg, dlqErr, attempts)
			h.retryTracker.clear(key)
			session.MarkMessage(msg, "")
			return true
		}

		h.logger.Warn("kafka message handler error, retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempts, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.retryBackoff * time.Duration(attempts)):
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	h.logger.Error("kafka message dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
		"attempts", attempts, "error", dlqErr)
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, payload.Key, payload); err != nil {
		h.logger.Error("publish dlq failed", "topic", h.dlqTopic, "error", err)
	}
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10)
}

// retryTracker counts handler attempts per message; stale entries expire after ttl.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[string]retryEntry
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{maxAttempts: maxAttempts, ttl: ttl, entries: make(map[string]retryEntry)}
}

func (r *retryTracker) inc(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.seen) > r.ttl {
			delete(r.entries, k)
		}
	}
	e := r.entries[key]
	e.attempts++
	e.seen = now
	r.entries[key] = e
	return e.attempts
}

func (r *retryTracker) clear(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}
