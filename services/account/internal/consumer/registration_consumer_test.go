package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/AfshinJalili/gobank/libs/kafka"
	"github.com/AfshinJalili/gobank/libs/logging"
	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/service"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/IBM/sarama"
)

type fakeProvisioner struct {
	mu     sync.Mutex
	owners []int64
	seen   map[int64]bool
	err    error
}

func (f *fakeProvisioner) ProvisionDefaultAccount(_ context.Context, ownerID int64) (*storage.Account, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, ownerID)
	if f.err != nil {
		return nil, false, f.err
	}
	if f.seen == nil {
		f.seen = map[int64]bool{}
	}
	if f.seen[ownerID] {
		return nil, false, nil
	}
	f.seen[ownerID] = true
	return &storage.Account{OwnerID: ownerID, AccountNumber: "ACC0000000001"}, true, nil
}

func registrationMessage(t *testing.T, userID int64) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(userRegisteredEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	payload, err := json.Marshal(UserRegisteredEvent{Envelope: env, UserID: userID, Username: "alice", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: userRegisteredEventType, Value: payload}
}

func isDLQ(err error) bool {
	var dlqErr *kafka.DLQError
	return errors.As(err, &dlqErr)
}

func TestRegistrationConsumerProvisions(t *testing.T) {
	p := &fakeProvisioner{}
	c := NewRegistrationConsumer(p, logging.Discard())
	msg := registrationMessage(t, 42)

	if err := c.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := c.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("expected duplicate to be a no-op, got %v", err)
	}
	if len(p.owners) != 2 || p.owners[0] != 42 {
		t.Fatalf("unexpected provisioning calls %v", p.owners)
	}
}

func TestRegistrationConsumerDeadLettersMalformed(t *testing.T) {
	c := NewRegistrationConsumer(&fakeProvisioner{}, logging.Discard())
	cases := map[string][]byte{
		"not json":       []byte("bad"),
		"missing id":     []byte(`{"event_id":"1","event_type":"user.registered","event_version":1,"timestamp":"2026-01-01T00:00:00Z"}`),
		"wrong type":     []byte(`{"event_id":"1","event_type":"user.deleted","event_version":1,"timestamp":"2026-01-01T00:00:00Z","user_id":5}`),
		"no envelope":    []byte(`{"user_id":5}`),
		"empty":          nil,
		"negative owner": []byte(`{"event_id":"1","event_type":"user.registered","event_version":1,"timestamp":"2026-01-01T00:00:00Z","user_id":-3}`),
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: value})
			if !isDLQ(err) {
				t.Fatalf("expected dlq error, got %v", err)
			}
		})
	}
}

func TestRegistrationConsumerRetriesTransientErrors(t *testing.T) {
	p := &fakeProvisioner{err: apperr.ErrInternal}
	c := NewRegistrationConsumer(p, logging.Discard())
	err := c.HandleMessage(context.Background(), registrationMessage(t, 9))
	if err == nil || isDLQ(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	p.err = apperr.Wrap(apperr.ErrInvalidRequest, "owner id must be positive")
	if err := c.HandleMessage(context.Background(), registrationMessage(t, 9)); !isDLQ(err) {
		t.Fatalf("expected validation failure to dead-letter, got %v", err)
	}
}

func TestRegistrationConsumerWithLedger(t *testing.T) {
	store := storage.NewMemoryStore()
	ledger := service.NewLedgerService(service.Deps{Store: store, Logger: logging.Discard()}, service.LedgerConfig{ProvisionBalance: service.DefaultProvisionBalance})
	c := NewRegistrationConsumer(ledger, logging.Discard())

	var wg sync.WaitGroup
	errCh := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.HandleMessage(context.Background(), registrationMessage(t, 77))
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("HandleMessage: %v", err)
		}
	}

	accounts, err := store.ListAccountsByOwner(context.Background(), 77)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected one account, got %d", len(accounts))
	}
	if accounts[0].Type != storage.AccountTypeTrading || !accounts[0].Balance.Equal(service.DefaultProvisionBalance) {
		t.Fatalf("unexpected account %+v", accounts[0])
	}
}
