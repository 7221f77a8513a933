package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/gobank/libs/kafka"
	"github.com/AfshinJalili/gobank/services/account/internal/apperr"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
	"github.com/IBM/sarama"
)

const userRegisteredEventType = "user.registered"

type UserRegisteredEvent struct {
	kafka.Envelope
	UserID       int64      `json:"user_id"`
	Username     string     `json:"username,omitempty"`
	Email        string     `json:"email,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

type Provisioner interface {
	ProvisionDefaultAccount(ctx context.Context, ownerID int64) (*storage.Account, bool, error)
}

// RegistrationConsumer opens the default trading account for every newly
// registered user. Redelivered events are no-ops because provisioning skips
// owners that already hold an account.
type RegistrationConsumer struct {
	provisioner Provisioner
	logger      *slog.Logger
}

func NewRegistrationConsumer(provisioner Provisioner, logger *slog.Logger) *RegistrationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistrationConsumer{provisioner: provisioner, logger: logger}
}

func (c *RegistrationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event UserRegisteredEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", userRegisteredEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	acct, created, err := c.provisioner.ProvisionDefaultAccount(ctx, event.UserID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return kafka.DLQ(err, "invalid_event")
		}
		return fmt.Errorf("provision account for user %d: %w", event.UserID, err)
	}
	if !created {
		c.logger.Info("registration already provisioned", "event_id", event.EventID, "user_id", event.UserID)
		return nil
	}
	c.logger.Info("registration provisioned",
		"event_id", event.EventID, "user_id", event.UserID, "account_number", acct.AccountNumber)
	return nil
}

func (e *UserRegisteredEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != userRegisteredEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if e.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}
	if e.Email != "" && !strings.Contains(e.Email, "@") {
		return fmt.Errorf("email is malformed")
	}
	return nil
}
