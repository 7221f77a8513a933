package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/gobank/libs/kafka"
	"github.com/AfshinJalili/gobank/services/account/internal/storage"
)

const (
	TransactionEventType       = "account.transactions"
	CryptoTransactionEventType = "account.crypto_transactions"
	eventVersion               = 1
)

type Topics struct {
	Transactions       string
	CryptoTransactions string
}

type TransactionEvent struct {
	kafka.Envelope
	TransactionID  string `json:"transaction_id"`
	AccountID      string `json:"account_id"`
	AccountNumber  string `json:"account_number"`
	OwnerID        int64  `json:"owner_id"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	BalanceBefore  string `json:"balance_before"`
	BalanceAfter   string `json:"balance_after"`
	Description    string `json:"description,omitempty"`
	Reference      string `json:"reference,omitempty"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type CryptoTransactionEvent struct {
	kafka.Envelope
	TransactionID      string `json:"transaction_id"`
	AccountID          string `json:"account_id"`
	Type               string `json:"type"`
	Symbol             string `json:"symbol"`
	CryptoAmount       string `json:"crypto_amount"`
	FiatAmount         string `json:"fiat_amount"`
	FiatCurrency       string `json:"fiat_currency"`
	PricePerUnit       string `json:"price_per_unit"`
	NetworkFee         string `json:"network_fee"`
	CryptoBalanceAfter string `json:"crypto_balance_after"`
	FiatBalanceAfter   string `json:"fiat_balance_after"`
	Status             string `json:"status"`
	TxHash             string `json:"tx_hash,omitempty"`
	Confirmations      int    `json:"confirmations,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// Publisher emits committed ledger movements to Kafka, keyed by account id so
// one account's events stay ordered on a partition.
type Publisher struct {
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
}

func NewPublisher(producer kafka.Publisher, topics Topics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topics.Transactions == "" {
		topics.Transactions = TransactionEventType
	}
	if topics.CryptoTransactions == "" {
		topics.CryptoTransactions = CryptoTransactionEventType
	}
	return &Publisher{producer: producer, topics: topics, logger: logger}
}

func (p *Publisher) PublishTransaction(ctx context.Context, acct storage.Account, txn storage.Transaction) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	eventID := kafka.DeterministicEventID(TransactionEventType, txn.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, TransactionEventType, eventVersion, correlationID(txn.IdempotencyKey, txn.ID.String()))
	if err != nil {
		return err
	}
	payload := TransactionEvent{
		Envelope:       env,
		TransactionID:  txn.ID.String(),
		AccountID:      acct.ID.String(),
		AccountNumber:  acct.AccountNumber,
		OwnerID:        acct.OwnerID,
		Type:           string(txn.Type),
		Amount:         txn.Amount.StringFixed(storage.FiatScale),
		Currency:       acct.Currency,
		BalanceBefore:  txn.BalanceBefore.StringFixed(storage.FiatScale),
		BalanceAfter:   txn.BalanceAfter.StringFixed(storage.FiatScale),
		Description:    txn.Description,
		Reference:      txn.Reference,
		Status:         string(txn.Status),
		IdempotencyKey: txn.IdempotencyKey,
		CreatedAt:      txn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := p.producer.PublishJSON(ctx, p.topics.Transactions, acct.ID.String(), payload); err != nil {
		return fmt.Errorf("publish %s: %w", TransactionEventType, err)
	}
	return nil
}

// PublishCryptoTransaction uses the status in the event id so each confirmation
// step of a deposit is a distinct event while redeliveries collapse.
func (p *Publisher) PublishCryptoTransaction(ctx context.Context, txn storage.CryptoTransaction) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer not configured")
	}
	eventID := kafka.DeterministicEventID(CryptoTransactionEventType, txn.ID.String(), string(txn.Status), fmt.Sprint(txn.Chain.Confirmations))
	env, err := kafka.NewEnvelopeWithID(eventID, CryptoTransactionEventType, eventVersion, correlationID(txn.IdempotencyKey, txn.ID.String()))
	if err != nil {
		return err
	}
	payload := CryptoTransactionEvent{
		Envelope:           env,
		TransactionID:      txn.ID.String(),
		AccountID:          txn.AccountID.String(),
		Type:               string(txn.Type),
		Symbol:             txn.Symbol,
		CryptoAmount:       txn.CryptoAmount.String(),
		FiatAmount:         txn.FiatAmount.StringFixed(storage.FiatScale),
		FiatCurrency:       txn.FiatCurrency,
		PricePerUnit:       txn.PricePerUnit.String(),
		NetworkFee:         txn.NetworkFee.StringFixed(storage.FiatScale),
		CryptoBalanceAfter: txn.CryptoBalanceAfter.String(),
		FiatBalanceAfter:   txn.FiatBalanceAfter.StringFixed(storage.FiatScale),
		Status:             string(txn.Status),
		TxHash:             txn.Chain.TxHash,
		Confirmations:      txn.Chain.Confirmations,
		CreatedAt:          txn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, _, err := p.producer.PublishJSON(ctx, p.topics.CryptoTransactions, txn.AccountID.String(), payload); err != nil {
		return fmt.Errorf("publish %s: %w", CryptoTransactionEventType, err)
	}
	return nil
}

func correlationID(key, fallback string) string {
	if key != "" {
		return key
	}
	return fallback
}
