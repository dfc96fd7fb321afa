// Package events hands committed ledger movements to downstream consumers
// such as notification and settlement workers. Delivery happens after commit
// and never affects the outcome of the movement itself.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/sirupsen/logrus"
)

type Type string

const (
	TransferCompleted   Type = "transfer.completed"
	TransactionReversed Type = "transaction.reversed"
)

type Event struct {
	ID                    string    `json:"id"`
	Type                  Type      `json:"type"`
	TransactionID         int64     `json:"transaction_id"`
	ReversedTransactionID *int64    `json:"reversed_transaction_id,omitempty"`
	FromAccountID         int64     `json:"from_account_id"`
	ToAccountID           int64     `json:"to_account_id"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	ReferenceID           string    `json:"reference_id,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// FromTransaction builds an event for a committed transaction.
func FromTransaction(eventType Type, t *models.Transaction) Event {
	occurredAt := t.CreatedAt
	if t.CompletedAt != nil {
		occurredAt = *t.CompletedAt
	}
	return Event{
		ID:                    uuid.NewString(),
		Type:                  eventType,
		TransactionID:         t.ID,
		ReversedTransactionID: t.ReversesID,
		FromAccountID:         t.FromAccountID,
		ToAccountID:           t.ToAccountID,
		Amount:                t.Amount,
		Currency:              t.Currency,
		ReferenceID:           t.ReferenceID,
		OccurredAt:            occurredAt,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher pushes events onto a redis list consumed by workers.
type RedisPublisher struct {
	client *redis.Client
	queue  string
}

func NewRedisPublisher(client *redis.Client, queue string) *RedisPublisher {
	return &RedisPublisher{client: client, queue: queue}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.client.RPush(ctx, p.queue, data).Err()
}

// LogPublisher writes events to the log when no queue is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.log.WithFields(logrus.Fields{
		"event_id":       e.ID,
		"event_type":     e.Type,
		"transaction_id": e.TransactionID,
		"amount":         e.Amount,
		"currency":       e.Currency,
	}).Info("[EVENTS] Ledger event")
	return nil
}
