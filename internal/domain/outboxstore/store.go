// Package outboxstore defines persistence contracts for the transactional outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/domain/schema"
)

// Status is the delivery state of an outbox row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// DefaultMaxAttempts bounds delivery attempts when the caller does not choose.
const DefaultMaxAttempts = 5

// Message captures the persisted state of an outbox entry.
type Message struct {
	ID          uuid.UUID
	Kind        schema.Kind
	EntityID    uuid.UUID
	EntityType  string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   string
	OccurredOn  time.Time
	ProcessedAt *time.Time
}

// FromEnvelope builds a PENDING outbox row for a bus envelope.
func FromEnvelope(env *schema.Message, maxAttempts int) Message {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Message{
		ID:          env.ID,
		Kind:        env.Kind,
		EntityID:    env.EntityID,
		EntityType:  env.EntityType,
		Payload:     json.RawMessage(env.Payload),
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		OccurredOn:  env.OccurredOn,
	}
}

// Envelope converts the row back into a bus envelope.
func (m Message) Envelope() *schema.Message {
	return &schema.Message{
		ID:         m.ID,
		Kind:       m.Kind,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		OccurredOn: m.OccurredOn,
		Payload:    append([]byte(nil), m.Payload...),
	}
}

// CanRetry reports whether the worker may attempt delivery again.
func (m Message) CanRetry() bool {
	return m.Attempts < m.MaxAttempts && m.Status != StatusProcessed
}

// Store abstracts persistence operations for the outbox.
// Enqueue joins the transaction carried by ctx, if any. ClaimBatch must run inside one.
type Store interface {
	Enqueue(ctx context.Context, msgs ...Message) error
	ClaimBatch(ctx context.Context, limit int) ([]Message, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	// MarkFailed bumps attempts and records the error. Exhausted rows are pinned at max_attempts.
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string, exhausted bool) error
	ListFailed(ctx context.Context, limit int) ([]Message, error)
}
