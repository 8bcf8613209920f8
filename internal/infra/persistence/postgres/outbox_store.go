package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
)

const outboxComponent = "outbox store"

// OutboxStore persists messages awaiting publication on the bus.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 50
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO outbox_messages (
    id,
    message_type,
    entity_id,
    entity_type,
    payload,
    payload_hash,
    status,
    attempts,
    max_attempts,
    occurred_on
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, 'PENDING', 0, $7, $8);
`

	outboxClaimSQL = `
SELECT
    id,
    message_type,
    entity_id,
    entity_type,
    payload,
    status,
    attempts,
    max_attempts,
    last_error,
    occurred_on,
    processed_at
FROM outbox_messages
WHERE status = 'PENDING'
   OR (status = 'FAILED' AND attempts < max_attempts)
ORDER BY occurred_on ASC
LIMIT $1
FOR UPDATE SKIP LOCKED;
`

	outboxListFailedSQL = `
SELECT
    id,
    message_type,
    entity_id,
    entity_type,
    payload,
    status,
    attempts,
    max_attempts,
    last_error,
    occurred_on,
    processed_at
FROM outbox_messages
WHERE status = 'FAILED'
  AND attempts >= max_attempts
ORDER BY occurred_on DESC
LIMIT $1;
`

	outboxMarkProcessingSQL = `
UPDATE outbox_messages
SET status = 'PROCESSING'
WHERE id = $1;
`

	outboxMarkProcessedSQL = `
UPDATE outbox_messages
SET status = 'PROCESSED',
    processed_at = $2,
    last_error = NULL
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE outbox_messages
SET status = 'FAILED',
    attempts = CASE WHEN $3 THEN max_attempts ELSE LEAST(attempts + 1, max_attempts) END,
    last_error = $2
WHERE id = $1;
`
)

func validateOutboxMessage(msg outboxstore.Message) error {
	if err := msg.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.EntityType) == "" {
		return errs.New(outboxComponent, errs.CodeInvalid,
			errs.WithMessage("entity type required"),
			errs.WithDetail("message_id", msg.ID.String()))
	}
	if msg.EntityID == uuid.Nil {
		return errs.New(outboxComponent, errs.CodeInvalid,
			errs.WithMessage("entity id required"),
			errs.WithDetail("message_id", msg.ID.String()))
	}
	return nil
}

// Enqueue inserts messages using the transaction carried by ctx when present.
func (s *OutboxStore) Enqueue(ctx context.Context, msgs ...outboxstore.Message) error {
	for _, msg := range msgs {
		if err := validateOutboxMessage(msg); err != nil {
			return err
		}
	}
	q, err := conn(ctx, s.pool, outboxComponent)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		entityType := strings.TrimSpace(msg.EntityType)
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		maxAttempts := msg.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = outboxstore.DefaultMaxAttempts
		}
		occurredOn := msg.OccurredOn
		if occurredOn.IsZero() {
			occurredOn = time.Now().UTC()
		}
		payload := []byte(msg.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		if _, err := q.Exec(ctx, outboxInsertSQL,
			msg.ID,
			string(msg.Kind),
			msg.EntityID,
			entityType,
			string(payload),
			payloadHash(payload),
			maxAttempts,
			occurredOn,
		); err != nil {
			return wrap(outboxComponent, errs.CodeCreation, "enqueue message", err,
				errs.WithDetail("kind", string(msg.Kind)),
				errs.WithDetail("entity_id", msg.EntityID.String()))
		}
	}
	return nil
}

// ClaimBatch locks up to limit deliverable rows for the transaction carried by ctx.
// Rows locked by other workers are skipped.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]outboxstore.Message, error) {
	t, ok := txFrom(ctx)
	if !ok {
		return nil, errs.New(outboxComponent, errs.CodeInvalid, errs.WithMessage("claim requires a transaction"))
	}
	return s.list(ctx, t, outboxClaimSQL, limit)
}

// ListFailed returns rows that exhausted their attempts, newest first.
func (s *OutboxStore) ListFailed(ctx context.Context, limit int) ([]outboxstore.Message, error) {
	q, err := conn(ctx, s.pool, outboxComponent)
	if err != nil {
		return nil, err
	}
	return s.list(ctx, q, outboxListFailedSQL, limit)
}

func (s *OutboxStore) list(ctx context.Context, q querier, sql string, limit int) ([]outboxstore.Message, error) {
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := q.Query(ctx, sql, limit)
	if err != nil {
		return nil, wrap(outboxComponent, errs.CodeReading, "list messages", err)
	}
	defer rows.Close()

	var msgs []outboxstore.Message
	for rows.Next() {
		msg, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(outboxComponent, errs.CodeReading, "iterate messages", err)
	}
	return msgs, nil
}

// MarkProcessing flags a claimed row as in flight.
func (s *OutboxStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "mark processing", outboxMarkProcessingSQL, id)
}

// MarkProcessed flags a row as published.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.exec(ctx, "mark processed", outboxMarkProcessedSQL, id, at.UTC())
}

// MarkFailed records a failed publish attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, exhausted bool) error {
	return s.exec(ctx, "mark failed", outboxMarkFailedSQL, id, strings.TrimSpace(lastError), exhausted)
}

func (s *OutboxStore) exec(ctx context.Context, op, sql string, args ...any) error {
	q, err := conn(ctx, s.pool, outboxComponent)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(outboxComponent, errs.CodeUpdate, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(outboxComponent, errs.CodeNotFound, errs.WithMessage(op+": no rows updated"))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxMessage(row rowScanner) (outboxstore.Message, error) {
	var (
		msg         outboxstore.Message
		kind        string
		status      string
		payload     []byte
		lastError   pgtype.Text
		processedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&msg.ID,
		&kind,
		&msg.EntityID,
		&msg.EntityType,
		&payload,
		&status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&lastError,
		&msg.OccurredOn,
		&processedAt,
	); err != nil {
		return outboxstore.Message{}, wrap(outboxComponent, errs.CodeReading, "scan message", err)
	}
	msg.Kind = schema.Kind(kind)
	msg.Status = outboxstore.Status(status)
	msg.Payload = payload
	if lastError.Valid {
		msg.LastError = lastError.String
	}
	if processedAt.Valid {
		t := processedAt.Time
		msg.ProcessedAt = &t
	}
	return msg, nil
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

var _ outboxstore.Store = (*OutboxStore)(nil)
