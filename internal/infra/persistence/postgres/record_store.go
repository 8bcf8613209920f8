package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/collectionstore"
)

const recordComponent = "record repository"

// RecordStore persists uploaded audio records.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore constructs a RecordStore backed by the provided pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

const (
	recordInsertSQL = `
INSERT INTO audio_records (
    id,
    collection_id,
    filepath,
    format,
    duration_ms,
    channels,
    sample_rate
)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`

	recordListSQL = `
SELECT
    id,
    collection_id,
    filepath,
    format,
    duration_ms,
    channels,
    sample_rate
FROM audio_records
WHERE collection_id = $1
ORDER BY created_at ASC, id ASC;
`
)

// Add registers a record.
func (s *RecordStore) Add(ctx context.Context, record audio.Record) error {
	q, err := conn(ctx, s.pool, recordComponent)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, recordInsertSQL,
		record.ID,
		record.CollectionID,
		record.Filepath,
		string(record.Format),
		record.Duration.Milliseconds(),
		record.Channels,
		record.SampleRate,
	); err != nil {
		return wrap(recordComponent, errs.CodeCreation, "insert record", err,
			errs.WithDetail("record_id", record.ID.String()))
	}
	return nil
}

// ListByCollection returns the records of a collection in upload order.
func (s *RecordStore) ListByCollection(ctx context.Context, collectionID uuid.UUID) ([]audio.Record, error) {
	q, err := conn(ctx, s.pool, recordComponent)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, recordListSQL, collectionID)
	if err != nil {
		return nil, wrap(recordComponent, errs.CodeReading, "list records", err)
	}
	defer rows.Close()

	var out []audio.Record
	for rows.Next() {
		var (
			r      audio.Record
			format string
			millis int64
		)
		if err := rows.Scan(&r.ID, &r.CollectionID, &r.Filepath, &format, &millis, &r.Channels, &r.SampleRate); err != nil {
			return nil, wrap(recordComponent, errs.CodeReading, "scan record", err)
		}
		r.Format = audio.Format(format)
		r.Duration = time.Duration(millis) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(recordComponent, errs.CodeReading, "iterate records", err)
	}
	return out, nil
}

var _ collectionstore.Records = (*RecordStore)(nil)
