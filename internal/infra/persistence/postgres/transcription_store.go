package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
)

const transcriptionComponent = "transcription repository"

// TranscriptionStore persists per-segment transcription text.
type TranscriptionStore struct {
	pool *pgxpool.Pool
}

// NewTranscriptionStore constructs a TranscriptionStore backed by the provided pool.
func NewTranscriptionStore(pool *pgxpool.Pool) *TranscriptionStore {
	return &TranscriptionStore{pool: pool}
}

const (
	transcriptionInsertSQL = `
INSERT INTO transcriptions (
    task_id,
    segment_id,
    record_id,
    segment_duration_ms,
    text,
    created_at
)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (task_id, segment_id) DO NOTHING;
`

	transcriptionListSQL = `
SELECT
    task_id,
    segment_id,
    record_id,
    segment_duration_ms,
    text,
    created_at
FROM transcriptions
WHERE task_id = $1
ORDER BY segment_id ASC;
`

	transcriptionCountSQL = `
SELECT COUNT(*)
FROM transcriptions
WHERE task_id = $1;
`

	transcriptionExistsSQL = `
SELECT EXISTS (
    SELECT 1 FROM transcriptions WHERE task_id = $1 AND segment_id = $2
);
`
)

// Add inserts a transcription, reporting false for a duplicate segment.
func (s *TranscriptionStore) Add(ctx context.Context, tr summarization.Transcription) (bool, error) {
	q, err := conn(ctx, s.pool, transcriptionComponent)
	if err != nil {
		return false, err
	}
	createdAt := tr.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := q.Exec(ctx, transcriptionInsertSQL,
		tr.TaskID,
		tr.SegmentID,
		tr.RecordID,
		tr.SegmentDuration.Milliseconds(),
		tr.Text,
		createdAt,
	)
	if err != nil {
		return false, wrap(transcriptionComponent, errs.CodeCreation, "insert transcription", err,
			errs.WithDetail("task_id", tr.TaskID.String()),
			errs.WithDetail("segment_id", strconv.Itoa(tr.SegmentID)))
	}
	return tag.RowsAffected() == 1, nil
}

// ListByTask returns every transcription of a task ordered by segment.
func (s *TranscriptionStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]summarization.Transcription, error) {
	q, err := conn(ctx, s.pool, transcriptionComponent)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, transcriptionListSQL, taskID)
	if err != nil {
		return nil, wrap(transcriptionComponent, errs.CodeReading, "list transcriptions", err)
	}
	defer rows.Close()

	var out []summarization.Transcription
	for rows.Next() {
		var (
			tr     summarization.Transcription
			millis int64
		)
		if err := rows.Scan(&tr.TaskID, &tr.SegmentID, &tr.RecordID, &millis, &tr.Text, &tr.CreatedAt); err != nil {
			return nil, wrap(transcriptionComponent, errs.CodeReading, "scan transcription", err)
		}
		tr.SegmentDuration = time.Duration(millis) * time.Millisecond
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(transcriptionComponent, errs.CodeReading, "iterate transcriptions", err)
	}
	return out, nil
}

// CountByTask reports how many segments of a task are recorded.
func (s *TranscriptionStore) CountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	q, err := conn(ctx, s.pool, transcriptionComponent)
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.QueryRow(ctx, transcriptionCountSQL, taskID).Scan(&n); err != nil {
		return 0, wrap(transcriptionComponent, errs.CodeReading, "count transcriptions", err,
			errs.WithDetail("task_id", taskID.String()))
	}
	return n, nil
}

// Has reports whether the segment of a task is already recorded.
func (s *TranscriptionStore) Has(ctx context.Context, taskID uuid.UUID, segmentID int) (bool, error) {
	q, err := conn(ctx, s.pool, transcriptionComponent)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := q.QueryRow(ctx, transcriptionExistsSQL, taskID, segmentID).Scan(&ok); err != nil {
		return false, wrap(transcriptionComponent, errs.CodeReading, "check transcription", err,
			errs.WithDetail("task_id", taskID.String()),
			errs.WithDetail("segment_id", strconv.Itoa(segmentID)))
	}
	return ok, nil
}

var _ taskstore.Transcriptions = (*TranscriptionStore)(nil)
