package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
)

const taskComponent = "task repository"

// TaskStore persists summarization tasks.
type TaskStore struct {
	pool *pgxpool.Pool
}

// NewTaskStore constructs a TaskStore backed by the provided pool.
func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const (
	taskColumns = `
    id,
    collection_id,
    summary_type,
    document_format,
    status,
    total_duration_ms,
    waiting_time_ms,
    summary_id,
    created_at,
    updated_at`

	taskInsertSQL = `
INSERT INTO summarization_tasks (` + taskColumns + `
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

	taskGetSQL = `
SELECT` + taskColumns + `
FROM summarization_tasks
WHERE id = $1;
`

	taskGetForUpdateSQL = `
SELECT` + taskColumns + `
FROM summarization_tasks
WHERE id = $1
FOR UPDATE;
`

	taskUpdateSQL = `
UPDATE summarization_tasks
SET status = $2,
    summary_id = $3,
    updated_at = $4
WHERE id = $1;
`
)

// Create inserts a new task.
func (s *TaskStore) Create(ctx context.Context, task *summarization.Task) error {
	q, err := conn(ctx, s.pool, taskComponent)
	if err != nil {
		return err
	}
	snap := task.Snapshot()
	if _, err := q.Exec(ctx, taskInsertSQL,
		snap.ID,
		snap.CollectionID,
		string(snap.SummaryType),
		string(snap.DocumentFormat),
		string(snap.Status),
		snap.TotalDuration.Milliseconds(),
		snap.WaitingTime.Milliseconds(),
		snap.SummaryID,
		snap.CreatedAt,
		snap.UpdatedAt,
	); err != nil {
		return wrap(taskComponent, errs.CodeCreation, "insert task", err, errs.WithDetail("task_id", snap.ID.String()))
	}
	return nil
}

// Get loads a task by identifier.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*summarization.Task, error) {
	return s.get(ctx, taskGetSQL, id)
}

// GetForUpdate loads a task and locks its row until the surrounding transaction ends.
func (s *TaskStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*summarization.Task, error) {
	if _, ok := txFrom(ctx); !ok {
		return nil, errs.New(taskComponent, errs.CodeReading, errs.WithMessage("row lock requires a transaction"))
	}
	return s.get(ctx, taskGetForUpdateSQL, id)
}

func (s *TaskStore) get(ctx context.Context, sql string, id uuid.UUID) (*summarization.Task, error) {
	q, err := conn(ctx, s.pool, taskComponent)
	if err != nil {
		return nil, err
	}
	var (
		snap          summarization.TaskSnapshot
		summaryType   string
		format        string
		status        string
		totalMillis   int64
		waitingMillis int64
		summaryID     pgtype.UUID
	)
	if err := q.QueryRow(ctx, sql, id).Scan(
		&snap.ID,
		&snap.CollectionID,
		&summaryType,
		&format,
		&status,
		&totalMillis,
		&waitingMillis,
		&summaryID,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	); err != nil {
		return nil, wrap(taskComponent, errs.CodeReading, "select task", err, errs.WithDetail("task_id", id.String()))
	}
	snap.SummaryType = summarization.SummaryType(summaryType)
	snap.DocumentFormat = summarization.DocumentFormat(format)
	snap.Status = summarization.Status(status)
	snap.TotalDuration = time.Duration(totalMillis) * time.Millisecond
	snap.WaitingTime = time.Duration(waitingMillis) * time.Millisecond
	if summaryID.Valid {
		id := uuid.UUID(summaryID.Bytes)
		snap.SummaryID = &id
	}
	return summarization.Restore(snap)
}

// Update persists the mutable task fields.
func (s *TaskStore) Update(ctx context.Context, task *summarization.Task) error {
	q, err := conn(ctx, s.pool, taskComponent)
	if err != nil {
		return err
	}
	snap := task.Snapshot()
	tag, err := q.Exec(ctx, taskUpdateSQL, snap.ID, string(snap.Status), snap.SummaryID, snap.UpdatedAt)
	if err != nil {
		return wrap(taskComponent, errs.CodeUpdate, "update task", err, errs.WithDetail("task_id", snap.ID.String()))
	}
	if tag.RowsAffected() == 0 {
		return errs.New(taskComponent, errs.CodeNotFound,
			errs.WithMessage("update task: no rows updated"),
			errs.WithDetail("task_id", snap.ID.String()))
	}
	return nil
}

var _ taskstore.Tasks = (*TaskStore)(nil)
