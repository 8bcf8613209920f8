package summarization

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
)

const (
	component = "summarization task"

	waitingTimeRatio    = 0.25
	waitingTimeOverhead = time.Minute
)

// Task is the aggregate root tracking one collection through the pipeline.
type Task struct {
	id             uuid.UUID
	collectionID   uuid.UUID
	summaryType    SummaryType
	documentFormat DocumentFormat
	status         Status
	totalDuration  time.Duration
	waitingTime    time.Duration
	summaryID      *uuid.UUID
	createdAt      time.Time
	updatedAt      time.Time

	events []schema.Event
}

// CreateParams carries the inputs needed to start a task.
type CreateParams struct {
	CollectionID   uuid.UUID
	TotalDuration  time.Duration
	SummaryType    SummaryType
	DocumentFormat DocumentFormat
}

// Create starts a task in PENDING and queues its TaskCreated event.
func Create(params CreateParams, now time.Time) (*Task, error) {
	if params.CollectionID == uuid.Nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("collection id required"))
	}
	if params.TotalDuration <= 0 {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("total duration must be positive, got %s", params.TotalDuration)))
	}
	if _, err := ParseSummaryType(string(params.SummaryType)); err != nil {
		return nil, err
	}
	if _, err := ParseDocumentFormat(string(params.DocumentFormat)); err != nil {
		return nil, err
	}
	now = now.UTC()
	task := &Task{
		id:             uuid.New(),
		collectionID:   params.CollectionID,
		summaryType:    params.SummaryType,
		documentFormat: params.DocumentFormat,
		status:         StatusPending,
		totalDuration:  params.TotalDuration,
		waitingTime:    EstimateWaitingTime(params.TotalDuration),
		createdAt:      now,
		updatedAt:      now,
	}
	task.events = append(task.events, schema.TaskCreated{
		TaskID:        task.id,
		CollectionID:  task.collectionID,
		TotalDuration: task.totalDuration,
	})
	return task, nil
}

// EstimateWaitingTime approximates how long the pipeline takes for the given audio length.
func EstimateWaitingTime(total time.Duration) time.Duration {
	secs := math.Ceil(total.Seconds() * waitingTimeRatio)
	return time.Duration(secs)*time.Second + waitingTimeOverhead
}

// UpdateStatus moves the task forward. It reports whether anything changed.
// Earlier or repeated statuses and updates after a terminal state are no-ops.
func (t *Task) UpdateStatus(status Status, summaryID *uuid.UUID) (bool, error) {
	if !status.Valid() {
		return false, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown status %q", string(status))),
			errs.WithDetail("task_id", t.id.String()))
	}
	if t.status.IsTerminal() {
		return false, nil
	}
	if status == StatusCompleted && summaryID == nil {
		return false, errs.New(component, errs.CodeInvariantViolation,
			errs.WithMessage("completed task requires a summary id"),
			errs.WithDetail("task_id", t.id.String()))
	}
	if status != StatusFailed && status.rank() <= t.status.rank() {
		return false, nil
	}
	t.status = status
	if status == StatusCompleted {
		id := *summaryID
		t.summaryID = &id
	}
	t.updatedAt = time.Now().UTC()
	return true, nil
}

// Complete marks the task COMPLETED with the produced summary.
func (t *Task) Complete(summaryID uuid.UUID) (bool, error) {
	return t.UpdateStatus(StatusCompleted, &summaryID)
}

// Fail marks the task FAILED unless it already finished.
func (t *Task) Fail() bool {
	changed, _ := t.UpdateStatus(StatusFailed, nil)
	return changed
}

// PullEvents returns and clears the queued domain events.
func (t *Task) PullEvents() []schema.Event {
	out := t.events
	t.events = nil
	return out
}

func (t *Task) ID() uuid.UUID                  { return t.id }
func (t *Task) CollectionID() uuid.UUID        { return t.collectionID }
func (t *Task) SummaryType() SummaryType       { return t.summaryType }
func (t *Task) DocumentFormat() DocumentFormat { return t.documentFormat }
func (t *Task) Status() Status                 { return t.status }
func (t *Task) TotalDuration() time.Duration   { return t.totalDuration }
func (t *Task) WaitingTime() time.Duration     { return t.waitingTime }
func (t *Task) CreatedAt() time.Time           { return t.createdAt }
func (t *Task) UpdatedAt() time.Time           { return t.updatedAt }

// SummaryID returns the produced summary, or nil before completion.
func (t *Task) SummaryID() *uuid.UUID {
	if t.summaryID == nil {
		return nil
	}
	id := *t.summaryID
	return &id
}

// TaskSnapshot is the persisted form of a task.
type TaskSnapshot struct {
	ID             uuid.UUID
	CollectionID   uuid.UUID
	SummaryType    SummaryType
	DocumentFormat DocumentFormat
	Status         Status
	TotalDuration  time.Duration
	WaitingTime    time.Duration
	SummaryID      *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot exports the task state for storage.
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:             t.id,
		CollectionID:   t.collectionID,
		SummaryType:    t.summaryType,
		DocumentFormat: t.documentFormat,
		Status:         t.status,
		TotalDuration:  t.totalDuration,
		WaitingTime:    t.waitingTime,
		SummaryID:      t.SummaryID(),
		CreatedAt:      t.createdAt,
		UpdatedAt:      t.updatedAt,
	}
}

// Restore rebuilds a task from storage, enforcing the aggregate invariants.
func Restore(s TaskSnapshot) (*Task, error) {
	if !s.Status.Valid() {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown status %q", string(s.Status))),
			errs.WithDetail("task_id", s.ID.String()))
	}
	if s.Status == StatusCompleted && s.SummaryID == nil {
		return nil, errs.New(component, errs.CodeInvariantViolation,
			errs.WithMessage("completed task requires a summary id"),
			errs.WithDetail("task_id", s.ID.String()))
	}
	task := &Task{
		id:             s.ID,
		collectionID:   s.CollectionID,
		summaryType:    s.SummaryType,
		documentFormat: s.DocumentFormat,
		status:         s.Status,
		totalDuration:  s.TotalDuration,
		waitingTime:    s.WaitingTime,
		createdAt:      s.CreatedAt,
		updatedAt:      s.UpdatedAt,
	}
	if s.SummaryID != nil {
		id := *s.SummaryID
		task.summaryID = &id
	}
	return task, nil
}
