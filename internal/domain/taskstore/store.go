// Package taskstore defines persistence contracts for tasks and their artefacts.
package taskstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/domain/summarization"
)

// Tasks persists summarization tasks. Tasks are never deleted.
type Tasks interface {
	Create(ctx context.Context, task *summarization.Task) error
	Get(ctx context.Context, id uuid.UUID) (*summarization.Task, error)
	// GetForUpdate locks the row for the surrounding transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*summarization.Task, error)
	Update(ctx context.Context, task *summarization.Task) error
}

// Transcriptions persists per-segment transcription text.
type Transcriptions interface {
	// Add inserts the transcription and reports false when (task, segment) already exists.
	Add(ctx context.Context, tr summarization.Transcription) (bool, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]summarization.Transcription, error)
	CountByTask(ctx context.Context, taskID uuid.UUID) (int, error)
	Has(ctx context.Context, taskID uuid.UUID, segmentID int) (bool, error)
}

// Summaries persists immutable summaries.
type Summaries interface {
	Create(ctx context.Context, summary summarization.Summary) error
	Get(ctx context.Context, id uuid.UUID) (summarization.Summary, error)
}
