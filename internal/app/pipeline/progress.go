package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
	"github.com/coachpo/audiosum/internal/observability"
)

// Progress mirrors stage events onto the task status.
type Progress struct {
	tasks  taskstore.Tasks
	tx     tx.Manager
	logger observability.Logger
}

// NewProgress wires the progress tracker.
func NewProgress(tasks taskstore.Tasks, txm tx.Manager, logger observability.Logger) *Progress {
	if logger == nil {
		logger = observability.Log()
	}
	return &Progress{tasks: tasks, tx: txm, logger: logger}
}

// Routes subscribes the tracker to every event that moves a task.
func (p *Progress) Routes() []Route {
	kinds := []schema.Kind{
		schema.KindAudioSplit,
		schema.KindSoundEnhanced,
		schema.KindTranscriptionSummarized,
		schema.KindTaskFailed,
	}
	routes := make([]Route, 0, len(kinds))
	for _, kind := range kinds {
		routes = append(routes, Route{Stage: "progress", Kind: kind, Group: GroupProgress, Handle: p.Handle})
	}
	return routes
}

// Handle applies the status implied by event. Stale or repeated events are no-ops.
func (p *Progress) Handle(ctx context.Context, _ *schema.Message, event schema.Event) error {
	switch ev := event.(type) {
	case schema.AudioSplit:
		return p.apply(ctx, ev.Segment.Metadata.TaskID, summarization.StatusSplit)
	case schema.SoundEnhanced:
		return p.apply(ctx, ev.Segment.Metadata.TaskID, summarization.StatusSoundEnhanced)
	case schema.TaskFailed:
		p.logger.Warn("task failed",
			observability.F("task_id", ev.TaskID.String()),
			observability.F("stage", ev.Stage),
			observability.F("reason", ev.Reason))
		return p.apply(ctx, ev.TaskID, summarization.StatusFailed)
	case schema.TranscriptionSummarized:
		p.logger.Info("task completed",
			observability.F("task_id", ev.TaskID.String()),
			observability.F("summary_id", ev.SummaryID.String()),
			observability.F("filepath", ev.Filepath))
		return nil
	default:
		return Permanent(unexpected(event))
	}
}

func (p *Progress) apply(ctx context.Context, taskID uuid.UUID, status summarization.Status) error {
	return p.tx.WithinTx(ctx, func(ctx context.Context) error {
		task, err := p.tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			if errs.IsCode(err, errs.CodeNotFound) {
				return Permanent(err)
			}
			return err
		}
		changed, err := task.UpdateStatus(status, nil)
		if err != nil || !changed {
			return err
		}
		if err := p.tasks.Update(ctx, task); err != nil {
			return err
		}
		p.logger.Debug("task status updated",
			observability.F("task_id", taskID.String()),
			observability.F("status", string(status)))
		return nil
	})
}
