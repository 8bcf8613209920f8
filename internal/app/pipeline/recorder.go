package pipeline

import (
	"context"
	"time"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
	"github.com/coachpo/audiosum/internal/observability"
)

// Recorder persists transcriptions and issues the fan-in command once all are recorded.
type Recorder struct {
	tasks          taskstore.Tasks
	transcriptions taskstore.Transcriptions
	outbox         outboxstore.Store
	tx             tx.Manager
	maxAttempts    int
	logger         observability.Logger
	now            func() time.Time
}

// NewRecorder wires the transcription recorder.
func NewRecorder(
	tasks taskstore.Tasks,
	transcriptions taskstore.Transcriptions,
	outbox outboxstore.Store,
	txm tx.Manager,
	maxAttempts int,
	logger observability.Logger,
) *Recorder {
	if logger == nil {
		logger = observability.Log()
	}
	return &Recorder{
		tasks:          tasks,
		transcriptions: transcriptions,
		outbox:         outbox,
		tx:             txm,
		maxAttempts:    maxAttempts,
		logger:         logger,
		now:            time.Now,
	}
}

// Route subscribes the recorder to AudioTranscribed.
func (r *Recorder) Route() Route {
	return Route{Stage: "recorder", Kind: schema.KindAudioTranscribed, Group: GroupRecorder, Handle: r.Handle}
}

// Handle stores the segment text under the task lock and counts what is recorded. Once
// every segment is present it moves the task to TRANSCRIBED and, only when that changed
// the task, enqueues SummarizeTranscription in the same transaction. Segments may arrive
// in any order and redelivery is harmless.
func (r *Recorder) Handle(ctx context.Context, _ *schema.Message, event schema.Event) error {
	transcribed, ok := event.(schema.AudioTranscribed)
	if !ok {
		return Permanent(unexpected(event))
	}
	fields := []observability.Field{
		observability.F("task_id", transcribed.TaskID.String()),
		observability.F("segment", transcribed.SegmentID),
	}
	return r.tx.WithinTx(ctx, func(ctx context.Context) error {
		task, err := r.tasks.GetForUpdate(ctx, transcribed.TaskID)
		if err != nil {
			if errs.IsCode(err, errs.CodeNotFound) {
				return Permanent(err)
			}
			return err
		}
		now := r.now().UTC()
		inserted, err := r.transcriptions.Add(ctx, summarization.Transcription{
			TaskID:          transcribed.TaskID,
			RecordID:        transcribed.RecordID,
			SegmentID:       transcribed.SegmentID,
			SegmentDuration: transcribed.Duration,
			Text:            transcribed.Text,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			r.logger.Debug("transcription already recorded", fields...)
		}

		recorded, err := r.transcriptions.CountByTask(ctx, transcribed.TaskID)
		if err != nil {
			return err
		}
		if recorded < transcribed.TotalCount {
			return nil
		}
		changed, err := task.UpdateStatus(summarization.StatusTranscribed, nil)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := r.tasks.Update(ctx, task); err != nil {
			return err
		}
		cmd, err := schema.NewMessage(schema.SummarizeTranscription{
			TaskID:        task.ID(),
			CollectionID:  task.CollectionID(),
			TotalSegments: transcribed.TotalCount,
		}, task.ID(), now)
		if err != nil {
			return err
		}
		if err := r.outbox.Enqueue(ctx, outboxstore.FromEnvelope(cmd, r.maxAttempts)); err != nil {
			return err
		}
		r.logger.Info("all segments transcribed", append(fields, observability.F("total", transcribed.TotalCount))...)
		return nil
	})
}
