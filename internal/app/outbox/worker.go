package outbox

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

const (
	defaultBatchSize    = 50
	defaultIdleInterval = 5 * time.Second
)

// Config tunes the polling loop.
type Config struct {
	BatchSize    int
	IdleInterval time.Duration
}

// Worker drains pending outbox rows in claimed batches.
type Worker struct {
	store  outboxstore.Store
	tx     tx.Manager
	router *Router
	cfg    Config
	logger observability.Logger
	dlq    *observability.DeadLetterQueue
	now    func() time.Time

	claimed     metric.Int64Counter
	processed   metric.Int64Counter
	failed      metric.Int64Counter
	deadLetters metric.Int64Counter
}

// Option customises a Worker.
type Option func(*Worker)

// WithDeadLetterQueue records exhausted rows in dlq.
func WithDeadLetterQueue(dlq *observability.DeadLetterQueue) Option {
	return func(w *Worker) {
		w.dlq = dlq
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker constructs a worker.
func NewWorker(store outboxstore.Store, txm tx.Manager, router *Router, cfg Config, logger observability.Logger, opts ...Option) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if logger == nil {
		logger = observability.Log()
	}
	w := &Worker{store: store, tx: txm, router: router, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	meter := otel.Meter("outbox")
	w.claimed, _ = meter.Int64Counter("audiosum_outbox_claimed",
		metric.WithDescription("Outbox rows claimed for delivery"),
		metric.WithUnit("{message}"))
	w.processed, _ = meter.Int64Counter("audiosum_outbox_processed",
		metric.WithDescription("Outbox rows published"),
		metric.WithUnit("{message}"))
	w.failed, _ = meter.Int64Counter("audiosum_outbox_failed",
		metric.WithDescription("Outbox delivery attempts that failed"),
		metric.WithUnit("{message}"))
	w.deadLetters, _ = meter.Int64Counter("audiosum_outbox_dead_letters",
		metric.WithDescription("Outbox rows that exhausted their attempts"),
		metric.WithUnit("{message}"))
	return w
}

// Run polls until ctx is cancelled. A short batch means the table is drained and the
// worker sleeps for the idle interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("outbox worker started",
		observability.F("batch_size", w.cfg.BatchSize),
		observability.F("idle_interval", w.cfg.IdleInterval.String()))
	for {
		n, err := w.ProcessBatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("outbox batch failed", observability.F("error", err.Error()))
		}
		if err == nil && n >= w.cfg.BatchSize {
			continue
		}
		timer := time.NewTimer(w.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ProcessBatch claims one page of rows inside a transaction and dispatches each of them.
// It returns how many rows were claimed.
// A bookkeeping failure rolls the whole batch back, so rows already published in it are
// published again on the next poll.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	claimed, delivered := 0, 0
	err := w.tx.WithinTx(ctx, func(ctx context.Context) error {
		batch, err := w.store.ClaimBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		claimed = len(batch)
		for _, msg := range batch {
			w.claimed.Add(ctx, 1, metric.WithAttributes(telemetry.MessageAttributes(string(msg.Kind))...))
			if err := w.deliver(ctx, msg); err != nil {
				return err
			}
			delivered++
		}
		return nil
	})
	if err != nil && claimed > 0 {
		w.logger.Warn("outbox batch rolled back",
			observability.F("claimed", claimed),
			observability.F("completed", delivered),
			observability.F("error", err.Error()))
	}
	return claimed, err
}

// deliver publishes one row. Only bookkeeping failures abort the batch; a publish error
// is recorded on the row.
func (w *Worker) deliver(ctx context.Context, msg outboxstore.Message) error {
	attrs := metric.WithAttributes(telemetry.MessageAttributes(string(msg.Kind))...)
	if err := w.store.MarkProcessing(ctx, msg.ID); err != nil {
		return err
	}
	dispatchErr := w.router.Dispatch(ctx, msg)
	if dispatchErr == nil {
		if err := w.store.MarkProcessed(ctx, msg.ID, w.now().UTC()); err != nil {
			return err
		}
		w.processed.Add(ctx, 1, attrs)
		return nil
	}
	if errors.Is(dispatchErr, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}

	attempts := msg.Attempts + 1
	exhausted := errs.IsCode(dispatchErr, errs.CodeInvalid) || attempts >= msg.MaxAttempts
	if err := w.store.MarkFailed(ctx, msg.ID, dispatchErr.Error(), exhausted); err != nil {
		return err
	}
	w.failed.Add(ctx, 1, attrs)
	fields := []observability.Field{
		observability.F("message_id", msg.ID.String()),
		observability.F("kind", string(msg.Kind)),
		observability.F("task_id", msg.EntityID.String()),
		observability.F("attempt", attempts),
		observability.F("error", dispatchErr.Error()),
	}
	if !exhausted {
		w.logger.Warn("outbox delivery failed", fields...)
		return nil
	}
	w.deadLetters.Add(ctx, 1, attrs)
	w.logger.Error("outbox message dead-lettered", fields...)
	if w.dlq != nil {
		if msg.MaxAttempts > attempts {
			attempts = msg.MaxAttempts
		}
		w.dlq.Offer(observability.DeadLetter{
			MessageID: msg.ID.String(),
			Kind:      string(msg.Kind),
			EntityID:  msg.EntityID.String(),
			Attempts:  attempts,
			LastError: dispatchErr.Error(),
			At:        w.now().UTC(),
		})
	}
	return nil
}
