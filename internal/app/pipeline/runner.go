// Package pipeline runs the stage handlers of the summarization saga on top of the bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/bus/eventbus"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
	"github.com/coachpo/audiosum/lib/async"
)

// Consumer groups of the pipeline stages.
const (
	GroupSplitter    = "splitter"
	GroupEnhancer    = "enhancer"
	GroupTranscriber = "transcriber"
	GroupRecorder    = "transcription-recorder"
	GroupSummarizer  = "summarizer"
	GroupProgress    = "task-progress"
)

const settleTimeout = 5 * time.Second

// HandlerFunc processes one decoded message.
type HandlerFunc func(ctx context.Context, msg *schema.Message, event schema.Event) error

// Route binds a handler to a message kind for one consumer group.
type Route struct {
	Stage  string
	Kind   schema.Kind
	Group  string
	Handle HandlerFunc
}

// Publisher is the part of the bus handlers emit through.
type Publisher interface {
	Publish(ctx context.Context, msg *schema.Message) error
}

// Runner subscribes routes to the bus and runs their handlers on a bounded pool.
// Successful deliveries are acked and failed ones nacked for redelivery. Permanent
// failures are acked and announced as TaskFailed.
type Runner struct {
	bus    eventbus.Bus
	pool   *async.Pool
	logger observability.Logger
	now    func() time.Time

	mu      sync.Mutex
	routes  []Route
	subs    []eventbus.SubscriptionID
	readers conc.WaitGroup
	started bool

	handled  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunner builds a runner that handles at most concurrency messages at a time.
func NewRunner(bus eventbus.Bus, concurrency int, logger observability.Logger) (*Runner, error) {
	if bus == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	pool, err := async.NewPool(concurrency, concurrency, async.WithErrorHandler(func(err error) {
		logger.Error("pipeline task failed", observability.F("error", err.Error()))
	}))
	if err != nil {
		return nil, err
	}
	r := &Runner{bus: bus, pool: pool, logger: logger, now: time.Now}

	meter := otel.Meter("pipeline")
	r.handled, _ = meter.Int64Counter("audiosum_stage_messages_total",
		metric.WithDescription("Messages handled by pipeline stages"),
		metric.WithUnit("{message}"))
	r.duration, _ = meter.Float64Histogram("audiosum_stage_duration",
		metric.WithDescription("Time spent handling one message"),
		metric.WithUnit("ms"))
	return r, nil
}

// Register adds a route. Routes must be registered before Start.
func (r *Runner) Register(route Route) error {
	if route.Handle == nil {
		return errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if err := route.Kind.Validate(); err != nil {
		return err
	}
	if route.Group == "" {
		return errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("consumer group required"))
	}
	if route.Stage == "" {
		route.Stage = route.Group
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("runner already started"))
	}
	r.routes = append(r.routes, route)
	return nil
}

// Start subscribes every route. Deliveries are consumed until ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	for _, route := range r.routes {
		id, deliveries, err := r.bus.Subscribe(ctx, route.Kind, route.Group)
		if err != nil {
			for _, sub := range r.subs {
				r.bus.Unsubscribe(sub)
			}
			r.subs = nil
			return fmt.Errorf("pipeline: subscribe %s/%s: %w", route.Kind, route.Group, err)
		}
		r.subs = append(r.subs, id)
		route := route
		r.readers.Go(func() {
			r.consume(ctx, route, deliveries)
		})
		r.logger.Info("pipeline stage subscribed",
			observability.F("stage", route.Stage),
			observability.F("kind", string(route.Kind)),
			observability.F("group", route.Group))
	}
	r.started = true
	return nil
}

// Stop unsubscribes every route and waits for in-flight handlers until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, id := range subs {
		r.bus.Unsubscribe(id)
	}
	r.readers.Wait()
	return r.pool.Shutdown(ctx)
}

func (r *Runner) consume(ctx context.Context, route Route, deliveries <-chan *eventbus.Delivery) {
	for d := range deliveries {
		d := d
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			r.handle(ctx, route, d)
			return nil
		})
		if err != nil {
			settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			_ = d.Nack(settleCtx, err)
			cancel()
		}
	}
}

func (r *Runner) handle(ctx context.Context, route Route, d *eventbus.Delivery) {
	started := r.now()
	msg := d.Message
	fields := []observability.Field{
		observability.F("stage", route.Stage),
		observability.F("kind", string(msg.Kind)),
		observability.F("task_id", msg.EntityID.String()),
		observability.F("attempt", d.Attempt),
	}

	event, err := schema.Decode(msg)
	if err == nil {
		err = r.invoke(ctx, route, msg, event)
	}

	result := telemetry.ResultSuccess
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	switch {
	case err == nil:
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			r.logger.Warn("pipeline ack failed", append(fields, observability.F("error", ackErr.Error()))...)
		}
	case IsPermanent(err):
		result = telemetry.ResultDead
		r.logger.Error("pipeline stage gave up", append(fields, observability.F("error", err.Error()))...)
		if failErr := r.announceFailure(settleCtx, route, msg, err); failErr != nil {
			result = telemetry.ResultRetry
			r.logger.Error("pipeline failure announcement failed", append(fields, observability.F("error", failErr.Error()))...)
			_ = d.Nack(settleCtx, failErr)
			break
		}
		_ = d.Ack(settleCtx)
	default:
		result = telemetry.ResultRetry
		r.logger.Warn("pipeline stage failed, redelivering", append(fields, observability.F("error", err.Error()))...)
		if nackErr := d.Nack(settleCtx, err); nackErr != nil {
			r.logger.Warn("pipeline nack failed", append(fields, observability.F("error", nackErr.Error()))...)
		}
	}

	attrs := metric.WithAttributes(telemetry.StageAttributes(route.Stage, result)...)
	r.handled.Add(settleCtx, 1, attrs)
	r.duration.Record(settleCtx, float64(r.now().Sub(started).Microseconds())/1000, attrs)
}

func (r *Runner) invoke(ctx context.Context, route Route, msg *schema.Message, event schema.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanent(errs.New("pipeline", errs.CodeInvariantViolation,
				errs.WithMessage(fmt.Sprintf("handler panic: %v", rec)),
				errs.WithDetail("stage", route.Stage)))
		}
	}()
	return route.Handle(ctx, msg, event)
}

// announceFailure publishes TaskFailed. Failures of TaskFailed handlers are only logged.
func (r *Runner) announceFailure(ctx context.Context, route Route, msg *schema.Message, cause error) error {
	if msg.Kind == schema.KindTaskFailed {
		return nil
	}
	return publishFailure(ctx, r.bus, msg.EntityID, route.Stage, reason(cause), r.now())
}

// AnnounceExhausted publishes TaskFailed for a delivery the bus gave up on, so the task
// reaches a persisted terminal state. It is meant for the bus dead-letter hook.
func AnnounceExhausted(ctx context.Context, pub Publisher, d *eventbus.Delivery, cause error, at time.Time) error {
	if d == nil || d.Message == nil || d.Message.Kind == schema.KindTaskFailed || d.Message.EntityID == uuid.Nil {
		return nil
	}
	text := "deliveries exhausted"
	if cause != nil {
		text += ": " + reason(cause)
	}
	return publishFailure(ctx, pub, d.Message.EntityID, d.Group, text, at)
}

func publishFailure(ctx context.Context, pub Publisher, taskID uuid.UUID, stage, text string, at time.Time) error {
	failed, err := schema.NewMessage(schema.TaskFailed{
		TaskID: taskID,
		Stage:  stage,
		Reason: text,
	}, taskID, at)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, failed)
}

func reason(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return err.Error()
}
