package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

const memoryDriver = "memory"

// MemoryBus is an in-process implementation of the bus. Messages are not persisted:
// a group that loses its last subscriber drops whatever it still buffers.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	groups       map[schema.Kind]map[string]*group
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	pending      sync.WaitGroup

	publishedCounter   metric.Int64Counter
	deliveredCounter   metric.Int64Counter
	redeliveredCounter metric.Int64Counter
	deadLetterCounter  metric.Int64Counter
	subscriberGauge    metric.Int64UpDownCounter
	publishDuration    metric.Float64Histogram
}

type group struct {
	kind    schema.Kind
	name    string
	queue   chan envelope
	members int
}

type envelope struct {
	msg     *schema.Message
	attempt int
}

type subscriber struct {
	id     SubscriptionID
	group  *group
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan *Delivery
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.groups = make(map[schema.Kind]map[string]*group)
	bus.subscribers = make(map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.messages.published",
		metric.WithDescription("Number of messages published to the bus"),
		metric.WithUnit("{message}"))
	bus.deliveredCounter, _ = meter.Int64Counter("eventbus.messages.delivered",
		metric.WithDescription("Number of deliveries handed to consumers"),
		metric.WithUnit("{delivery}"))
	bus.redeliveredCounter, _ = meter.Int64Counter("eventbus.messages.redelivered",
		metric.WithDescription("Number of messages scheduled for redelivery after a nack"),
		metric.WithUnit("{delivery}"))
	bus.deadLetterCounter, _ = meter.Int64Counter("eventbus.messages.dead_lettered",
		metric.WithDescription("Number of messages that exhausted their deliveries"),
		metric.WithUnit("{message}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish hands a copy of the message to every group subscribed to its kind. It blocks
// while a group's buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, msg *schema.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateMessage("eventbus/publish", msg); err != nil {
		return err
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()
	defer func() {
		b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(telemetry.MessageAttributes(string(msg.Kind))...))
	}()

	b.mu.RLock()
	targets := make([]*group, 0, len(b.groups[msg.Kind]))
	for _, g := range b.groups[msg.Kind] {
		targets = append(targets, g)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		observability.Log().Debug("eventbus: no consumer groups",
			observability.F("kind", string(msg.Kind)),
			observability.F("message_id", msg.ID.String()))
		return nil
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, target := range targets {
		g := target
		clone := msg.Clone()
		p.Go(func() error {
			return b.enqueue(ctx, g, envelope{msg: clone, attempt: 1})
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}
	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.MessageAttributes(string(msg.Kind))...))
	return nil
}

// Subscribe joins the consumer group for the kind and returns the subscriber's delivery channel.
func (b *MemoryBus) Subscribe(ctx context.Context, kind schema.Kind, groupName string) (SubscriptionID, <-chan *Delivery, error) {
	if err := validateSubscription("eventbus/subscribe", kind, groupName); err != nil {
		return "", nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.id = SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *Delivery)

	b.mu.Lock()
	byName, ok := b.groups[kind]
	if !ok {
		byName = make(map[string]*group)
		b.groups[kind] = byName
	}
	g, ok := byName[groupName]
	if !ok {
		g = &group{kind: kind, name: groupName, queue: make(chan envelope, b.cfg.BufferSize)}
		byName[groupName] = g
	}
	g.members++
	sub.group = g
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
		telemetry.DeliveryAttributes(memoryDriver, string(kind), groupName)...))

	b.pending.Add(1)
	go b.pump(sub)
	return sub.id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.RLock()
		subs := make([]*subscriber, 0, len(b.subscribers))
		for _, sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.RUnlock()
		for _, sub := range subs {
			sub.cancel()
		}
		b.pending.Wait()
	})
}

// pump moves envelopes from the group queue to one subscriber. Subscribers of the same
// group share the queue, so each envelope reaches exactly one of them.
func (b *MemoryBus) pump(sub *subscriber) {
	defer b.pending.Done()
	defer b.detach(sub)
	g := sub.group
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case env := <-g.queue:
			d := b.delivery(g, env)
			select {
			case sub.ch <- d:
				b.deliveredCounter.Add(sub.ctx, 1, metric.WithAttributes(
					telemetry.DeliveryAttributes(memoryDriver, string(g.kind), g.name)...))
			case <-sub.ctx.Done():
				b.requeue(g, env)
				return
			case <-b.ctx.Done():
				return
			}
		}
	}
}

func (b *MemoryBus) detach(sub *subscriber) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		g := sub.group
		g.members--
		if g.members == 0 {
			if byName := b.groups[g.kind]; byName != nil && byName[g.name] == g {
				delete(byName, g.name)
				if len(byName) == 0 {
					delete(b.groups, g.kind)
				}
			}
		}
	}
	b.mu.Unlock()
	b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
		telemetry.DeliveryAttributes(memoryDriver, string(sub.group.kind), sub.group.name)...))
	sub.close()
}

func (b *MemoryBus) delivery(g *group, env envelope) *Delivery {
	d := &Delivery{Message: env.msg, Group: g.name, Attempt: env.attempt}
	d.ack = func(context.Context) error { return nil }
	d.nack = func(ctx context.Context, cause error) error {
		attrs := metric.WithAttributes(telemetry.DeliveryAttributes(memoryDriver, string(g.kind), g.name)...)
		if env.attempt >= b.cfg.MaxDeliveries {
			b.deadLetterCounter.Add(ctx, 1, attrs)
			observability.Log().Error("eventbus: deliveries exhausted",
				observability.F("kind", string(g.kind)),
				observability.F("group", g.name),
				observability.F("message_id", env.msg.ID.String()),
				observability.F("attempt", env.attempt),
				observability.F("error", causeText(cause)))
			if b.cfg.DeadLetter != nil {
				b.cfg.DeadLetter(d, cause)
			}
			return nil
		}
		if b.ctx.Err() != nil {
			return nil
		}
		b.redeliveredCounter.Add(ctx, 1, attrs)
		next := envelope{msg: env.msg, attempt: env.attempt + 1}
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			timer := time.NewTimer(b.cfg.RedeliveryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-b.ctx.Done():
				return
			}
			if err := b.enqueue(b.ctx, g, next); err != nil {
				observability.Log().Warn("eventbus: redelivery dropped",
					observability.F("kind", string(g.kind)),
					observability.F("group", g.name),
					observability.F("message_id", next.msg.ID.String()),
					observability.F("error", err.Error()))
			}
		}()
		return nil
	}
	return d
}

func (b *MemoryBus) requeue(g *group, env envelope) {
	select {
	case g.queue <- env:
	default:
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			_ = b.enqueue(b.ctx, g, env)
		}()
	}
}

func (b *MemoryBus) enqueue(ctx context.Context, g *group, env envelope) error {
	select {
	case g.queue <- env:
		return nil
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("eventbus: enqueue %s for %s: %w", g.kind, g.name, ctx.Err())
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
