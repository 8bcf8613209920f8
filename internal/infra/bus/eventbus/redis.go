package eventbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

const (
	redisDriver = "redis"
	fieldKind   = "kind"
	fieldData   = "data"
)

// RedisConfig configures the Streams transport.
type RedisConfig struct {
	StreamPrefix    string
	BlockTimeout    time.Duration
	ClaimIdle       time.Duration
	MaxLen          int64
	BatchSize       int64
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	// Consumer names this process inside every group; defaults to host-pid.
	Consumer   string
	DeadLetter func(d *Delivery, cause error)
}

func (c RedisConfig) normalize() RedisConfig {
	c.StreamPrefix = strings.TrimSpace(c.StreamPrefix)
	if c.StreamPrefix == "" {
		c.StreamPrefix = "audiosum"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 5 * time.Minute
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 10
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 2 * time.Second
	}
	if strings.TrimSpace(c.Consumer) == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "audiosum"
		}
		c.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// RedisBus carries messages on Redis Streams, one stream per topic. Consumer groups map
// onto Redis consumer groups; entries left pending by a dead consumer are reclaimed
// after ClaimIdle.
type RedisBus struct {
	client redis.UniversalClient
	cfg    RedisConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	subscribers  map[SubscriptionID]*redisSubscriber
	shutdownOnce sync.Once
	nextID       uint64
	wg           sync.WaitGroup

	publishedCounter   metric.Int64Counter
	deliveredCounter   metric.Int64Counter
	redeliveredCounter metric.Int64Counter
	deadLetterCounter  metric.Int64Counter
	reclaimedCounter   metric.Int64Counter
}

type redisSubscriber struct {
	id       SubscriptionID
	kind     schema.Kind
	group    string
	stream   string
	retry    string
	consumer string
	ctx      context.Context
	cancel   context.CancelFunc
	ch       chan *Delivery
}

// NewRedisBus builds a bus on an existing client. The client stays owned by the caller.
func NewRedisBus(client redis.UniversalClient, cfg RedisConfig) *RedisBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &RedisBus{
		client:      client,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*redisSubscriber),
	}

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
	bus.reclaimedCounter, _ = meter.Int64Counter("eventbus.messages.reclaimed",
		metric.WithDescription("Number of idle pending entries claimed from other consumers"),
		metric.WithUnit("{message}"))
	return bus
}

// Publish appends the message to its topic stream.
func (b *RedisBus) Publish(ctx context.Context, msg *schema.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateMessage("eventbus/publish", msg); err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	stream, err := b.streamFor(msg.Kind)
	if err != nil {
		return err
	}
	if err := b.add(ctx, stream, streamEntry{Message: msg, Attempt: 1}); err != nil {
		return err
	}
	b.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.MessageAttributes(string(msg.Kind))...))
	return nil
}

// Subscribe creates the consumer group when missing and starts reading new entries.
// A freshly created group starts from the beginning of the stream.
func (b *RedisBus) Subscribe(ctx context.Context, kind schema.Kind, group string) (SubscriptionID, <-chan *Delivery, error) {
	if err := validateSubscription("eventbus/subscribe", kind, group); err != nil {
		return "", nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	stream, err := b.streamFor(kind)
	if err != nil {
		return "", nil, err
	}
	retry := b.retryStream(stream, group)
	for _, name := range []string{stream, retry} {
		if err := b.ensureGroup(ctx, name, group); err != nil {
			return "", nil, err
		}
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscriber{
		id:       id,
		kind:     kind,
		group:    group,
		stream:   stream,
		retry:    retry,
		consumer: fmt.Sprintf("%s-%s", b.cfg.Consumer, id),
		ctx:      subCtx,
		cancel:   cancel,
		ch:       make(chan *Delivery),
	}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(sub)
	return id, sub.ch, nil
}

// Unsubscribe stops the reader and closes its channel. Entries it had not acked stay
// pending and are reclaimed by the group's other consumers.
func (b *RedisBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close stops every reader. The Redis client is left open.
func (b *RedisBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, sub := range b.subscribers {
			sub.cancel()
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
}

func (b *RedisBus) consume(sub *redisSubscriber) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.subscribers, sub.id)
		b.mu.Unlock()
		close(sub.ch)
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	nextClaim := time.Now()

	for {
		if sub.ctx.Err() != nil || b.ctx.Err() != nil {
			return
		}
		if !time.Now().Before(nextClaim) {
			if !b.reclaim(sub) {
				return
			}
			nextClaim = time.Now().Add(b.cfg.ClaimIdle / 2)
		}

		streams, err := b.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
			Group:    sub.group,
			Consumer: sub.consumer,
			Streams:  []string{sub.stream, sub.retry, ">", ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			retry.Reset()
			continue
		}
		if err != nil {
			if sub.ctx.Err() != nil || b.ctx.Err() != nil {
				return
			}
			if isNoGroup(err) {
				_ = b.ensureGroup(sub.ctx, sub.stream, sub.group)
				_ = b.ensureGroup(sub.ctx, sub.retry, sub.group)
			}
			wait := retry.NextBackOff()
			observability.Log().Warn("eventbus: read stream failed",
				observability.F("stream", sub.stream),
				observability.F("group", sub.group),
				observability.F("retry_in", wait.String()),
				observability.F("error", err.Error()))
			if !sleepCtx(sub.ctx, wait) {
				return
			}
			continue
		}
		retry.Reset()
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				if !b.dispatch(sub, stream.Stream, entry, false) {
					return
				}
			}
		}
	}
}

// reclaim takes over entries that stayed pending longer than ClaimIdle. It returns false
// once the subscriber is gone.
func (b *RedisBus) reclaim(sub *redisSubscriber) bool {
	for _, stream := range []string{sub.stream, sub.retry} {
		if !b.reclaimStream(sub, stream) {
			return false
		}
	}
	return true
}

func (b *RedisBus) reclaimStream(sub *redisSubscriber, stream string) bool {
	start := "0-0"
	for {
		entries, next, err := b.client.XAutoClaim(sub.ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    sub.group,
			Consumer: sub.consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    start,
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			if sub.ctx.Err() != nil {
				return false
			}
			observability.Log().Warn("eventbus: reclaim pending failed",
				observability.F("stream", stream),
				observability.F("group", sub.group),
				observability.F("error", err.Error()))
			return true
		}
		for _, entry := range entries {
			b.reclaimedCounter.Add(sub.ctx, 1, metric.WithAttributes(
				telemetry.DeliveryAttributes(redisDriver, string(sub.kind), sub.group)...))
			if !b.dispatch(sub, stream, entry, true) {
				return false
			}
		}
		if next == "" || next == "0-0" || len(entries) == 0 {
			return true
		}
		start = next
	}
}

func (b *RedisBus) dispatch(sub *redisSubscriber, stream string, raw redis.XMessage, reclaimed bool) bool {
	entry, err := decodeEntry(raw.Values)
	if err != nil {
		observability.Log().Error("eventbus: dropping undecodable entry",
			observability.F("stream", stream),
			observability.F("group", sub.group),
			observability.F("entry_id", raw.ID),
			observability.F("error", err.Error()))
		_ = b.client.XAck(sub.ctx, stream, sub.group, raw.ID).Err()
		return true
	}
	attempt := entry.Attempt
	if reclaimed {
		attempt++
	}
	d := b.delivery(sub, stream, raw.ID, entry.Message, attempt)
	select {
	case sub.ch <- d:
		b.deliveredCounter.Add(sub.ctx, 1, metric.WithAttributes(
			telemetry.DeliveryAttributes(redisDriver, string(sub.kind), sub.group)...))
		return true
	case <-sub.ctx.Done():
		return false
	}
}

func (b *RedisBus) delivery(sub *redisSubscriber, stream, entryID string, msg *schema.Message, attempt int) *Delivery {
	d := &Delivery{Message: msg, Group: sub.group, Attempt: attempt}
	ack := func(ctx context.Context) error {
		if err := b.client.XAck(ctx, stream, sub.group, entryID).Err(); err != nil {
			return fmt.Errorf("eventbus: ack %s: %w", entryID, err)
		}
		return nil
	}
	d.ack = ack
	d.nack = func(ctx context.Context, cause error) error {
		attrs := metric.WithAttributes(telemetry.DeliveryAttributes(redisDriver, string(sub.kind), sub.group)...)
		if attempt >= b.cfg.MaxDeliveries {
			b.deadLetterCounter.Add(ctx, 1, attrs)
			observability.Log().Error("eventbus: deliveries exhausted",
				observability.F("kind", string(sub.kind)),
				observability.F("group", sub.group),
				observability.F("message_id", msg.ID.String()),
				observability.F("attempt", attempt),
				observability.F("error", causeText(cause)))
			if err := b.add(ctx, b.deadStream(), streamEntry{Message: msg, Attempt: attempt, Reason: causeText(cause)}); err != nil {
				return err
			}
			if b.cfg.DeadLetter != nil {
				b.cfg.DeadLetter(d, cause)
			}
			return ack(ctx)
		}
		b.redeliveredCounter.Add(ctx, 1, attrs)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if !sleepCtx(b.ctx, b.cfg.RedeliveryDelay) {
				return
			}
			// the copy goes to the group's retry stream so other groups never see it again
			if err := b.add(b.ctx, sub.retry, streamEntry{Message: msg, Attempt: attempt + 1}); err != nil {
				observability.Log().Warn("eventbus: redelivery failed; entry stays pending",
					observability.F("stream", stream),
					observability.F("group", sub.group),
					observability.F("entry_id", entryID),
					observability.F("error", err.Error()))
				return
			}
			_ = ack(b.ctx)
		}()
		return nil
	}
	return d
}

func (b *RedisBus) add(ctx context.Context, stream string, entry streamEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			fieldKind: string(entry.Message.Kind),
			fieldData: data,
		},
	}).Err()
	if err != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable,
			errs.WithMessage("append to stream"),
			errs.WithDetail("stream", stream),
			errs.WithCause(err))
	}
	return nil
}

func (b *RedisBus) ensureGroup(ctx context.Context, stream, group string) error {
	if err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		return errs.New("eventbus/subscribe", errs.CodeUnavailable,
			errs.WithMessage("create consumer group"),
			errs.WithDetail("stream", stream),
			errs.WithDetail("group", group),
			errs.WithCause(err))
	}
	return nil
}

func (b *RedisBus) streamFor(kind schema.Kind) (string, error) {
	topic, err := kind.Topic()
	if err != nil {
		return "", err
	}
	return b.cfg.StreamPrefix + ":" + topic, nil
}

func (b *RedisBus) deadStream() string {
	return b.cfg.StreamPrefix + ":dead_letters"
}

func (b *RedisBus) retryStream(stream, group string) string {
	return stream + ":retry:" + group
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
