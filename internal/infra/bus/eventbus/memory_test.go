package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/schema"
)

func newTestMessage(t *testing.T) *schema.Message {
	t.Helper()
	taskID := uuid.New()
	msg, err := schema.NewMessage(schema.TaskCreated{
		TaskID:        taskID,
		CollectionID:  uuid.New(),
		TotalDuration: time.Minute,
	}, taskID, time.Now())
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func receive(t *testing.T, ch <-chan *Delivery) *Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func TestMemoryBusPublishNilMessage(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), nil)
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for nil message, got %v", err)
	}
}

func TestMemoryBusPublishUnknownKind(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	msg := newTestMessage(t)
	msg.Kind = "Bogus"
	if err := bus.Publish(context.Background(), msg); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for unknown kind, got %v", err)
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), newTestMessage(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryBusSubscribeValidation(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	if _, _, err := bus.Subscribe(context.Background(), schema.KindTaskCreated, " "); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for blank group, got %v", err)
	}
	if _, _, err := bus.Subscribe(context.Background(), "Bogus", "splitter"); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for unknown kind, got %v", err)
	}
}

func TestMemoryBusFanoutAcrossGroups(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	_, splitter, err := bus.Subscribe(ctx, schema.KindTaskCreated, "splitter")
	if err != nil {
		t.Fatalf("subscribe splitter: %v", err)
	}
	_, audit, err := bus.Subscribe(ctx, schema.KindTaskCreated, "audit")
	if err != nil {
		t.Fatalf("subscribe audit: %v", err)
	}

	msg := newTestMessage(t)
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for name, ch := range map[string]<-chan *Delivery{"splitter": splitter, "audit": audit} {
		d := receive(t, ch)
		if d.Message.ID != msg.ID {
			t.Fatalf("%s: expected message %s, got %s", name, msg.ID, d.Message.ID)
		}
		if d.Group != name {
			t.Fatalf("expected group %s, got %s", name, d.Group)
		}
		if d.Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", d.Attempt)
		}
		if d.Message == msg {
			t.Fatalf("%s: expected a copy of the published message", name)
		}
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestMemoryBusCompetingConsumersShareGroup(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 32})
	defer bus.Close()
	ctx := context.Background()

	_, first, err := bus.Subscribe(ctx, schema.KindTaskCreated, "splitter")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, second, err := bus.Subscribe(ctx, schema.KindTaskCreated, "splitter")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const total = 20
	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	wg.Add(total)
	consume := func(ch <-chan *Delivery) {
		for d := range ch {
			mu.Lock()
			seen[d.Message.ID]++
			mu.Unlock()
			_ = d.Ack(ctx)
			wg.Done()
		}
	}
	go consume(first)
	go consume(second)

	for i := 0; i < total; i++ {
		if err := bus.Publish(ctx, newTestMessage(t)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != total {
		t.Fatalf("expected %d distinct messages, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s delivered %d times within one group", id, n)
		}
	}
}

func TestMemoryBusNackRedelivers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, RedeliveryDelay: 10 * time.Millisecond})
	defer bus.Close()
	ctx := context.Background()

	_, ch, err := bus.Subscribe(ctx, schema.KindSummarizeTranscription, "summarizer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	taskID := uuid.New()
	msg, err := schema.NewMessage(schema.SummarizeTranscription{TaskID: taskID, TotalSegments: 3}, taskID, time.Now())
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := bus.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d := receive(t, ch)
	if err := d.Nack(ctx, errors.New("not all transcriptions yet")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	// later settlement calls are ignored
	_ = d.Ack(ctx)

	again := receive(t, ch)
	if again.Message.ID != msg.ID {
		t.Fatalf("expected redelivery of %s, got %s", msg.ID, again.Message.ID)
	}
	if again.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", again.Attempt)
	}
	_ = again.Ack(ctx)
}

func TestMemoryBusNackExhaustedDeadLetters(t *testing.T) {
	dead := make(chan *Delivery, 1)
	bus := NewMemoryBus(MemoryConfig{
		BufferSize:      4,
		MaxDeliveries:   2,
		RedeliveryDelay: time.Millisecond,
		DeadLetter: func(d *Delivery, _ error) {
			dead <- d
		},
	})
	defer bus.Close()
	ctx := context.Background()

	_, ch, err := bus.Subscribe(ctx, schema.KindTaskCreated, "splitter")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, newTestMessage(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		d := receive(t, ch)
		if d.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, d.Attempt)
		}
		_ = d.Nack(ctx, errors.New("boom"))
	}

	select {
	case d := <-dead:
		if d.Attempt != 2 {
			t.Fatalf("expected dead letter at attempt 2, got %d", d.Attempt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected dead letter callback")
	}

	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery after exhaustion: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), schema.KindTaskFailed, "task-progress")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestMemoryBusCloseRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background(), schema.KindTaskCreated, "splitter")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed by Close")
	}
	if err := bus.Publish(context.Background(), newTestMessage(t)); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}
