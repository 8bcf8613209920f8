package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/observability"
	"github.com/coachpo/audiosum/internal/testutil/memstore"
)

type stubBus struct {
	mu        sync.Mutex
	published []*schema.Message
	fail      error
}

func (b *stubBus) Publish(_ context.Context, msg *schema.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *stubBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// failingStore fails MarkProcessed once ok rows were marked.
type failingStore struct {
	*memstore.Store
	ok   int
	seen int
}

func (s *failingStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if s.seen >= s.ok {
		return errors.New("connection reset")
	}
	s.seen++
	return s.Store.MarkProcessed(ctx, id, at)
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
	fields  [][]observability.Field
}

func (r *recordingLogger) record(level, msg string, fields []observability.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+":"+msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Debug(msg string, fields ...observability.Field) { r.record("debug", msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...observability.Field)  { r.record("info", msg, fields) }
func (r *recordingLogger) Warn(msg string, fields ...observability.Field)  { r.record("warn", msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...observability.Field) { r.record("error", msg, fields) }

func enqueue(t *testing.T, store *memstore.Store, n int, maxAttempts int) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		taskID := uuid.New()
		msg, err := schema.NewMessage(schema.TaskCreated{TaskID: taskID, CollectionID: uuid.New(), TotalDuration: time.Minute}, taskID, base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("new message: %v", err)
		}
		if err := store.Enqueue(context.Background(), outboxstore.FromEnvelope(msg, maxAttempts)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func TestProcessBatchPublishesInOrder(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 3, 5)
	bus := &stubBus{}
	w := NewWorker(store, store, NewRouter(bus), Config{BatchSize: 2}, observability.Nop())

	n, err := w.ProcessBatch(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 claimed rows, got %d (%v)", n, err)
	}
	n, err = w.ProcessBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 claimed row, got %d (%v)", n, err)
	}
	if n, _ := w.ProcessBatch(context.Background()); n != 0 {
		t.Fatalf("expected drained outbox, claimed %d", n)
	}

	rows := store.Outbox()
	for i, row := range rows {
		if row.Status != outboxstore.StatusProcessed || row.ProcessedAt == nil {
			t.Fatalf("row %d not processed: %+v", i, row)
		}
		if bus.published[i].ID != row.ID {
			t.Fatalf("row %d published out of order", i)
		}
	}
}

func TestDeliveryFailureIsRetriedThenDeadLettered(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, 2)
	bus := &stubBus{fail: errors.New("broker down")}
	dlq := observability.NewDeadLetterQueue(4)
	w := NewWorker(store, store, NewRouter(bus), Config{}, observability.Nop(), WithDeadLetterQueue(dlq))

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	row := store.Outbox()[0]
	if row.Status != outboxstore.StatusFailed || row.Attempts != 1 || !row.CanRetry() {
		t.Fatalf("expected retryable failure, got %+v", row)
	}
	if dlq.Len() != 0 {
		t.Fatalf("dead letter recorded too early")
	}

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	row = store.Outbox()[0]
	if row.Attempts != 2 || row.CanRetry() || row.LastError == "" {
		t.Fatalf("expected exhausted row, got %+v", row)
	}
	if dlq.Len() != 1 {
		t.Fatalf("expected one dead letter, got %d", dlq.Len())
	}
	if n, _ := w.ProcessBatch(context.Background()); n != 0 {
		t.Fatalf("exhausted row must not be claimed again")
	}
	failed, err := store.ListFailed(context.Background(), 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed row, got %d (%v)", len(failed), err)
	}
}

func TestUnknownKindIsDeadLetteredImmediately(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, 5)
	bus := &stubBus{}
	w := NewWorker(store, store, NewRouter(bus), Config{}, observability.Nop())

	row := store.Outbox()[0]
	row.Kind = "SomethingNewer"
	err := w.deliver(context.Background(), row)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	stored := store.Outbox()[0]
	if stored.Status != outboxstore.StatusFailed || stored.Attempts != stored.MaxAttempts {
		t.Fatalf("unknown kind must exhaust the row, got %+v", stored)
	}
	if bus.count() != 0 {
		t.Fatalf("unknown kind must not be published")
	}
}

func TestRouterRejectsUnknownKind(t *testing.T) {
	r := NewRouter(&stubBus{})
	err := r.Dispatch(context.Background(), outboxstore.Message{ID: uuid.New(), Kind: "Nope"})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	for _, kind := range schema.Kinds() {
		if err := r.Dispatch(context.Background(), outboxstore.Message{ID: uuid.New(), Kind: kind}); err != nil {
			t.Fatalf("kind %s: %v", kind, err)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, 1, 5)
	bus := &stubBus{}
	w := NewWorker(store, store, NewRouter(bus), Config{IdleInterval: 10 * time.Millisecond}, observability.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for bus.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("message not relayed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestBookkeepingFailureRollsBackBatch(t *testing.T) {
	mem := memstore.New()
	enqueue(t, mem, 3, 5)
	store := &failingStore{Store: mem, ok: 2}
	bus := &stubBus{}
	logger := &recordingLogger{}
	w := NewWorker(store, mem, NewRouter(bus), Config{BatchSize: 3}, logger)

	n, err := w.ProcessBatch(context.Background())
	if err == nil || n != 3 {
		t.Fatalf("expected failed batch of 3, got %d (%v)", n, err)
	}
	for i, row := range mem.Outbox() {
		if row.Status != outboxstore.StatusPending {
			t.Fatalf("row %d not rolled back: %+v", i, row)
		}
	}
	if bus.count() != 3 {
		t.Fatalf("expected 3 publishes before the failure, got %d", bus.count())
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	for i, entry := range logger.entries {
		if entry != "warn:outbox batch rolled back" {
			continue
		}
		got := map[string]any{}
		for _, f := range logger.fields[i] {
			got[f.Key] = f.Value
		}
		if got["claimed"] != 3 || got["completed"] != 2 {
			t.Fatalf("unexpected rollback fields %v", got)
		}
		return
	}
	t.Fatalf("rollback not logged: %v", logger.entries)
}
