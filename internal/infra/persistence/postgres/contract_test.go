package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/audiosum/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		setupErr = fmt.Errorf("short mode")
		os.Exit(m.Run())
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "audiosum"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/audiosum?sslmode=disable", host, port.Port())

	// The server restarts once during initdb; retry until it accepts connections.
	var applyErr error
	for attempt := 0; attempt < 10; attempt++ {
		if applyErr = migrations.Apply(ctx, dsn, migrations.Embedded(), nil); applyErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if applyErr != nil {
		return fmt.Errorf("apply migrations: %w", applyErr)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireDB(t *testing.T) *pgstore.Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	return pgstore.New(testPool)
}

func createTask(t *testing.T, ctx context.Context, store *pgstore.Store) *summarization.Task {
	t.Helper()
	task, err := summarization.Create(summarization.CreateParams{
		CollectionID:   uuid.New(),
		TotalDuration:  40 * time.Minute,
		SummaryType:    summarization.SummaryLectureNotes,
		DocumentFormat: summarization.FormatMD,
	}, time.Now())
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	err = store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := store.Tasks.Create(ctx, task); err != nil {
			return err
		}
		for _, evt := range task.PullEvents() {
			env, err := schema.NewMessage(evt, task.ID(), time.Now())
			if err != nil {
				return err
			}
			if err := store.Outbox.Enqueue(ctx, outboxstore.FromEnvelope(env, 3)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("persist task: %v", err)
	}
	return task
}

func TestTaskLifecycleAndSummary(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	task := createTask(t, ctx, store)

	loaded, err := store.Tasks.Get(ctx, task.ID())
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if loaded.Status() != summarization.StatusPending || loaded.TotalDuration() != 40*time.Minute {
		t.Fatalf("unexpected task %+v", loaded.Snapshot())
	}

	summaryID := uuid.New()
	doc := summarization.Document{Title: "Notes", Format: summarization.FormatMD, Content: []byte("# Notes"), PageCount: 1}
	summary, err := summarization.NewSummary(summaryID, task.CollectionID(), task.SummaryType(), "# Notes", doc, time.Now())
	if err != nil {
		t.Fatalf("new summary: %v", err)
	}
	err = store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := store.Summaries.Create(ctx, summary); err != nil {
			return err
		}
		locked, err := store.Tasks.GetForUpdate(ctx, task.ID())
		if err != nil {
			return err
		}
		if _, err := locked.Complete(summaryID); err != nil {
			return err
		}
		return store.Tasks.Update(ctx, locked)
	})
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}

	completed, err := store.Tasks.Get(ctx, task.ID())
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if completed.Status() != summarization.StatusCompleted || completed.SummaryID() == nil || *completed.SummaryID() != summaryID {
		t.Fatalf("expected completed task with summary, got %+v", completed.Snapshot())
	}
	stored, err := store.Summaries.Get(ctx, summaryID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if stored.Filepath != summary.Filepath || stored.Metadata.PageCount != 1 {
		t.Fatalf("unexpected summary %+v", stored)
	}
	if _, err := store.Summaries.Get(ctx, uuid.New()); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	task, err := summarization.Create(summarization.CreateParams{
		CollectionID:   uuid.New(),
		TotalDuration:  time.Minute,
		SummaryType:    summarization.SummaryMeetingProtocol,
		DocumentFormat: summarization.FormatPDF,
	}, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := fmt.Errorf("abort")
	err = store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := store.Tasks.Create(ctx, task); err != nil {
			return err
		}
		return boom
	})
	if err == nil {
		t.Fatalf("expected rollback error")
	}
	if _, err := store.Tasks.Get(ctx, task.ID()); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected task to be rolled back, got %v", err)
	}
}

func TestTranscriptionDedupe(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	task := createTask(t, ctx, store)
	tr := summarization.Transcription{
		TaskID:          task.ID(),
		RecordID:        uuid.New(),
		SegmentID:       1,
		SegmentDuration: 20 * time.Minute,
		Text:            "hello",
	}
	inserted, err := store.Transcriptions.Add(ctx, tr)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	tr.Text = "redelivered"
	inserted, err = store.Transcriptions.Add(ctx, tr)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	list, err := store.Transcriptions.ListByTask(ctx, task.ID())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Text != "hello" || list[0].SegmentDuration != 20*time.Minute {
		t.Fatalf("unexpected transcriptions %+v", list)
	}
	if n, err := store.Transcriptions.CountByTask(ctx, task.ID()); err != nil || n != 1 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
	if ok, err := store.Transcriptions.Has(ctx, task.ID(), 1); err != nil || !ok {
		t.Fatalf("segment 1 should be recorded: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Transcriptions.Has(ctx, task.ID(), 2); err != nil || ok {
		t.Fatalf("segment 2 should be missing: ok=%v err=%v", ok, err)
	}
}

func TestRecordsListedInOrder(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	collectionID := uuid.New()
	first := audio.Record{ID: uuid.New(), CollectionID: collectionID, Filepath: "records/a.mp3", Format: audio.FormatMP3, Duration: 30 * time.Minute}
	second := audio.Record{ID: uuid.New(), CollectionID: collectionID, Filepath: "records/b.mp3", Format: audio.FormatMP3, Duration: 10 * time.Minute}
	if err := store.Records.Add(ctx, first); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := store.Records.Add(ctx, second); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if err := store.Records.Add(ctx, first); !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict on duplicate record, got %v", err)
	}
	records, err := store.Records.ListByCollection(ctx, collectionID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != first.ID || records[1].Duration != 10*time.Minute {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestOutboxDuplicatePayloadConflicts(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	entity := uuid.New()
	payload := json.RawMessage(`{"taskId":"` + entity.String() + `"}`)
	msg := outboxstore.Message{Kind: schema.KindSummarizeTranscription, EntityID: entity, EntityType: schema.EntityTypeTask, Payload: payload}
	if err := store.Outbox.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Outbox.Enqueue(ctx, msg); !errs.IsCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict for duplicate payload, got %v", err)
	}
}

func TestOutboxConcurrentClaimsAreDisjoint(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	if _, err := testPool.Exec(ctx, `UPDATE outbox_messages SET status = 'PROCESSED' WHERE status <> 'PROCESSED'`); err != nil {
		t.Fatalf("reset outbox: %v", err)
	}
	const total = 40
	for i := 0; i < total; i++ {
		entity := uuid.New()
		msg := outboxstore.Message{
			Kind:       schema.KindTaskCreated,
			EntityID:   entity,
			EntityType: schema.EntityTypeTask,
			Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			OccurredOn: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.Outbox.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
		ready   sync.WaitGroup
		release = make(chan struct{})
		done    sync.WaitGroup
	)
	claim := func() {
		defer done.Done()
		err := store.Tx.WithinTx(ctx, func(ctx context.Context) error {
			batch, err := store.Outbox.ClaimBatch(ctx, 25)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, msg := range batch {
				claimed[msg.ID]++
			}
			mu.Unlock()
			ready.Done()
			<-release // hold the row locks until both claimers have read
			for _, msg := range batch {
				if err := store.Outbox.MarkProcessed(ctx, msg.ID, time.Now()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Errorf("claim: %v", err)
		}
	}
	ready.Add(2)
	done.Add(2)
	go claim()
	go claim()
	ready.Wait()
	close(release)
	done.Wait()

	if len(claimed) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("message %s claimed %d times", id, n)
		}
	}
}

func TestOutboxFailureAccountingAndDeadLetters(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	if _, err := testPool.Exec(ctx, `UPDATE outbox_messages SET status = 'PROCESSED' WHERE status <> 'PROCESSED'`); err != nil {
		t.Fatalf("reset outbox: %v", err)
	}
	entity := uuid.New()
	msg := outboxstore.Message{
		ID:          uuid.New(),
		Kind:        schema.KindTaskFailed,
		EntityID:    entity,
		EntityType:  schema.EntityTypeTask,
		Payload:     json.RawMessage(`{"reason":"x"}`),
		MaxAttempts: 2,
	}
	if err := store.Outbox.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		err := store.Tx.WithinTx(ctx, func(ctx context.Context) error {
			batch, err := store.Outbox.ClaimBatch(ctx, 10)
			if err != nil {
				return err
			}
			if len(batch) != 1 || batch[0].ID != msg.ID {
				return fmt.Errorf("attempt %d: unexpected batch %+v", attempt, batch)
			}
			if !batch[0].CanRetry() {
				return fmt.Errorf("attempt %d: expected retryable row", attempt)
			}
			if err := store.Outbox.MarkProcessing(ctx, msg.ID); err != nil {
				return err
			}
			return store.Outbox.MarkFailed(ctx, msg.ID, "bus unavailable", false)
		})
		if err != nil {
			t.Fatalf("%v", err)
		}
	}
	err := store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		batch, err := store.Outbox.ClaimBatch(ctx, 10)
		if err != nil {
			return err
		}
		if len(batch) != 0 {
			return fmt.Errorf("exhausted row must not be claimed, got %d", len(batch))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("%v", err)
	}
	dead, err := store.Outbox.ListFailed(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 2 || dead[0].LastError != "bus unavailable" || dead[0].Status != outboxstore.StatusFailed {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
}
