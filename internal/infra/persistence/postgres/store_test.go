package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
}

func TestStoresNilPool(t *testing.T) {
	ctx := context.Background()
	store := New(nil)
	id := uuid.New()

	msg := outboxstore.Message{Kind: schema.KindTaskCreated, EntityID: id, EntityType: schema.EntityTypeTask}
	if err := store.Outbox.Enqueue(ctx, msg); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Outbox.ClaimBatch(ctx, 1); err == nil {
		t.Fatalf("expected claim outside a transaction to fail")
	}
	if err := store.Outbox.MarkProcessed(ctx, id, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Outbox.MarkFailed(ctx, id, "boom", false); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Tasks.Get(ctx, id); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Tasks.GetForUpdate(ctx, id); !errs.IsCode(err, errs.CodeReading) {
		t.Fatalf("expected row lock outside a transaction to fail, got %v", err)
	}
	if _, err := store.Transcriptions.Add(ctx, summarization.Transcription{TaskID: id, SegmentID: 1}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Summaries.Get(ctx, id); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Records.Add(ctx, audio.Record{ID: id}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.Tx.WithinTx(ctx, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	store := NewOutboxStore(nil)
	err := store.Enqueue(context.Background(), outboxstore.Message{Kind: "Legacy", EntityID: uuid.New(), EntityType: "x"})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid kind error, got %v", err)
	}
}

func TestEnqueueValidatesBeforeConnecting(t *testing.T) {
	store := NewOutboxStore(nil)
	cases := map[string]outboxstore.Message{
		"missing entity type": {Kind: schema.KindTaskCreated, EntityID: uuid.New()},
		"missing entity id":   {Kind: schema.KindTaskCreated, EntityType: schema.EntityTypeTask},
	}
	for name, msg := range cases {
		if err := store.Enqueue(context.Background(), msg); !errs.IsCode(err, errs.CodeInvalid) {
			t.Fatalf("%s: expected invalid error, got %v", name, err)
		}
	}
	valid := outboxstore.Message{Kind: schema.KindTaskCreated, EntityID: uuid.New(), EntityType: schema.EntityTypeTask}
	bad := outboxstore.Message{Kind: "Legacy", EntityID: uuid.New(), EntityType: "x"}
	if err := store.Enqueue(context.Background(), valid, bad); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected batch with an invalid message to be rejected, got %v", err)
	}
}

func TestPayloadHashStable(t *testing.T) {
	a := payloadHash([]byte(`{"taskId":"1"}`))
	b := payloadHash([]byte(`{"taskId":"1"}`))
	c := payloadHash([]byte(`{"taskId":"2"}`))
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("unexpected hashes %s %s %s", a, b, c)
	}
}
