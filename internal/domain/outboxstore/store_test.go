package outboxstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/domain/schema"
)

func TestCanRetryTruthTable(t *testing.T) {
	const max = 3
	for attempts := 0; attempts <= max; attempts++ {
		for _, status := range []Status{StatusPending, StatusProcessing, StatusProcessed, StatusFailed} {
			m := Message{Attempts: attempts, MaxAttempts: max, Status: status}
			want := attempts < max && status != StatusProcessed
			if got := m.CanRetry(); got != want {
				t.Fatalf("attempts=%d status=%s: expected %t, got %t", attempts, status, want, got)
			}
		}
	}
}

func TestFromEnvelopeRoundTrip(t *testing.T) {
	taskID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := schema.NewMessage(schema.TaskCreated{TaskID: taskID, CollectionID: uuid.New(), TotalDuration: time.Hour}, taskID, at)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}

	row := FromEnvelope(env, 0)
	if row.Status != StatusPending || row.Attempts != 0 || row.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("unexpected row %+v", row)
	}
	back := row.Envelope()
	if back.ID != env.ID || back.Kind != env.Kind || back.EntityID != taskID || !back.OccurredOn.Equal(at) {
		t.Fatalf("envelope fields lost: %+v", back)
	}
	if !bytes.Equal(back.Payload, env.Payload) {
		t.Fatalf("payload changed: %s vs %s", back.Payload, env.Payload)
	}
	if FromEnvelope(env, 9).MaxAttempts != 9 {
		t.Fatalf("explicit max attempts ignored")
	}
}
