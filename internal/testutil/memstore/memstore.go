// Package memstore provides in-memory repositories for tests. Transactions serialise on a
// single lock and roll back by restoring a copy of the data.
package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/collectionstore"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
)

type transcriptionKey struct {
	task    uuid.UUID
	segment int
}

type data struct {
	tasks          map[uuid.UUID]summarization.TaskSnapshot
	transcriptions map[transcriptionKey]summarization.Transcription
	summaries      map[uuid.UUID]summarization.Summary
	records        map[uuid.UUID][]audio.Record
	outbox         []outboxstore.Message
}

func (d data) clone() data {
	cp := data{
		tasks:          make(map[uuid.UUID]summarization.TaskSnapshot, len(d.tasks)),
		transcriptions: make(map[transcriptionKey]summarization.Transcription, len(d.transcriptions)),
		summaries:      make(map[uuid.UUID]summarization.Summary, len(d.summaries)),
		records:        make(map[uuid.UUID][]audio.Record, len(d.records)),
		outbox:         append([]outboxstore.Message(nil), d.outbox...),
	}
	for k, v := range d.tasks {
		cp.tasks[k] = v
	}
	for k, v := range d.transcriptions {
		cp.transcriptions[k] = v
	}
	for k, v := range d.summaries {
		cp.summaries[k] = v
	}
	for k, v := range d.records {
		cp.records[k] = append([]audio.Record(nil), v...)
	}
	return cp
}

// Store implements every repository contract in memory.
type Store struct {
	txMu sync.Mutex

	mu   sync.Mutex
	data data
}

var (
	_ taskstore.Tasks          = (*Store)(nil)
	_ collectionstore.Records  = (*Store)(nil)
	_ outboxstore.Store        = (*Store)(nil)
	_ tx.Manager               = (*Store)(nil)
	_ taskstore.Transcriptions = Transcriptions{}
	_ taskstore.Summaries      = Summaries{}
)

// New returns an empty store.
func New() *Store {
	return &Store{data: data{
		tasks:          make(map[uuid.UUID]summarization.TaskSnapshot),
		transcriptions: make(map[transcriptionKey]summarization.Transcription),
		summaries:      make(map[uuid.UUID]summarization.Summary),
		records:        make(map[uuid.UUID][]audio.Record),
	}}
}

type txMarker struct{}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txMarker{}).(bool)
	return ok
}

// WithinTx runs fn under the store-wide transaction lock. Nested calls join the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	saved := s.data.clone()
	s.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			s.restore(saved)
			panic(p)
		}
		if err != nil {
			s.restore(saved)
		}
	}()
	return fn(context.WithValue(ctx, txMarker{}, true))
}

func (s *Store) restore(saved data) {
	s.mu.Lock()
	s.data = saved
	s.mu.Unlock()
}

// Tasks.

func (s *Store) Create(ctx context.Context, task *summarization.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.tasks[task.ID()]; ok {
		return errs.New("memstore", errs.CodeConflict, errs.WithMessage("task exists"))
	}
	s.data.tasks[task.ID()] = task.Snapshot()
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*summarization.Task, error) {
	s.mu.Lock()
	snap, ok := s.data.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New("memstore", errs.CodeNotFound,
			errs.WithMessage("task not found"),
			errs.WithDetail("task_id", id.String()))
	}
	return summarization.Restore(snap)
}

func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*summarization.Task, error) {
	if !inTx(ctx) {
		return nil, errs.New("memstore", errs.CodeInvalid, errs.WithMessage("lock requires a transaction"))
	}
	return s.Get(ctx, id)
}

func (s *Store) Update(ctx context.Context, task *summarization.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.tasks[task.ID()]; !ok {
		return errs.New("memstore", errs.CodeNotFound, errs.WithMessage("task not found"))
	}
	s.data.tasks[task.ID()] = task.Snapshot()
	return nil
}

// Records.

func (s *Store) Add(ctx context.Context, record audio.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.records[record.CollectionID] {
		if existing.ID == record.ID {
			return errs.New("memstore", errs.CodeConflict, errs.WithMessage("record exists"))
		}
	}
	s.data.records[record.CollectionID] = append(s.data.records[record.CollectionID], record)
	return nil
}

func (s *Store) ListByCollection(ctx context.Context, collectionID uuid.UUID) ([]audio.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Record(nil), s.data.records[collectionID]...), nil
}

// Transcriptions returns the transcription repository view.
func (s *Store) Transcriptions() Transcriptions { return Transcriptions{s} }

// Summaries returns the summary repository view.
func (s *Store) Summaries() Summaries { return Summaries{s} }

// Transcriptions is the transcription repository of a Store.
type Transcriptions struct{ s *Store }

func (t Transcriptions) Add(ctx context.Context, tr summarization.Transcription) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := transcriptionKey{task: tr.TaskID, segment: tr.SegmentID}
	if _, ok := t.s.data.transcriptions[key]; ok {
		return false, nil
	}
	t.s.data.transcriptions[key] = tr
	return true, nil
}

func (t Transcriptions) ListByTask(ctx context.Context, taskID uuid.UUID) ([]summarization.Transcription, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []summarization.Transcription
	for key, tr := range t.s.data.transcriptions {
		if key.task == taskID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out, nil
}

func (t Transcriptions) CountByTask(ctx context.Context, taskID uuid.UUID) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for key := range t.s.data.transcriptions {
		if key.task == taskID {
			n++
		}
	}
	return n, nil
}

func (t Transcriptions) Has(ctx context.Context, taskID uuid.UUID, segmentID int) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.data.transcriptions[transcriptionKey{task: taskID, segment: segmentID}]
	return ok, nil
}

// Summaries is the summary repository of a Store.
type Summaries struct{ s *Store }

func (m Summaries) Create(ctx context.Context, summary summarization.Summary) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.data.summaries[summary.ID]; ok {
		return errs.New("memstore", errs.CodeConflict, errs.WithMessage("summary exists"))
	}
	m.s.data.summaries[summary.ID] = summary
	return nil
}

func (m Summaries) Get(ctx context.Context, id uuid.UUID) (summarization.Summary, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	summary, ok := m.s.data.summaries[id]
	if !ok {
		return summarization.Summary{}, errs.New("memstore", errs.CodeNotFound, errs.WithMessage("summary not found"))
	}
	return summary, nil
}

// Outbox.

func (s *Store) Enqueue(ctx context.Context, msgs ...outboxstore.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if err := msg.Kind.Validate(); err != nil {
			return err
		}
		if msg.ID == uuid.Nil {
			msg.ID = uuid.New()
		}
		if msg.MaxAttempts <= 0 {
			msg.MaxAttempts = outboxstore.DefaultMaxAttempts
		}
		if msg.OccurredOn.IsZero() {
			msg.OccurredOn = time.Now().UTC()
		}
		msg.Status = outboxstore.StatusPending
		hash := hashOf(msg.Payload)
		for _, existing := range s.data.outbox {
			if existing.EntityID == msg.EntityID && existing.EntityType == msg.EntityType && hashOf(existing.Payload) == hash {
				return errs.New("memstore", errs.CodeConflict, errs.WithMessage("duplicate outbox message"))
			}
		}
		s.data.outbox = append(s.data.outbox, msg)
	}
	return nil
}

func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]outboxstore.Message, error) {
	if !inTx(ctx) {
		return nil, errs.New("memstore", errs.CodeInvalid, errs.WithMessage("claim requires a transaction"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.Message
	for _, msg := range s.data.outbox {
		deliverable := msg.Status == outboxstore.StatusPending ||
			(msg.Status == outboxstore.StatusFailed && msg.Attempts < msg.MaxAttempts)
		if deliverable {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredOn.Before(out[j].OccurredOn) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.mutate(id, func(m *outboxstore.Message) {
		m.Status = outboxstore.StatusProcessing
	})
}

func (s *Store) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.mutate(id, func(m *outboxstore.Message) {
		at := at.UTC()
		m.Status = outboxstore.StatusProcessed
		m.ProcessedAt = &at
		m.LastError = ""
	})
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, exhausted bool) error {
	return s.mutate(id, func(m *outboxstore.Message) {
		m.Status = outboxstore.StatusFailed
		m.LastError = lastError
		m.Attempts++
		if exhausted || m.Attempts > m.MaxAttempts {
			m.Attempts = m.MaxAttempts
		}
	})
}

func (s *Store) ListFailed(ctx context.Context, limit int) ([]outboxstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.Message
	for i := len(s.data.outbox) - 1; i >= 0; i-- {
		msg := s.data.outbox[i]
		if msg.Status == outboxstore.StatusFailed && msg.Attempts >= msg.MaxAttempts {
			out = append(out, msg)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Outbox returns a copy of every outbox row in insertion order.
func (s *Store) Outbox() []outboxstore.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outboxstore.Message(nil), s.data.outbox...)
}

func (s *Store) mutate(id uuid.UUID, fn func(m *outboxstore.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.outbox {
		if s.data.outbox[i].ID == id {
			fn(&s.data.outbox[i])
			return nil
		}
	}
	return errs.New("memstore", errs.CodeNotFound,
		errs.WithMessage("outbox message not found"),
		errs.WithDetail("id", id.String()))
}

func hashOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
