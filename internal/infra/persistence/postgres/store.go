package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store

	Tasks          *TaskStore
	Transcriptions *TranscriptionStore
	Summaries      *SummaryStore
	Records        *RecordStore
	Outbox         *OutboxStore
	Tx             *TxManager
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:          persistence.NewStore(pool),
		Tasks:          NewTaskStore(pool),
		Transcriptions: NewTranscriptionStore(pool),
		Summaries:      NewSummaryStore(pool),
		Records:        NewRecordStore(pool),
		Outbox:         NewOutboxStore(pool),
		Tx:             NewTxManager(pool),
	}
}
