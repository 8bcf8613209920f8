package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
)

const summaryComponent = "summary repository"

// SummaryStore persists immutable summaries.
type SummaryStore struct {
	pool *pgxpool.Pool
}

// NewSummaryStore constructs a SummaryStore backed by the provided pool.
func NewSummaryStore(pool *pgxpool.Pool) *SummaryStore {
	return &SummaryStore{pool: pool}
}

const (
	summaryInsertSQL = `
INSERT INTO summaries (
    id,
    collection_id,
    type,
    title,
    md_text,
    filepath,
    filename,
    filesize,
    page_count,
    format,
    uploaded_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`

	summaryGetSQL = `
SELECT
    id,
    collection_id,
    type,
    title,
    md_text,
    filepath,
    filename,
    filesize,
    page_count,
    format,
    uploaded_at
FROM summaries
WHERE id = $1;
`
)

// Create inserts a summary. Summaries are never updated.
func (s *SummaryStore) Create(ctx context.Context, summary summarization.Summary) error {
	q, err := conn(ctx, s.pool, summaryComponent)
	if err != nil {
		return err
	}
	meta := summary.Metadata
	if _, err := q.Exec(ctx, summaryInsertSQL,
		summary.ID,
		summary.CollectionID,
		string(summary.Type),
		summary.Title,
		summary.Text,
		summary.Filepath,
		meta.Filename,
		meta.Size,
		meta.PageCount,
		string(meta.Format),
		meta.UploadedAt,
	); err != nil {
		return wrap(summaryComponent, errs.CodeCreation, "insert summary", err,
			errs.WithDetail("summary_id", summary.ID.String()))
	}
	return nil
}

// Get loads a summary by identifier.
func (s *SummaryStore) Get(ctx context.Context, id uuid.UUID) (summarization.Summary, error) {
	q, err := conn(ctx, s.pool, summaryComponent)
	if err != nil {
		return summarization.Summary{}, err
	}
	var (
		summary     summarization.Summary
		summaryType string
		format      string
	)
	if err := q.QueryRow(ctx, summaryGetSQL, id).Scan(
		&summary.ID,
		&summary.CollectionID,
		&summaryType,
		&summary.Title,
		&summary.Text,
		&summary.Filepath,
		&summary.Metadata.Filename,
		&summary.Metadata.Size,
		&summary.Metadata.PageCount,
		&format,
		&summary.Metadata.UploadedAt,
	); err != nil {
		return summarization.Summary{}, wrap(summaryComponent, errs.CodeReading, "select summary", err,
			errs.WithDetail("summary_id", id.String()))
	}
	summary.Type = summarization.SummaryType(summaryType)
	summary.Metadata.Type = summary.Type
	summary.Metadata.Format = summarization.DocumentFormat(format)
	return summary, nil
}

var _ taskstore.Summaries = (*SummaryStore)(nil)
