// Package tasks implements the commands that start and inspect summarization tasks.
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
	"github.com/coachpo/audiosum/internal/domain/collectionstore"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
	"github.com/coachpo/audiosum/internal/observability"
)

const component = "task service"

// Deps groups the service collaborators.
type Deps struct {
	Tasks       taskstore.Tasks
	Summaries   taskstore.Summaries
	Records     collectionstore.Records
	Outbox      outboxstore.Store
	Tx          tx.Manager
	Blobs       blobstore.Store
	MaxAttempts int
	PresignTTL  time.Duration
	Logger      observability.Logger
}

// Service creates tasks and reads their results.
type Service struct {
	deps Deps
	now  func() time.Time
}

// NewService constructs the service.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = observability.Log()
	}
	if deps.PresignTTL <= 0 {
		deps.PresignTTL = 15 * time.Minute
	}
	return &Service{deps: deps, now: time.Now}
}

// CreateTaskRequest starts the pipeline for a collection.
type CreateTaskRequest struct {
	CollectionID   uuid.UUID
	SummaryType    string
	DocumentFormat string
}

// CreateTask stores a PENDING task and its TaskCreated message in one transaction.
// The total duration is the sum of the collection's records.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*summarization.Task, error) {
	summaryType, err := summarization.ParseSummaryType(req.SummaryType)
	if err != nil {
		return nil, err
	}
	format, err := summarization.ParseDocumentFormat(req.DocumentFormat)
	if err != nil {
		return nil, err
	}
	records, err := s.deps.Records.ListByCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("collection has no records"),
			errs.WithDetail("collection_id", req.CollectionID.String()))
	}
	var total time.Duration
	for _, r := range records {
		total += r.Duration
	}

	now := s.now()
	task, err := summarization.Create(summarization.CreateParams{
		CollectionID:   req.CollectionID,
		TotalDuration:  total,
		SummaryType:    summaryType,
		DocumentFormat: format,
	}, now)
	if err != nil {
		return nil, err
	}
	err = s.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Tasks.Create(ctx, task); err != nil {
			return err
		}
		events := task.PullEvents()
		msgs := make([]outboxstore.Message, 0, len(events))
		for _, event := range events {
			env, err := schema.NewMessage(event, task.ID(), now)
			if err != nil {
				return err
			}
			msgs = append(msgs, outboxstore.FromEnvelope(env, s.deps.MaxAttempts))
		}
		return s.deps.Outbox.Enqueue(ctx, msgs...)
	})
	if err != nil {
		return nil, err
	}
	s.deps.Logger.Info("summarization task created",
		observability.F("task_id", task.ID().String()),
		observability.F("collection_id", req.CollectionID.String()),
		observability.F("records", len(records)),
		observability.F("total_duration", total.String()),
		observability.F("waiting_time", task.WaitingTime().String()))
	return task, nil
}

// GetTask loads a task.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*summarization.Task, error) {
	return s.deps.Tasks.Get(ctx, id)
}

// RegisterRecordRequest describes an uploaded audio file.
type RegisterRecordRequest struct {
	CollectionID uuid.UUID
	Filepath     string
	Format       string
	Duration     time.Duration
	Channels     int
	SampleRate   int
}

// RegisterRecord adds an already uploaded file to a collection.
func (s *Service) RegisterRecord(ctx context.Context, req RegisterRecordRequest) (audio.Record, error) {
	path := strings.TrimSpace(req.Filepath)
	if req.CollectionID == uuid.Nil || path == "" {
		return audio.Record{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("collection id and filepath required"))
	}
	if req.Duration <= 0 {
		return audio.Record{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("duration must be positive"))
	}
	format, ok := audio.ParseFormat(req.Format)
	if !ok {
		format, ok = audio.FormatFromPath(path)
	}
	if !ok {
		return audio.Record{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unsupported audio format"),
			errs.WithDetail("format", req.Format))
	}
	exists, err := s.deps.Blobs.Exists(ctx, path)
	if err != nil {
		return audio.Record{}, err
	}
	if !exists {
		return audio.Record{}, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("audio file not uploaded"),
			errs.WithDetail("filepath", path))
	}
	record := audio.Record{
		ID:           uuid.New(),
		CollectionID: req.CollectionID,
		Filepath:     path,
		Format:       format,
		Duration:     req.Duration,
		Channels:     req.Channels,
		SampleRate:   req.SampleRate,
	}
	if err := s.deps.Records.Add(ctx, record); err != nil {
		return audio.Record{}, err
	}
	return record, nil
}

// SummaryView is a stored summary with a temporary download link.
type SummaryView struct {
	Summary     summarization.Summary
	DownloadURL string
}

// GetSummary loads a summary and presigns its document.
func (s *Service) GetSummary(ctx context.Context, id uuid.UUID) (SummaryView, error) {
	summary, err := s.deps.Summaries.Get(ctx, id)
	if err != nil {
		return SummaryView{}, err
	}
	url, err := s.deps.Blobs.PresignedURL(ctx, summary.Filepath, s.deps.PresignTTL)
	if err != nil {
		return SummaryView{}, err
	}
	return SummaryView{Summary: summary, DownloadURL: url}, nil
}
