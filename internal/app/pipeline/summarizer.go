package pipeline

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/domain/tx"
	"github.com/coachpo/audiosum/internal/infra/documents"
	"github.com/coachpo/audiosum/internal/infra/llm"
	"github.com/coachpo/audiosum/internal/infra/storage/multipart"
	"github.com/coachpo/audiosum/internal/observability"
)

// Compilers resolves the document compiler of a format.
type Compilers interface {
	For(format summarization.DocumentFormat) (documents.Compiler, error)
}

var _ Compilers = (*documents.Set)(nil)

// SummarizerDeps groups the collaborators of the summarizer.
type SummarizerDeps struct {
	Tasks          taskstore.Tasks
	Transcriptions taskstore.Transcriptions
	Summaries      taskstore.Summaries
	Outbox         outboxstore.Store
	Tx             tx.Manager
	LLM            llm.Completer
	Compilers      Compilers
	Blobs          blobstore.Store
	PartSize       int64
	MaxAttempts    int
	Logger         observability.Logger
}

// Summarizer turns the collected transcriptions of a task into a stored summary document.
type Summarizer struct {
	deps SummarizerDeps
	now  func() time.Time
}

// NewSummarizer wires the summarization stage.
func NewSummarizer(deps SummarizerDeps) *Summarizer {
	if deps.Logger == nil {
		deps.Logger = observability.Log()
	}
	if deps.PartSize <= 0 {
		deps.PartSize = blobstore.DefaultPartSize
	}
	return &Summarizer{deps: deps, now: time.Now}
}

// Route subscribes the summarizer to SummarizeTranscription.
func (s *Summarizer) Route() Route {
	return Route{Stage: "summarizer", Kind: schema.KindSummarizeTranscription, Group: GroupSummarizer, Handle: s.Handle}
}

// summaryNamespace derives one summary id per task so retries overwrite the same object.
var summaryNamespace = uuid.MustParse("5b0c3b8e-4f43-4d55-9a53-0c9c4f1b7a61")

// Handle produces the summary. It waits, through redelivery, until every segment is
// recorded and does nothing for finished tasks.
func (s *Summarizer) Handle(ctx context.Context, _ *schema.Message, event schema.Event) error {
	cmd, ok := event.(schema.SummarizeTranscription)
	if !ok {
		return Permanent(unexpected(event))
	}
	fields := []observability.Field{observability.F("task_id", cmd.TaskID.String())}
	logger := s.deps.Logger

	task, err := s.deps.Tasks.Get(ctx, cmd.TaskID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return Permanent(err)
		}
		return err
	}
	if task.Status().IsTerminal() {
		logger.Info("summarization skipped for finished task", append(fields, observability.F("status", string(task.Status())))...)
		return nil
	}

	transcriptions, err := s.deps.Transcriptions.ListByTask(ctx, cmd.TaskID)
	if err != nil {
		return err
	}
	if len(transcriptions) < cmd.TotalSegments {
		return errs.New("summarizer", errs.CodeUnavailable,
			errs.WithMessage("transcriptions incomplete"),
			errs.WithDetail("task_id", cmd.TaskID.String()),
			errs.WithDetail("have", strconv.Itoa(len(transcriptions))),
			errs.WithDetail("want", strconv.Itoa(cmd.TotalSegments)))
	}

	if err := s.transition(ctx, cmd.TaskID, summarization.StatusSummarizing); err != nil {
		return err
	}

	transcript := joinTranscriptions(transcriptions)
	text, err := s.deps.LLM.Completion(ctx, llm.SummaryPrompt(task.SummaryType(), transcript))
	if err != nil {
		return err
	}
	title := llm.ExtractTitle(text, task.SummaryType().DefaultTitle())

	compiler, err := s.deps.Compilers.For(task.DocumentFormat())
	if err != nil {
		return Permanent(err)
	}
	doc, err := compiler.Compile(title, text)
	if err != nil {
		return err
	}
	taskID := task.ID()
	summaryID := uuid.NewSHA1(summaryNamespace, taskID[:])
	summary, err := summarization.NewSummary(summaryID, task.CollectionID(), task.SummaryType(), text, doc, s.now())
	if err != nil {
		return err
	}

	parts := multipart.Chunk(ctx, bytes.NewReader(doc.Content), summary.Filepath, s.deps.PartSize)
	if _, err := s.deps.Blobs.UploadMultipart(ctx, summary.Filepath, doc.Format.ContentType(), parts); err != nil {
		return err
	}

	return s.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.deps.Tasks.GetForUpdate(ctx, cmd.TaskID)
		if err != nil {
			return err
		}
		if locked.Status().IsTerminal() {
			return nil
		}
		if err := s.deps.Summaries.Create(ctx, summary); err != nil {
			return err
		}
		if _, err := locked.Complete(summary.ID); err != nil {
			return err
		}
		if err := s.deps.Tasks.Update(ctx, locked); err != nil {
			return err
		}
		done, err := schema.NewMessage(schema.TranscriptionSummarized{
			TaskID:       locked.ID(),
			CollectionID: locked.CollectionID(),
			SummaryID:    summary.ID,
			Filepath:     summary.Filepath,
		}, locked.ID(), s.now())
		if err != nil {
			return err
		}
		if err := s.deps.Outbox.Enqueue(ctx, outboxstore.FromEnvelope(done, s.deps.MaxAttempts)); err != nil {
			return err
		}
		logger.Info("summary stored", append(fields,
			observability.F("summary_id", summary.ID.String()),
			observability.F("filepath", summary.Filepath),
			observability.F("pages", doc.PageCount))...)
		return nil
	})
}

func (s *Summarizer) transition(ctx context.Context, taskID uuid.UUID, status summarization.Status) error {
	return s.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		task, err := s.deps.Tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		changed, err := task.UpdateStatus(status, nil)
		if err != nil || !changed {
			return err
		}
		return s.deps.Tasks.Update(ctx, task)
	})
}

// joinTranscriptions orders segment texts by number.
func joinTranscriptions(items []summarization.Transcription) string {
	sorted := make([]summarization.Transcription, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SegmentID < sorted[j].SegmentID })
	texts := make([]string, 0, len(sorted))
	for _, tr := range sorted {
		if text := strings.TrimSpace(tr.Text); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, "\n\n")
}
