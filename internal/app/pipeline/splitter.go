package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
	"github.com/coachpo/audiosum/internal/domain/collectionstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/audio/ffmpeg"
	"github.com/coachpo/audiosum/internal/infra/storage/multipart"
	"github.com/coachpo/audiosum/internal/observability"
)

// AudioTool is the ffmpeg surface used by the splitter and the enhancer.
type AudioTool interface {
	Cut(ctx context.Context, input, output string, offset, duration time.Duration) error
	Filter(ctx context.Context, input, output string, chain ffmpeg.Chain) error
	WorkDir(prefix string) (string, error)
}

var _ AudioTool = (*ffmpeg.Tool)(nil)

// SplitterConfig tunes segmentation.
type SplitterConfig struct {
	// SegmentDuration overrides the duration policy when positive.
	SegmentDuration time.Duration
	PartSize        int64
}

// Splitter cuts every record of a collection into numbered segments.
type Splitter struct {
	records collectionstore.Records
	blobs   blobstore.Store
	tool    AudioTool
	bus     Publisher
	cfg     SplitterConfig
	logger  observability.Logger
	now     func() time.Time
}

// NewSplitter wires the splitter stage.
func NewSplitter(records collectionstore.Records, blobs blobstore.Store, tool AudioTool, bus Publisher, cfg SplitterConfig, logger observability.Logger) *Splitter {
	if logger == nil {
		logger = observability.Log()
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = blobstore.DefaultPartSize
	}
	return &Splitter{records: records, blobs: blobs, tool: tool, bus: bus, cfg: cfg, logger: logger, now: time.Now}
}

// Route subscribes the splitter to TaskCreated.
func (s *Splitter) Route() Route {
	return Route{Stage: "splitter", Kind: schema.KindTaskCreated, Group: GroupSplitter, Handle: s.Handle}
}

// Handle splits the collection announced by a TaskCreated message.
func (s *Splitter) Handle(ctx context.Context, _ *schema.Message, event schema.Event) error {
	created, ok := event.(schema.TaskCreated)
	if !ok {
		return Permanent(unexpected(event))
	}
	records, err := s.records.ListByCollection(ctx, created.CollectionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return Permanent(errs.New("splitter", errs.CodeNotFound,
			errs.WithMessage("collection has no records"),
			errs.WithDetail("collection_id", created.CollectionID.String())))
	}

	size := s.cfg.SegmentDuration
	if size <= 0 {
		var total time.Duration
		for _, r := range records {
			total += r.Duration
		}
		size = audio.SegmentDurationFor(total)
	}
	plan, err := audio.PlanSegments(records, size)
	if err != nil {
		return Permanent(errs.New("splitter", errs.CodeInvalid, errs.WithMessage("plan segments"), errs.WithCause(err)))
	}

	dir, err := s.tool.WorkDir("split")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	byRecord := make(map[uuid.UUID][]audio.PlannedSegment, len(records))
	for _, p := range plan {
		byRecord[p.RecordID] = append(byRecord[p.RecordID], p)
	}
	for _, record := range records {
		source, err := s.fetch(ctx, dir, record)
		if err != nil {
			return err
		}
		for _, p := range byRecord[record.ID] {
			if err := s.emit(ctx, dir, source, created, p); err != nil {
				return err
			}
		}
		_ = os.Remove(source)
	}
	s.logger.Info("collection split",
		observability.F("task_id", created.TaskID.String()),
		observability.F("segments", len(plan)),
		observability.F("segment_duration", size.String()))
	return nil
}

// fetch streams a record into a local file so memory stays bounded by the part size.
func (s *Splitter) fetch(ctx context.Context, dir string, record audio.Record) (string, error) {
	stream, err := s.blobs.DownloadMultipart(ctx, record.Filepath, s.cfg.PartSize)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return "", Permanent(err)
		}
		return "", err
	}
	path := filepath.Join(dir, record.ID.String()+"."+string(record.Format))
	file, err := os.Create(path) // #nosec G304 -- path is inside the work dir.
	if err != nil {
		stream.Close()
		return "", fmt.Errorf("splitter: create %s: %w", filepath.Base(path), err)
	}
	if _, err := multipart.WriteTo(ctx, stream, file); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("splitter: close %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

func (s *Splitter) emit(ctx context.Context, dir, source string, created schema.TaskCreated, p audio.PlannedSegment) error {
	out := filepath.Join(dir, fmt.Sprintf("segment-%04d.%s", p.Number, ffmpeg.OutputFormat))
	if err := s.tool.Cut(ctx, source, out, p.Offset, p.Duration); err != nil {
		return err
	}
	content, err := os.ReadFile(out) // #nosec G304 -- path is inside the work dir.
	if err != nil {
		return fmt.Errorf("splitter: read segment %d: %w", p.Number, err)
	}
	_ = os.Remove(out)

	segment := audio.Segment{
		Number:     p.Number,
		TotalCount: p.TotalCount,
		Content:    content,
		Format:     ffmpeg.OutputFormat,
		Duration:   p.Duration,
		Channels:   ffmpeg.OutputChannels,
		SampleRate: ffmpeg.OutputSampleRate,
		Metadata: audio.SegmentMetadata{
			TaskID:       created.TaskID,
			CollectionID: created.CollectionID,
			RecordID:     p.RecordID,
		},
	}
	msg, err := schema.NewMessage(schema.AudioSplit{Segment: segment}, created.TaskID, s.now())
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, msg); err != nil {
		return err
	}
	s.logger.Debug("segment emitted",
		observability.F("task_id", created.TaskID.String()),
		observability.F("segment", p.Number),
		observability.F("total", p.TotalCount))
	return nil
}

func unexpected(event schema.Event) error {
	kind := "<nil>"
	if event != nil {
		kind = string(event.Kind())
	}
	return errs.New("pipeline", errs.CodeInvalid,
		errs.WithMessage("unexpected event for handler"),
		errs.WithDetail("kind", kind))
}
