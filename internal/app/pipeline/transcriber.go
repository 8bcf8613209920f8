package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/domain/taskstore"
	"github.com/coachpo/audiosum/internal/infra/speech"
	"github.com/coachpo/audiosum/internal/observability"
)

// TranscriberConfig carries the recognition options and polling cadence.
type TranscriberConfig struct {
	Model        string
	Language     string
	Diarization  bool
	SpeakerCount int
	PollInterval time.Duration
	Timeout      time.Duration
}

// Transcriber sends enhanced segments to the speech service.
type Transcriber struct {
	recognizer speech.Recognizer
	bus        Publisher
	cfg        TranscriberConfig
	logger     observability.Logger
	now        func() time.Time
	recorded   taskstore.Transcriptions
}

// TranscriberOption customises a Transcriber.
type TranscriberOption func(*Transcriber)

// WithRecordedSegments skips recognition of segments whose text is already stored, which
// happens when the splitter re-emits a task after a partial failure.
func WithRecordedSegments(transcriptions taskstore.Transcriptions) TranscriberOption {
	return func(t *Transcriber) {
		t.recorded = transcriptions
	}
}

// NewTranscriber wires the transcription stage.
func NewTranscriber(recognizer speech.Recognizer, bus Publisher, cfg TranscriberConfig, logger observability.Logger, opts ...TranscriberOption) *Transcriber {
	if logger == nil {
		logger = observability.Log()
	}
	t := &Transcriber{recognizer: recognizer, bus: bus, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Route subscribes the transcriber to SoundEnhanced.
func (t *Transcriber) Route() Route {
	return Route{Stage: "transcriber", Kind: schema.KindSoundEnhanced, Group: GroupTranscriber, Handle: t.Handle}
}

// Handle recognises one segment and emits AudioTranscribed.
func (t *Transcriber) Handle(ctx context.Context, msg *schema.Message, event schema.Event) error {
	enhanced, ok := event.(schema.SoundEnhanced)
	if !ok {
		return Permanent(unexpected(event))
	}
	segment := enhanced.Segment
	if t.recorded != nil {
		done, err := t.recorded.Has(ctx, segment.Metadata.TaskID, segment.Number)
		if err != nil {
			return err
		}
		if done {
			t.logger.Debug("segment already transcribed",
				observability.F("task_id", segment.Metadata.TaskID.String()),
				observability.F("segment", segment.Number))
			return nil
		}
	}
	encoding, err := speech.EncodingFor(segment.Format)
	if err != nil {
		return Permanent(err)
	}
	opts := speech.Options{
		Model:         t.cfg.Model,
		Encoding:      encoding,
		SampleRate:    segment.SampleRate,
		Language:      t.cfg.Language,
		ChannelsCount: segment.Channels,
		Diarization:   t.cfg.Diarization,
		SpeakerCount:  t.cfg.SpeakerCount,
	}
	transcript, err := speech.Recognize(ctx, t.recognizer, segment.Content, opts, t.cfg.PollInterval, t.cfg.Timeout)
	if err != nil {
		if errors.Is(err, speech.ErrTaskFailed) {
			return Permanent(err)
		}
		return err
	}

	next, err := schema.NewMessage(schema.AudioTranscribed{
		TaskID:       segment.Metadata.TaskID,
		CollectionID: segment.Metadata.CollectionID,
		RecordID:     segment.Metadata.RecordID,
		SegmentID:    segment.Number,
		TotalCount:   segment.TotalCount,
		Duration:     segment.Duration,
		Text:         transcript.Markdown(),
		IsLast:       segment.IsLast(),
	}, msg.EntityID, t.now())
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, next); err != nil {
		return err
	}
	t.logger.Debug("segment transcribed",
		observability.F("task_id", segment.Metadata.TaskID.String()),
		observability.F("segment", segment.Number),
		observability.F("utterances", len(transcript)))
	return nil
}
