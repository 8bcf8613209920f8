package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/audio/ffmpeg"
	"github.com/coachpo/audiosum/internal/observability"
)

// Enhancer runs each segment through the speech filter chain.
type Enhancer struct {
	tool   AudioTool
	chain  ffmpeg.Chain
	bus    Publisher
	logger observability.Logger
	now    func() time.Time
}

// NewEnhancer wires the enhancement stage with the default speech chain.
func NewEnhancer(tool AudioTool, bus Publisher, logger observability.Logger) *Enhancer {
	if logger == nil {
		logger = observability.Log()
	}
	return &Enhancer{tool: tool, chain: ffmpeg.SpeechChain(), bus: bus, logger: logger, now: time.Now}
}

// Route subscribes the enhancer to AudioSplit.
func (e *Enhancer) Route() Route {
	return Route{Stage: "enhancer", Kind: schema.KindAudioSplit, Group: GroupEnhancer, Handle: e.Handle}
}

// Handle filters one segment and re-emits it as SoundEnhanced.
func (e *Enhancer) Handle(ctx context.Context, msg *schema.Message, event schema.Event) error {
	split, ok := event.(schema.AudioSplit)
	if !ok {
		return Permanent(unexpected(event))
	}
	segment := split.Segment

	dir, err := e.tool.WorkDir("enhance")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()
	in := filepath.Join(dir, "in."+string(segment.Format))
	out := filepath.Join(dir, "out."+string(ffmpeg.OutputFormat))
	if err := os.WriteFile(in, segment.Content, 0o600); err != nil {
		return fmt.Errorf("enhancer: stage segment %d: %w", segment.Number, err)
	}
	if err := e.tool.Filter(ctx, in, out, e.chain); err != nil {
		return err
	}
	content, err := os.ReadFile(out) // #nosec G304 -- path is inside the work dir.
	if err != nil {
		return fmt.Errorf("enhancer: read segment %d: %w", segment.Number, err)
	}

	segment.Content = content
	segment.Format = ffmpeg.OutputFormat
	next, err := schema.NewMessage(schema.SoundEnhanced{Segment: segment}, msg.EntityID, e.now())
	if err != nil {
		return err
	}
	if err := e.bus.Publish(ctx, next); err != nil {
		return err
	}
	e.logger.Debug("segment enhanced",
		observability.F("task_id", segment.Metadata.TaskID.String()),
		observability.F("segment", segment.Number))
	return nil
}
