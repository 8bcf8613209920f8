// Package outbox relays committed outbox rows onto the message bus.
package outbox

import (
	"context"
	"fmt"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/outboxstore"
	"github.com/coachpo/audiosum/internal/domain/schema"
)

// Publisher is the bus surface the router needs.
type Publisher interface {
	Publish(ctx context.Context, msg *schema.Message) error
}

// Router dispatches outbox rows by kind.
type Router struct {
	bus Publisher
}

// NewRouter returns a router publishing on bus.
func NewRouter(bus Publisher) *Router {
	return &Router{bus: bus}
}

// Dispatch publishes the row. Kinds outside the closed set return CodeInvalid.
func (r *Router) Dispatch(ctx context.Context, msg outboxstore.Message) error {
	switch msg.Kind {
	case schema.KindTaskCreated,
		schema.KindAudioSplit,
		schema.KindSoundEnhanced,
		schema.KindAudioTranscribed,
		schema.KindSummarizeTranscription,
		schema.KindTranscriptionSummarized,
		schema.KindTaskFailed:
		if err := r.bus.Publish(ctx, msg.Envelope()); err != nil {
			return fmt.Errorf("outbox: publish %s: %w", msg.Kind, err)
		}
		return nil
	default:
		return errs.New("outbox", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown message kind %q", string(msg.Kind))),
			errs.WithDetail("message_id", msg.ID.String()))
	}
}
