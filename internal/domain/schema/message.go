package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
)

// EntityTypeTask is the entity type recorded for messages about summarization tasks.
const EntityTypeTask = "SummarizationTask"

// Message is the transport envelope shared by the outbox and the bus.
type Message struct {
	ID         uuid.UUID `json:"id" msgpack:"id"`
	Kind       Kind      `json:"kind" msgpack:"kind"`
	EntityID   uuid.UUID `json:"entityId" msgpack:"entity_id"`
	EntityType string    `json:"entityType" msgpack:"entity_type"`
	OccurredOn time.Time `json:"occurredOn" msgpack:"occurred_on"`
	Payload    []byte    `json:"payload" msgpack:"payload"`
}

// NewMessage encodes an event into a fresh envelope.
func NewMessage(event Event, entityID uuid.UUID, occurredOn time.Time) (*Message, error) {
	if event == nil {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("nil event"))
	}
	if err := event.Kind().Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %s: %w", event.Kind(), err)
	}
	return &Message{
		ID:         uuid.New(),
		Kind:       event.Kind(),
		EntityID:   entityID,
		EntityType: EntityTypeTask,
		OccurredOn: occurredOn.UTC(),
		Payload:    payload,
	}, nil
}

// Decode returns the typed payload of the message.
func Decode(msg *Message) (Event, error) {
	if msg == nil {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("nil message"))
	}
	switch msg.Kind {
	case KindTaskCreated:
		return decodeAs[TaskCreated](msg)
	case KindAudioSplit:
		return decodeAs[AudioSplit](msg)
	case KindSoundEnhanced:
		return decodeAs[SoundEnhanced](msg)
	case KindAudioTranscribed:
		return decodeAs[AudioTranscribed](msg)
	case KindSummarizeTranscription:
		return decodeAs[SummarizeTranscription](msg)
	case KindTranscriptionSummarized:
		return decodeAs[TranscriptionSummarized](msg)
	case KindTaskFailed:
		return decodeAs[TaskFailed](msg)
	default:
		return nil, unknownKind(msg.Kind)
	}
}

func decodeAs[T Event](msg *Message) (Event, error) {
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return nil, errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("decode payload"),
			errs.WithDetail("kind", string(msg.Kind)),
			errs.WithDetail("message_id", msg.ID.String()),
			errs.WithCause(err),
		)
	}
	return out, nil
}

// Clone returns a deep copy of the envelope.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	return &cp
}
