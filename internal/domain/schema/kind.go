// Package schema defines the closed set of pipeline messages and their envelope.
package schema

import (
	"fmt"

	"github.com/coachpo/audiosum/errs"
)

// Kind identifies a message type. The set is closed; every switch over Kind must be exhaustive.
type Kind string

const (
	KindTaskCreated             Kind = "TaskCreated"
	KindAudioSplit              Kind = "AudioSplit"
	KindSoundEnhanced           Kind = "SoundEnhanced"
	KindAudioTranscribed        Kind = "AudioTranscribed"
	KindSummarizeTranscription  Kind = "SummarizeTranscription"
	KindTranscriptionSummarized Kind = "TranscriptionSummarized"
	KindTaskFailed              Kind = "TaskFailed"
)

// Kinds lists every message kind in pipeline order.
func Kinds() []Kind {
	return []Kind{
		KindTaskCreated,
		KindAudioSplit,
		KindSoundEnhanced,
		KindAudioTranscribed,
		KindSummarizeTranscription,
		KindTranscriptionSummarized,
		KindTaskFailed,
	}
}

// Topic returns the queue the kind is routed to.
func (k Kind) Topic() (string, error) {
	switch k {
	case KindTaskCreated:
		return "audio_splitting", nil
	case KindAudioSplit:
		return "sound_enhancement", nil
	case KindSoundEnhanced:
		return "transcribing", nil
	case KindAudioTranscribed:
		return "transcription_recording", nil
	case KindSummarizeTranscription:
		return "summarizing", nil
	case KindTranscriptionSummarized:
		return "summaries", nil
	case KindTaskFailed:
		return "task_failures", nil
	default:
		return "", unknownKind(k)
	}
}

// Validate reports whether the kind belongs to the closed set.
func (k Kind) Validate() error {
	_, err := k.Topic()
	return err
}

func (k Kind) String() string { return string(k) }

func unknownKind(k Kind) error {
	return errs.New("schema", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("unknown message kind %q", string(k))),
	)
}
