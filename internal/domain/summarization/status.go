// Package summarization models the summarization task aggregate and its artefacts.
package summarization

import (
	"fmt"
	"strings"

	"github.com/coachpo/audiosum/errs"
)

// Status is the lifecycle state of a summarization task.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusSplit         Status = "SPLIT"
	StatusSoundEnhanced Status = "SOUND_ENHANCED"
	StatusTranscribed   Status = "TRANSCRIBED"
	StatusSummarizing   Status = "SUMMARIZING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
)

// rank orders the forward pipeline. Terminal states share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSplit:
		return 1
	case StatusSoundEnhanced:
		return 2
	case StatusTranscribed:
		return 3
	case StatusSummarizing:
		return 4
	case StatusCompleted, StatusFailed:
		return 5
	default:
		return -1
	}
}

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool { return s.rank() >= 0 }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// ParseStatus converts a stored value to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errs.New("summarization task", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown status %q", raw)))
	}
	return s, nil
}
