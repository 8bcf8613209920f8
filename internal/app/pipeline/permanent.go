package pipeline

import (
	"errors"

	"github.com/coachpo/audiosum/errs"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering. The runner acks the message and
// announces TaskFailed instead.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or carries a code that no
// retry can fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	switch errs.CodeOf(err) {
	case errs.CodeInvalid, errs.CodeSplittingFailed, errs.CodeInvariantViolation:
		return true
	default:
		return false
	}
}
