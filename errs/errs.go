// Package errs provides structured error types and helpers for audiosum services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category shared by every layer.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a duplicate entity or a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeCreation indicates a repository insert failed.
	CodeCreation Code = "creation_failed"
	// CodeReading indicates a repository read failed.
	CodeReading Code = "reading_failed"
	// CodeUpdate indicates a repository update failed.
	CodeUpdate Code = "update_failed"
	// CodeDelete indicates a repository or blob removal failed.
	CodeDelete Code = "delete_failed"
	// CodeExternal indicates a collaborator (speech, LLM, ffmpeg) failed.
	CodeExternal Code = "external_dependency"
	// CodeInvariantViolation indicates an aggregate rule was broken.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeUploadFailed indicates a blob upload failed.
	CodeUploadFailed Code = "upload_failed"
	// CodeDownloadFailed indicates a blob download failed.
	CodeDownloadFailed Code = "download_failed"
	// CodeSplittingFailed indicates audio segmentation failed.
	CodeSplittingFailed Code = "splitting_failed"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the audiosum stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Details   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Details:   nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetails merges the provided details into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = strings.TrimSpace(v)
		}
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope found in the error chain, or an empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries an envelope with the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
