package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesDetailsAndCause(t *testing.T) {
	err := New(
		"summary repository",
		CodeCreation,
		WithMessage("insert summary"),
		WithDetails(map[string]string{
			"collection_id": "c-1",
			"format":        "pdf",
		}),
		WithDetail("summary_id", "s-1"),
		WithCause(errors.New("connection reset")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=summary repository") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=creation_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expected := "details=collection_id=\"c-1\",format=\"pdf\",summary_id=\"s-1\""
	if !strings.Contains(out, expected) {
		t.Fatalf("expected details %q in error string: %s", expected, out)
	}
	if !strings.Contains(out, "cause=\"connection reset\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithDetailsMerge(t *testing.T) {
	err := New(
		"storage",
		CodeUploadFailed,
		WithDetails(map[string]string{"key": "a"}),
		WithDetails(map[string]string{"key": "b", "bucket": "audio"}),
		WithDetail("  ", "ignored"),
	)
	if got := err.Details["key"]; got != "b" {
		t.Fatalf("expected latest detail to win, got %q", got)
	}
	if got := err.Details["bucket"]; got != "audio" {
		t.Fatalf("expected bucket detail to be present, got %q", got)
	}
	if len(err.Details) != 2 {
		t.Fatalf("expected blank keys to be dropped, got %v", err.Details)
	}
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := New("task", CodeInvariantViolation, WithMessage("completed without summary"))
	wrapped := fmt.Errorf("update status: %w", base)

	if got := CodeOf(wrapped); got != CodeInvariantViolation {
		t.Fatalf("expected invariant violation, got %q", got)
	}
	if !IsCode(wrapped, CodeInvariantViolation) {
		t.Fatalf("expected IsCode to match wrapped envelope")
	}
	if IsCode(errors.New("plain"), CodeInvariantViolation) {
		t.Fatalf("plain errors carry no code")
	}
	if IsCode(nil, "") {
		t.Fatalf("nil error must not match any code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
