// Package ffmpeg drives the ffmpeg and ffprobe binaries for probing, cutting and filtering audio.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/coachpo/audiosum/errs"
)

// Executor runs an external command and returns its stdout.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
}

type execExecutor struct{}

// NewExecutor returns an Executor backed by os/exec.
func NewExecutor() Executor {
	return execExecutor{}
}

func (execExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Name: name, ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String(), 2048)}
		}
		return nil, errs.New("ffmpeg", errs.CodeExternal,
			errs.WithMessage("start command"),
			errs.WithDetail("command", name),
			errs.WithCause(err))
	}
	return stdout.Bytes(), nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
