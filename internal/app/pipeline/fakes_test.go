package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/audiosum/internal/domain/schema"
	"github.com/coachpo/audiosum/internal/infra/audio/ffmpeg"
	"github.com/coachpo/audiosum/internal/infra/llm"
	"github.com/coachpo/audiosum/internal/infra/speech"
)

// fakeTool writes a description of each operation instead of running ffmpeg.
type fakeTool struct {
	dir     string
	cutErr  error
	mu      sync.Mutex
	cuts    []string
	filters int
}

func newFakeTool(t *testing.T) *fakeTool {
	t.Helper()
	return &fakeTool{dir: t.TempDir()}
}

func (f *fakeTool) Cut(_ context.Context, input, output string, offset, duration time.Duration) error {
	if f.cutErr != nil {
		return f.cutErr
	}
	source, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	desc := fmt.Sprintf("%s@%s+%s", source, offset, duration)
	f.mu.Lock()
	f.cuts = append(f.cuts, desc)
	f.mu.Unlock()
	return os.WriteFile(output, []byte(desc), 0o600)
}

func (f *fakeTool) Filter(_ context.Context, input, output string, chain ffmpeg.Chain) error {
	content, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.filters++
	f.mu.Unlock()
	return os.WriteFile(output, append([]byte("enhanced:"), content...), 0o600)
}

func (f *fakeTool) WorkDir(prefix string) (string, error) {
	return os.MkdirTemp(f.dir, prefix+"-")
}

// fakeRecognizer finishes every task on the second status poll.
type fakeRecognizer struct {
	mu     sync.Mutex
	files  map[string][]byte
	polls  map[string]int
	failOn string
	nextID int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{files: make(map[string][]byte), polls: make(map[string]int)}
}

func (r *fakeRecognizer) UploadFile(_ context.Context, content []byte, _ speech.Encoding, _, _ int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("file-%d", r.nextID)
	r.files[id] = content
	return id, nil
}

func (r *fakeRecognizer) AsyncRecognize(_ context.Context, fileID string, _ speech.Options) (speech.Task, error) {
	return speech.Task{ID: "task-" + fileID, Status: speech.TaskNew}, nil
}

func (r *fakeRecognizer) GetTaskStatus(_ context.Context, taskID string) (speech.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fileID := strings.TrimPrefix(taskID, "task-")
	if r.failOn != "" && strings.Contains(string(r.files[fileID]), r.failOn) {
		return speech.Task{ID: taskID, Status: speech.TaskError, Error: "bad audio"}, nil
	}
	r.polls[taskID]++
	if r.polls[taskID] < 2 {
		return speech.Task{ID: taskID, Status: speech.TaskRunning}, nil
	}
	return speech.Task{ID: taskID, Status: speech.TaskDone, ResponseFileID: fileID}, nil
}

func (r *fakeRecognizer) DownloadFile(_ context.Context, responseFileID string) (speech.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return speech.Transcript{{Text: "heard " + string(r.files[responseFileID])}}, nil
}

// fakeLLM answers with a fixed Markdown summary.
type fakeLLM struct {
	calls  atomic.Int32
	answer string
	last   atomic.Value
}

func (f *fakeLLM) Completion(_ context.Context, msgs []llm.Message) (string, error) {
	f.calls.Add(1)
	f.last.Store(msgs[len(msgs)-1].Content)
	return f.answer, nil
}

// recordingBus captures published messages.
type recordingBus struct {
	mu   sync.Mutex
	msgs []*schema.Message
	err  error
}

func (b *recordingBus) Publish(_ context.Context, msg *schema.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *recordingBus) events(t *testing.T) []schema.Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Event, 0, len(b.msgs))
	for _, msg := range b.msgs {
		event, err := schema.Decode(msg)
		if err != nil {
			t.Fatalf("decode %s: %v", msg.Kind, err)
		}
		out = append(out, event)
	}
	return out
}

func workFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return nil
	})
	return n
}
