package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"google.golang.org/genai"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/summarization"
)

type stubGenerator struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	err      error
}

func (s *stubGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model, s.contents, s.config = model, contents, config
	return s.resp, s.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: genai.RoleModel}
	for _, p := range parts {
		content.Parts = append(content.Parts, genai.NewPartFromText(p))
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestGeminiCompletion(t *testing.T) {
	stub := &stubGenerator{resp: textResponse("# Weekly sync\n", "Decisions: ship it.")}
	g := newGemini(stub, Config{RequestsPerSecond: 100}, nil)

	out, err := g.Completion(context.Background(), SummaryPrompt(summarization.SummaryMeetingProtocol, "hello there"))
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if out != "# Weekly sync\nDecisions: ship it." {
		t.Fatalf("unexpected output %q", out)
	}
	if stub.model != "gemini-2.5-flash" {
		t.Fatalf("unexpected default model %q", stub.model)
	}
	if stub.config == nil || stub.config.SystemInstruction == nil {
		t.Fatalf("system prompt must be sent as system instruction")
	}
	if len(stub.contents) != 1 || stub.contents[0].Role != genai.RoleUser {
		t.Fatalf("expected one user turn, got %+v", stub.contents)
	}
	if !strings.Contains(stub.contents[0].Parts[0].Text, "hello there") {
		t.Fatalf("transcript missing from prompt")
	}
}

func TestGeminiEmptyResponse(t *testing.T) {
	g := newGemini(&stubGenerator{resp: &genai.GenerateContentResponse{}}, Config{RequestsPerSecond: 100}, nil)
	_, err := g.Completion(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	if !errs.IsCode(err, errs.CodeExternal) {
		t.Fatalf("expected external error, got %v", err)
	}
}

func TestGeminiProviderError(t *testing.T) {
	cause := errors.New("RESOURCE_EXHAUSTED")
	g := newGemini(&stubGenerator{err: cause}, Config{RequestsPerSecond: 100}, nil)
	_, err := g.Completion(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
	if !errors.Is(err, cause) || !errs.IsCode(err, errs.CodeExternal) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestCompletionRequiresUserMessage(t *testing.T) {
	g := newGemini(&stubGenerator{}, Config{}, nil)
	_, err := g.Completion(context.Background(), []Message{{Role: RoleSystem, Content: "rules"}})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestOpenAICompletion(t *testing.T) {
	var received struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"# Lecture 3\nNotes"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer server.Close()

	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: server.URL + "/v1", RequestsPerSecond: 100}, nil)
	out, err := client.Completion(context.Background(), SummaryPrompt(summarization.SummaryLectureNotes, "derivatives"))
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if out != "# Lecture 3\nNotes" {
		t.Fatalf("unexpected output %q", out)
	}
	if received.Model != "gpt-4o-mini" || len(received.Messages) != 2 {
		t.Fatalf("unexpected request %+v", received)
	}
	if received.Messages[0].Role != "system" || received.Messages[1].Role != "user" {
		t.Fatalf("unexpected roles %+v", received.Messages)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "llama", APIKey: "k"}, nil); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if _, err := New(context.Background(), Config{Provider: ProviderOpenAI}, nil); !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for missing key, got %v", err)
	}
}

func TestExtractTitle(t *testing.T) {
	cases := []struct {
		text, want string
	}{
		{"# Quarterly planning\n\nbody", "Quarterly planning"},
		{"intro line\n## **Budget review**\n", "Budget review"},
		{"no headings here", "Meeting protocol"},
		{"#\n# Real title", "Real title"},
	}
	for _, tc := range cases {
		if got := ExtractTitle(tc.text, "Meeting protocol"); got != tc.want {
			t.Fatalf("ExtractTitle(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestSummaryPromptPerType(t *testing.T) {
	meeting := SummaryPrompt(summarization.SummaryMeetingProtocol, "text")
	lecture := SummaryPrompt(summarization.SummaryLectureNotes, "text")
	if meeting[0].Content == lecture[0].Content {
		t.Fatalf("summary types must use different instructions")
	}
	if !strings.Contains(meeting[0].Content, "Action items") || !strings.Contains(lecture[0].Content, "recap") {
		t.Fatalf("unexpected instructions")
	}
}
