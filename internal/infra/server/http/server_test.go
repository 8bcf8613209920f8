package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/audiosum/internal/app/tasks"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/infra/config"
	"github.com/coachpo/audiosum/internal/observability"
	"github.com/coachpo/audiosum/internal/testutil/memstore"
)

type fixture struct {
	store   *memstore.Store
	blobs   *memstore.Blobs
	handler http.Handler
}

func newFixture(t *testing.T, env config.Environment) fixture {
	t.Helper()
	store := memstore.New()
	blobs := memstore.NewBlobs()
	svc := tasks.NewService(tasks.Deps{
		Tasks:     store,
		Summaries: store.Summaries(),
		Records:   store,
		Outbox:    store,
		Tx:        store,
		Blobs:     blobs,
		Logger:    observability.Nop(),
	})
	return fixture{
		store:   store,
		blobs:   blobs,
		handler: NewHandler(Options{Environment: env, Service: svc, Logger: observability.Nop()}),
	}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateAndGetSummarization(t *testing.T) {
	f := newFixture(t, config.EnvProd)
	collection := uuid.New()
	path := "audio/" + collection.String() + "/standup.mp3"
	f.blobs.Put(path, []byte("mp3"))

	rec := f.do(t, http.MethodPost, recordsPath, `{"collection_id":"`+collection.String()+`","filepath":"`+path+`","duration_seconds":1500}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register record: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["format"]; got != "mp3" {
		t.Fatalf("expected format inferred from path, got %v", got)
	}

	rec = f.do(t, http.MethodPost, summarizationsPath, `{"collection_id":"`+collection.String()+`","summary_type":"lecture_notes","document_format":"DOCX"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create summarization: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	if created["status"] != string(summarization.StatusPending) || created["document_format"] != "docx" {
		t.Fatalf("unexpected task %v", created)
	}
	if created["total_duration_seconds"] != float64(1500) {
		t.Fatalf("unexpected total duration %v", created["total_duration_seconds"])
	}
	if loc := rec.Header().Get("Location"); loc != summarizationDetailPrefix+id {
		t.Fatalf("unexpected location %q", loc)
	}

	rec = f.do(t, http.MethodGet, summarizationDetailPrefix+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get summarization: status %d", rec.Code)
	}
	if decodeBody(t, rec)["id"] != id {
		t.Fatalf("unexpected task body %s", rec.Body.String())
	}
	if len(f.store.Outbox()) != 1 {
		t.Fatalf("expected TaskCreated in the outbox")
	}
}

func TestSummarizationErrors(t *testing.T) {
	f := newFixture(t, config.EnvProd)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad uuid", http.MethodPost, summarizationsPath, `{"collection_id":"nope","summary_type":"lecture_notes","document_format":"md"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, summarizationsPath, `{"collection":"x"}`, http.StatusBadRequest},
		{"empty body", http.MethodPost, summarizationsPath, ``, http.StatusBadRequest},
		{"bad summary type", http.MethodPost, summarizationsPath, `{"collection_id":"` + uuid.NewString() + `","summary_type":"poem","document_format":"md"}`, http.StatusBadRequest},
		{"empty collection", http.MethodPost, summarizationsPath, `{"collection_id":"` + uuid.NewString() + `","summary_type":"lecture_notes","document_format":"md"}`, http.StatusNotFound},
		{"unknown task", http.MethodGet, summarizationDetailPrefix + uuid.NewString(), ``, http.StatusNotFound},
		{"malformed task id", http.MethodGet, summarizationDetailPrefix + "abc", ``, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, summarizationsPath, ``, http.StatusMethodNotAllowed},
		{"missing upload", http.MethodPost, recordsPath, `{"collection_id":"` + uuid.NewString() + `","filepath":"a.wav","duration_seconds":3}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d body %s", tc.status, rec.Code, rec.Body.String())
			}
			if decodeBody(t, rec)["status"] != "error" {
				t.Fatalf("expected error envelope, got %s", rec.Body.String())
			}
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	f := newFixture(t, config.EnvProd)
	body := `{"collection_id":"` + strings.Repeat("a", int(maxJSONBodyBytes)) + `"}`
	rec := f.do(t, http.MethodPost, summarizationsPath, body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestGetSummaryIncludesDownloadURL(t *testing.T) {
	f := newFixture(t, config.EnvProd)
	doc := summarization.Document{Title: "Standup", Format: summarization.FormatPDF, Content: []byte("%PDF"), PageCount: 2}
	summary, err := summarization.NewSummary(uuid.New(), uuid.New(), summarization.SummaryMeetingProtocol, "# Standup", doc, time.Now())
	if err != nil {
		t.Fatalf("new summary: %v", err)
	}
	if err := f.store.Summaries().Create(context.Background(), summary); err != nil {
		t.Fatalf("create summary: %v", err)
	}

	rec := f.do(t, http.MethodGet, summaryDetailPrefix+summary.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get summary: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["title"] != "Standup" || body["page_count"] != float64(2) || body["format"] != "pdf" {
		t.Fatalf("unexpected summary %v", body)
	}
	if url, _ := body["download_url"].(string); !strings.Contains(url, summary.Filepath) {
		t.Fatalf("unexpected download url %v", body["download_url"])
	}
}

func TestHealth(t *testing.T) {
	healthy := NewHandler(Options{Service: nil})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	down := NewHandler(Options{Ready: func(context.Context) error { return errors.New("postgres unreachable") }, Logger: observability.Nop()})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDocsOnlyInDev(t *testing.T) {
	prod := newFixture(t, config.EnvProd)
	if rec := prod.do(t, http.MethodGet, swaggerSpecPath, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected docs hidden in prod, got %d", rec.Code)
	}
	dev := newFixture(t, config.EnvDev)
	rec := dev.do(t, http.MethodGet, swaggerSpecPath, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected docs in dev, got %d", rec.Code)
	}
	var spec map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &spec); err != nil {
		t.Fatalf("openapi document is not valid json: %v", err)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, config.EnvProd)
	rec := f.do(t, http.MethodOptions, summarizationsPath, "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}
}
