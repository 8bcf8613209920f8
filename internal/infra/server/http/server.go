// Package httpserver exposes HTTP handlers for registering audio records and
// running summarization tasks.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/app/tasks"
	"github.com/coachpo/audiosum/internal/domain/audio"
	"github.com/coachpo/audiosum/internal/domain/summarization"
	"github.com/coachpo/audiosum/internal/infra/config"
	"github.com/coachpo/audiosum/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	recordsPath = "/v1/records"

	summarizationsPath        = "/v1/summarizations"
	summarizationDetailPrefix = summarizationsPath + "/"

	summaryDetailPrefix = "/v1/summaries/"

	healthPath      = "/healthz"
	swaggerSpecPath = "/docs/openapi.json"
	swaggerUIPath   = "/docs"
)

// Service is the task surface served over HTTP.
type Service interface {
	CreateTask(ctx context.Context, req tasks.CreateTaskRequest) (*summarization.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*summarization.Task, error)
	RegisterRecord(ctx context.Context, req tasks.RegisterRecordRequest) (audio.Record, error)
	GetSummary(ctx context.Context, id uuid.UUID) (tasks.SummaryView, error)
}

var _ Service = (*tasks.Service)(nil)

// Options configures the handler.
type Options struct {
	Environment config.Environment
	Service     Service
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready  func(context.Context) error
	Logger observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	service Service
	ready   func(context.Context) error
	logger  observability.Logger
}

// NewHandler creates the HTTP handler for the summarization API.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Log()
	}
	server := &httpServer{service: opts.Service, ready: opts.Ready, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(recordsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.registerRecord,
	}))
	mux.Handle(summarizationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createSummarization,
	}))
	mux.Handle(summarizationDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSummarization,
	}))
	mux.Handle(summaryDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getSummary,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	if opts.Environment == config.EnvDev {
		mux.Handle(swaggerSpecPath, http.HandlerFunc(server.serveSwaggerSpec))
		mux.Handle(swaggerUIPath, http.HandlerFunc(server.serveSwaggerUI))
	}

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type recordPayload struct {
	CollectionID    string  `json:"collection_id"`
	Filepath        string  `json:"filepath"`
	Format          string  `json:"format,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
}

type recordView struct {
	ID              string  `json:"id"`
	CollectionID    string  `json:"collection_id"`
	Filepath        string  `json:"filepath"`
	Format          string  `json:"format"`
	DurationSeconds float64 `json:"duration_seconds"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
}

type summarizationPayload struct {
	CollectionID   string `json:"collection_id"`
	SummaryType    string `json:"summary_type"`
	DocumentFormat string `json:"document_format"`
}

type taskView struct {
	ID                 string    `json:"id"`
	CollectionID       string    `json:"collection_id"`
	Status             string    `json:"status"`
	SummaryType        string    `json:"summary_type"`
	DocumentFormat     string    `json:"document_format"`
	TotalDuration      float64   `json:"total_duration_seconds"`
	WaitingTimeSeconds float64   `json:"waiting_time_seconds"`
	SummaryID          *string   `json:"summary_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type summaryView struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Text         string    `json:"text"`
	Filepath     string    `json:"filepath"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	PageCount    int       `json:"page_count"`
	Format       string    `json:"format"`
	UploadedAt   time.Time `json:"uploaded_at"`
	DownloadURL  string    `json:"download_url"`
}

func (s *httpServer) registerRecord(w http.ResponseWriter, r *http.Request) {
	var payload recordPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	collectionID, err := uuid.Parse(strings.TrimSpace(payload.CollectionID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "collection_id must be a uuid")
		return
	}
	record, err := s.service.RegisterRecord(r.Context(), tasks.RegisterRecordRequest{
		CollectionID: collectionID,
		Filepath:     payload.Filepath,
		Format:       payload.Format,
		Duration:     time.Duration(payload.DurationSeconds * float64(time.Second)),
		Channels:     payload.Channels,
		SampleRate:   payload.SampleRate,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordView{
		ID:              record.ID.String(),
		CollectionID:    record.CollectionID.String(),
		Filepath:        record.Filepath,
		Format:          string(record.Format),
		DurationSeconds: record.Duration.Seconds(),
		Channels:        record.Channels,
		SampleRate:      record.SampleRate,
	})
}

func (s *httpServer) createSummarization(w http.ResponseWriter, r *http.Request) {
	var payload summarizationPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	collectionID, err := uuid.Parse(strings.TrimSpace(payload.CollectionID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "collection_id must be a uuid")
		return
	}
	task, err := s.service.CreateTask(r.Context(), tasks.CreateTaskRequest{
		CollectionID:   collectionID,
		SummaryType:    payload.SummaryType,
		DocumentFormat: payload.DocumentFormat,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", summarizationDetailPrefix+task.ID().String())
	writeJSON(w, http.StatusAccepted, newTaskView(task))
}

func (s *httpServer) getSummarization(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, summarizationDetailPrefix)
	if !ok {
		return
	}
	task, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *httpServer) getSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, summaryDetailPrefix)
	if !ok {
		return
	}
	view, err := s.service.GetSummary(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	summary := view.Summary
	writeJSON(w, http.StatusOK, summaryView{
		ID:           summary.ID.String(),
		CollectionID: summary.CollectionID.String(),
		Type:         string(summary.Type),
		Title:        summary.Title,
		Text:         summary.Text,
		Filepath:     summary.Filepath,
		Filename:     summary.Metadata.Filename,
		Size:         summary.Metadata.Size,
		PageCount:    summary.Metadata.PageCount,
		Format:       string(summary.Metadata.Format),
		UploadedAt:   summary.Metadata.UploadedAt,
		DownloadURL:  view.DownloadURL,
	})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) serveSwaggerSpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openAPISpec))
}

func (s *httpServer) serveSwaggerUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != swaggerUIPath && r.URL.Path != swaggerUIPath+"/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(swaggerUIHTML))
}

func newTaskView(task *summarization.Task) taskView {
	snap := task.Snapshot()
	view := taskView{
		ID:                 snap.ID.String(),
		CollectionID:       snap.CollectionID.String(),
		Status:             string(snap.Status),
		SummaryType:        string(snap.SummaryType),
		DocumentFormat:     string(snap.DocumentFormat),
		TotalDuration:      snap.TotalDuration.Seconds(),
		WaitingTimeSeconds: snap.WaitingTime.Seconds(),
		CreatedAt:          snap.CreatedAt,
		UpdatedAt:          snap.UpdatedAt,
	}
	if snap.SummaryID != nil {
		id := snap.SummaryID.String()
		view.SummaryID = &id
	}
	return view
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (uuid.UUID, bool) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "id required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(errs.CodeOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", observability.F("error", err.Error()))
	}
	var e *errs.E
	if errors.As(err, &e) {
		writeJSON(w, status, map[string]any{
			"status":  "error",
			"code":    string(e.Code),
			"error":   e.Message,
			"details": e.Details,
		})
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	limitRequestBody(w, r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("request body required")
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = encodeJSON(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// encodeJSON writes v without HTML escaping or a trailing newline.
func encodeJSON(w io.Writer, v any) error {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write encoded json: %w", err)
	}
	return nil
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
