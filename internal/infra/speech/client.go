// Package speech implements the asynchronous speech recognition REST client.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/observability"
)

const (
	defaultBaseURL = "https://smartspeech.sber.ru/rest/v1"
	defaultAuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"

	maxSpeakers = 10
)

// Recognizer is the contract of the recognition service used by the transcriber.
type Recognizer interface {
	UploadFile(ctx context.Context, content []byte, encoding Encoding, channels, sampleRate int) (string, error)
	AsyncRecognize(ctx context.Context, fileID string, opts Options) (Task, error)
	GetTaskStatus(ctx context.Context, taskID string) (Task, error)
	DownloadFile(ctx context.Context, responseFileID string) (Transcript, error)
}

// Config holds connection settings.
type Config struct {
	BaseURL           string
	AuthURL           string
	ClientID          string
	ClientSecret      string
	Scope             string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client talks to the recognition REST API.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  *tokenSource
	limiter *rate.Limiter
	logger  observability.Logger
}

var _ Recognizer = (*Client)(nil)

// NewClient builds a Client. Requests are paced to RequestsPerSecond.
func NewClient(cfg Config, logger observability.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errs.New("speech", errs.CodeInvalid, errs.WithMessage("client id and secret required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	authURL := strings.TrimSpace(cfg.AuthURL)
	if authURL == "" {
		authURL = defaultAuthURL
	}
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = "SALUTE_SPEECH_PERS"
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		tokens: &tokenSource{
			http:         httpClient,
			url:          authURL,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			scope:        scope,
			now:          time.Now,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}, nil
}

type envelope[T any] struct {
	Status int `json:"status"`
	Result T   `json:"result"`
}

type uploadResult struct {
	RequestFileID string `json:"request_file_id"`
}

// UploadFile stores audio on the service and returns its request file id.
func (c *Client) UploadFile(ctx context.Context, content []byte, encoding Encoding, channels, sampleRate int) (string, error) {
	contentType, err := encoding.ContentType(channels, sampleRate)
	if err != nil {
		return "", err
	}
	var out envelope[uploadResult]
	err = c.do(ctx, http.MethodPost, "/data:upload", nil, func() (io.Reader, string) {
		return bytes.NewReader(content), contentType
	}, nil, &out)
	if err != nil {
		return "", errs.New("speech", errs.CodeUploadFailed, errs.WithMessage("upload audio"), errs.WithCause(err))
	}
	if out.Result.RequestFileID == "" {
		return "", errs.New("speech", errs.CodeUploadFailed, errs.WithMessage("request file id missing in response"))
	}
	return out.Result.RequestFileID, nil
}

type recognizeRequest struct {
	Options       recognizeOptions `json:"options"`
	RequestFileID string           `json:"request_file_id"`
}

type recognizeOptions struct {
	Model                    string            `json:"model"`
	AudioEncoding            Encoding          `json:"audio_encoding"`
	SampleRate               int               `json:"sample_rate"`
	Language                 string            `json:"language"`
	EnableProfanityFilter    bool              `json:"enable_profanity_filter"`
	ChannelsCount            int               `json:"channels_count"`
	SpeakerSeparationOptions speakerSeparation `json:"speaker_separation_options"`
}

type speakerSeparation struct {
	Enable                bool `json:"enable"`
	EnableOnlyMainSpeaker bool `json:"enable_only_main_speaker"`
	Count                 int  `json:"count"`
}

// AsyncRecognize starts recognition of an uploaded file.
func (c *Client) AsyncRecognize(ctx context.Context, fileID string, opts Options) (Task, error) {
	speakers := opts.SpeakerCount
	if speakers <= 0 {
		speakers = 1
	}
	payload, err := json.Marshal(recognizeRequest{
		Options: recognizeOptions{
			Model:                 opts.Model,
			AudioEncoding:         opts.Encoding,
			SampleRate:            opts.SampleRate,
			Language:              opts.Language,
			EnableProfanityFilter: opts.ProfanityFilter,
			ChannelsCount:         opts.ChannelsCount,
			SpeakerSeparationOptions: speakerSeparation{
				Enable: opts.Diarization,
				Count:  min(speakers, maxSpeakers),
			},
		},
		RequestFileID: fileID,
	})
	if err != nil {
		return Task{}, fmt.Errorf("speech: encode recognize request: %w", err)
	}
	headers := http.Header{}
	headers.Set("X-Request-ID", fileID)
	var out envelope[Task]
	err = c.do(ctx, http.MethodPost, "/speech/async_recognize", nil, func() (io.Reader, string) {
		return bytes.NewReader(payload), "application/json"
	}, headers, &out)
	if err != nil {
		return Task{}, errs.New("speech", errs.CodeExternal, errs.WithMessage("create recognition task"), errs.WithCause(err))
	}
	return out.Result, nil
}

// GetTaskStatus fetches the current state of a recognition task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (Task, error) {
	var out envelope[Task]
	query := url.Values{"id": []string{taskID}}
	if err := c.do(ctx, http.MethodGet, "/task:get", query, nil, nil, &out); err != nil {
		return Task{}, errs.New("speech", errs.CodeExternal,
			errs.WithMessage("get recognition task"),
			errs.WithDetail("task", taskID),
			errs.WithCause(err))
	}
	return out.Result, nil
}

// DownloadFile fetches and parses the recognition result.
func (c *Client) DownloadFile(ctx context.Context, responseFileID string) (Transcript, error) {
	var raw []recognitionResult
	query := url.Values{"response_file_id": []string{responseFileID}}
	if err := c.do(ctx, http.MethodGet, "/data:download", query, nil, nil, &raw); err != nil {
		return nil, errs.New("speech", errs.CodeDownloadFailed, errs.WithMessage("download recognition result"), errs.WithCause(err))
	}
	transcript := make(Transcript, 0, len(raw))
	for _, r := range raw {
		if u, ok := r.utterance(); ok {
			transcript = append(transcript, u)
		}
	}
	return transcript, nil
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body func() (io.Reader, string),
	headers http.Header,
	out any,
) error {
	for attempt := 0; ; attempt++ {
		status, err := c.once(ctx, method, path, query, body, headers, out)
		// one retry with a fresh token
		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger.Debug("speech token rejected, refreshing", observability.F("path", path))
			c.tokens.invalidate()
			continue
		}
		return err
	}
}

func (c *Client) once(
	ctx context.Context,
	method, path string,
	query url.Values,
	body func() (io.Reader, string),
	headers http.Header,
	out any,
) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, err
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		reader, contentType = body()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("speech: create request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("speech: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, fmt.Errorf("speech: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("speech: decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// ErrTaskFailed is returned by Recognize when the service ends a task in ERROR or CANCELED.
var ErrTaskFailed = errors.New("speech: recognition task failed")

// Recognize uploads audio, starts recognition and polls every interval until the task
// is terminal, then downloads the transcript. timeout bounds the whole wait.
func Recognize(
	ctx context.Context,
	r Recognizer,
	content []byte,
	opts Options,
	interval, timeout time.Duration,
) (Transcript, error) {
	fileID, err := r.UploadFile(ctx, content, opts.Encoding, opts.ChannelsCount, opts.SampleRate)
	if err != nil {
		return nil, err
	}
	task, err := r.AsyncRecognize(ctx, fileID, opts)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	done, err := backoff.Retry(ctx, func() (Task, error) {
		current, err := r.GetTaskStatus(ctx, task.ID)
		if err != nil {
			return Task{}, err
		}
		switch current.Status {
		case TaskDone:
			return current, nil
		case TaskError, TaskCanceled:
			return Task{}, backoff.Permanent(errs.New("speech", errs.CodeExternal,
				errs.WithMessage("recognition task ended without result"),
				errs.WithDetail("task", current.ID),
				errs.WithDetail("status", string(current.Status)),
				errs.WithCause(ErrTaskFailed)))
		default:
			return Task{}, errPending
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if errors.Is(err, errPending) {
			return nil, errs.New("speech", errs.CodeExternal,
				errs.WithMessage("recognition timed out"),
				errs.WithDetail("task", task.ID))
		}
		return nil, err
	}
	return r.DownloadFile(ctx, done.ResponseFileID)
}

var errPending = errors.New("speech: task pending")
