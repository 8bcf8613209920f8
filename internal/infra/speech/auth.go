package speech

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/audiosum/errs"
)

// tokens are refreshed this long before they expire
const tokenSkew = time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is a unix timestamp in milliseconds.
	ExpiresAt int64 `json:"expires_at"`
	ExpiresIn int64 `json:"expires_in"`
}

// tokenSource obtains client-credentials tokens and caches them until shortly before expiry.
type tokenSource struct {
	http         *http.Client
	url          string
	clientID     string
	clientSecret string
	scope        string
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(tokenSkew).Before(s.expires) {
		return s.token, nil
	}
	token, expires, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token, s.expires = token, expires
	return token, nil
}

func (s *tokenSource) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *tokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("scope", s.scope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("speech: create oauth request: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(s.clientID + ":" + s.clientSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.NewString())

	resp, err := s.http.Do(req)
	if err != nil {
		return "", time.Time{}, errs.New("speech", errs.CodeExternal, errs.WithMessage("oauth request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", time.Time{}, errs.New("speech", errs.CodeExternal,
			errs.WithMessage("authentication failed"),
			errs.WithDetail("status", fmt.Sprint(resp.StatusCode)),
			errs.WithDetail("body", strings.TrimSpace(string(body))))
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("speech: decode oauth response: %w", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", time.Time{}, errs.New("speech", errs.CodeExternal, errs.WithMessage("access token missing in response"))
	}
	now := s.now()
	expires := now.Add(30 * time.Minute)
	switch {
	case payload.ExpiresAt > 0:
		expires = time.UnixMilli(payload.ExpiresAt)
	case payload.ExpiresIn > 0:
		expires = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return payload.AccessToken, expires, nil
}
