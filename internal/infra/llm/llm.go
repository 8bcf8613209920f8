// Package llm provides chat completion clients used to summarise transcripts.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/observability"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    Role
	Content string
}

// Completer produces the assistant answer for a prompt.
type Completer interface {
	Completion(ctx context.Context, messages []Message) (string, error)
}

// Providers.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config selects and tunes a provider.
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// New builds the completer for cfg.Provider.
func New(ctx context.Context, cfg Config, logger observability.Logger) (Completer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errs.New("llm", errs.CodeInvalid, errs.WithMessage("api key required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		return NewGemini(ctx, cfg, logger)
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger), nil
	default:
		return nil, errs.New("llm", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown provider %q", cfg.Provider)))
	}
}

// pacer serialises calls to the provider's request budget and bounds each call.
type pacer struct {
	limiter *rate.Limiter
	timeout time.Duration
}

func newPacer(cfg Config) pacer {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return pacer{limiter: rate.NewLimiter(rate.Limit(rps), 1), timeout: timeout}
}

func (p pacer) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	return callCtx, cancel, nil
}

func validateMessages(messages []Message) error {
	for _, m := range messages {
		if m.Role == RoleUser && strings.TrimSpace(m.Content) != "" {
			return nil
		}
	}
	return errs.New("llm", errs.CodeInvalid, errs.WithMessage("prompt needs a non-empty user message"))
}

func external(provider string, err error) error {
	return errs.New("llm", errs.CodeExternal,
		errs.WithMessage("completion failed"),
		errs.WithDetail("provider", provider),
		errs.WithCause(err))
}
