package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/coachpo/audiosum/internal/observability"
)

// OpenAI completes prompts with an OpenAI-compatible chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
	pacer  pacer
	logger observability.Logger
}

// NewOpenAI builds a client. BaseURL targets compatible gateways.
func NewOpenAI(cfg Config, logger observability.Logger) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
		pacer:  newPacer(cfg),
		logger: logger,
	}
}

// Completion returns the content of the first choice.
func (o *OpenAI) Completion(ctx context.Context, messages []Message) (string, error) {
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	callCtx, cancel, err := o.pacer.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	resp, err := o.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: params,
	})
	if err != nil {
		return "", external(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", external(ProviderOpenAI, errors.New("empty response"))
	}
	o.logger.Debug("openai completion",
		observability.F("model", resp.Model),
		observability.F("prompt_tokens", resp.Usage.PromptTokens),
		observability.F("completion_tokens", resp.Usage.CompletionTokens),
		observability.F("finish_reason", resp.Choices[0].FinishReason))
	return resp.Choices[0].Message.Content, nil
}
