package llm

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"github.com/coachpo/audiosum/internal/observability"
)

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini completes prompts with the Gemini API.
type Gemini struct {
	models generator
	model  string
	pacer  pacer
	logger observability.Logger
}

// NewGemini connects to the Gemini API backend.
func NewGemini(ctx context.Context, cfg Config, logger observability.Logger) (*Gemini, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, external(ProviderGemini, err)
	}
	return newGemini(client.Models, cfg, logger), nil
}

func newGemini(models generator, cfg Config, logger observability.Logger) *Gemini {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Gemini{models: models, model: model, pacer: newPacer(cfg), logger: logger}
}

// Completion sends system messages as the system instruction and the rest as turns.
func (g *Gemini) Completion(ctx context.Context, messages []Message) (string, error) {
	if err := validateMessages(messages); err != nil {
		return "", err
	}
	var (
		system   []*genai.Part
		contents []*genai.Content
	)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, genai.NewPartFromText(m.Content))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	var config *genai.GenerateContentConfig
	if len(system) > 0 {
		config = &genai.GenerateContentConfig{SystemInstruction: &genai.Content{Parts: system}}
	}

	callCtx, cancel, err := g.pacer.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	result, err := g.models.GenerateContent(callCtx, g.model, contents, config)
	if err != nil {
		return "", external(ProviderGemini, err)
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", external(ProviderGemini, errors.New("empty response"))
	}
	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", external(ProviderGemini, errors.New("response has no text"))
	}
	if usage := result.UsageMetadata; usage != nil {
		g.logger.Debug("gemini completion",
			observability.F("model", g.model),
			observability.F("prompt_tokens", usage.PromptTokenCount),
			observability.F("output_tokens", usage.CandidatesTokenCount))
	}
	return text.String(), nil
}
