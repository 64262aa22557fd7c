package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"genbot/internal/domain"
	"genbot/internal/providers/search"
)

const extractorSystemPrompt = `You are a Stable Diffusion image generation expert.
Extract prompt techniques, recommended auxiliary models and recommended
parameters from the given web search results.

Return JSON with these fields:
  summary               2-3 sentence digest of the findings
  prompt_techniques     list of technique strings
  recommended_loras     list of model names
  recommended_settings  object with optional steps, cfg_scale, sampler, scheduler
  sources               list of reference URLs

Return empty lists or objects for anything the results do not clearly cover.`

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":           map[string]any{"type": "string"},
		"prompt_techniques": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"recommended_loras": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"recommended_settings": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"steps":     map[string]any{"type": "integer"},
				"cfg_scale": map[string]any{"type": "number"},
				"sampler":   map[string]any{"type": "string"},
				"scheduler": map[string]any{"type": "string"},
			},
		},
		"sources": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"summary", "prompt_techniques", "recommended_loras", "recommended_settings", "sources"},
}

// Extractor condenses raw search hits into a structured research result.
type Extractor interface {
	Extract(ctx context.Context, theme string, results []search.Result) (*domain.ResearchResult, error)
}

// OllamaExtractor runs the extraction prompt through the shared chat client.
type OllamaExtractor struct {
	chat *ChatClient
}

func NewOllamaExtractor(chat *ChatClient) *OllamaExtractor {
	return &OllamaExtractor{chat: chat}
}

func (e *OllamaExtractor) Extract(ctx context.Context, theme string, results []search.Result) (*domain.ResearchResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n\nSearch results:\n", theme)
	for _, r := range results {
		fmt.Fprintf(&b, "title: %s\nsnippet: %s\nurl: %s\n\n", r.Title, r.Snippet, r.Link)
	}
	fmt.Fprintf(&b, "Extract best practices for generating images of: %s", theme)

	// Low temperature for deterministic extraction.
	content, err := e.chat.Chat(ctx, extractorSystemPrompt, b.String(), extractionSchema, 0.3)
	if err != nil {
		return nil, err
	}

	var out domain.ResearchResult
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("ollama: parse extraction: %w", err)
	}
	if len(out.Sources) == 0 {
		for _, r := range results {
			out.Sources = append(out.Sources, r.Link)
		}
	}
	return &out, nil
}

var _ Extractor = (*OllamaExtractor)(nil)
