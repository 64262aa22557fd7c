package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const proposerSystemPrompt = `You are a prompt engineer specialized in Stable Diffusion image generation.
From the user's natural-language instruction, produce an effective prompt, a
negative prompt, and well-suited generation parameters.

Return JSON with these fields:
  prompt           detailed English prompt, comma separated
  negative_prompt  English negative prompt, comma separated
  steps            integer, 20-50 recommended
  cfg_scale        float, 5.0-15.0 recommended
  sampler          sampler name (Euler a, DPM++ 2M Karras, ...)
  scheduler        scheduler name, may be omitted
  width            integer (512, 768, 1024, ...)
  height           integer (512, 768, 1024, ...)

Include quality keywords (masterpiece, best quality, highly detailed) in the
prompt and common rejects (worst quality, low quality, blurry) in the negative
prompt. When the user replies with a change request on top of a previous
generation, keep every unrelated element of the previous settings and apply
only the requested change.`

type proposalPayload struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Steps          *int     `json:"steps,omitempty"`
	CfgScale       *float64 `json:"cfg_scale,omitempty"`
	Sampler        *string  `json:"sampler,omitempty"`
	Scheduler      *string  `json:"scheduler,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
}

var proposalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt":          map[string]any{"type": "string"},
		"negative_prompt": map[string]any{"type": "string"},
		"steps":           map[string]any{"type": "integer"},
		"cfg_scale":       map[string]any{"type": "number"},
		"sampler":         map[string]any{"type": "string"},
		"scheduler":       map[string]any{"type": "string"},
		"width":           map[string]any{"type": "integer"},
		"height":          map[string]any{"type": "integer"},
	},
	"required": []string{"prompt", "negative_prompt"},
}

// OllamaProposer generates proposals through a local Ollama model, falling
// back to the configured Proposer when the model is unreachable.
type OllamaProposer struct {
	chat     *ChatClient
	fallback Proposer
}

// NewOllamaProposer wires a proposer on top of an existing chat client.
func NewOllamaProposer(chat *ChatClient, fallback Proposer) *OllamaProposer {
	return &OllamaProposer{chat: chat, fallback: fallback}
}

func (p *OllamaProposer) Propose(ctx context.Context, req ProposeRequest) (*Proposal, error) {
	user := buildUserPrompt(req)
	content, err := p.chat.Chat(ctx, proposerSystemPrompt, user, proposalSchema, 0.7)
	if err != nil {
		return p.useFallback(ctx, req, err)
	}
	var payload proposalPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return p.useFallback(ctx, req, fmt.Errorf("ollama: parse proposal: %w", err))
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		return p.useFallback(ctx, req, fmt.Errorf("ollama: proposal missing prompt"))
	}
	return payload.toProposal(), nil
}

func (p *OllamaProposer) useFallback(ctx context.Context, req ProposeRequest, cause error) (*Proposal, error) {
	if p.fallback == nil {
		return nil, cause
	}
	return p.fallback.Propose(ctx, req)
}

func (pl proposalPayload) toProposal() *Proposal {
	prop := &Proposal{
		Prompt:         strings.TrimSpace(pl.Prompt),
		NegativePrompt: strings.TrimSpace(pl.NegativePrompt),
	}
	prop.Params.Steps = pl.Steps
	prop.Params.CfgScale = pl.CfgScale
	prop.Params.Sampler = pl.Sampler
	prop.Params.Scheduler = pl.Scheduler
	prop.Params.Width = pl.Width
	prop.Params.Height = pl.Height
	prop.Params.Seed = pl.Seed
	return prop
}

func buildUserPrompt(req ProposeRequest) string {
	var b strings.Builder
	if prev := req.Previous; prev != nil {
		fmt.Fprintf(&b, "Previous generation settings:\n")
		fmt.Fprintf(&b, "prompt: %s\n", prev.Prompt)
		fmt.Fprintf(&b, "negative_prompt: %s\n", prev.NegativePrompt)
		fmt.Fprintf(&b, "steps: %d\ncfg_scale: %g\nsampler: %s\nsize: %dx%d\n",
			prev.Steps, prev.CfgScale, prev.Sampler, prev.Width, prev.Height)
		fmt.Fprintf(&b, "\nUser's follow-up instruction: %s\n\n", req.Instruction)
		b.WriteString("Produce new settings based on the previous ones with the follow-up applied. Keep every value the instruction does not touch.")
		return b.String()
	}

	fmt.Fprintf(&b, "User instruction: %s\n\n", req.Instruction)
	if res := req.Research; res != nil {
		b.WriteString("Web research findings:\n")
		if res.Summary != "" {
			fmt.Fprintf(&b, "summary: %s\n", res.Summary)
		}
		if len(res.PromptTechniques) > 0 {
			fmt.Fprintf(&b, "recommended techniques: %s\n", strings.Join(res.PromptTechniques, ", "))
		}
		b.WriteString("\n")
	}
	if req.PromptSuffix != "" {
		fmt.Fprintf(&b, "Default prompt suffix (appended later, do not repeat it): %s\n\n", req.PromptSuffix)
	}
	b.WriteString("Produce the generation prompt and parameters for this instruction.")
	return b.String()
}
