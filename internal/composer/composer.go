// Package composer builds the final prompt and parameter payload for one
// generation job, either fresh from an instruction or as a differential merge
// against the previous run of the same conversation.
package composer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genbot/internal/domain"
	"genbot/internal/providers/llm"
	"genbot/internal/resolver"
)

const defaultNegativePrompt = "worst quality, low quality, blurry, bad anatomy, bad hands, text, error, " +
	"missing fingers, extra digit, fewer digits, cropped, jpeg artifacts, " +
	"signature, watermark, username"

// Composer turns an instruction plus its configuration layers into a new
// immutable GenerationMetadata record.
type Composer struct {
	proposer llm.Proposer
	logger   zerolog.Logger
}

func New(proposer llm.Proposer, logger zerolog.Logger) *Composer {
	return &Composer{proposer: proposer, logger: logger}
}

// Input carries everything one composition needs. Previous set means
// refinement: the instruction is treated as a delta against it.
type Input struct {
	RequestID   string
	Instruction string
	Previous    *domain.GenerationMetadata
	Research    *domain.ResearchResult
	User        *domain.GlobalSettings
	Guild       *domain.GlobalSettings
	Defaults    resolver.Defaults
	RandSeed    func() int64
}

// Result pairs the new metadata with the resolution detail that produced it.
type Result struct {
	Metadata  *domain.GenerationMetadata
	Effective resolver.EffectiveSettings
}

// Compose resolves settings, consults the proposer and assembles a validated
// metadata record. The record is brand new even for refinements; prior
// records are never touched.
func (c *Composer) Compose(ctx context.Context, in Input) (*Result, error) {
	delta := strings.TrimSpace(in.Instruction)

	var proposal *llm.Proposal
	if in.Previous != nil && delta == "" {
		// Empty delta: reproduce the previous run without a model call.
		proposal = &llm.Proposal{Prompt: in.Previous.Prompt, NegativePrompt: in.Previous.NegativePrompt}
	} else {
		var err error
		proposal, err = c.proposer.Propose(ctx, llm.ProposeRequest{
			Instruction:  delta,
			Previous:     in.Previous,
			Research:     in.Research,
			PromptSuffix: pickSuffix(in.User, in.Guild),
		})
		if err != nil {
			return nil, fmt.Errorf("compose: %w: %v", domain.ErrProviderFailure, err)
		}
	}

	eff := resolver.Resolve(resolver.Inputs{
		Previous: in.Previous,
		User:     in.User,
		Guild:    in.Guild,
		Research: in.Research,
		Proposal: &proposal.Params,
		Defaults: in.Defaults,
		RandSeed: in.RandSeed,
	})
	for _, warning := range eff.Warnings {
		c.logger.Warn().Str("request_id", in.RequestID).Msg(warning)
	}

	prompt := strings.TrimSpace(proposal.Prompt)
	if prompt == "" && in.Previous != nil {
		prompt = in.Previous.Prompt
	}
	negative := strings.TrimSpace(proposal.NegativePrompt)
	if negative == "" && in.Previous != nil {
		negative = in.Previous.NegativePrompt
	}
	if negative == "" {
		negative = defaultNegativePrompt
	}
	prompt = appendSuffix(prompt, eff.PromptSuffix)
	prompt = appendLoraTags(prompt, eff.Loras)

	md := &domain.GenerationMetadata{
		ID:             uuid.NewString(),
		RequestID:      in.RequestID,
		Prompt:         prompt,
		NegativePrompt: negative,
		ModelName:      eff.ModelName,
		Loras:          eff.Loras,
		Steps:          eff.Steps,
		CfgScale:       eff.CfgScale,
		Sampler:        eff.Sampler,
		Scheduler:      eff.Scheduler,
		Seed:           eff.Seed,
		Width:          eff.Width,
		Height:         eff.Height,
		RawParams:      rawParams(eff, in),
		CreatedAt:      time.Now().UTC(),
	}
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return &Result{Metadata: md, Effective: eff}, nil
}

func pickSuffix(user, guild *domain.GlobalSettings) string {
	if user != nil && user.PromptSuffix != nil && *user.PromptSuffix != "" {
		return *user.PromptSuffix
	}
	if guild != nil && guild.PromptSuffix != nil && *guild.PromptSuffix != "" {
		return *guild.PromptSuffix
	}
	return ""
}

func appendSuffix(prompt, suffix string) string {
	if suffix == "" || strings.Contains(prompt, suffix) {
		return prompt
	}
	return strings.TrimRight(prompt, ", ") + ", " + suffix
}

func appendLoraTags(prompt string, loras []domain.LoraRef) string {
	for _, lora := range loras {
		tag := lora.Tag()
		if strings.Contains(prompt, tag) {
			continue
		}
		prompt = prompt + " " + tag
	}
	return prompt
}

func rawParams(eff resolver.EffectiveSettings, in Input) map[string]any {
	provenance := make(map[string]string, len(eff.Provenance))
	for k, v := range eff.Provenance {
		provenance[k] = string(v)
	}
	raw := map[string]any{
		"schema_version": 1,
		"provenance":     provenance,
		"batch_size":     eff.BatchSize,
	}
	if len(eff.Warnings) > 0 {
		raw["warnings"] = eff.Warnings
	}
	if in.Research != nil && len(in.Research.Sources) > 0 {
		raw["research_sources"] = in.Research.Sources
	}
	if in.Previous != nil {
		raw["refined_from"] = in.Previous.ID
	}
	return raw
}
