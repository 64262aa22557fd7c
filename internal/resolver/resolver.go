// Package resolver merges the layered configuration of one generation job
// into a single effective parameter set. Resolution is a pure function of its
// inputs; no global state is consulted.
package resolver

import (
	"fmt"
	"math/rand"

	"genbot/internal/domain"
)

// Source names the layer that supplied a resolved value.
type Source string

const (
	SourceCarried  Source = "carried_over"
	SourceUser     Source = "user"
	SourceGuild    Source = "guild"
	SourceResearch Source = "research"
	SourceModel    Source = "model"
	SourceDefault  Source = "default"
)

// Defaults is the built-in last-resort layer, populated from configuration.
// It guarantees every required parameter ends up set.
type Defaults struct {
	ModelName string
	Steps     int
	CfgScale  float64
	Sampler   string
	Scheduler string
	Width     int
	Height    int
	BatchSize int
}

// Inputs holds the configuration layers, highest precedence first. Nil layers
// are simply skipped.
type Inputs struct {
	Previous *domain.GenerationMetadata
	User     *domain.GlobalSettings
	Guild    *domain.GlobalSettings
	Research *domain.ResearchResult
	Proposal *domain.SDParams
	Defaults Defaults

	// RandSeed supplies the fallback seed when no layer sets one.
	// Left nil, a uniform draw from [0, 2^32-1] is used.
	RandSeed func() int64
}

// EffectiveSettings is the transient resolved parameter set for one job,
// with per-parameter provenance and any warnings raised by invalid layer
// values along the way.
type EffectiveSettings struct {
	Steps        int
	CfgScale     float64
	Sampler      string
	Scheduler    string
	Width        int
	Height       int
	Seed         int64
	ModelName    string
	Loras        []domain.LoraRef
	PromptSuffix string
	BatchSize    int

	Provenance map[string]Source
	Warnings   []string
}

type candidate[T any] struct {
	source Source
	value  *T
}

// Resolve scans the layers in precedence order and takes, per parameter, the
// first layer that supplies a valid value. Invalid values at any layer are
// treated as absent there: a warning is recorded and resolution continues.
func Resolve(in Inputs) EffectiveSettings {
	eff := EffectiveSettings{Provenance: map[string]Source{}}

	prev := previousParams(in.Previous)
	userParams := layerParams(in.User)
	guildParams := layerParams(in.Guild)
	var researchParams *domain.SDParams
	if in.Research != nil {
		researchParams = &in.Research.RecommendedParams
	}
	proposal := in.Proposal

	eff.Steps = resolveField(&eff, "steps", in.Defaults.Steps, domain.ValidSteps,
		stepsChain(prev, userParams, guildParams, researchParams, proposal))
	eff.CfgScale = resolveField(&eff, "cfg_scale", in.Defaults.CfgScale, domain.ValidCfgScale,
		cfgChain(prev, userParams, guildParams, researchParams, proposal))
	eff.Sampler = resolveField(&eff, "sampler", in.Defaults.Sampler, nonEmpty,
		samplerChain(prev, userParams, guildParams, researchParams, proposal))
	eff.Scheduler = resolveField(&eff, "scheduler", in.Defaults.Scheduler, nonEmpty,
		schedulerChain(prev, userParams, guildParams, researchParams, proposal))
	eff.Width = resolveField(&eff, "width", in.Defaults.Width, domain.ValidDim,
		dimChain(prev, userParams, guildParams, proposal, func(p *domain.SDParams) *int { return p.Width }))
	eff.Height = resolveField(&eff, "height", in.Defaults.Height, domain.ValidDim,
		dimChain(prev, userParams, guildParams, proposal, func(p *domain.SDParams) *int { return p.Height }))

	eff.Seed = resolveSeed(&eff, in)
	eff.ModelName = resolveModel(&eff, in)
	eff.Loras = resolveLoras(&eff, in)
	eff.PromptSuffix = resolveSuffix(&eff, in)
	eff.BatchSize = resolveBatchSize(&eff, in)

	return eff
}

func resolveField[T any](eff *EffectiveSettings, name string, def T, valid func(T) bool, chain []candidate[T]) T {
	for _, c := range chain {
		if c.value == nil {
			continue
		}
		if !valid(*c.value) {
			eff.Warnings = append(eff.Warnings,
				fmt.Sprintf("%s layer supplied invalid %s (%v), ignoring", c.source, name, *c.value))
			continue
		}
		eff.Provenance[name] = c.source
		return *c.value
	}
	eff.Provenance[name] = SourceDefault
	return def
}

func stepsChain(prev, user, guild, research, proposal *domain.SDParams) []candidate[int] {
	return paramChain(prev, user, guild, research, proposal, func(p *domain.SDParams) *int { return p.Steps })
}

func cfgChain(prev, user, guild, research, proposal *domain.SDParams) []candidate[float64] {
	return paramChain(prev, user, guild, research, proposal, func(p *domain.SDParams) *float64 { return p.CfgScale })
}

func samplerChain(prev, user, guild, research, proposal *domain.SDParams) []candidate[string] {
	return paramChain(prev, user, guild, research, proposal, func(p *domain.SDParams) *string { return p.Sampler })
}

func schedulerChain(prev, user, guild, research, proposal *domain.SDParams) []candidate[string] {
	return paramChain(prev, user, guild, research, proposal, func(p *domain.SDParams) *string { return p.Scheduler })
}

func dimChain(prev, user, guild, proposal *domain.SDParams, pick func(*domain.SDParams) *int) []candidate[int] {
	// Research never proposes image dimensions.
	return paramChain(prev, user, guild, nil, proposal, pick)
}

func paramChain[T any](prev, user, guild, research, proposal *domain.SDParams, pick func(*domain.SDParams) *T) []candidate[T] {
	chain := make([]candidate[T], 0, 5)
	add := func(src Source, p *domain.SDParams) {
		if p != nil {
			chain = append(chain, candidate[T]{source: src, value: pick(p)})
		}
	}
	add(SourceCarried, prev)
	add(SourceUser, user)
	add(SourceGuild, guild)
	add(SourceResearch, research)
	add(SourceModel, proposal)
	return chain
}

func resolveSeed(eff *EffectiveSettings, in Inputs) int64 {
	chain := []candidate[int64]{}
	if in.Previous != nil {
		chain = append(chain, candidate[int64]{SourceCarried, &in.Previous.Seed})
	}
	chain = append(chain,
		candidate[int64]{SourceUser, layerSeed(in.User)},
		candidate[int64]{SourceGuild, layerSeed(in.Guild)},
	)
	if in.Proposal != nil {
		chain = append(chain, candidate[int64]{SourceModel, in.Proposal.Seed})
	}
	for _, c := range chain {
		if c.value == nil || *c.value == -1 {
			continue
		}
		if !domain.ValidSeed(*c.value) {
			eff.Warnings = append(eff.Warnings,
				fmt.Sprintf("%s layer supplied invalid seed (%d), ignoring", c.source, *c.value))
			continue
		}
		eff.Provenance["seed"] = c.source
		return *c.value
	}
	eff.Provenance["seed"] = SourceDefault
	if in.RandSeed != nil {
		return in.RandSeed()
	}
	return rand.Int63n(domain.MaxSeed + 1)
}

func resolveModel(eff *EffectiveSettings, in Inputs) string {
	if in.Previous != nil && in.Previous.ModelName != "" {
		eff.Provenance["model"] = SourceCarried
		return in.Previous.ModelName
	}
	if in.User != nil && in.User.DefaultModel != nil && *in.User.DefaultModel != "" {
		eff.Provenance["model"] = SourceUser
		return *in.User.DefaultModel
	}
	if in.Guild != nil && in.Guild.DefaultModel != nil && *in.Guild.DefaultModel != "" {
		eff.Provenance["model"] = SourceGuild
		return *in.Guild.DefaultModel
	}
	eff.Provenance["model"] = SourceDefault
	return in.Defaults.ModelName
}

func resolveLoras(eff *EffectiveSettings, in Inputs) []domain.LoraRef {
	if in.Previous != nil && len(in.Previous.Loras) > 0 {
		eff.Provenance["loras"] = SourceCarried
		return in.Previous.Loras
	}
	if in.User != nil && len(in.User.DefaultLoras) > 0 {
		eff.Provenance["loras"] = SourceUser
		return in.User.DefaultLoras
	}
	if in.Guild != nil && len(in.Guild.DefaultLoras) > 0 {
		eff.Provenance["loras"] = SourceGuild
		return in.Guild.DefaultLoras
	}
	if in.Research != nil && len(in.Research.RecommendedLoras) > 0 {
		eff.Provenance["loras"] = SourceResearch
		refs := make([]domain.LoraRef, 0, len(in.Research.RecommendedLoras))
		for _, name := range in.Research.RecommendedLoras {
			refs = append(refs, domain.LoraRef{Name: name, Weight: 1.0})
		}
		return refs
	}
	eff.Provenance["loras"] = SourceDefault
	return nil
}

func resolveSuffix(eff *EffectiveSettings, in Inputs) string {
	if in.User != nil && in.User.PromptSuffix != nil && *in.User.PromptSuffix != "" {
		eff.Provenance["prompt_suffix"] = SourceUser
		return *in.User.PromptSuffix
	}
	if in.Guild != nil && in.Guild.PromptSuffix != nil && *in.Guild.PromptSuffix != "" {
		eff.Provenance["prompt_suffix"] = SourceGuild
		return *in.Guild.PromptSuffix
	}
	eff.Provenance["prompt_suffix"] = SourceDefault
	return ""
}

func resolveBatchSize(eff *EffectiveSettings, in Inputs) int {
	check := func(src Source, s *domain.GlobalSettings) (int, bool) {
		if s == nil || s.BatchSize == nil {
			return 0, false
		}
		if *s.BatchSize < 1 || *s.BatchSize > 8 {
			eff.Warnings = append(eff.Warnings,
				fmt.Sprintf("%s layer supplied invalid batch_size (%d), ignoring", src, *s.BatchSize))
			return 0, false
		}
		eff.Provenance["batch_size"] = src
		return *s.BatchSize, true
	}
	if n, ok := check(SourceUser, in.User); ok {
		return n
	}
	if n, ok := check(SourceGuild, in.Guild); ok {
		return n
	}
	eff.Provenance["batch_size"] = SourceDefault
	if in.Defaults.BatchSize > 0 {
		return in.Defaults.BatchSize
	}
	return 1
}

func previousParams(md *domain.GenerationMetadata) *domain.SDParams {
	if md == nil {
		return nil
	}
	p := &domain.SDParams{
		Steps:    &md.Steps,
		CfgScale: &md.CfgScale,
		Sampler:  &md.Sampler,
		Width:    &md.Width,
		Height:   &md.Height,
	}
	if md.Scheduler != "" {
		p.Scheduler = &md.Scheduler
	}
	return p
}

func layerParams(s *domain.GlobalSettings) *domain.SDParams {
	if s == nil {
		return nil
	}
	return &s.Params
}

func layerSeed(s *domain.GlobalSettings) *int64 {
	if s == nil {
		return nil
	}
	return s.Seed
}

func nonEmpty(s string) bool { return s != "" }
