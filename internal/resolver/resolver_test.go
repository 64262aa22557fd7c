package resolver

import (
	"strings"
	"testing"

	"genbot/internal/domain"
)

func intp(n int) *int           { return &n }
func int64p(n int64) *int64     { return &n }
func floatp(f float64) *float64 { return &f }
func strp(s string) *string     { return &s }

func testDefaults() Defaults {
	return Defaults{
		ModelName: "default",
		Steps:     20,
		CfgScale:  7.0,
		Sampler:   "Euler a",
		Width:     512,
		Height:    512,
		BatchSize: 4,
	}
}

func TestResolveAllDefaults(t *testing.T) {
	eff := Resolve(Inputs{Defaults: testDefaults(), RandSeed: func() int64 { return 42 }})

	if eff.Steps != 20 || eff.CfgScale != 7.0 || eff.Width != 512 || eff.Height != 512 {
		t.Fatalf("unexpected resolved values: %+v", eff)
	}
	if eff.Sampler != "Euler a" {
		t.Fatalf("sampler mismatch: %q", eff.Sampler)
	}
	if eff.Seed != 42 {
		t.Fatalf("seed mismatch: %d", eff.Seed)
	}
	for _, key := range []string{"steps", "cfg_scale", "sampler", "width", "height", "seed", "model", "batch_size"} {
		if eff.Provenance[key] != SourceDefault {
			t.Fatalf("provenance[%s] = %s, want default", key, eff.Provenance[key])
		}
	}
}

func TestResolvePrecedenceOrder(t *testing.T) {
	prev := &domain.GenerationMetadata{
		Prompt: "p", ModelName: "prev-model",
		Steps: 33, CfgScale: 6.5, Sampler: "DPM++ 2M Karras", Width: 768, Height: 768,
	}
	user := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(40)}}
	guild := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(25), CfgScale: floatp(9.0)}}
	proposal := &domain.SDParams{Steps: intp(50), Width: intp(1024)}

	eff := Resolve(Inputs{
		Previous: prev,
		User:     user,
		Guild:    guild,
		Proposal: proposal,
		Defaults: testDefaults(),
		RandSeed: func() int64 { return 1 },
	})

	if eff.Steps != 33 {
		t.Fatalf("steps = %d, want previous-run value 33", eff.Steps)
	}
	if eff.Provenance["steps"] != SourceCarried {
		t.Fatalf("steps provenance = %s, want carried_over", eff.Provenance["steps"])
	}
	if eff.Width != 768 || eff.Provenance["width"] != SourceCarried {
		t.Fatalf("width = %d (%s), want carried 768", eff.Width, eff.Provenance["width"])
	}
	if eff.ModelName != "prev-model" {
		t.Fatalf("model = %q, want prev-model", eff.ModelName)
	}
}

func TestResolveUserOverridesGuild(t *testing.T) {
	// Scenario B: guild default steps=25, user override steps=40.
	guild := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(25)}}
	user := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(40)}}

	eff := Resolve(Inputs{User: user, Guild: guild, Defaults: testDefaults(), RandSeed: func() int64 { return 1 }})
	if eff.Steps != 40 || eff.Provenance["steps"] != SourceUser {
		t.Fatalf("user resolution: steps = %d (%s), want 40 (user)", eff.Steps, eff.Provenance["steps"])
	}

	// Another user in the same guild with no override gets the guild value.
	eff = Resolve(Inputs{Guild: guild, Defaults: testDefaults(), RandSeed: func() int64 { return 1 }})
	if eff.Steps != 25 || eff.Provenance["steps"] != SourceGuild {
		t.Fatalf("guild resolution: steps = %d (%s), want 25 (guild)", eff.Steps, eff.Provenance["steps"])
	}
}

func TestResolveInvalidLayerValueFallsThrough(t *testing.T) {
	user := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(500)}}
	guild := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(30)}}

	eff := Resolve(Inputs{User: user, Guild: guild, Defaults: testDefaults(), RandSeed: func() int64 { return 1 }})
	if eff.Steps != 30 {
		t.Fatalf("steps = %d, want guild value 30 after invalid user value", eff.Steps)
	}
	if eff.Provenance["steps"] != SourceGuild {
		t.Fatalf("steps provenance = %s, want guild", eff.Provenance["steps"])
	}
	if len(eff.Warnings) == 0 || !strings.Contains(eff.Warnings[0], "steps") {
		t.Fatalf("expected a warning about invalid steps, got %v", eff.Warnings)
	}
}

func TestResolveResearchFillsUnsetOnly(t *testing.T) {
	research := &domain.ResearchResult{
		RecommendedParams: domain.SDParams{Steps: intp(35), Sampler: strp("DDIM")},
		RecommendedLoras:  []string{"detail-tweaker"},
	}
	guild := &domain.GlobalSettings{Params: domain.SDParams{Steps: intp(28)}}

	eff := Resolve(Inputs{Guild: guild, Research: research, Defaults: testDefaults(), RandSeed: func() int64 { return 1 }})
	if eff.Steps != 28 {
		t.Fatalf("steps = %d, guild layer must outrank research", eff.Steps)
	}
	if eff.Sampler != "DDIM" || eff.Provenance["sampler"] != SourceResearch {
		t.Fatalf("sampler = %q (%s), want research DDIM", eff.Sampler, eff.Provenance["sampler"])
	}
	if len(eff.Loras) != 1 || eff.Loras[0].Name != "detail-tweaker" || eff.Loras[0].Weight != 1.0 {
		t.Fatalf("loras mismatch: %+v", eff.Loras)
	}
}

func TestResolveSeedPolicy(t *testing.T) {
	user := &domain.GlobalSettings{Seed: int64p(1234)}
	eff := Resolve(Inputs{User: user, Defaults: testDefaults()})
	if eff.Seed != 1234 || eff.Provenance["seed"] != SourceUser {
		t.Fatalf("seed = %d (%s), want pinned 1234", eff.Seed, eff.Provenance["seed"])
	}

	// -1 means randomize, not a pinned value.
	user = &domain.GlobalSettings{Seed: int64p(-1)}
	eff = Resolve(Inputs{User: user, Defaults: testDefaults(), RandSeed: func() int64 { return 777 }})
	if eff.Seed != 777 || eff.Provenance["seed"] != SourceDefault {
		t.Fatalf("seed = %d (%s), want random fallback", eff.Seed, eff.Provenance["seed"])
	}

	eff = Resolve(Inputs{Defaults: testDefaults()})
	if !domain.ValidSeed(eff.Seed) {
		t.Fatalf("random seed %d out of range", eff.Seed)
	}
}

func TestResolveNeverUnset(t *testing.T) {
	eff := Resolve(Inputs{Defaults: testDefaults()})
	md := domain.GenerationMetadata{
		Prompt:    "anything",
		ModelName: eff.ModelName,
		Steps:     eff.Steps,
		CfgScale:  eff.CfgScale,
		Sampler:   eff.Sampler,
		Scheduler: eff.Scheduler,
		Seed:      eff.Seed,
		Width:     eff.Width,
		Height:    eff.Height,
	}
	if err := md.Validate(); err != nil {
		t.Fatalf("defaults-only resolution produced invalid metadata: %v", err)
	}
}
