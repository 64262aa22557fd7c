package domain

import (
	"fmt"
	"strings"
	"time"
)

// Numeric bounds for generation parameters. Values outside these ranges are
// rejected on metadata creation and fall through at settings resolution.
const (
	MinSteps    = 1
	MaxSteps    = 150
	MinCfgScale = 1.0
	MaxCfgScale = 30.0
	MinSeed     = 0
	MaxSeed     = int64(1)<<32 - 1
	MinDim      = 64
	MaxDim      = 2048
)

// LoraRef names an auxiliary model applied during generation with its weight.
type LoraRef struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Tag renders the reference in the prompt-embedded form the renderer expects.
func (l LoraRef) Tag() string {
	return fmt.Sprintf("<lora:%s:%g>", l.Name, l.Weight)
}

// SDParams is a sparse set of generation parameters. Nil fields mean "this
// layer does not supply a value". Used for settings layers, model proposals
// and research suggestions alike.
type SDParams struct {
	Steps     *int     `json:"steps,omitempty"`
	CfgScale  *float64 `json:"cfg_scale,omitempty"`
	Sampler   *string  `json:"sampler,omitempty"`
	Scheduler *string  `json:"scheduler,omitempty"`
	Width     *int     `json:"width,omitempty"`
	Height    *int     `json:"height,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
}

// GenerationMetadata is the immutable record of every parameter actually used
// for one generation. Refinement derives a new record; existing records are
// never mutated.
type GenerationMetadata struct {
	ID             string
	RequestID      string
	Prompt         string
	NegativePrompt string
	ModelName      string
	Loras          []LoraRef
	Steps          int
	CfgScale       float64
	Sampler        string
	Scheduler      string
	Seed           int64
	Width          int
	Height         int
	RawParams      map[string]any
	CreatedAt      time.Time
}

// Validate checks the numeric invariants and required fields.
func (m *GenerationMetadata) Validate() error {
	if strings.TrimSpace(m.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if m.Steps < MinSteps || m.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d out of range [%d,%d]", ErrValidation, m.Steps, MinSteps, MaxSteps)
	}
	if m.CfgScale < MinCfgScale || m.CfgScale > MaxCfgScale {
		return fmt.Errorf("%w: cfg_scale %g out of range [%g,%g]", ErrValidation, m.CfgScale, MinCfgScale, MaxCfgScale)
	}
	if m.Seed < MinSeed || m.Seed > MaxSeed {
		return fmt.Errorf("%w: seed %d out of range [0,2^32-1]", ErrValidation, m.Seed)
	}
	if m.Width < MinDim || m.Width > MaxDim {
		return fmt.Errorf("%w: width %d out of range [%d,%d]", ErrValidation, m.Width, MinDim, MaxDim)
	}
	if m.Height < MinDim || m.Height > MaxDim {
		return fmt.Errorf("%w: height %d out of range [%d,%d]", ErrValidation, m.Height, MinDim, MaxDim)
	}
	return nil
}

// ValidSteps reports whether n is a usable step count.
func ValidSteps(n int) bool { return n >= MinSteps && n <= MaxSteps }

// ValidCfgScale reports whether v is a usable guidance scale.
func ValidCfgScale(v float64) bool { return v >= MinCfgScale && v <= MaxCfgScale }

// ValidDim reports whether n is a usable width or height.
func ValidDim(n int) bool { return n >= MinDim && n <= MaxDim }

// ValidSeed reports whether n is a concrete seed. -1 is the conventional
// "randomize" marker and is not a valid stored seed.
func ValidSeed(n int64) bool { return n >= MinSeed && n <= MaxSeed }
