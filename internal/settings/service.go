// Package settings manages the persisted configuration layers: guild-wide
// defaults and per-user overrides inside a guild.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genbot/internal/domain"
)

// knownSamplers is advisory only. The render backend is the authority on what
// exists; anything outside this list is accepted with a warning.
var knownSamplers = map[string]struct{}{
	"Euler":            {},
	"Euler a":          {},
	"DPM++ 2M":         {},
	"DPM++ 2M Karras":  {},
	"DPM++ SDE":        {},
	"DPM++ SDE Karras": {},
	"DDIM":             {},
	"UniPC":            {},
	"Heun":             {},
	"LMS":              {},
}

var knownSchedulers = map[string]struct{}{
	"Automatic":   {},
	"Karras":      {},
	"Exponential": {},
	"SGM Uniform": {},
	"Simple":      {},
}

// Service validates and persists configuration layers.
type Service struct {
	repo   domain.SettingsRepository
	logger zerolog.Logger
}

func NewService(repo domain.SettingsRepository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Get returns one stored layer, or ErrNotFound when it does not exist.
func (s *Service) Get(ctx context.Context, guildID string, userID *string) (*domain.GlobalSettings, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: guild id is required", domain.ErrValidation)
	}
	return s.repo.Get(ctx, guildID, userID)
}

// Layers loads the user and guild layers for one request. A missing layer is
// returned as nil, not as an error.
func (s *Service) Layers(ctx context.Context, guildID, userID string) (user, guild *domain.GlobalSettings, err error) {
	guild, err = s.repo.Get(ctx, guildID, nil)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, fmt.Errorf("settings: load guild layer: %w", err)
	}
	if userID != "" {
		user, err = s.repo.Get(ctx, guildID, &userID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("settings: load user layer: %w", err)
		}
	}
	return user, guild, nil
}

// Effective merges the user layer over the guild layer field by field and
// returns the combined view. Purely informational; job-time resolution walks
// the full layer chain instead.
func (s *Service) Effective(ctx context.Context, guildID, userID string) (*domain.GlobalSettings, error) {
	user, guild, err := s.Layers(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if user == nil && guild == nil {
		return nil, domain.ErrNotFound
	}

	merged := &domain.GlobalSettings{GuildID: guildID}
	if userID != "" {
		merged.UserID = &userID
	}
	for _, layer := range []*domain.GlobalSettings{guild, user} {
		if layer == nil {
			continue
		}
		if layer.DefaultModel != nil {
			merged.DefaultModel = layer.DefaultModel
		}
		if len(layer.DefaultLoras) > 0 {
			merged.DefaultLoras = layer.DefaultLoras
		}
		if layer.PromptSuffix != nil {
			merged.PromptSuffix = layer.PromptSuffix
		}
		if layer.Seed != nil {
			merged.Seed = layer.Seed
		}
		if layer.BatchSize != nil {
			merged.BatchSize = layer.BatchSize
		}
		mergeParams(&merged.Params, layer.Params)
	}
	return merged, nil
}

// Upsert validates and stores one layer. Returned warnings flag accepted but
// unrecognized categorical values.
func (s *Service) Upsert(ctx context.Context, gs *domain.GlobalSettings) ([]string, error) {
	if gs == nil || gs.GuildID == "" {
		return nil, fmt.Errorf("%w: guild id is required", domain.ErrValidation)
	}
	warnings, err := Validate(gs)
	if err != nil {
		return nil, err
	}

	if gs.ID == "" {
		gs.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if gs.CreatedAt.IsZero() {
		gs.CreatedAt = now
	}
	gs.UpdatedAt = now

	if err := s.repo.Upsert(ctx, gs); err != nil {
		return nil, fmt.Errorf("settings: upsert: %w", err)
	}
	for _, w := range warnings {
		s.logger.Warn().Str("guild_id", gs.GuildID).Msg(w)
	}
	return warnings, nil
}

// Delete removes one layer. ErrNotFound when nothing was stored.
func (s *Service) Delete(ctx context.Context, guildID string, userID *string) error {
	if guildID == "" {
		return fmt.Errorf("%w: guild id is required", domain.ErrValidation)
	}
	deleted, err := s.repo.Delete(ctx, guildID, userID)
	if err != nil {
		return fmt.Errorf("settings: delete: %w", err)
	}
	if !deleted {
		return domain.ErrNotFound
	}
	return nil
}

// Validate checks the numeric ranges and shapes of one layer. Out-of-range
// numbers are rejected; unknown sampler or scheduler names are accepted and
// reported as warnings since only the render backend knows its inventory.
func Validate(gs *domain.GlobalSettings) ([]string, error) {
	var warnings []string

	if gs.DefaultModel != nil && strings.TrimSpace(*gs.DefaultModel) == "" {
		return nil, fmt.Errorf("%w: default model must not be blank", domain.ErrValidation)
	}
	for _, lora := range gs.DefaultLoras {
		if strings.TrimSpace(lora.Name) == "" {
			return nil, fmt.Errorf("%w: lora name is required", domain.ErrValidation)
		}
		if lora.Weight < -2.0 || lora.Weight > 2.0 {
			return nil, fmt.Errorf("%w: lora weight %g out of range [-2,2]", domain.ErrValidation, lora.Weight)
		}
	}

	p := gs.Params
	if p.Steps != nil && !domain.ValidSteps(*p.Steps) {
		return nil, fmt.Errorf("%w: steps %d out of range [%d,%d]", domain.ErrValidation, *p.Steps, domain.MinSteps, domain.MaxSteps)
	}
	if p.CfgScale != nil && !domain.ValidCfgScale(*p.CfgScale) {
		return nil, fmt.Errorf("%w: cfg_scale %g out of range [%g,%g]", domain.ErrValidation, *p.CfgScale, domain.MinCfgScale, domain.MaxCfgScale)
	}
	if p.Width != nil && !domain.ValidDim(*p.Width) {
		return nil, fmt.Errorf("%w: width %d out of range [%d,%d]", domain.ErrValidation, *p.Width, domain.MinDim, domain.MaxDim)
	}
	if p.Height != nil && !domain.ValidDim(*p.Height) {
		return nil, fmt.Errorf("%w: height %d out of range [%d,%d]", domain.ErrValidation, *p.Height, domain.MinDim, domain.MaxDim)
	}
	if p.Sampler != nil {
		if strings.TrimSpace(*p.Sampler) == "" {
			return nil, fmt.Errorf("%w: sampler must not be blank", domain.ErrValidation)
		}
		if _, ok := knownSamplers[*p.Sampler]; !ok {
			warnings = append(warnings, fmt.Sprintf("sampler %q is not a known name, passing through as-is", *p.Sampler))
		}
	}
	if p.Scheduler != nil {
		if strings.TrimSpace(*p.Scheduler) == "" {
			return nil, fmt.Errorf("%w: scheduler must not be blank", domain.ErrValidation)
		}
		if _, ok := knownSchedulers[*p.Scheduler]; !ok {
			warnings = append(warnings, fmt.Sprintf("scheduler %q is not a known name, passing through as-is", *p.Scheduler))
		}
	}

	// -1 means "randomize at generation time".
	if gs.Seed != nil && *gs.Seed != -1 && !domain.ValidSeed(*gs.Seed) {
		return nil, fmt.Errorf("%w: seed %d out of range [-1,2^32-1]", domain.ErrValidation, *gs.Seed)
	}
	if gs.BatchSize != nil && (*gs.BatchSize < 1 || *gs.BatchSize > 8) {
		return nil, fmt.Errorf("%w: batch_size %d out of range [1,8]", domain.ErrValidation, *gs.BatchSize)
	}

	return warnings, nil
}

func mergeParams(dst *domain.SDParams, src domain.SDParams) {
	if src.Steps != nil {
		dst.Steps = src.Steps
	}
	if src.CfgScale != nil {
		dst.CfgScale = src.CfgScale
	}
	if src.Sampler != nil {
		dst.Sampler = src.Sampler
	}
	if src.Scheduler != nil {
		dst.Scheduler = src.Scheduler
	}
	if src.Width != nil {
		dst.Width = src.Width
	}
	if src.Height != nil {
		dst.Height = src.Height
	}
	if src.Seed != nil {
		dst.Seed = src.Seed
	}
}
