package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genbot/internal/domain"
)

// SettingsRepositoryPG implements domain.SettingsRepository. A NULL user_id
// row is the guild-wide layer.
type SettingsRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewSettingsRepository creates a new settings repository backed by PostgreSQL.
func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepositoryPG {
	return &SettingsRepositoryPG{pool: pool}
}

// Get fetches one layer. userID nil addresses the guild-wide layer.
func (r *SettingsRepositoryPG) Get(ctx context.Context, guildID string, userID *string) (*domain.GlobalSettings, error) {
	query := `
SELECT id, guild_id, user_id, default_model, default_loras, prompt_suffix, params, seed, batch_size, created_at, updated_at
FROM global_settings
WHERE guild_id = $1 AND user_id IS NOT DISTINCT FROM $2;
`
	row := r.pool.QueryRow(ctx, query, guildID, userID)

	var gs domain.GlobalSettings
	var loras, params []byte
	if err := row.Scan(
		&gs.ID,
		&gs.GuildID,
		&gs.UserID,
		&gs.DefaultModel,
		&loras,
		&gs.PromptSuffix,
		&params,
		&gs.Seed,
		&gs.BatchSize,
		&gs.CreatedAt,
		&gs.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(loras) > 0 {
		if err := json.Unmarshal(loras, &gs.DefaultLoras); err != nil {
			return nil, fmt.Errorf("decode loras: %w", err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &gs.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &gs, nil
}

// Upsert stores one layer, replacing any previous version of it.
func (r *SettingsRepositoryPG) Upsert(ctx context.Context, gs *domain.GlobalSettings) error {
	loras, err := json.Marshal(gs.DefaultLoras)
	if err != nil {
		return fmt.Errorf("encode loras: %w", err)
	}
	params, err := json.Marshal(gs.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	// The partial unique indexes cover (guild_id) WHERE user_id IS NULL and
	// (guild_id, user_id) WHERE user_id IS NOT NULL, so the update-or-insert
	// is done by hand instead of ON CONFLICT.
	updateQuery := `
UPDATE global_settings
SET default_model = $3,
    default_loras = $4,
    prompt_suffix = $5,
    params = $6,
    seed = $7,
    batch_size = $8,
    updated_at = NOW()
WHERE guild_id = $1 AND user_id IS NOT DISTINCT FROM $2;
`
	tag, err := r.pool.Exec(ctx, updateQuery,
		gs.GuildID, gs.UserID, gs.DefaultModel, loras, gs.PromptSuffix, params, gs.Seed, gs.BatchSize)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	insertQuery := `
INSERT INTO global_settings (id, guild_id, user_id, default_model, default_loras, prompt_suffix, params, seed, batch_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err = r.pool.Exec(ctx, insertQuery,
		gs.ID, gs.GuildID, gs.UserID, gs.DefaultModel, loras, gs.PromptSuffix, params, gs.Seed, gs.BatchSize)
	return translateError(err)
}

// Delete removes one layer. Returns whether a row existed.
func (r *SettingsRepositoryPG) Delete(ctx context.Context, guildID string, userID *string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM global_settings WHERE guild_id = $1 AND user_id IS NOT DISTINCT FROM $2`, guildID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
