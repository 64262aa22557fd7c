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

// MetadataRepositoryPG implements domain.MetadataRepository. Records are
// insert-only; there is deliberately no update path.
type MetadataRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewMetadataRepository creates a new metadata repository backed by PostgreSQL.
func NewMetadataRepository(pool *pgxpool.Pool) *MetadataRepositoryPG {
	return &MetadataRepositoryPG{pool: pool}
}

// Create inserts a new metadata record.
func (r *MetadataRepositoryPG) Create(ctx context.Context, md *domain.GenerationMetadata) error {
	loras, err := json.Marshal(md.Loras)
	if err != nil {
		return fmt.Errorf("encode loras: %w", err)
	}
	raw, err := json.Marshal(md.RawParams)
	if err != nil {
		return fmt.Errorf("encode raw params: %w", err)
	}

	query := `
INSERT INTO generation_metadata
  (id, request_id, prompt, negative_prompt, model_name, loras, steps, cfg_scale, sampler, scheduler, seed, width, height, raw_params, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err = r.pool.Exec(ctx, query,
		md.ID,
		md.RequestID,
		md.Prompt,
		md.NegativePrompt,
		md.ModelName,
		loras,
		md.Steps,
		md.CfgScale,
		md.Sampler,
		md.Scheduler,
		md.Seed,
		md.Width,
		md.Height,
		raw,
		md.CreatedAt,
	)
	return translateError(err)
}

// GetByID fetches a metadata record by its identifier.
func (r *MetadataRepositoryPG) GetByID(ctx context.Context, id string) (*domain.GenerationMetadata, error) {
	query := `
SELECT id, request_id, prompt, negative_prompt, model_name, loras, steps, cfg_scale, sampler, scheduler, seed, width, height, raw_params, created_at
FROM generation_metadata
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)

	var md domain.GenerationMetadata
	var loras, raw []byte
	if err := row.Scan(
		&md.ID,
		&md.RequestID,
		&md.Prompt,
		&md.NegativePrompt,
		&md.ModelName,
		&loras,
		&md.Steps,
		&md.CfgScale,
		&md.Sampler,
		&md.Scheduler,
		&md.Seed,
		&md.Width,
		&md.Height,
		&raw,
		&md.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(loras) > 0 {
		if err := json.Unmarshal(loras, &md.Loras); err != nil {
			return nil, fmt.Errorf("decode loras: %w", err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &md.RawParams); err != nil {
			return nil, fmt.Errorf("decode raw params: %w", err)
		}
	}
	return &md, nil
}
