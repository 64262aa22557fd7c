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

// ResearchCacheRepositoryPG implements domain.ResearchCacheRepository.
type ResearchCacheRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewResearchCacheRepository creates a new research cache repository backed by
// PostgreSQL.
func NewResearchCacheRepository(pool *pgxpool.Pool) *ResearchCacheRepositoryPG {
	return &ResearchCacheRepositoryPG{pool: pool}
}

// GetByHash fetches the cache entry for a query fingerprint. Staleness is the
// caller's concern; expired rows are still returned.
func (r *ResearchCacheRepositoryPG) GetByHash(ctx context.Context, queryHash string) (*domain.ResearchCacheEntry, error) {
	query := `
SELECT id, query_hash, query, result, created_at, expires_at
FROM research_cache
WHERE query_hash = $1;
`
	row := r.pool.QueryRow(ctx, query, queryHash)

	var entry domain.ResearchCacheEntry
	var result []byte
	if err := row.Scan(
		&entry.ID,
		&entry.QueryHash,
		&entry.Query,
		&result,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &entry.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &entry, nil
}

// Put stores or refreshes the entry for a query fingerprint.
func (r *ResearchCacheRepositoryPG) Put(ctx context.Context, entry *domain.ResearchCacheEntry) error {
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	query := `
INSERT INTO research_cache (id, query_hash, query, result, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (query_hash) DO UPDATE
SET query = EXCLUDED.query,
    result = EXCLUDED.result,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at;
`
	_, err = r.pool.Exec(ctx, query,
		entry.ID, entry.QueryHash, entry.Query, result, entry.CreatedAt, entry.ExpiresAt)
	return err
}
