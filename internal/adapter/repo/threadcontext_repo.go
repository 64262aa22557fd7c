package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genbot/internal/domain"
)

// ThreadContextRepositoryPG implements domain.ThreadContextRepository.
type ThreadContextRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewThreadContextRepository creates a new thread context repository backed by
// PostgreSQL.
func NewThreadContextRepository(pool *pgxpool.Pool) *ThreadContextRepositoryPG {
	return &ThreadContextRepositoryPG{pool: pool}
}

// Get fetches the context of one conversation thread.
func (r *ThreadContextRepositoryPG) Get(ctx context.Context, guildID, threadID string) (*domain.ThreadContext, error) {
	query := `
SELECT id, guild_id, thread_id, user_id, latest_metadata_id, history, created_at, updated_at
FROM thread_contexts
WHERE guild_id = $1 AND thread_id = $2;
`
	row := r.pool.QueryRow(ctx, query, guildID, threadID)

	var tc domain.ThreadContext
	var history []byte
	if err := row.Scan(
		&tc.ID,
		&tc.GuildID,
		&tc.ThreadID,
		&tc.UserID,
		&tc.LatestMetadataID,
		&history,
		&tc.CreatedAt,
		&tc.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &tc.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return &tc, nil
}

// Upsert appends the request to the history and swaps the latest metadata
// pointer in one statement, so concurrent readers see either the old state or
// the new one, never a mix.
func (r *ThreadContextRepositoryPG) Upsert(ctx context.Context, guildID, threadID, userID, metadataID, requestID string) error {
	query := `
INSERT INTO thread_contexts (id, guild_id, thread_id, user_id, latest_metadata_id, history)
VALUES ($1, $2, $3, $4, $5, jsonb_build_array($6::text))
ON CONFLICT (guild_id, thread_id) DO UPDATE
SET latest_metadata_id = EXCLUDED.latest_metadata_id,
    user_id = EXCLUDED.user_id,
    history = thread_contexts.history || jsonb_build_array($6::text),
    updated_at = NOW();
`
	_, err := r.pool.Exec(ctx, query, uuid.NewString(), guildID, threadID, userID, metadataID, requestID)
	return err
}

// Clear drops the context of one thread. Returns whether anything was stored.
func (r *ThreadContextRepositoryPG) Clear(ctx context.Context, guildID, threadID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM thread_contexts WHERE guild_id = $1 AND thread_id = $2`, guildID, threadID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
