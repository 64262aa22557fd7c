package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genbot/internal/domain"
)

// RequestRepositoryPG implements domain.RequestRepository.
type RequestRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewRequestRepository creates a new request repository backed by PostgreSQL.
func NewRequestRepository(pool *pgxpool.Pool) *RequestRepositoryPG {
	return &RequestRepositoryPG{pool: pool}
}

// Create inserts a new generation request.
func (r *RequestRepositoryPG) Create(ctx context.Context, req *domain.GenerationRequest) error {
	query := `
INSERT INTO generation_requests (id, guild_id, user_id, thread_id, instruction, web_research, status, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, query,
		req.ID,
		req.GuildID,
		req.UserID,
		req.ThreadID,
		req.Instruction,
		req.WebResearch,
		req.Status,
		req.ErrorMessage,
	)
	return translateError(err)
}

// GetByID fetches a request by its identifier.
func (r *RequestRepositoryPG) GetByID(ctx context.Context, id string) (*domain.GenerationRequest, error) {
	query := `
SELECT id, guild_id, user_id, thread_id, instruction, web_research, status, error_message, created_at, updated_at
FROM generation_requests
WHERE id = $1;
`
	return scanRequest(r.pool.QueryRow(ctx, query, id))
}

// UpdateStatus records a lifecycle transition for a request.
func (r *RequestRepositoryPG) UpdateStatus(ctx context.Context, id string, status domain.RequestStatus, errMsg *string) error {
	query := `
UPDATE generation_requests
SET status = $2,
    error_message = COALESCE($3, error_message),
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, id, status, errMsg)
	return err
}

// ListByStatus returns all requests currently in one of the given states,
// oldest first. Used by startup recovery.
func (r *RequestRepositoryPG) ListByStatus(ctx context.Context, statuses ...domain.RequestStatus) ([]domain.GenerationRequest, error) {
	query := `
SELECT id, guild_id, user_id, thread_id, instruction, web_research, status, error_message, created_at, updated_at
FROM generation_requests
WHERE status = ANY($1)
ORDER BY created_at;
`
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	rows, err := r.pool.Query(ctx, query, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GenerationRequest
	for rows.Next() {
		req, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*domain.GenerationRequest, error) {
	req, err := scanRequestRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func scanRequestRow(row pgx.Row) (*domain.GenerationRequest, error) {
	var req domain.GenerationRequest
	if err := row.Scan(
		&req.ID,
		&req.GuildID,
		&req.UserID,
		&req.ThreadID,
		&req.Instruction,
		&req.WebResearch,
		&req.Status,
		&req.ErrorMessage,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &req, nil
}
