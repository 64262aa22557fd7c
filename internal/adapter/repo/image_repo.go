package repo

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"genbot/internal/domain"
)

// ImageRepositoryPG implements domain.ImageRepository.
type ImageRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewImageRepository creates a new image repository backed by PostgreSQL.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepositoryPG {
	return &ImageRepositoryPG{pool: pool}
}

// SaveAll inserts all image records of one render in a single batch.
func (r *ImageRepositoryPG) SaveAll(ctx context.Context, images []domain.GeneratedImage) error {
	if len(images) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `
INSERT INTO generated_images (id, request_id, metadata_id, storage_key, file_size_bytes, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`
	for _, img := range images {
		batch.Queue(query, img.ID, img.RequestID, img.MetadataID, img.StorageKey, img.FileSizeBytes, img.CreatedAt)
	}
	results := r.pool.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for range images {
		if _, err := results.Exec(); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// ListByRequestID returns all images produced for a request, in render order.
func (r *ImageRepositoryPG) ListByRequestID(ctx context.Context, requestID string) ([]domain.GeneratedImage, error) {
	query := `
SELECT id, request_id, metadata_id, storage_key, file_size_bytes, created_at
FROM generated_images
WHERE request_id = $1
ORDER BY storage_key;
`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GeneratedImage
	for rows.Next() {
		var img domain.GeneratedImage
		if err := rows.Scan(&img.ID, &img.RequestID, &img.MetadataID, &img.StorageKey, &img.FileSizeBytes, &img.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}
