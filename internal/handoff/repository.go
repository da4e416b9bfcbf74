package handoff

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-kiosk/backend/internal/models"
)

// Repository handles artifact persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an artifacts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts an artifact. A stored filename is recorded once.
func (r *Repository) Record(ctx context.Context, a *models.Artifact) error {
	const q = `INSERT INTO artifacts (stored_filename, original_filename, device_id, content_type, size_bytes, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stored_filename) DO NOTHING
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, q, a.StoredFilename, a.OriginalFilename, a.DeviceID, a.ContentType, a.Size, a.URL, a.CreatedAt).
		Scan(&a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// List returns artifacts newest first, optionally for one device.
func (r *Repository) List(ctx context.Context, deviceID string, limit int) ([]models.Artifact, error) {
	const q = `SELECT stored_filename, original_filename, device_id, COALESCE(content_type,''), size_bytes, COALESCE(url,''), created_at
		FROM artifacts WHERE ($1::text = '' OR device_id = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Artifact{}
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.StoredFilename, &a.OriginalFilename, &a.DeviceID, &a.ContentType, &a.Size, &a.URL, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}
