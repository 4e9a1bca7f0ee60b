package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/tunecast/server/internal/models"
)

// APIKeyRepository stores hashed manager API keys
type APIKeyRepository struct {
	db Querier
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db Querier) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Add(ctx context.Context, key *models.APIKey) error {
	query := `INSERT INTO api_keys (id, name, prefix, key_hash, created_at, last_used_at, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query,
		key.ID, key.Name, key.Prefix, key.KeyHash, key.CreatedAt, key.LastUsedAt, key.IsActive,
	)
	return err
}

// Authenticate returns the active key matching plain, or nil
func (r *APIKeyRepository) Authenticate(ctx context.Context, plain string) (*models.APIKey, error) {
	query := `SELECT id, name, prefix, key_hash, created_at, last_used_at, is_active
			  FROM api_keys WHERE prefix = $1 AND is_active = $2`

	rows, err := r.db.QueryContext(ctx, query, models.APIKeyPrefix(plain), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key models.APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&key.ID, &key.Name, &key.Prefix, &key.KeyHash, &key.CreatedAt, &lastUsed, &key.IsActive); err != nil {
			return nil, err
		}
		key.LastUsedAt = nullTimePtr(lastUsed)
		if key.Verify(plain) {
			return &key, nil
		}
	}
	return nil, rows.Err()
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (r *APIKeyRepository) Revoke(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = $1 WHERE id = $2`, false, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}
