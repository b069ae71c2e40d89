package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.Role == "" {
		return errors.New("role required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := exec(`INSERT INTO api_keys(id, name, role, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.Name, key.Role, key.KeyHash, key.CreatedAt)
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, name, role, key_hash, created_at, last_used_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	return scanAPIKey(row.Scan)
}

// ListAPIKeys returns API keys, optionally filtered by role.
func (r Repo) ListAPIKeys(ctx context.Context, role string) ([]domain.APIKey, error) {
	query := `SELECT id, name, role, key_hash, created_at, last_used_at FROM api_keys`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// TouchAPIKey records when the key last authenticated a request.
func (r Repo) TouchAPIKey(ctx context.Context, id, usedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, usedAt, id)
	return err
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var key domain.APIKey
	var lastUsed sql.NullString
	err := scan(&key.ID, &key.Name, &key.Role, &key.KeyHash, &key.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.String
	}
	return key, nil
}
