package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"venturegate/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertCredential stores a hashed credential. KeyHash must already contain the hashed value.
func (r Repo) InsertCredential(ctx context.Context, tx *sql.Tx, c domain.Credential) error {
	if c.ID == "" {
		return errors.New("id required")
	}
	if c.ActorID == "" {
		return errors.New("actor_id required")
	}
	if c.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if c.Kind != domain.CredentialEngine && c.Kind != domain.CredentialOperator {
		return errors.New("kind must be engine or operator")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO credentials(id, kind, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Kind, c.ActorID, c.Name, c.KeyHash, c.CreatedAt)
	return err
}

// GetCredentialByHash returns a credential by its hashed value.
func (r Repo) GetCredentialByHash(ctx context.Context, hash string) (domain.Credential, error) {
	var c domain.Credential
	err := r.DB.QueryRowContext(ctx, `SELECT id, kind, actor_id, name, key_hash, created_at FROM credentials WHERE key_hash=? LIMIT 1`, hash).
		Scan(&c.ID, &c.Kind, &c.ActorID, &c.Name, &c.KeyHash, &c.CreatedAt)
	return c, notFound(err)
}

// ListCredentials returns credentials, optionally filtered by kind.
func (r Repo) ListCredentials(ctx context.Context, kind string) ([]domain.Credential, error) {
	query := `SELECT id, kind, actor_id, name, key_hash, created_at FROM credentials`
	var args []any
	if kind != "" {
		query += ` WHERE kind=?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.ID, &c.Kind, &c.ActorID, &c.Name, &c.KeyHash, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeleteCredential deletes a credential by ID.
func (r Repo) DeleteCredential(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
