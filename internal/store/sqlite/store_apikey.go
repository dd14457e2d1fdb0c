package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/domain"
)

// CreateAPIKey inserts a new API key with unlimited instances.
func (s *Store) CreateAPIKey(ctx context.Context, name, keyHash string) (domain.APIKey, error) {
	return s.CreateAPIKeyWithLimit(ctx, name, keyHash, -1)
}

// CreateAPIKeyWithLimit inserts a new API key with the given non-terminal
// instance limit (-1 = unlimited).
func (s *Store) CreateAPIKeyWithLimit(ctx context.Context, name, keyHash string, instanceLimit int) (domain.APIKey, error) {
	now := time.Now().UTC()
	id, err := newID("k")
	if err != nil {
		return domain.APIKey{}, err
	}
	k := domain.APIKey{
		ID:            id,
		Name:          name,
		KeyHash:       keyHash,
		CreatedAt:     now,
		InstanceLimit: instanceLimit,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys(id, name, key_hash, created_at, revoked_at, instance_limit)
VALUES(?, ?, ?, ?, NULL, ?)`, k.ID, k.Name, k.KeyHash, k.CreatedAt, k.InstanceLimit)
	return k, err
}

// ListAPIKeys returns every key, newest first, revoked ones included.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, key_hash, created_at, revoked_at, instance_limit
FROM api_keys
ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.APIKey
	for rows.Next() {
		var k domain.APIKey
		var revoked sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &revoked, &k.InstanceLimit); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			k.RevokedAt = &t
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Already-revoked keys return
// sql.ErrNoRows.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ResolveAPIKeyID maps a peppered key hash to its key ID. Revoked keys do
// not resolve.
func (s *Store) ResolveAPIKeyID(ctx context.Context, keyHash string) (string, error) {
	var id string
	stmt := s.resolveAPIKeyIDStmt
	if stmt == nil {
		err := s.db.QueryRowContext(ctx, resolveAPIKeyIDQuery, keyHash).Scan(&id)
		return id, err
	}
	err := stmt.QueryRowContext(ctx, keyHash).Scan(&id)
	return id, err
}

// GetAPIKeyInstanceLimit returns the per-key instance limit for the given
// key ID. A value of -1 means unlimited.
func (s *Store) GetAPIKeyInstanceLimit(ctx context.Context, keyID string) (int, error) {
	var limit int
	err := s.db.QueryRowContext(ctx, `SELECT instance_limit FROM api_keys WHERE id = ?`, keyID).Scan(&limit)
	return limit, err
}

// GetServerPepper reads the persisted API key pepper, if one exists.
func (s *Store) GetServerPepper(ctx context.Context) (string, bool, error) {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = 'api_key_pepper'`).Scan(&current)
	if err == nil {
		return current, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// ResolveServerPepper returns the persisted pepper, storing suggested on
// first use. A mismatch between a provided pepper and the stored one is an
// error, because it would silently invalidate every issued key.
func (s *Store) ResolveServerPepper(ctx context.Context, suggested string) (string, error) {
	suggested = strings.TrimSpace(suggested)

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM server_settings WHERE key = 'api_key_pepper'`).Scan(&current)
	if err == nil {
		if suggested != "" && suggested != current {
			return "", errors.New("provided api key pepper does not match database")
		}
		return current, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO server_settings(key, value) VALUES('api_key_pepper', ?)`, suggested); err != nil {
		return "", err
	}
	return suggested, nil
}
