package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

// CreateKey inserts a new gateway API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.HermesKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO hermes_keys (id, name, key_hash, key_prefix, disabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix,
		boolToInt(key.Disabled), key.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetKeyByHash retrieves a key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*gateway.HermesKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key_hash, key_prefix, disabled, last_used_at, created_at
		 FROM hermes_keys WHERE key_hash = ?`, hash,
	)
	return scanHermesKey(row)
}

// ListKeys returns all gateway keys newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.HermesKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, key_hash, key_prefix, disabled, last_used_at, created_at
		 FROM hermes_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.HermesKey
	for rows.Next() {
		k, err := scanHermesKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetKeyDisabled toggles a key without deleting it.
func (s *Store) SetKeyDisabled(ctx context.Context, id string, disabled bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE hermes_keys SET disabled=? WHERE id=?`, boolToInt(disabled), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "hermes key")
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM hermes_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "hermes key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE hermes_keys SET last_used_at=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id,
	)
	return err
}

func scanHermesKey(sc scanner) (*gateway.HermesKey, error) {
	var k gateway.HermesKey
	var disabled int
	var lastUsedAt, createdAt sql.NullString

	err := sc.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &disabled, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Disabled = disabled != 0
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
