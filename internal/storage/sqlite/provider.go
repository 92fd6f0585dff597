package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
)

const providerColumns = `id, name, base_url, api_key, models, model_blacklist,
 status, sync_error, last_synced_at, last_used_at, created_at, updated_at`

// CreateProvider inserts a new provider.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	models, err := marshalJSON(p.Models)
	if err != nil {
		return err
	}
	blacklist, err := marshalJSON(p.ModelBlacklist)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, base_url, api_key, models, model_blacklist,
		 status, sync_error, last_synced_at, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.BaseURL, p.APIKey, models, blacklist,
		p.Status, nullStr(p.SyncError), timeToStr(p.LastSyncedAt), timeToStr(p.LastUsedAt),
		p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetProvider retrieves a provider by its ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by creation time.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider rewrites the editable columns and resets the model list and
// status for the re-sync that follows.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	blacklist, err := marshalJSON(p.ModelBlacklist)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, base_url=?, api_key=?, model_blacklist=?,
		 models=NULL, status=?, sync_error=NULL, updated_at=? WHERE id=?`,
		p.Name, p.BaseURL, p.APIKey, blacklist,
		gateway.ProviderPending, time.Now().UTC().Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SetProviderStatus changes only the status column (and sync_error, which is
// cleared unless the new status is error).
func (s *Store) SetProviderStatus(ctx context.Context, id, status string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SetProviderSyncError marks the provider failed with the given message.
func (s *Store) SetProviderSyncError(ctx context.Context, id, message string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET status=?, sync_error=?, updated_at=? WHERE id=?`,
		gateway.ProviderError, nullStr(message), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// SetProviderModels rewrites the model list and status and stamps
// last_used_at. stampSynced additionally stamps last_synced_at.
func (s *Store) SetProviderModels(ctx context.Context, id string, models []string, status string, stampSynced bool) error {
	modelsJSON, err := marshalJSON(models)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var result sql.Result
	if stampSynced {
		result, err = s.write.ExecContext(ctx,
			`UPDATE providers SET models=?, status=?, sync_error=NULL,
			 last_synced_at=?, last_used_at=?, updated_at=? WHERE id=?`,
			modelsJSON, status, now, now, now, id)
	} else {
		result, err = s.write.ExecContext(ctx,
			`UPDATE providers SET models=?, status=?, last_used_at=?, updated_at=? WHERE id=?`,
			modelsJSON, status, now, now, id)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider removes a provider.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var modelsJSON, blacklistJSON sql.NullString
	var syncError sql.NullString
	var lastSyncedAt, lastUsedAt, createdAt, updatedAt sql.NullString

	err := sc.Scan(
		&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &modelsJSON, &blacklistJSON,
		&p.Status, &syncError, &lastSyncedAt, &lastUsedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.SyncError = syncError.String
	if p.Models, err = unmarshalStringSlice(modelsJSON); err != nil {
		return nil, err
	}
	if p.ModelBlacklist, err = unmarshalStringSlice(blacklistJSON); err != nil {
		return nil, err
	}
	p.LastSyncedAt = parseTime(lastSyncedAt)
	p.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		p.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		p.UpdatedAt = *t
	}
	return &p, nil
}
