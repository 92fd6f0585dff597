package sqlite

import (
	"context"
	"database/sql"

	"github.com/hermesgw/hermes/internal/storage"
)

// LoadMetrics reads the persisted realtime metrics snapshot.
func (s *Store) LoadMetrics(ctx context.Context) (*storage.MetricsSnapshot, error) {
	snap := &storage.MetricsSnapshot{
		Counters: make(map[string]int64),
		Models:   make(map[string]int64),
	}

	rows, err := s.read.QueryContext(ctx, `SELECT key, value FROM metrics_counters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		snap.Counters[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx, `SELECT model, count FROM metrics_models`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		var c int64
		if err := rows.Scan(&m, &c); err != nil {
			return nil, err
		}
		snap.Models[m] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx, `SELECT provider_id, name, count FROM metrics_providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pc storage.ProviderCount
		var name sql.NullString
		if err := rows.Scan(&pc.ProviderID, &name, &pc.Count); err != nil {
			return nil, err
		}
		pc.Name = name.String
		snap.Providers = append(snap.Providers, pc)
	}
	return snap, rows.Err()
}

// SaveMetrics upserts the whole snapshot in a single transaction.
func (s *Store) SaveMetrics(ctx context.Context, snap *storage.MetricsSnapshot) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, v := range snap.Counters {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO metrics_counters (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return err
		}
	}
	for m, c := range snap.Models {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO metrics_models (model, count) VALUES (?, ?)
			 ON CONFLICT(model) DO UPDATE SET count = excluded.count`, m, c)
		if err != nil {
			return err
		}
	}
	for _, pc := range snap.Providers {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO metrics_providers (provider_id, name, count) VALUES (?, ?, ?)
			 ON CONFLICT(provider_id) DO UPDATE SET name = excluded.name, count = excluded.count`,
			pc.ProviderID, pc.Name, pc.Count)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
