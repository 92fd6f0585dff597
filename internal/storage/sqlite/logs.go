package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/storage"
)

// InsertLogs writes both batches in a single transaction so a flush is
// all-or-nothing.
func (s *Store) InsertLogs(ctx context.Context, requests []*gateway.RequestLog, syncs []*gateway.SyncLog) error {
	if len(requests) == 0 && len(syncs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(requests) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO request_logs (id, method, path, model, status, duration, ip, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		for _, r := range requests {
			_, err = stmt.ExecContext(ctx,
				r.ID, r.Method, r.Path, nullStr(r.Model), r.Status, r.DurationMs,
				nullStr(r.ClientIP), r.CreatedAt.UTC().Format(time.RFC3339))
			if err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()
	}

	if len(syncs) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO sync_logs (id, provider_id, provider_name, model, result, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		for _, l := range syncs {
			_, err = stmt.ExecContext(ctx,
				l.ID, l.ProviderID, l.ProviderName, l.Model, l.Result,
				nullStr(l.Message), l.CreatedAt.UTC().Format(time.RFC3339))
			if err != nil {
				stmt.Close()
				return err
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// ListRequestLogs returns request logs newest first, narrowed by the filter.
func (s *Store) ListRequestLogs(ctx context.Context, f storage.RequestLogFilter) ([]*gateway.RequestLog, error) {
	var (
		where []string
		args  []any
	)
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	if f.PathContains != "" {
		where = append(where, "path LIKE ?")
		args = append(args, "%"+f.PathContains+"%")
	}
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}

	q := `SELECT id, method, path, model, status, duration, ip, created_at FROM request_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*gateway.RequestLog
	for rows.Next() {
		var r gateway.RequestLog
		var model, ip, createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Method, &r.Path, &model, &r.Status, &r.DurationMs, &ip, &createdAt); err != nil {
			return nil, err
		}
		r.Model = model.String
		r.ClientIP = ip.String
		if t := parseTime(createdAt); t != nil {
			r.CreatedAt = *t
		}
		logs = append(logs, &r)
	}
	return logs, rows.Err()
}

// ListSyncLogs returns sync logs newest first, narrowed by the filter.
func (s *Store) ListSyncLogs(ctx context.Context, f storage.SyncLogFilter) ([]*gateway.SyncLog, error) {
	var (
		where []string
		args  []any
	)
	if f.ProviderNameContains != "" {
		where = append(where, "provider_name LIKE ?")
		args = append(args, "%"+f.ProviderNameContains+"%")
	}
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, f.Result)
	}

	q := `SELECT id, provider_id, provider_name, model, result, message, created_at FROM sync_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*gateway.SyncLog
	for rows.Next() {
		var l gateway.SyncLog
		var message, createdAt sql.NullString
		if err := rows.Scan(&l.ID, &l.ProviderID, &l.ProviderName, &l.Model, &l.Result, &message, &createdAt); err != nil {
			return nil, err
		}
		l.Message = message.String
		if t := parseTime(createdAt); t != nil {
			l.CreatedAt = *t
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountRequestLogs returns the total number of persisted request logs.
func (s *Store) CountRequestLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&n)
	return n, err
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
