package local

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tillbook/tillbook/internal/record"
)

// State returns the value stored under key, or "" if unset.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("state", "", key, err)
	}
	return v, nil
}

// SetState stores value under key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_state(k, v) VALUES(?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value)
	if err != nil {
		return storeErr("set_state", "", key, err)
	}
	return nil
}

// Run is one finished sync session as kept in the history table.
type Run struct {
	ID         int64       `json:"id" yaml:"id"`
	TenantID   string      `json:"tenant_id" yaml:"tenant_id"`
	Kind       record.Kind `json:"kind" yaml:"kind"`
	StartedAt  time.Time   `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time   `json:"finished_at" yaml:"finished_at"`
	State      string      `json:"state" yaml:"state"`
	Pushed     int         `json:"pushed" yaml:"pushed"`
	Deleted    int         `json:"deleted" yaml:"deleted"`
	Pulled     int         `json:"pulled" yaml:"pulled"`
	Removed    int         `json:"removed" yaml:"removed"`
	Failed     int         `json:"failed" yaml:"failed"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// RecordRun appends a session to the history.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_runs (
		tenant_id, kind, started_at, finished_at, state,
		pushed, deleted, pulled, removed, failed, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TenantID,
		string(run.Kind),
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.State,
		run.Pushed,
		run.Deleted,
		run.Pulled,
		run.Removed,
		run.Failed,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
	)
	if err != nil {
		return storeErr("record_run", run.Kind, "", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// LastRuns returns the tenant's most recent sessions, newest first.
func (s *Store) LastRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, tenant_id, kind, started_at, finished_at, state,
	       pushed, deleted, pulled, removed, failed, error
	FROM sync_runs
	WHERE tenant_id = ?
	ORDER BY id DESC
	LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, storeErr("last_runs", "", "", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			run               Run
			kind              string
			started, finished string
			errText           sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.TenantID, &kind, &started, &finished, &run.State,
			&run.Pushed, &run.Deleted, &run.Pulled, &run.Removed, &run.Failed, &errText); err != nil {
			return nil, storeErr("last_runs", "", "", err)
		}
		run.Kind = record.Kind(kind)
		run.StartedAt, _ = parseTime(started)
		run.FinishedAt, _ = parseTime(finished)
		run.Error = errText.String
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("last_runs", "", "", err)
	}
	return runs, nil
}
