// Package libsql implements remote.Store on a libSQL (Turso) database
// reached through database/sql.
//
// The store itself only needs a *sql.DB; Open wires the go-libsql driver,
// which requires cgo. Any SQLite-dialect driver works with New.
package libsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,58}$`)

// Store is a libSQL-backed remote store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ remote.Store = (*Store)(nil)

// New wraps an open database.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func table(kind record.Kind) (string, error) {
	if !kindPattern.MatchString(string(kind)) {
		return "", fmt.Errorf("%w: invalid kind %q", record.ErrRejected, kind)
	}
	return "doc_" + string(kind), nil
}

// EnsureCollections creates the table for every kind if missing.
func (s *Store) EnsureCollections(ctx context.Context, kinds []record.Kind) error {
	for _, kind := range kinds {
		t, err := table(kind)
		if err != nil {
			return err
		}
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_modified_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant ON %[1]s(tenant_id);
		`, t)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return classify("ensure", kind, "", err)
		}
	}
	return nil
}

// Put implements remote.Store.
func (s *Store) Put(ctx context.Context, kind record.Kind, doc *remote.Document) error {
	t, err := table(kind)
	if err != nil {
		return &record.OpError{Op: "put", Kind: kind, ID: doc.ID, Err: err}
	}

	query, args, err := sq.Insert(t).
		Columns("id", "tenant_id", "payload", "created_at", "updated_at", "last_modified_by").
		Values(doc.ID, doc.TenantID, string(doc.Payload),
			doc.CreatedAt.UTC().Format(timeFormat), doc.UpdatedAt.UTC().Format(timeFormat), doc.LastModifiedBy).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_modified_by = excluded.last_modified_by
		WHERE ` + t + `.tenant_id = excluded.tenant_id`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build put query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("put", kind, doc.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &record.OpError{Op: "put", Kind: kind, ID: doc.ID, Err: record.ErrPermissionDenied}
	}
	return nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	t, err := table(kind)
	if err != nil {
		return &record.OpError{Op: "delete", Kind: kind, ID: id, Err: err}
	}

	query, args, err := sq.Delete(t).Where(sq.Eq{"id": id, "tenant_id": tenantID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify("delete", kind, id, err)
	}
	return nil
}

// ListByTenant implements remote.Store.
func (s *Store) ListByTenant(ctx context.Context, kind record.Kind, tenantID string) ([]*remote.Document, error) {
	t, err := table(kind)
	if err != nil {
		return nil, &record.OpError{Op: "list", Kind: kind, Err: err}
	}

	query, args, err := sq.Select("id", "tenant_id", "payload", "created_at", "updated_at", "last_modified_by").
		From(t).
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list", kind, "", err)
	}
	defer rows.Close()

	docs := make([]*remote.Document, 0)
	for rows.Next() {
		var d remote.Document
		var payload, created, updated string
		if err := rows.Scan(&d.ID, &d.TenantID, &payload, &created, &updated, &d.LastModifiedBy); err != nil {
			return nil, classify("list", kind, "", err)
		}
		d.Payload = []byte(payload)
		if d.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, &record.OpError{Op: "list", Kind: kind, ID: d.ID, Err: fmt.Errorf("%w: created_at: %w", record.ErrRejected, err)}
		}
		if d.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
			return nil, &record.OpError{Op: "list", Kind: kind, ID: d.ID, Err: fmt.Errorf("%w: updated_at: %w", record.ErrRejected, err)}
		}
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", kind, "", err)
	}
	return docs, nil
}

func classify(op string, kind record.Kind, id string, err error) error {
	sentinel := record.ErrUnavailable
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "permission"), strings.Contains(msg, "readonly"):
		sentinel = record.ErrPermissionDenied
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "malformed"):
		sentinel = record.ErrRejected
	}
	return &record.OpError{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", sentinel, err)}
}
