// Package postgres implements remote.Store on PostgreSQL.
//
// Each kind is a table named doc_<kind>; documents are rows keyed by id with
// a tenant_id column that every statement filters on.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

// Querier is the subset of pgxpool.Pool used by Store. pgxmock pools
// satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,58}$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is a PostgreSQL-backed remote store.
type Store struct {
	db     Querier
	logger *zap.Logger
}

var _ remote.Store = (*Store)(nil)

// New creates a store over an existing pool or querier.
func New(db Querier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool parses the DSN, applies pool settings and pings the database.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w: %w", record.ErrUnavailable, err)
	}

	return pool, nil
}

func table(kind record.Kind) (string, error) {
	if !kindPattern.MatchString(string(kind)) {
		return "", fmt.Errorf("invalid kind %q", kind)
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
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_modified_by TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant ON %[1]s(tenant_id);
		`, t)
		if _, err := s.db.Exec(ctx, ddl); err != nil {
			return classify("ensure", kind, "", err)
		}
	}
	return nil
}

// Put implements remote.Store.
//
// An existing row owned by another tenant is left untouched and
// record.ErrPermissionDenied is returned.
func (s *Store) Put(ctx context.Context, kind record.Kind, doc *remote.Document) error {
	t, err := table(kind)
	if err != nil {
		return &record.OpError{Op: "put", Kind: kind, ID: doc.ID, Err: fmt.Errorf("%w: %w", record.ErrRejected, err)}
	}

	query, args, err := psql.Insert(t).
		Columns("id", "tenant_id", "payload", "created_at", "updated_at", "last_modified_by").
		Values(doc.ID, doc.TenantID, []byte(doc.Payload), doc.CreatedAt.UTC(), doc.UpdatedAt.UTC(), doc.LastModifiedBy).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			last_modified_by = EXCLUDED.last_modified_by
		WHERE ` + t + `.tenant_id = EXCLUDED.tenant_id`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build put query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return classify("put", kind, doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &record.OpError{Op: "put", Kind: kind, ID: doc.ID, Err: record.ErrPermissionDenied}
	}
	return nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	t, err := table(kind)
	if err != nil {
		return &record.OpError{Op: "delete", Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", record.ErrRejected, err)}
	}

	query, args, err := psql.Delete(t).
		Where(sq.Eq{"id": id, "tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return classify("delete", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("delete of absent document",
			zap.String("kind", kind.String()), zap.String("record_id", id))
	}
	return nil
}

// ListByTenant implements remote.Store.
func (s *Store) ListByTenant(ctx context.Context, kind record.Kind, tenantID string) ([]*remote.Document, error) {
	t, err := table(kind)
	if err != nil {
		return nil, &record.OpError{Op: "list", Kind: kind, Err: fmt.Errorf("%w: %w", record.ErrRejected, err)}
	}

	query, args, err := psql.
		Select("id", "tenant_id", "payload", "created_at", "updated_at", "last_modified_by").
		From(t).
		Where(sq.Eq{"tenant_id": tenantID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list", kind, "", err)
	}
	defer rows.Close()

	docs := make([]*remote.Document, 0)
	for rows.Next() {
		var (
			d       remote.Document
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &payload, &d.CreatedAt, &d.UpdatedAt, &d.LastModifiedBy); err != nil {
			return nil, classify("list", kind, "", err)
		}
		d.Payload = payload
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", kind, "", err)
	}
	return docs, nil
}
