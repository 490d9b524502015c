// Package local provides the per-device durable store that the UI reads from.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) in WAL mode so
// readers never wait on the sync coordinator's writes. Each entity kind gets
// its own table with the same shape:
//
//	rec_<kind>(id PK, tenant_id, payload, created_at, updated_at, is_deleted, dirty)
//
// indexed by tenant_id and by (tenant_id, dirty). Every accessor takes a
// tenant id and every statement filters on it, so a caller holding tenant A
// can never read or mutate a row owned by tenant B.
//
// Writes are committed before the call returns. After each committed
// mutation the store signals subscribers of the affected (kind, tenant)
// partition; see Subscribe.
package local

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so that stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

var kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Store is the local durable store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
	hub    *hub
	now    func() time.Time

	mu    sync.RWMutex
	kinds map[record.Kind]bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for soft deletes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path, applies migrations and creates
// a table for every kind.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := local.Open(".tillbook/local.db", registry.Kinds())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, kinds []record.Kind, opts ...Option) (*Store, error) {
	return OpenContext(context.Background(), path, kinds, opts...)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, kinds []record.Kind, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w: %w", record.ErrLocalStore, err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w: %w", record.ErrLocalStore, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: zap.NewNop(),
		hub:    newHub(),
		now:    time.Now,
		kinds:  make(map[record.Kind]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	for _, k := range kinds {
		if err := s.Register(ctx, k); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.conn, sub)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w: %w", record.ErrLocalStore, err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate local store: %w: %w", record.ErrLocalStore, err)
	}
	for _, r := range results {
		s.logger.Debug("applied migration", zap.String("source", r.Source.Path), zap.Duration("took", r.Duration))
	}
	return nil
}

// Register creates the table for kind if it does not exist. It is idempotent.
func (s *Store) Register(ctx context.Context, kind record.Kind) error {
	if !kindPattern.MatchString(string(kind)) {
		return fmt.Errorf("invalid kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kinds[kind] {
		return nil
	}

	t := table(kind)
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		dirty INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_tenant ON %[1]s(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_dirty ON %[1]s(tenant_id, dirty);
	`, t)

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table for %s: %w: %w", kind, record.ErrLocalStore, err)
	}
	s.kinds[kind] = true
	return nil
}

// Kinds returns the registered kinds.
func (s *Store) Kinds() []record.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Kind, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	return out
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	s.hub.closeAll()

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) checkKind(kind record.Kind) (string, error) {
	s.mu.RLock()
	ok := s.kinds[kind]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("kind %q is not registered: %w", kind, record.ErrLocalStore)
	}
	return table(kind), nil
}

func table(kind record.Kind) string {
	return "rec_" + string(kind)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func storeErr(op string, kind record.Kind, id string, err error) error {
	return &record.OpError{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", record.ErrLocalStore, err)}
}
