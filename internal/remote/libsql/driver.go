//go:build cgo

package libsql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/tursodatabase/go-libsql"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
)

// Open connects to a libSQL server such as libsql://db-org.turso.io.
// A non-empty token is sent as the authToken parameter.
func Open(ctx context.Context, dbURL, token string, logger *zap.Logger) (*Store, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse libsql url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
	}

	db, err := sql.Open("libsql", u.String())
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping libsql: %w: %w", record.ErrUnavailable, err)
	}
	return New(db, logger), nil
}
