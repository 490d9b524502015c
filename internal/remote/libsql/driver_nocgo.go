//go:build !cgo

package libsql

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Open requires cgo; the go-libsql driver links the native libSQL client.
func Open(_ context.Context, _, _ string, _ *zap.Logger) (*Store, error) {
	return nil, errors.New("libsql backend requires a cgo build")
}
