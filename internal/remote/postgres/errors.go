package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tillbook/tillbook/internal/record"
)

// classify maps driver errors onto the record taxonomy.
// Anything not recognised as a refusal is treated as transient so the record
// stays dirty and is retried on the next trigger.
func classify(op string, kind record.Kind, id string, err error) error {
	if err == nil {
		return nil
	}

	wrap := func(sentinel error) error {
		return &record.OpError{Op: op, Kind: kind, ID: id, Err: fmt.Errorf("%w: %w", sentinel, err)}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501", // insufficient_privilege
			strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return wrap(record.ErrPermissionDenied)
		case strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return wrap(record.ErrRejected)
		default:
			return wrap(record.ErrUnavailable)
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err),
		errors.As(err, &netErr):
		return wrap(record.ErrUnavailable)
	}

	return wrap(record.ErrUnavailable)
}
