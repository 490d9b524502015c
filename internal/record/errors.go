package record

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	// ErrUnavailable is transient: the remote could not be reached or timed out.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrPermissionDenied is fatal for the record: the remote refused the write.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRejected is fatal for the record: the remote refused the payload.
	ErrRejected = errors.New("payload rejected")
	// ErrNotFound reports a missing record or document.
	ErrNotFound = errors.New("not found")
	// ErrNoTenant aborts a session: no authenticated tenant is available.
	ErrNoTenant = errors.New("no authenticated tenant")
	// ErrLocalStore aborts a session: the local store failed.
	ErrLocalStore = errors.New("local store failure")
	// ErrTenantMismatch reports an attempt to touch another tenant's record.
	ErrTenantMismatch = errors.New("record belongs to another tenant")
	// ErrNotHydrated reports a write before the initial sync completed.
	ErrNotHydrated = errors.New("initial sync has not completed")
)

// Transient reports whether err should be retried on the next sync trigger.
func Transient(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}

// FatalRecord reports whether err fails a single record without aborting
// the rest of the batch.
func FatalRecord(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrTenantMismatch)
}

// FatalSession reports whether err must abort the whole sync session.
func FatalSession(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoTenant) || errors.Is(err, ErrLocalStore)
}

// OpError wraps an error with the operation and record it concerns.
type OpError struct {
	Op   string // "put", "delete", "list", "upsert", ...
	Kind Kind
	ID   string
	Err  error
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
