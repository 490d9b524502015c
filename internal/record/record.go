// Package record defines the storage-neutral shape of a synchronized entity
// instance and the error taxonomy shared by the local store, the remote store
// and the sync coordinator.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names an entity type. Each kind maps to one local table and one
// remote collection.
type Kind string

// String returns the kind name.
func (k Kind) String() string { return string(k) }

// Record is one entity instance as held by the local store.
//
// Payload is the JSON encoding of the domain fields. Dirty is local-only and
// never leaves the device.
type Record struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
	Dirty     bool            `json:"dirty"`
}

// NewID returns a fresh client-generated record id.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the fields every record must carry regardless of kind.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("tenant_id is required: %w", ErrNoTenant)
	}
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if r.UpdatedAt.Before(r.CreatedAt) {
		return fmt.Errorf("updated_at %s precedes created_at %s",
			r.UpdatedAt.Format(time.RFC3339Nano), r.CreatedAt.Format(time.RFC3339Nano))
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON: %w", ErrRejected)
	}
	return nil
}

// Touch bumps UpdatedAt and marks the record dirty. The new timestamp is
// strictly after the previous one so that updates stay monotonic even when
// the wall clock has coarse resolution.
func (r *Record) Touch(now time.Time) {
	now = now.UTC()
	if !now.After(r.UpdatedAt) {
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
	r.Dirty = true
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// Typed is a record whose payload has been decoded into E.
type Typed[E any] struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Entity    E         `json:"entity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Pending is true while the local copy has changes not yet confirmed remotely.
	Pending bool `json:"pending"`
}
