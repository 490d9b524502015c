// Package remote defines the multi-tenant document store that is the durable
// source of truth across devices.
//
// A remote store holds one collection per kind; documents are keyed by
// record id and carry the owning tenant id as a queryable field. The core is
// transport-agnostic: any backend that can put, delete and list documents
// scoped by tenant can implement Store.
//
// Implementations must classify failures with the record error taxonomy:
//
//   - record.ErrUnavailable for transient failures (network, timeout)
//   - record.ErrPermissionDenied when the backend refuses the caller
//   - record.ErrRejected when the backend refuses the payload
//
// Deleting a document that does not exist is not an error.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tillbook/tillbook/internal/record"
)

// Document is the remote representation of a record.
type Document struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastModifiedBy string          `json:"last_modified_by,omitempty"`
}

// Store is the remote document store.
type Store interface {
	// Put creates or replaces a document in the kind's collection.
	Put(ctx context.Context, kind record.Kind, doc *Document) error

	// Delete removes a document. Returns nil if it is already absent.
	Delete(ctx context.Context, kind record.Kind, tenantID, id string) error

	// ListByTenant returns every document of the tenant in the kind's collection.
	ListByTenant(ctx context.Context, kind record.Kind, tenantID string) ([]*Document, error)
}

// FromRecord builds the document pushed for a local record.
func FromRecord(rec *record.Record, actorID string) *Document {
	return &Document{
		ID:             rec.ID,
		TenantID:       rec.TenantID,
		Payload:        rec.Payload,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		LastModifiedBy: actorID,
	}
}

// ToRecord converts a pulled document into a clean local record.
func (d *Document) ToRecord(kind record.Kind) *record.Record {
	return &record.Record{
		ID:        d.ID,
		TenantID:  d.TenantID,
		Kind:      kind,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
