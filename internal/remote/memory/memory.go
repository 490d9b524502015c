// Package memory is an in-process remote.Store used by tests and by the
// CLI's demo mode. Several local stores can share one memory store to act as
// separate devices of the same tenant.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

// Op identifies a store call for fault injection.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// FaultFunc may return an error to fail a call before it touches the data.
type FaultFunc func(op Op, kind record.Kind, tenantID, id string) error

type key struct {
	kind record.Kind
	id   string
}

// Store is a concurrency-safe in-memory remote store.
type Store struct {
	mu    sync.RWMutex
	docs  map[key]*remote.Document
	fault FaultFunc
	calls map[Op]int
}

var _ remote.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:  make(map[key]*remote.Document),
		calls: make(map[Op]int),
	}
}

// SetFault installs (or clears, with nil) a fault injector.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// check counts the call and runs the fault injector outside the lock, so a
// blocking injector does not stall other callers.
func (s *Store) check(op Op, kind record.Kind, tenantID, id string) error {
	s.mu.Lock()
	s.calls[op]++
	fault := s.fault
	s.mu.Unlock()
	if fault != nil {
		return fault(op, kind, tenantID, id)
	}
	return nil
}

// Put implements remote.Store.
func (s *Store) Put(ctx context.Context, kind record.Kind, doc *remote.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(OpPut, kind, doc.TenantID, doc.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{kind, doc.ID}
	if existing, ok := s.docs[k]; ok && existing.TenantID != doc.TenantID {
		return &record.OpError{Op: "put", Kind: kind, ID: doc.ID, Err: record.ErrPermissionDenied}
	}
	c := *doc
	c.Payload = append([]byte(nil), doc.Payload...)
	s.docs[k] = &c
	return nil
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.check(OpDelete, kind, tenantID, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{kind, id}
	existing, ok := s.docs[k]
	if !ok {
		return nil
	}
	if existing.TenantID != tenantID {
		return &record.OpError{Op: "delete", Kind: kind, ID: id, Err: record.ErrPermissionDenied}
	}
	delete(s.docs, k)
	return nil
}

// ListByTenant implements remote.Store. Results are ordered by id.
func (s *Store) ListByTenant(ctx context.Context, kind record.Kind, tenantID string) ([]*remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.check(OpList, kind, tenantID, ""); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*remote.Document
	for k, d := range s.docs {
		if k.kind != kind || d.TenantID != tenantID {
			continue
		}
		c := *d
		c.Payload = append([]byte(nil), d.Payload...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a copy of a document, for assertions.
func (s *Store) Get(kind record.Kind, id string) (*remote.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[key{kind, id}]
	if !ok {
		return nil, false
	}
	c := *d
	return &c, true
}

// Len returns the number of documents of kind across all tenants.
func (s *Store) Len(kind record.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.docs {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}
