// Package entity describes the entity types that take part in synchronization.
//
// A Descriptor is the configuration the generic sync engine needs for one
// kind: its name, the fields whose local value survives a pull, and the
// fields searched by the repository facade. Payloads stay JSON end to end;
// field access goes through gjson/sjson paths so the engine never needs the
// concrete Go type.
package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tillbook/tillbook/internal/record"
)

// Descriptor configures the sync engine for one kind.
type Descriptor struct {
	Kind record.Kind

	// PreservedFields are gjson paths whose local value wins over the remote
	// value during a pull, as long as a local copy exists.
	PreservedFields []string

	// SearchFields are gjson paths matched by Search.
	SearchFields []string

	// Validate checks a payload before it is written locally. Optional.
	Validate func(payload json.RawMessage) error
}

// Overlay returns remote with every preserved field copied from local.
//
// When local is nil the remote payload is returned unchanged. A preserved
// field that is absent or null in the local payload keeps the remote value.
func (d *Descriptor) Overlay(remote, local json.RawMessage) (json.RawMessage, error) {
	if local == nil || len(d.PreservedFields) == 0 {
		return remote, nil
	}

	merged := []byte(remote)
	for _, path := range d.PreservedFields {
		lv := gjson.GetBytes(local, path)
		if !lv.Exists() || lv.Type == gjson.Null {
			continue
		}
		var err error
		merged, err = sjson.SetRawBytes(merged, path, []byte(lv.Raw))
		if err != nil {
			return nil, fmt.Errorf("failed to preserve %s.%s: %w", d.Kind, path, err)
		}
	}
	return merged, nil
}

// Matches reports whether any search field contains query, case-insensitively.
// An empty query matches everything.
func (d *Descriptor) Matches(payload json.RawMessage, query string) bool {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return true
	}
	for _, path := range d.SearchFields {
		v := gjson.GetBytes(payload, path)
		if !v.Exists() {
			continue
		}
		if strings.Contains(strings.ToLower(v.String()), query) {
			return true
		}
	}
	return false
}

// Check runs the optional Validate hook plus a JSON well-formedness check.
func (d *Descriptor) Check(payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("%s payload is not valid JSON: %w", d.Kind, record.ErrRejected)
	}
	if d.Validate != nil {
		if err := d.Validate(payload); err != nil {
			return fmt.Errorf("invalid %s: %w", d.Kind, err)
		}
	}
	return nil
}

// Typed couples a Descriptor with the Go type of its payload.
type Typed[E any] struct {
	*Descriptor
}

// Define builds a typed descriptor. validate may be nil.
func Define[E any](kind record.Kind, preserved, search []string, validate func(*E) error) Typed[E] {
	d := &Descriptor{
		Kind:            kind,
		PreservedFields: preserved,
		SearchFields:    search,
	}
	if validate != nil {
		d.Validate = func(payload json.RawMessage) error {
			var e E
			if err := json.Unmarshal(payload, &e); err != nil {
				return fmt.Errorf("decode: %w", record.ErrRejected)
			}
			return validate(&e)
		}
	}
	return Typed[E]{Descriptor: d}
}

// Encode serializes an entity payload.
func (t Typed[E]) Encode(e E) (json.RawMessage, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t.Kind, err)
	}
	return b, nil
}

// Decode deserializes an entity payload.
func (t Typed[E]) Decode(payload json.RawMessage) (E, error) {
	var e E
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("failed to decode %s: %w", t.Kind, err)
	}
	return e, nil
}

// Registry holds descriptors by kind. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[record.Kind]*Descriptor
	order []record.Kind
}

// NewRegistry returns a registry holding the given descriptors.
func NewRegistry(ds ...*Descriptor) *Registry {
	r := &Registry{kinds: make(map[record.Kind]*Descriptor)}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[d.Kind]; !ok {
		r.order = append(r.order, d.Kind)
	}
	r.kinds[d.Kind] = d
}

// Get returns the descriptor for kind.
func (r *Registry) Get(kind record.Kind) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.kinds[kind]
	return d, ok
}

// Kinds returns registered kinds in registration order.
func (r *Registry) Kinds() []record.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]record.Kind(nil), r.order...)
}
