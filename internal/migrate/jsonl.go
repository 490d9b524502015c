// Package migrate moves records between the local store and JSONL files,
// one record per line, for backups and for seeding a device from another
// system's export.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
)

// maxLine bounds a single JSONL line.
const maxLine = 4 << 20

// Line is the JSONL shape of one record. Only Payload is required.
type Line struct {
	ID        string          `json:"id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Kind     record.Kind
	TenantID string
	DryRun   bool // Validate without writing
	Now      func() time.Time
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read     int
	Imported int
	// Skipped counts lines older than the local copy.
	Skipped int
	Errors  []string
}

// Import reads JSONL from r into the local store. Imported records are
// dirty so the next sync pushes them. A line whose id already exists locally
// replaces it only when its updated_at is newer. Bad lines are reported in
// the result and do not stop the import.
func Import(ctx context.Context, store *local.Store, registry *entity.Registry, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	desc, ok := registry.Get(opts.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", opts.Kind)
	}
	if opts.TenantID == "" {
		return nil, record.ErrNoTenant
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	res := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		res.Read++

		imported, err := importLine(ctx, store, desc, raw, opts, now)
		switch {
		case err != nil:
			if errors.Is(err, record.ErrLocalStore) {
				return res, fmt.Errorf("line %d: %w", lineNum, err)
			}
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
		case imported:
			res.Imported++
		default:
			res.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return res, nil
}

func importLine(ctx context.Context, store *local.Store, desc *entity.Descriptor, raw []byte, opts ImportOptions, now func() time.Time) (bool, error) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return false, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(line.Payload) == 0 {
		return false, fmt.Errorf("payload is required")
	}
	if line.TenantID != "" && line.TenantID != opts.TenantID {
		return false, fmt.Errorf("belongs to tenant %q: %w", line.TenantID, record.ErrTenantMismatch)
	}
	if err := desc.Check(line.Payload); err != nil {
		return false, err
	}

	ts := now().UTC()
	rec := &record.Record{
		ID:        line.ID,
		TenantID:  opts.TenantID,
		Kind:      desc.Kind,
		Payload:   line.Payload,
		CreatedAt: line.CreatedAt.UTC(),
		UpdatedAt: line.UpdatedAt.UTC(),
		Dirty:     true,
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	if line.CreatedAt.IsZero() {
		rec.CreatedAt = ts
	}
	if line.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
		if ts.After(rec.UpdatedAt) {
			rec.UpdatedAt = ts
		}
	}
	if err := rec.Validate(); err != nil {
		return false, err
	}

	existing, err := store.Get(ctx, desc.Kind, opts.TenantID, rec.ID)
	switch {
	case errors.Is(err, record.ErrNotFound):
	case err != nil:
		return false, err
	case !rec.UpdatedAt.After(existing.UpdatedAt):
		return false, nil
	}

	if opts.DryRun {
		return true, nil
	}
	if err := store.Upsert(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Export writes every live record of kind for tenantID to w as JSONL, oldest
// first, and returns how many were written.
func Export(ctx context.Context, store *local.Store, kind record.Kind, tenantID string, w io.Writer) (int, error) {
	recs, err := store.List(ctx, kind, tenantID, local.ListFilter{})
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, rec := range recs {
		if err := enc.Encode(Line{
			ID:        rec.ID,
			TenantID:  rec.TenantID,
			Payload:   rec.Payload,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}); err != nil {
			return 0, fmt.Errorf("failed to encode %s: %w", rec.ID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return len(recs), nil
}
