package syncer

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/record"
)

// pull applies the remote listing of the tenant to the local store.
//
// Clean local records missing from the listing were deleted on another
// device and are hard-deleted here. Dirty records are never touched: they
// carry local intent that has not been pushed yet.
func (c *Coordinator) pull(ctx context.Context, desc *entity.Descriptor, tenantID string, res *Result) error {
	kind := desc.Kind

	docs, err := c.remote.ListByTenant(ctx, kind, tenantID)
	if err != nil {
		if !record.Transient(err) && !record.FatalRecord(err) {
			err = fmt.Errorf("%w: %w", record.ErrUnavailable, err)
		}
		res.fail("", OpList, err)
		c.logger.Warn("remote listing failed",
			zap.String("tenant_id", tenantID), zap.String("kind", kind.String()), zap.Error(err))
		return nil
	}

	locals, err := c.local.ListAll(ctx, kind, tenantID)
	if err != nil {
		return err
	}
	byID := make(map[string]*record.Record, len(locals))
	for _, l := range locals {
		byID[l.ID] = l
	}

	remoteIDs := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		remoteIDs[d.ID] = struct{}{}
	}

	for _, l := range locals {
		if l.Dirty {
			continue
		}
		if _, ok := remoteIDs[l.ID]; ok {
			continue
		}
		removed, err := c.local.HardDeleteClean(ctx, kind, tenantID, l.ID)
		if err != nil {
			return err
		}
		if removed {
			res.Removed++
			c.logger.Debug("record deleted elsewhere",
				zap.String("kind", kind.String()), zap.String("record_id", l.ID))
		}
	}

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.TenantID != tenantID {
			res.fail(d.ID, OpApply, &record.OpError{Op: OpApply, Kind: kind, ID: d.ID, Err: record.ErrTenantMismatch})
			continue
		}

		existing := byID[d.ID]
		if existing != nil && existing.Dirty {
			continue
		}

		if err := desc.Check(d.Payload); err != nil {
			res.fail(d.ID, OpApply, err)
			continue
		}

		var localPayload []byte
		if existing != nil {
			localPayload = existing.Payload
		}
		merged, err := desc.Overlay(d.Payload, localPayload)
		if err != nil {
			res.fail(d.ID, OpApply, fmt.Errorf("%w: %w", record.ErrRejected, err))
			continue
		}

		rec := d.ToRecord(kind)
		rec.Payload = merged
		if err := rec.Validate(); err != nil {
			res.fail(d.ID, OpApply, &record.OpError{Op: OpApply, Kind: kind, ID: d.ID,
				Err: fmt.Errorf("%w: %w", record.ErrRejected, err)})
			continue
		}
		if existing != nil && unchanged(existing, rec) {
			continue
		}

		applied, err := c.local.ApplyRemote(ctx, rec)
		if err != nil {
			if record.FatalRecord(err) {
				res.fail(d.ID, OpApply, err)
				continue
			}
			return err
		}
		if applied {
			res.Pulled++
		}
	}

	return nil
}

func unchanged(existing, incoming *record.Record) bool {
	return !existing.IsDeleted &&
		existing.UpdatedAt.Equal(incoming.UpdatedAt) &&
		existing.CreatedAt.Equal(incoming.CreatedAt) &&
		bytes.Equal(existing.Payload, incoming.Payload)
}
