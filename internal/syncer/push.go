package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

// push sends every dirty record of the tenant. Remote failures are recorded
// per record and leave the record dirty; only local store failures and
// cancellation end the phase early.
func (c *Coordinator) push(ctx context.Context, desc *entity.Descriptor, tenantID string, res *Result) error {
	dirty, err := c.local.ListDirty(ctx, desc.Kind, tenantID)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	actorID := ""
	if c.actor != nil {
		actorID = c.actor.CurrentActorID()
	}

	c.logger.Debug("pushing dirty records",
		zap.String("tenant_id", tenantID),
		zap.String("kind", desc.Kind.String()),
		zap.Int("count", len(dirty)))

	for _, rec := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}

		if rec.IsDeleted {
			if err := c.pushDelete(ctx, rec, res); err != nil {
				return err
			}
			continue
		}

		if err := desc.Check(rec.Payload); err != nil {
			c.recordFailure(res, rec, OpPut, err)
			continue
		}

		if err := c.remote.Put(ctx, desc.Kind, remote.FromRecord(rec, actorID)); err != nil {
			c.recordFailure(res, rec, OpPut, err)
			continue
		}

		cleared, err := c.local.MarkSynced(ctx, desc.Kind, tenantID, rec.ID, rec.UpdatedAt)
		if err != nil {
			return err
		}
		res.Pushed++
		if !cleared {
			c.logger.Debug("record edited during push, left dirty",
				zap.String("kind", desc.Kind.String()), zap.String("record_id", rec.ID))
		}
	}

	return nil
}

func (c *Coordinator) pushDelete(ctx context.Context, rec *record.Record, res *Result) error {
	err := c.remote.Delete(ctx, rec.Kind, rec.TenantID, rec.ID)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		c.recordFailure(res, rec, OpDelete, err)
		return nil
	}

	removed, err := c.local.HardDeleteTombstone(ctx, rec.Kind, rec.TenantID, rec.ID)
	if err != nil {
		return err
	}
	if removed {
		res.Deleted++
	}
	return nil
}

func (c *Coordinator) recordFailure(res *Result, rec *record.Record, op string, err error) {
	if !record.Transient(err) && !record.FatalRecord(err) {
		// Unclassified errors are retried like transient ones.
		err = fmt.Errorf("%w: %w", record.ErrUnavailable, err)
	}
	res.fail(rec.ID, op, err)

	level := c.logger.Warn
	if record.Transient(err) {
		level = c.logger.Debug
	}
	level("record not synced",
		zap.String("tenant_id", rec.TenantID),
		zap.String("kind", rec.Kind.String()),
		zap.String("record_id", rec.ID),
		zap.String("op", op),
		zap.Error(err))
}
