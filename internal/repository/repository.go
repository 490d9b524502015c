// Package repository is the typed, tenant-scoped API the UI layer uses.
//
// Writes go to the local store first and are visible to readers as soon as
// the call returns; the sync daemon is then nudged to push them. The tenant
// id always comes from the tenant provider, never from the caller.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

// Item is a decoded entity with its record metadata.
type Item[E any] = record.Typed[E]

// Nudger is told about local writes so it can push them soon.
type Nudger interface {
	Nudge(kind record.Kind)
}

// SyncState exposes what the repository needs from the coordinator.
type SyncState interface {
	Hydrated(ctx context.Context, tenantID string) (bool, error)
	Status(tenantID string, kind record.Kind) syncer.SessionStatus
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	nudger           Nudger
	sync             SyncState
	requireHydration bool
	logger           *zap.Logger
	now              func() time.Time
}

// WithNudger sets the receiver of write notifications.
func WithNudger(n Nudger) Option {
	return func(o *options) { o.nudger = n }
}

// WithSync connects the repository to the coordinator. When
// requireHydration is set, writes fail with record.ErrNotHydrated until the
// tenant's initial sync has completed.
func WithSync(s SyncState, requireHydration bool) Option {
	return func(o *options) {
		o.sync = s
		o.requireHydration = requireHydration
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Repository is the facade for one entity kind.
type Repository[E any] struct {
	store   *local.Store
	desc    entity.Typed[E]
	tenants tenant.Provider
	opts    options
}

// New creates a repository for the kind described by desc.
func New[E any](store *local.Store, desc entity.Typed[E], tenants tenant.Provider, opts ...Option) *Repository[E] {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Repository[E]{store: store, desc: desc, tenants: tenants, opts: o}
}

// Kind returns the entity kind.
func (r *Repository[E]) Kind() record.Kind {
	return r.desc.Kind
}

func (r *Repository[E]) tenantID() (string, error) {
	id, err := r.tenants.CurrentTenantID()
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", record.ErrNoTenant
	}
	return id, nil
}

func (r *Repository[E]) writableTenant(ctx context.Context) (string, error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return "", err
	}
	if r.opts.requireHydration && r.opts.sync != nil {
		ok, err := r.opts.sync.Hydrated(ctx, tenantID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", record.ErrNotHydrated
		}
	}
	return tenantID, nil
}

func (r *Repository[E]) nudge() {
	if r.opts.nudger != nil {
		r.opts.nudger.Nudge(r.desc.Kind)
	}
}

func (r *Repository[E]) encode(e E) ([]byte, error) {
	payload, err := r.desc.Encode(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", record.ErrRejected, err)
	}
	if err := r.desc.Check(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (r *Repository[E]) decode(rec *record.Record) (Item[E], error) {
	e, err := r.desc.Decode(rec.Payload)
	if err != nil {
		return Item[E]{}, err
	}
	return Item[E]{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Entity:    e,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Pending:   rec.Dirty,
	}, nil
}

// Add stores a new entity with a fresh id.
func (r *Repository[E]) Add(ctx context.Context, e E) (Item[E], error) {
	tenantID, err := r.writableTenant(ctx)
	if err != nil {
		return Item[E]{}, err
	}
	payload, err := r.encode(e)
	if err != nil {
		return Item[E]{}, err
	}

	now := r.opts.now().UTC()
	rec := &record.Record{
		ID:        record.NewID(),
		TenantID:  tenantID,
		Kind:      r.desc.Kind,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
		Dirty:     true,
	}
	if err := r.store.Upsert(ctx, rec); err != nil {
		return Item[E]{}, err
	}
	r.nudge()
	return r.decode(rec)
}

// Update replaces the entity stored under id.
func (r *Repository[E]) Update(ctx context.Context, id string, e E) (Item[E], error) {
	tenantID, err := r.writableTenant(ctx)
	if err != nil {
		return Item[E]{}, err
	}
	payload, err := r.encode(e)
	if err != nil {
		return Item[E]{}, err
	}

	rec, err := r.live(ctx, tenantID, id)
	if err != nil {
		return Item[E]{}, err
	}
	rec.Payload = payload
	rec.Touch(r.opts.now())
	if err := r.store.Update(ctx, rec); err != nil {
		return Item[E]{}, err
	}
	r.nudge()
	return r.decode(rec)
}

// Delete tombstones the entity; it disappears from reads immediately and
// from the remote store on the next push.
func (r *Repository[E]) Delete(ctx context.Context, id string) error {
	tenantID, err := r.writableTenant(ctx)
	if err != nil {
		return err
	}
	if _, err := r.live(ctx, tenantID, id); err != nil {
		return err
	}
	if err := r.store.SoftDelete(ctx, r.desc.Kind, tenantID, id); err != nil {
		return err
	}
	r.nudge()
	return nil
}

func (r *Repository[E]) live(ctx context.Context, tenantID, id string) (*record.Record, error) {
	rec, err := r.store.Get(ctx, r.desc.Kind, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, &record.OpError{Op: "get", Kind: r.desc.Kind, ID: id, Err: record.ErrNotFound}
	}
	return rec, nil
}

// Get returns one entity. Tombstoned entities are not found.
func (r *Repository[E]) Get(ctx context.Context, id string) (Item[E], error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return Item[E]{}, err
	}
	rec, err := r.live(ctx, tenantID, id)
	if err != nil {
		return Item[E]{}, err
	}
	return r.decode(rec)
}

// List returns every live entity, oldest first.
func (r *Repository[E]) List(ctx context.Context) ([]Item[E], error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return nil, err
	}
	return r.list(ctx, tenantID, "")
}

// Search returns the live entities whose search fields contain query,
// case-insensitively.
func (r *Repository[E]) Search(ctx context.Context, query string) ([]Item[E], error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return nil, err
	}
	return r.list(ctx, tenantID, query)
}

func (r *Repository[E]) list(ctx context.Context, tenantID, query string) ([]Item[E], error) {
	recs, err := r.store.List(ctx, r.desc.Kind, tenantID, local.ListFilter{})
	if err != nil {
		return nil, err
	}
	items := make([]Item[E], 0, len(recs))
	for _, rec := range recs {
		if !r.desc.Matches(rec.Payload, query) {
			continue
		}
		item, err := r.decode(rec)
		if err != nil {
			r.opts.logger.Warn("skipping undecodable record",
				zap.String("kind", r.desc.Kind.String()), zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Count returns the number of live entities.
func (r *Repository[E]) Count(ctx context.Context) (int, error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return 0, err
	}
	return r.store.Count(ctx, r.desc.Kind, tenantID)
}

// PendingCount returns how many local changes await push.
func (r *Repository[E]) PendingCount(ctx context.Context) (int, error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return 0, err
	}
	return r.store.CountDirty(ctx, r.desc.Kind, tenantID)
}

// LastSyncErrors returns the number of records that failed permanently in
// the most recent sync of this kind. It is a signal for the UI, never a
// reason to block writes.
func (r *Repository[E]) LastSyncErrors() int {
	if r.opts.sync == nil {
		return 0
	}
	tenantID, err := r.tenantID()
	if err != nil {
		return 0
	}
	st := r.opts.sync.Status(tenantID, r.desc.Kind)
	if st.LastResult == nil {
		return 0
	}
	return len(st.LastResult.Fatal())
}

// ObserveAll streams the live entities: the current snapshot first, then a
// new snapshot after every local mutation, pulls included. Only the newest
// snapshot is buffered, so a slow reader skips intermediate states and never
// holds up writers. The channel is closed when ctx ends or the store closes.
func (r *Repository[E]) ObserveAll(ctx context.Context) (<-chan []Item[E], error) {
	tenantID, err := r.tenantID()
	if err != nil {
		return nil, err
	}

	signals, cancel := r.store.Subscribe(r.desc.Kind, tenantID)
	out := make(chan []Item[E], 1)

	go func() {
		defer close(out)
		defer cancel()

		for {
			items, err := r.list(ctx, tenantID, "")
			switch {
			case err == nil:
				deliver(out, items)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return
			default:
				r.opts.logger.Warn("observe snapshot failed",
					zap.String("kind", r.desc.Kind.String()), zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
		}
	}()

	return out, nil
}

// deliver replaces any undelivered snapshot with items.
func deliver[T any](out chan T, v T) {
	for {
		select {
		case out <- v:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}
