package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

type countingNudger struct {
	mu    sync.Mutex
	kinds []record.Kind
}

func (n *countingNudger) Nudge(kind record.Kind) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *countingNudger) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.kinds)
}

type fakeSync struct {
	hydrated bool
	status   syncer.SessionStatus
}

func (f *fakeSync) Hydrated(context.Context, string) (bool, error) { return f.hydrated, nil }

func (f *fakeSync) Status(string, record.Kind) syncer.SessionStatus { return f.status }

func openStore(t *testing.T) *local.Store {
	t.Helper()
	store, err := local.Open(filepath.Join(t.TempDir(), "local.db"), []record.Kind{entity.KindCustomers})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	nudger := &countingNudger{}
	repo := New(store, entity.Customers, tenant.Static{TenantID: "t1"}, WithNudger(nudger))

	ada, err := repo.Add(ctx, entity.Customer{Name: "Ada Lovelace", Email: "ada@example.com", Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, ada.ID)
	assert.Equal(t, "t1", ada.TenantID)
	assert.True(t, ada.Pending)

	_, err = repo.Add(ctx, entity.Customer{Name: "Grace Hopper", Phone: "555-0100"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Entity.Name)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	updated, err := repo.Update(ctx, ada.ID, entity.Customer{Name: "Ada King", Active: true})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(ada.UpdatedAt))
	assert.True(t, ada.CreatedAt.Equal(updated.CreatedAt))

	found, err := repo.Search(ctx, "KING")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ada.ID, found[0].ID)

	found, err = repo.Search(ctx, "0100")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Grace Hopper", found[0].Entity.Name)

	require.NoError(t, repo.Delete(ctx, ada.ID))
	_, err = repo.Get(ctx, ada.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, ada.ID), record.ErrNotFound)
	_, err = repo.Update(ctx, ada.ID, entity.Customer{Name: "x"})
	assert.ErrorIs(t, err, record.ErrNotFound)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	pending, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending, "live record plus tombstone await push")

	assert.Equal(t, 4, nudger.count())
}

func TestUpdateDoesNotResurrectRemovedRecord(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	// The clock runs between the read and the write of Update; a pull that
	// removes the record lands in that window.
	var (
		calls  int
		target string
	)
	clock := func() time.Time {
		calls++
		if calls == 2 {
			require.NoError(t, store.HardDelete(ctx, entity.KindCustomers, "t1", target))
		}
		return time.Now()
	}
	repo := New(store, entity.Customers, tenant.Static{TenantID: "t1"}, WithClock(clock))

	item, err := repo.Add(ctx, entity.Customer{Name: "Gone Elsewhere"})
	require.NoError(t, err)
	target = item.ID

	_, err = repo.Update(ctx, item.ID, entity.Customer{Name: "Edited"})
	assert.ErrorIs(t, err, record.ErrNotFound)

	_, err = store.Get(ctx, entity.KindCustomers, "t1", item.ID)
	assert.ErrorIs(t, err, record.ErrNotFound)
	pending, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRejectsInvalidEntity(t *testing.T) {
	repo := New(openStore(t), entity.Customers, tenant.Static{TenantID: "t1"})
	_, err := repo.Add(context.Background(), entity.Customer{})
	assert.ErrorIs(t, err, record.ErrRejected)
}

func TestTenantComesFromProvider(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	session := tenant.NewSession()
	repo := New(store, entity.Customers, session)

	_, err := repo.Add(ctx, entity.Customer{Name: "nobody"})
	assert.ErrorIs(t, err, record.ErrNoTenant)
	_, err = repo.List(ctx)
	assert.ErrorIs(t, err, record.ErrNoTenant)

	session.SignIn("a", "u1")
	inA, err := repo.Add(ctx, entity.Customer{Name: "Same"})
	require.NoError(t, err)

	session.SignIn("b", "u2")
	inB, err := repo.Add(ctx, entity.Customer{Name: "Same"})
	require.NoError(t, err)

	_, err = repo.Get(ctx, inA.ID)
	assert.ErrorIs(t, err, record.ErrNotFound, "tenant b cannot see tenant a")
	assert.ErrorIs(t, repo.Delete(ctx, inA.ID), record.ErrNotFound)

	items, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, inB.ID, items[0].ID)
}

func TestHydrationGate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	state := &fakeSync{}
	repo := New(store, entity.Customers, tenant.Static{TenantID: "t1"}, WithSync(state, true))

	_, err := repo.Add(ctx, entity.Customer{Name: "early"})
	assert.ErrorIs(t, err, record.ErrNotHydrated)
	_, err = repo.List(ctx)
	assert.NoError(t, err, "reads are never gated")

	state.hydrated = true
	_, err = repo.Add(ctx, entity.Customer{Name: "later"})
	assert.NoError(t, err)

	ungated := New(store, entity.Customers, tenant.Static{TenantID: "t1"}, WithSync(&fakeSync{}, false))
	_, err = ungated.Add(ctx, entity.Customer{Name: "anytime"})
	assert.NoError(t, err)
}

func TestLastSyncErrors(t *testing.T) {
	state := &fakeSync{hydrated: true}
	repo := New(openStore(t), entity.Customers, tenant.Static{TenantID: "t1"}, WithSync(state, false))
	assert.Zero(t, repo.LastSyncErrors())

	state.status = syncer.SessionStatus{LastResult: &syncer.Result{
		Kind: entity.KindCustomers,
		Failures: []syncer.Failure{
			{ID: "1", Op: syncer.OpPut, Err: record.ErrPermissionDenied},
			{ID: "2", Op: syncer.OpPut, Err: record.ErrUnavailable},
		},
	}}
	assert.Equal(t, 1, repo.LastSyncErrors(), "transient failures are not errors")
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "stream closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}

func TestObserveAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := openStore(t)
	repo := New(store, entity.Customers, tenant.Static{TenantID: "t1"})

	stream, err := repo.ObserveAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, next(t, stream))

	added, err := repo.Add(ctx, entity.Customer{Name: "Watched"})
	require.NoError(t, err)
	snap := next(t, stream)
	require.Len(t, snap, 1)
	assert.Equal(t, added.ID, snap[0].ID)

	// Mutations made by a pull are observed too.
	remoteCopy := &record.Record{
		ID:        "from-remote",
		TenantID:  "t1",
		Kind:      entity.KindCustomers,
		Payload:   []byte(`{"name":"Pulled","active":true}`),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	applied, err := store.ApplyRemote(ctx, remoteCopy)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Eventually(t, func() bool {
		select {
		case snap = <-stream:
		default:
		}
		return len(snap) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Another tenant's writes do not wake this stream.
	other := New(store, entity.Customers, tenant.Static{TenantID: "t2"})
	_, err = other.Add(ctx, entity.Customer{Name: "Elsewhere"})
	require.NoError(t, err)
	select {
	case s := <-stream:
		t.Fatalf("unexpected snapshot of %d items", len(s))
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserveAllSlowReaderGetsLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo := New(openStore(t), entity.Customers, tenant.Static{TenantID: "t1"})

	stream, err := repo.ObserveAll(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := repo.Add(ctx, entity.Customer{Name: "bulk"})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		select {
		case snap := <-stream:
			return len(snap) == 5
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
