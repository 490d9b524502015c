package local

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/record"
)

const kindCustomers record.Kind = "customers"

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(path, []record.Kind{kindCustomers})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRecord(tenantID, id, name string) *record.Record {
	now := time.Now().UTC()
	return &record.Record{
		ID:        id,
		TenantID:  tenantID,
		Kind:      kindCustomers,
		Payload:   json.RawMessage(`{"name":"` + name + `","active":true}`),
		CreatedAt: now,
		UpdatedAt: now,
		Dirty:     true,
	}
}

func TestOpen_CreatesTablesAndIsReopenable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	s, err := Open(path, []record.Kind{kindCustomers, "notes"})
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	assert.ElementsMatch(t, []record.Kind{kindCustomers, "notes"}, s.Kinds())
	require.NoError(t, s.Close())

	// Migrations and table creation are idempotent.
	s, err = Open(path, []record.Kind{kindCustomers})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")
}

func TestRegister_RejectsBadKind(t *testing.T) {
	s := openTestStore(t)
	err := s.Register(context.Background(), "drop table; --")
	assert.Error(t, err)
}

func TestUnregisteredKind(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "payments", "t1", "x")
	assert.ErrorIs(t, err, record.ErrLocalStore)
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newRecord("t1", "42", "Ada")
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, kindCustomers, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
	assert.True(t, got.Dirty)
	assert.False(t, got.IsDeleted)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

	// Idempotent.
	require.NoError(t, s.Upsert(ctx, rec))
	n, err := s.Count(ctx, kindCustomers, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Same natural key, different ids.
	require.NoError(t, s.Upsert(ctx, newRecord("tenant-a", "a-1", "Shared Name")))
	require.NoError(t, s.Upsert(ctx, newRecord("tenant-b", "b-1", "Shared Name")))

	_, err := s.Get(ctx, kindCustomers, "tenant-a", "b-1")
	assert.ErrorIs(t, err, record.ErrNotFound)

	all, err := s.ListAll(ctx, kindCustomers, "tenant-a")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a-1", all[0].ID)

	// Mutations scoped to A never touch B.
	require.NoError(t, s.HardDelete(ctx, kindCustomers, "tenant-a", "b-1"))
	err = s.SoftDelete(ctx, kindCustomers, "tenant-a", "b-1")
	assert.ErrorIs(t, err, record.ErrNotFound)
	ok, err := s.MarkSynced(ctx, kindCustomers, "tenant-a", "b-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	// Overwriting B's row under A's tenant is refused.
	hijack := newRecord("tenant-a", "b-1", "Mallory")
	err = s.Upsert(ctx, hijack)
	assert.ErrorIs(t, err, record.ErrTenantMismatch)

	b, err := s.Get(ctx, kindCustomers, "tenant-b", "b-1")
	require.NoError(t, err)
	assert.Contains(t, string(b.Payload), "Shared Name")
}

func TestSoftDeleteKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newRecord("t1", "1", "Ada")
	rec.Dirty = false
	require.NoError(t, s.Upsert(ctx, rec))

	require.NoError(t, s.SoftDelete(ctx, kindCustomers, "t1", "1"))

	got, err := s.Get(ctx, kindCustomers, "t1", "1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.True(t, got.Dirty)
	assert.True(t, got.UpdatedAt.After(rec.UpdatedAt))

	n, err := s.Count(ctx, kindCustomers, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "tombstones are not live")

	dirty, err := s.ListDirty(ctx, kindCustomers, "t1")
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	// Deleting again is a no-op.
	require.NoError(t, s.SoftDelete(ctx, kindCustomers, "t1", "1"))

	removed, err := s.HardDeleteTombstone(ctx, kindCustomers, "t1", "1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = s.Get(ctx, kindCustomers, "t1", "1")
	assert.ErrorIs(t, err, record.ErrNotFound)
}

func TestHardDeleteTombstone_LeavesLiveRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Upsert(ctx, newRecord("t1", "1", "Ada")))

	removed, err := s.HardDeleteTombstone(ctx, kindCustomers, "t1", "1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMarkSynced_OnlyMatchingVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newRecord("t1", "1", "Ada")
	require.NoError(t, s.Upsert(ctx, rec))
	pushedAt := rec.UpdatedAt

	// An edit lands while the push is in flight.
	edited := rec.Clone()
	edited.Payload = json.RawMessage(`{"name":"Ada L."}`)
	edited.Touch(time.Now())
	require.NoError(t, s.Upsert(ctx, edited))

	ok, err := s.MarkSynced(ctx, kindCustomers, "t1", "1", pushedAt)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, kindCustomers, "t1", "1")
	require.NoError(t, err)
	assert.True(t, got.Dirty, "edit made during push stays dirty")

	ok, err = s.MarkSynced(ctx, kindCustomers, "t1", "1", got.UpdatedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	dirty, err := s.CountDirty(ctx, kindCustomers, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, dirty)
}

func TestApplyRemote_SkipsDirtyRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	local := newRecord("t1", "1", "Local")
	require.NoError(t, s.Upsert(ctx, local))

	remote := newRecord("t1", "1", "Remote")
	remote.Dirty = false
	applied, err := s.ApplyRemote(ctx, remote)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Get(ctx, kindCustomers, "t1", "1")
	require.NoError(t, err)
	assert.Contains(t, string(got.Payload), "Local")

	// New rows and clean rows are written.
	fresh := newRecord("t1", "2", "Fresh")
	fresh.Dirty = false
	applied, err = s.ApplyRemote(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, applied)

	// Other tenants' rows are still protected.
	foreign := newRecord("t2", "2", "Foreign")
	foreign.Dirty = false
	_, err = s.ApplyRemote(ctx, foreign)
	assert.ErrorIs(t, err, record.ErrTenantMismatch)
}

func TestHardDeleteClean(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Upsert(ctx, newRecord("t1", "dirty", "D")))
	clean := newRecord("t1", "clean", "C")
	clean.Dirty = false
	require.NoError(t, s.Upsert(ctx, clean))

	removed, err := s.HardDeleteClean(ctx, kindCustomers, "t1", "dirty")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.HardDeleteClean(ctx, kindCustomers, "t1", "clean")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := newRecord("t1", id, id)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, s.Upsert(ctx, rec))
	}

	page, err := s.List(ctx, kindCustomers, "t1", ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ch, cancel := s.Subscribe(kindCustomers, "t1")
	other, cancelOther := s.Subscribe(kindCustomers, "t2")
	defer cancelOther()

	require.NoError(t, s.Upsert(ctx, newRecord("t1", "1", "Ada")))
	require.NoError(t, s.Upsert(ctx, newRecord("t1", "2", "Bob")))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal")
	}

	// Two writes coalesce into at most one pending signal.
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	select {
	case <-other:
		t.Fatal("other tenant must not be signalled")
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec := newRecord("t1", record.NewID(), "w")
				assert.NoError(t, s.Upsert(ctx, rec))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := s.ListAll(ctx, kindCustomers, "t1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx, kindCustomers, "t1")
	require.NoError(t, err)
	assert.Equal(t, 80, n)
}

func TestStateAndRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v, err := s.State(ctx, "hydrated:t1")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetState(ctx, "hydrated:t1", "yes"))
	require.NoError(t, s.SetState(ctx, "hydrated:t1", "2026-01-01"))
	v, err = s.State(ctx, "hydrated:t1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01", v)

	now := time.Now()
	for i := 0; i < 3; i++ {
		run := &Run{TenantID: "t1", Kind: kindCustomers, StartedAt: now, FinishedAt: now, State: "idle", Pushed: i}
		require.NoError(t, s.RecordRun(ctx, run))
		assert.NotZero(t, run.ID)
	}
	require.NoError(t, s.RecordRun(ctx, &Run{TenantID: "t2", Kind: kindCustomers, StartedAt: now, FinishedAt: now, State: "failed", Error: "boom"}))

	runs, err := s.LastRuns(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Pushed, "newest first")
	assert.Empty(t, runs[0].Error)
}

func TestUpdateOnlyTouchesLiveRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	rec := &record.Record{
		ID: "u1", TenantID: "t1", Kind: kindCustomers,
		Payload: []byte(`{"name":"A"}`), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Payload = []byte(`{"name":"B"}`)
	rec.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.Update(ctx, rec))
	got, err := s.Get(ctx, kindCustomers, "t1", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"B"}`, string(got.Payload))
	assert.True(t, got.Dirty)

	other := *rec
	other.TenantID = "t2"
	assert.ErrorIs(t, s.Update(ctx, &other), record.ErrNotFound)

	require.NoError(t, s.SoftDelete(ctx, kindCustomers, "t1", "u1"))
	assert.ErrorIs(t, s.Update(ctx, rec), record.ErrNotFound)

	require.NoError(t, s.HardDelete(ctx, kindCustomers, "t1", "u1"))
	assert.ErrorIs(t, s.Update(ctx, rec), record.ErrNotFound)
	_, err = s.Get(ctx, kindCustomers, "t1", "u1")
	assert.ErrorIs(t, err, record.ErrNotFound)
}
