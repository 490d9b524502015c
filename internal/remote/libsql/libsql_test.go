package libsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

// The store only speaks SQLite dialect, so tests run it on the embedded
// driver instead of a libSQL server.
func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s := New(db, nil)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureCollections(context.Background(), []record.Kind{"customers"}))
	return s
}

func doc(id, tenant, payload string, at time.Time) *remote.Document {
	return &remote.Document{
		ID:        id,
		TenantID:  tenant,
		Payload:   json.RawMessage(payload),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestPutAndList(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	require.NoError(t, s.Put(ctx, "customers", doc("b", "t1", `{"name":"Bob"}`, at)))
	require.NoError(t, s.Put(ctx, "customers", doc("a", "t1", `{"name":"Ada"}`, at)))
	require.NoError(t, s.Put(ctx, "customers", doc("c", "t2", `{"name":"Cy"}`, at)))

	docs, err := s.ListByTenant(ctx, "customers", "t1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.True(t, at.Equal(docs[0].UpdatedAt))
	assert.JSONEq(t, `{"name":"Ada"}`, string(docs[0].Payload))

	// Replace keeps one row.
	later := at.Add(time.Minute)
	require.NoError(t, s.Put(ctx, "customers", doc("a", "t1", `{"name":"Ada L"}`, later)))
	docs, err = s.ListByTenant(ctx, "customers", "t1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.JSONEq(t, `{"name":"Ada L"}`, string(docs[0].Payload))
}

func TestPutOtherTenantDenied(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	at := time.Now().UTC()

	require.NoError(t, s.Put(ctx, "customers", doc("x", "t1", `{}`, at)))
	err := s.Put(ctx, "customers", doc("x", "t2", `{"stolen":true}`, at))
	assert.ErrorIs(t, err, record.ErrPermissionDenied)

	docs, err := s.ListByTenant(ctx, "customers", "t1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{}`, string(docs[0].Payload))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Put(ctx, "customers", doc("x", "t1", `{}`, time.Now())))
	require.NoError(t, s.Delete(ctx, "customers", "t2", "x"), "other tenant delete is a no-op")
	require.NoError(t, s.Delete(ctx, "customers", "t1", "x"))
	require.NoError(t, s.Delete(ctx, "customers", "t1", "x"), "absent is success")

	docs, err := s.ListByTenant(ctx, "customers", "t1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUnknownCollection(t *testing.T) {
	s := newStore(t)
	_, err := s.ListByTenant(context.Background(), "ghosts", "t1")
	require.Error(t, err)
	assert.True(t, record.Transient(err))

	err = s.Put(context.Background(), "Bad Kind", doc("x", "t1", `{}`, time.Now()))
	assert.ErrorIs(t, err, record.ErrRejected)
}
