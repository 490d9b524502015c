package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

func doc(tenantID, id string) *remote.Document {
	now := time.Now()
	return &remote.Document{ID: id, TenantID: tenantID, Payload: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Put(ctx, "notes", doc("a", "1")))
	require.NoError(t, s.Put(ctx, "notes", doc("a", "2")))
	require.NoError(t, s.Put(ctx, "notes", doc("b", "3")))
	require.NoError(t, s.Put(ctx, "customers", doc("a", "4")))

	docs, err := s.ListByTenant(ctx, "notes", "a")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "1", docs[0].ID)

	// Cross-tenant writes and deletes are refused.
	assert.ErrorIs(t, s.Put(ctx, "notes", doc("a", "3")), record.ErrPermissionDenied)
	assert.ErrorIs(t, s.Delete(ctx, "notes", "a", "3"), record.ErrPermissionDenied)

	require.NoError(t, s.Delete(ctx, "notes", "a", "1"))
	require.NoError(t, s.Delete(ctx, "notes", "a", "1"), "absent is success")
	assert.Equal(t, 2, s.Len("notes"))
	assert.Equal(t, 3, s.Calls(OpDelete))
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetFault(func(op Op, kind record.Kind, tenantID, id string) error {
		if op == OpPut && id == "bad" {
			return record.ErrPermissionDenied
		}
		return nil
	})

	assert.ErrorIs(t, s.Put(ctx, "notes", doc("a", "bad")), record.ErrPermissionDenied)
	require.NoError(t, s.Put(ctx, "notes", doc("a", "good")))
	_, ok := s.Get("notes", "bad")
	assert.False(t, ok)

	s.SetFault(nil)
	require.NoError(t, s.Put(ctx, "notes", doc("a", "bad")))
}
