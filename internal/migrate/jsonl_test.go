package migrate

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
)

func openStore(t *testing.T) *local.Store {
	t.Helper()
	store, err := local.Open(filepath.Join(t.TempDir(), "local.db"), entity.Builtin().Kinds())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	input := strings.Join([]string{
		`{"id":"c1","payload":{"name":"Ada","active":true},"created_at":"2026-01-01T10:00:00Z","updated_at":"2026-01-02T10:00:00Z"}`,
		`{"payload":{"name":"Grace","active":true}}`,
		``,
		`{"id":"c3","payload":{"phone":"555"}}`,
		`{"id":"c4","tenant_id":"other","payload":{"name":"Eve"}}`,
		`not json`,
	}, "\n")

	res, err := Import(ctx, store, entity.Builtin(), strings.NewReader(input), ImportOptions{
		Kind:     entity.KindCustomers,
		TenantID: "t1",
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Read)
	assert.Equal(t, 2, res.Imported)
	assert.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "line 4")

	rec, err := store.Get(ctx, entity.KindCustomers, "t1", "c1")
	require.NoError(t, err)
	assert.True(t, rec.Dirty, "imported records are pushed on the next sync")
	assert.True(t, rec.UpdatedAt.Equal(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)))

	n, err := store.Count(ctx, entity.KindCustomers, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestImportKeepsNewerLocalCopy(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	opts := ImportOptions{Kind: entity.KindCustomers, TenantID: "t1"}

	newer := `{"id":"c1","payload":{"name":"New"},"updated_at":"2026-02-01T00:00:00Z","created_at":"2026-01-01T00:00:00Z"}`
	older := `{"id":"c1","payload":{"name":"Old"},"updated_at":"2026-01-15T00:00:00Z","created_at":"2026-01-01T00:00:00Z"}`

	_, err := Import(ctx, store, entity.Builtin(), strings.NewReader(newer), opts)
	require.NoError(t, err)
	res, err := Import(ctx, store, entity.Builtin(), strings.NewReader(older), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	rec, err := store.Get(ctx, entity.KindCustomers, "t1", "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"New"}`, string(rec.Payload))
}

func TestImportDryRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	res, err := Import(ctx, store, entity.Builtin(), strings.NewReader(`{"payload":{"name":"Ada"}}`),
		ImportOptions{Kind: entity.KindCustomers, TenantID: "t1", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	n, err := store.Count(ctx, entity.KindCustomers, "t1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportRequiresTenantAndKind(t *testing.T) {
	store := openStore(t)
	_, err := Import(context.Background(), store, entity.Builtin(), strings.NewReader(""),
		ImportOptions{Kind: entity.KindCustomers})
	assert.ErrorIs(t, err, record.ErrNoTenant)

	_, err = Import(context.Background(), store, entity.Builtin(), strings.NewReader(""),
		ImportOptions{Kind: "widgets", TenantID: "t1"})
	assert.Error(t, err)
}

func TestExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	opts := ImportOptions{Kind: entity.KindNotes, TenantID: "t1"}

	input := `{"id":"n1","payload":{"title":"Open at 9"},"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}
{"id":"n2","payload":{"title":"Closed Sunday"},"created_at":"2026-01-02T00:00:00Z","updated_at":"2026-01-02T00:00:00Z"}
`
	_, err := Import(ctx, src, entity.Builtin(), strings.NewReader(input), opts)
	require.NoError(t, err)
	require.NoError(t, src.SoftDelete(ctx, entity.KindNotes, "t1", "n2"))

	var buf bytes.Buffer
	n, err := Export(ctx, src, entity.KindNotes, "t1", &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "tombstones are not exported")

	dst := openStore(t)
	res, err := Import(ctx, dst, entity.Builtin(), &buf, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	rec, err := dst.Get(ctx, entity.KindNotes, "t1", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Open at 9"}`, string(rec.Payload))
}
