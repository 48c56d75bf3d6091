package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

func TestLedgerStoreRoundTrip(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, ok)

	entry := ledgerstore.Entry{OrderID: "o-1", Status: true, Observations: []string{"x"}, LastUpdate: schema.FacetObservation}
	require.NoError(t, store.Save(ctx, entry))

	entry.Observations[0] = "mutated"
	loaded, ok, err := store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"x"}, loaded.Observations)
	require.Equal(t, 2, loaded.Count())

	require.NoError(t, store.Delete(ctx, "o-1"))
	require.NoError(t, store.Delete(ctx, "o-1"))
	_, ok, err = store.Load(ctx, "o-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerStoreRequiresOrderID(t *testing.T) {
	err := NewLedgerStore().Save(context.Background(), ledgerstore.Entry{Status: true})
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestLedgerStoreListNewestFirst(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, ledgerstore.Entry{OrderID: "old", Status: true, UpdatedAt: base}))
	require.NoError(t, store.Save(ctx, ledgerstore.Entry{OrderID: "new", Execution: true, UpdatedAt: base.Add(time.Hour)}))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "new", entries[0].OrderID)
	require.Equal(t, "old", entries[1].OrderID)
}

func TestDirectoryLookups(t *testing.T) {
	dir := NewDirectory(
		[]schema.Client{{ID: "c-1", Name: "ACME"}},
		[]schema.Asset{{ID: "a-1", Name: "Bono AL30", Ticker: "AL30"}},
	)
	ctx := context.Background()

	client, err := dir.FindClient(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, "ACME", client.Name)

	asset, err := dir.FindAsset(ctx, " a-1 ")
	require.NoError(t, err)
	require.Equal(t, "AL30", asset.Ticker)

	_, err = dir.FindClient(ctx, "c-2")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	require.Equal(t, "c-2", errs.DetailOf(err, "client_id"))

	_, err = dir.FindAsset(ctx, "a-2")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}
