package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/memory"
)

func newTracker(t *testing.T, opts ...Option) (*Tracker, *memory.LedgerStore) {
	t.Helper()
	ledger := memory.NewLedgerStore()
	return NewTracker("desk", ledger, opts...), ledger
}

func seedOrder(t *testing.T, store *memory.OrderStore, id string) {
	t.Helper()
	_, err := store.CreateOrder(context.Background(), schema.Order{
		ID:        id,
		Operation: schema.OperationBuy,
		Quantity:  decimal.NewFromInt(1),
		Status:    schema.StatusPending,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestRaiseIsIdempotentForStatusAndExecution(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	first, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	second, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, second.Count)

	_, err = tracker.Raise(ctx, "o-1", schema.FacetExecution, "")
	require.NoError(t, err)
	summary, err := tracker.Raise(ctx, "o-1", schema.FacetExecution, "")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count)
	require.Equal(t, schema.FacetExecution, summary.LastUpdate)
}

func TestRaiseObservationIdsAreDistinct(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	for _, id := range []string{"obs-1", "obs-2", "obs-1"} {
		_, err := tracker.Raise(ctx, "o-1", schema.FacetObservation, id)
		require.NoError(t, err)
	}
	summary, err := tracker.Summarize(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, []string{"obs-1", "obs-2"}, summary.Observations)
	require.Equal(t, 2, summary.Count)
}

func TestRaiseValidation(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", "price", "")
	require.True(t, errs.HasCode(err, errs.CodeValidation))
	_, err = tracker.Raise(ctx, "o-1", schema.FacetObservation, "")
	require.True(t, errs.HasCode(err, errs.CodeValidation))
	_, err = tracker.Raise(ctx, " ", schema.FacetStatus, "")
	require.True(t, errs.HasCode(err, errs.CodeValidation))
}

func TestRaiseThenMarkReadRestoresEmptyState(t *testing.T) {
	tracker, ledger := newTracker(t)
	ctx := context.Background()

	for _, facet := range []schema.Facet{schema.FacetStatus, schema.FacetExecution} {
		_, err := tracker.Raise(ctx, "o-1", facet, "")
		require.NoError(t, err)
		summary, err := tracker.MarkRead(ctx, "o-1", facet, "")
		require.NoError(t, err)
		require.True(t, summary.Empty())

		_, ok, err := ledger.Load(ctx, "o-1")
		require.NoError(t, err)
		require.False(t, ok, "entry must be removed once nothing is pending")
	}

	_, err := tracker.Raise(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)
	summary, err := tracker.MarkRead(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
}

func TestMarkReadWithNothingPendingIsNoop(t *testing.T) {
	tracker, ledger := newTracker(t)
	ctx := context.Background()

	summary, err := tracker.MarkRead(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)

	_, err = tracker.Raise(ctx, "o-1", schema.FacetExecution, "")
	require.NoError(t, err)
	summary, err = tracker.MarkRead(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Count)
	require.True(t, summary.Execution)

	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSummaryCountsEachFacet(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	_, err = tracker.Raise(ctx, "o-1", schema.FacetExecution, "")
	require.NoError(t, err)
	_, err = tracker.Raise(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)
	summary, err := tracker.Raise(ctx, "o-1", schema.FacetObservation, "obs-2")
	require.NoError(t, err)
	require.Equal(t, 4, summary.Count)
	require.Equal(t, schema.FacetObservation, summary.LastUpdate)

	summary, err = tracker.MarkRead(ctx, "o-1", schema.FacetExecution, "")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Count)
	require.True(t, summary.Status)
	require.False(t, summary.Execution)
	require.Equal(t, []string{"obs-1", "obs-2"}, summary.Observations)

	summary, err = tracker.MarkRead(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count)
}

func TestMarkReadKeepsLastUpdateOnPendingFacet(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	_, err = tracker.Raise(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)
	summary, err := tracker.MarkRead(ctx, "o-1", schema.FacetObservation, "")
	require.NoError(t, err)
	require.Equal(t, schema.FacetStatus, summary.LastUpdate)
}

func TestMarkAllRead(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := tracker.Raise(ctx, id, schema.FacetStatus, "")
		require.NoError(t, err)
	}
	require.NoError(t, tracker.MarkAllRead(ctx, []string{"o-1", "o-2", "", "o-9"}))

	pending, err := tracker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "o-3", pending[0].OrderID)
}

func TestMirrorFollowsLedger(t *testing.T) {
	orders := memory.NewOrderStore()
	seedOrder(t, orders, "o-1")
	tracker, _ := newTracker(t, WithMirror(orders))
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	order, err := orders.FindOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 1, order.Unread.Count)
	require.True(t, order.Unread.Status)

	_, err = tracker.MarkRead(ctx, "o-1", "", "")
	require.NoError(t, err)
	order, err = orders.FindOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 0, order.Unread.Count)

	// Mirror writes fail for unknown orders and leave the ledger untouched.
	_, err = tracker.Raise(ctx, "missing", schema.FacetStatus, "")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	summary, err := tracker.Summarize(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
}

func TestMarkReadResetsMirrorTheLedgerNoLongerHolds(t *testing.T) {
	orders := memory.NewOrderStore()
	seedOrder(t, orders, "o-1")
	seedOrder(t, orders, "o-2")
	ctx := context.Background()
	for _, id := range []string{"o-1", "o-2"} {
		stale := schema.UnreadSummary{OrderID: id, Count: 2, Status: true, Execution: true, LastUpdate: schema.FacetExecution}
		_, err := orders.SaveOrder(ctx, id, orderstore.Patch{Unread: &stale})
		require.NoError(t, err)
	}
	tracker, ledger := newTracker(t, WithMirror(orders))

	summary, err := tracker.MarkRead(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
	order, err := orders.FindOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 0, order.Unread.Count)
	require.False(t, order.Unread.Execution)

	require.NoError(t, tracker.MarkAllRead(ctx, []string{"o-2"}))
	order, err = orders.FindOrder(ctx, "o-2")
	require.NoError(t, err)
	require.Equal(t, 0, order.Unread.Count)

	unread, err := orders.ListOrders(ctx, orderstore.Query{UnreadOnly: true})
	require.NoError(t, err)
	require.Empty(t, unread)

	entries, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMarkReadUnknownOrderWithMirrorIsNoop(t *testing.T) {
	orders := memory.NewOrderStore()
	tracker, _ := newTracker(t, WithMirror(orders))

	summary, err := tracker.MarkRead(context.Background(), "missing", "", "")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
}

func TestApplyRestoresLedgerWhenCommitFails(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", schema.FacetObservation, "obs-1")
	require.NoError(t, err)

	boom := errors.New("store down")
	_, err = tracker.Apply(ctx, "o-1", []Signal{{Facet: schema.FacetStatus}, {Facet: schema.FacetObservation, ObservationID: "obs-2"}},
		func(context.Context, schema.UnreadSummary) error { return boom })
	require.ErrorIs(t, err, boom)

	summary, err := tracker.Summarize(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Count)
	require.Equal(t, []string{"obs-1"}, summary.Observations)

	// A fresh order that fails its commit leaves no entry behind.
	_, err = tracker.Apply(ctx, "o-2", []Signal{{Facet: schema.FacetStatus}},
		func(context.Context, schema.UnreadSummary) error { return boom })
	require.ErrorIs(t, err, boom)
	pending, err := tracker.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestApplyCommitsEvenWhenLedgerUnchanged(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Raise(ctx, "o-1", schema.FacetStatus, "")
	require.NoError(t, err)

	var committed schema.UnreadSummary
	calls := 0
	_, err = tracker.Apply(ctx, "o-1", []Signal{{Facet: schema.FacetStatus}}, func(_ context.Context, s schema.UnreadSummary) error {
		calls++
		committed = s
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, committed.Count)
	require.Equal(t, "o-1", committed.OrderID)
}

func TestFeedReceivesChanges(t *testing.T) {
	feed := NewBroadcaster(4)
	defer feed.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := feed.Subscribe(ctx)

	tracker, _ := newTracker(t, WithFeed(feed))
	_, err := tracker.Raise(context.Background(), "o-1", schema.FacetStatus, "")
	require.NoError(t, err)

	select {
	case change := <-changes:
		require.Equal(t, "desk", change.Audience)
		require.Equal(t, "o-1", change.Summary.OrderID)
		require.Equal(t, 1, change.Summary.Count)
	case <-time.After(time.Second):
		t.Fatal("expected change on feed")
	}
}
