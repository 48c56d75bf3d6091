package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseStatusSpellings(t *testing.T) {
	cases := map[string]Status{
		"pending":            StatusPending,
		" Taken ":            StatusTaken,
		"PartiallyExecuted":  StatusPartiallyExecuted,
		"partially_executed": StatusPartiallyExecuted,
		"under-review":       StatusUnderReview,
		"canceled":           StatusCancelled,
		"CANCELLED":          StatusCancelled,
	}
	for raw, want := range cases {
		got, ok := ParseStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got, raw)
	}

	_, ok := ParseStatus("archived")
	require.False(t, ok)
}

func TestStatusFamilies(t *testing.T) {
	require.True(t, StatusExecuted.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusUnderReview.Terminal())
	require.True(t, StatusPartiallyExecuted.ExecutedFamily())
	require.False(t, StatusTaken.ExecutedFamily())
	require.False(t, Status("bogus").Valid())
}

func TestParseRole(t *testing.T) {
	role, ok := ParseRole(" Desk ")
	require.True(t, ok)
	require.Equal(t, RoleDesk, role)
	require.True(t, role.DeskSide())
	require.True(t, RoleAdmin.DeskSide())
	require.False(t, RoleCommercial.DeskSide())

	_, ok = ParseRole("auditor")
	require.False(t, ok)
}

func TestOrderTotal(t *testing.T) {
	price := decimal.RequireFromString("101.5")
	order := Order{Quantity: decimal.NewFromInt(10), Price: &price}
	require.True(t, decimal.RequireFromString("1015").Equal(order.Total()))

	order.MarketPrice = true
	require.True(t, order.Total().IsZero())
}

func TestCloneIsolatesPointersAndSlices(t *testing.T) {
	price := decimal.NewFromInt(5)
	order := Order{
		Price:        &price,
		Observations: []Observation{{ID: "obs-1"}},
		Unread:       UnreadSummary{Observations: []string{"obs-1"}},
	}
	clone := order.Clone()
	*clone.Price = decimal.NewFromInt(9)
	clone.Observations[0].Text = "changed"
	clone.Unread.Observations[0] = "obs-2"

	require.True(t, decimal.NewFromInt(5).Equal(*order.Price))
	require.Empty(t, order.Observations[0].Text)
	require.Equal(t, "obs-1", order.Unread.Observations[0])
}

func TestValidateSwapPair(t *testing.T) {
	buy := Order{ID: "o-1", IsSwap: true, SwapGroupID: "g-1", SwapRole: SwapRoleBuy, RelatedOrderID: "o-2"}
	sell := Order{ID: "o-2", IsSwap: true, SwapGroupID: "g-1", SwapRole: SwapRoleSell, RelatedOrderID: "o-1"}
	require.True(t, ValidateSwapPair(buy, sell))

	sell.SwapRole = SwapRoleBuy
	require.False(t, ValidateSwapPair(buy, sell))

	sell.SwapRole = SwapRoleSell
	sell.SwapGroupID = "g-2"
	require.False(t, ValidateSwapPair(buy, sell))
}

func TestUnreadSummaryEmpty(t *testing.T) {
	require.True(t, UnreadSummary{}.Empty())
	require.False(t, UnreadSummary{Execution: true}.Empty())
	require.True(t, FacetObservation.Valid())
	require.False(t, Facet("price").Valid())
}
