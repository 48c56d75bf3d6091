package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormattingIncludesDetailsAndCause(t *testing.T) {
	err := New(
		"lifecycle",
		CodeInvalidTransition,
		WithMessage("cannot move order"),
		WithDetails(map[string]string{
			"from": "executed",
			"to":   "taken",
		}),
		WithDetail("order_id", "o-1"),
		WithRemediation("refresh the order list"),
		WithCause(errors.New("stale view")),
	)

	out := err.Error()
	require.Contains(t, out, "component=lifecycle")
	require.Contains(t, out, "code=invalid_transition")
	require.Contains(t, out, `details=from="executed",order_id="o-1",to="taken"`)
	require.Contains(t, out, `remediation="refresh the order list"`)
	require.Contains(t, out, `cause="stale view"`)
}

func TestWithDetailsMerge(t *testing.T) {
	err := New(
		"swap",
		CodePartialFailure,
		WithDetails(map[string]string{"partial_order_id": "a"}),
		WithDetails(map[string]string{"partial_order_id": "b", "leg": "buy"}),
	)
	require.Equal(t, "b", err.Details["partial_order_id"])
	require.Equal(t, "buy", err.Details["leg"])
}

func TestNilErrorString(t *testing.T) {
	var e *E
	require.Equal(t, "<nil>", e.Error())
}

func TestCodeHelpersFollowWrappedChain(t *testing.T) {
	base := NotFound("orderstore", "order", "o-9")
	wrapped := fmt.Errorf("load order: %w", base)

	require.Equal(t, CodeNotFound, CodeOf(wrapped))
	require.True(t, HasCode(wrapped, CodeNotFound))
	require.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
	require.Equal(t, "o-9", DetailOf(wrapped, "order_id"))
	require.Equal(t, "order not found", MessageOf(wrapped))
	require.True(t, errors.Is(wrapped, New("", CodeNotFound)))
	require.False(t, errors.Is(wrapped, New("", CodeValidation)))
}

func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(nil))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	require.Equal(t, "boom", MessageOf(errors.New("boom")))
}

func TestStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:          http.StatusNotFound,
		CodeInvalidTransition: http.StatusConflict,
		CodeValidation:        http.StatusUnprocessableEntity,
		CodePartialFailure:    http.StatusMultiStatus,
		CodeForbidden:         http.StatusForbidden,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeUnavailable:       http.StatusServiceUnavailable,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, New("x", code).Status(), string(code))
	}
	require.Equal(t, http.StatusTeapot, New("x", CodeInternal, WithHTTP(http.StatusTeapot)).Status())
}

func TestPartialCarriesOrderID(t *testing.T) {
	err := Partial("swap", "buy leg failed", "sell-1", errors.New("db down"))
	require.Equal(t, "sell-1", DetailOf(err, DetailPartialOrderID))
	require.True(t, strings.Contains(err.Error(), "buy leg failed"))
	require.EqualError(t, errors.Unwrap(err), "db down")
}
