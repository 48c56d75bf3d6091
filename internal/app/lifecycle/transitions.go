// Package lifecycle implements the order status state machine and the order
// creation path. The engine never consults roles; callers gate actions with
// CanTransition before invoking it.
package lifecycle

import "github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"

var transitions = map[schema.Status][]schema.Status{
	schema.StatusPending: {
		schema.StatusTaken,
		schema.StatusCancelled,
	},
	schema.StatusTaken: {
		schema.StatusExecuted,
		schema.StatusPartiallyExecuted,
		schema.StatusUnderReview,
		schema.StatusCancelled,
	},
	schema.StatusPartiallyExecuted: {
		schema.StatusExecuted,
		schema.StatusUnderReview,
		schema.StatusCancelled,
	},
	schema.StatusUnderReview: {
		schema.StatusTaken,
		schema.StatusExecuted,
		schema.StatusCancelled,
	},
}

// Allowed returns the statuses reachable from from. Terminal and unknown
// statuses yield nil.
func Allowed(from schema.Status) []schema.Status {
	targets := transitions[from]
	if len(targets) == 0 {
		return nil
	}
	return append([]schema.Status(nil), targets...)
}

// CanMove reports whether (from, to) is in the transition table.
func CanMove(from, to schema.Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status schema.Status) bool {
	return status.Terminal()
}

// IsExecutedFamily reports whether status accepts execution data.
func IsExecutedFamily(status schema.Status) bool {
	return status.ExecutedFamily()
}

// CanTransition is the capability predicate for callers of the engine.
// Desk and admin users may take every allowed transition; commercial users
// may only cancel an order the desk has not claimed yet.
func CanTransition(role schema.Role, from, to schema.Status) bool {
	if !CanMove(from, to) {
		return false
	}
	switch role {
	case schema.RoleDesk, schema.RoleAdmin:
		return true
	case schema.RoleCommercial:
		return from == schema.StatusPending && to == schema.StatusCancelled
	default:
		return false
	}
}
