// Package ledgerstore defines persistence contracts for the unread-notification ledger.
package ledgerstore

import (
	"context"
	"time"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

// Entry records which facets of one order are unread by an audience.
type Entry struct {
	OrderID      string       `json:"orderId"`
	Status       bool         `json:"status"`
	Execution    bool         `json:"execution"`
	Observations []string     `json:"observations,omitempty"`
	LastUpdate   schema.Facet `json:"lastUpdate,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Count returns the number of unread facets, counting each observation separately.
func (e Entry) Count() int {
	n := len(e.Observations)
	if e.Status {
		n++
	}
	if e.Execution {
		n++
	}
	return n
}

// Empty reports whether the entry has nothing pending and should be removed.
func (e Entry) Empty() bool {
	return e.Count() == 0
}

// HasObservation reports whether id is pending.
func (e Entry) HasObservation(id string) bool {
	for _, existing := range e.Observations {
		if existing == id {
			return true
		}
	}
	return false
}

// Clone returns a copy with its own observation slice.
func (e Entry) Clone() Entry {
	out := e
	if e.Observations != nil {
		out.Observations = append([]string(nil), e.Observations...)
	}
	return out
}

// Summary converts the entry into the mirror shape stored on orders.
func (e Entry) Summary() schema.UnreadSummary {
	if e.Empty() {
		return schema.UnreadSummary{OrderID: e.OrderID}
	}
	out := schema.UnreadSummary{
		OrderID:    e.OrderID,
		Count:      e.Count(),
		LastUpdate: e.LastUpdate,
		Status:     e.Status,
		Execution:  e.Execution,
	}
	if len(e.Observations) > 0 {
		out.Observations = append([]string(nil), e.Observations...)
	}
	return out
}

// Store persists ledger entries for one audience, keyed by order id.
// Load returns ok=false when no entry exists. Save must never be called with an
// empty entry; callers Delete instead.
type Store interface {
	Load(ctx context.Context, orderID string) (Entry, bool, error)
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, orderID string) error
	List(ctx context.Context) ([]Entry, error)
}
