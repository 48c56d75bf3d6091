package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
)

// LedgerStore keeps notification ledger entries for one audience in memory.
type LedgerStore struct {
	entries sync.Map // order id -> ledgerstore.Entry
}

// NewLedgerStore constructs an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

// Load returns the entry for orderID.
func (s *LedgerStore) Load(_ context.Context, orderID string) (ledgerstore.Entry, bool, error) {
	v, ok := s.entries.Load(strings.TrimSpace(orderID))
	if !ok {
		return ledgerstore.Entry{}, false, nil
	}
	return v.(ledgerstore.Entry).Clone(), true, nil
}

// Save stores entry, replacing any previous value.
func (s *LedgerStore) Save(_ context.Context, entry ledgerstore.Entry) error {
	id := strings.TrimSpace(entry.OrderID)
	if id == "" {
		return errs.Validation("ledger", "orderId", "ledger entry requires an order id")
	}
	entry.OrderID = id
	s.entries.Store(id, entry.Clone())
	return nil
}

// Delete removes the entry for orderID. Missing entries are ignored.
func (s *LedgerStore) Delete(_ context.Context, orderID string) error {
	s.entries.Delete(strings.TrimSpace(orderID))
	return nil
}

// List returns every pending entry, most recently updated first.
func (s *LedgerStore) List(_ context.Context) ([]ledgerstore.Entry, error) {
	var out []ledgerstore.Entry
	s.entries.Range(func(_, value any) bool {
		out = append(out, value.(ledgerstore.Entry).Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
