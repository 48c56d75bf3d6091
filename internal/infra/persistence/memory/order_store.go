// Package memory provides process-local implementations of the persistence contracts.
// Every order and ledger entry owns its own lock, so operations on distinct
// keys never block one another.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const component = "orderstore"

type orderSlot struct {
	mu    sync.RWMutex
	order schema.Order
}

// OrderStore keeps orders in memory.
type OrderStore struct {
	slots sync.Map // order id -> *orderSlot
	now   func() time.Time
}

// NewOrderStore constructs an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{now: time.Now}
}

func (s *OrderStore) slot(id string) (*orderSlot, bool) {
	v, ok := s.slots.Load(strings.TrimSpace(id))
	if !ok {
		return nil, false
	}
	return v.(*orderSlot), true
}

// CreateOrder inserts a new order snapshot.
func (s *OrderStore) CreateOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return schema.Order{}, errs.Validation(component, "id", "order id required")
	}
	if !order.Status.Valid() {
		return schema.Order{}, errs.Validation(component, "status", "unknown order status "+string(order.Status))
	}
	stored := order.Clone()
	stored.ID = id
	if stored.Observations == nil {
		stored.Observations = []schema.Observation{}
	}
	if _, loaded := s.slots.LoadOrStore(id, &orderSlot{order: stored}); loaded {
		return schema.Order{}, errs.New(component, errs.CodeConflict,
			errs.WithMessage("order already exists"),
			errs.WithDetail(errs.DetailOrderID, id))
	}
	return stored.Clone(), nil
}

// FindOrder returns the order with the given id.
func (s *OrderStore) FindOrder(_ context.Context, id string) (schema.Order, error) {
	slot, ok := s.slot(id)
	if !ok {
		return schema.Order{}, errs.NotFound(component, "order", id)
	}
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.order.Clone(), nil
}

// SaveOrder merges patch onto the stored order.
func (s *OrderStore) SaveOrder(_ context.Context, id string, patch orderstore.Patch) (schema.Order, error) {
	slot, ok := s.slot(id)
	if !ok {
		return schema.Order{}, errs.NotFound(component, "order", id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if err := patch.Check(slot.order); err != nil {
		return schema.Order{}, err
	}
	slot.order = s.applyPatch(slot.order, patch)
	return slot.order.Clone(), nil
}

// AppendObservation adds an observation to the end of the order's list.
func (s *OrderStore) AppendObservation(_ context.Context, orderID string, observation schema.Observation) (schema.Observation, error) {
	slot, ok := s.slot(orderID)
	if !ok {
		return schema.Observation{}, errs.NotFound(component, "order", orderID)
	}
	obs := s.prepareObservation(orderID, observation)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.order.Observations = append(slot.order.Observations, obs)
	return obs, nil
}

// ListOrders returns orders matching query, newest first.
func (s *OrderStore) ListOrders(_ context.Context, query orderstore.Query) ([]schema.Order, error) {
	var out []schema.Order
	s.slots.Range(func(_, value any) bool {
		slot := value.(*orderSlot)
		slot.mu.RLock()
		order := slot.order
		match := query.Matches(order)
		if match {
			order = order.Clone()
		}
		slot.mu.RUnlock()
		if match {
			out = append(out, order)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// WithTransaction stages the callback's writes and applies them together once
// it returns nil. Nothing is applied when the callback fails.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return errs.Validation(component, "", "transaction callback required")
	}
	tx := &orderTx{store: s, staged: make(map[string]*stagedOrder)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *OrderStore) applyPatch(order schema.Order, patch orderstore.Patch) schema.Order {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = s.now().UTC()
	}
	return patch.Apply(order)
}

func (s *OrderStore) prepareObservation(orderID string, observation schema.Observation) schema.Observation {
	obs := observation
	obs.OrderID = strings.TrimSpace(orderID)
	if strings.TrimSpace(obs.ID) == "" {
		obs.ID = uuid.NewString()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = s.now().UTC()
	}
	return obs
}

type stagedOrder struct {
	patches      []orderstore.Patch
	observations []schema.Observation
	view         schema.Order
}

type orderTx struct {
	store  *OrderStore
	staged map[string]*stagedOrder
	order  []string
}

func (t *orderTx) stage(id string) (*stagedOrder, error) {
	id = strings.TrimSpace(id)
	if staged, ok := t.staged[id]; ok {
		return staged, nil
	}
	slot, ok := t.store.slot(id)
	if !ok {
		return nil, errs.NotFound(component, "order", id)
	}
	slot.mu.RLock()
	view := slot.order.Clone()
	slot.mu.RUnlock()
	staged := &stagedOrder{view: view}
	t.staged[id] = staged
	t.order = append(t.order, id)
	return staged, nil
}

func (t *orderTx) SaveOrder(_ context.Context, id string, patch orderstore.Patch) (schema.Order, error) {
	staged, err := t.stage(id)
	if err != nil {
		return schema.Order{}, err
	}
	if err := patch.Check(staged.view); err != nil {
		return schema.Order{}, err
	}
	staged.patches = append(staged.patches, patch)
	staged.view = t.store.applyPatch(staged.view, patch)
	return staged.view.Clone(), nil
}

func (t *orderTx) AppendObservation(_ context.Context, orderID string, observation schema.Observation) (schema.Observation, error) {
	staged, err := t.stage(orderID)
	if err != nil {
		return schema.Observation{}, err
	}
	obs := t.store.prepareObservation(orderID, observation)
	staged.observations = append(staged.observations, obs)
	staged.view.Observations = append(staged.view.Observations, obs)
	return obs, nil
}

func (t *orderTx) commit() error {
	ids := append([]string(nil), t.order...)
	sort.Strings(ids)
	slots := make([]*orderSlot, 0, len(ids))
	for _, id := range ids {
		slot, ok := t.store.slot(id)
		if !ok {
			return errs.NotFound(component, "order", id)
		}
		slots = append(slots, slot)
	}
	for _, slot := range slots {
		slot.mu.Lock()
	}
	defer func() {
		for _, slot := range slots {
			slot.mu.Unlock()
		}
	}()
	next := make([]schema.Order, len(ids))
	for i, id := range ids {
		staged := t.staged[id]
		order := slots[i].order
		for _, patch := range staged.patches {
			if err := patch.Check(order); err != nil {
				return err
			}
			order = t.store.applyPatch(order, patch)
		}
		order.Observations = append(order.Observations, staged.observations...)
		next[i] = order
	}
	for i := range slots {
		slots[i].order = next[i]
	}
	return nil
}
