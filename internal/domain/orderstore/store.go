// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

// Patch is a partial update merged onto an existing order. Nil fields are left untouched.
type Patch struct {
	Status           *schema.Status        `json:"status,omitempty"`
	TraderID         *string               `json:"traderId,omitempty"`
	TraderName       *string               `json:"traderName,omitempty"`
	ExecutedQuantity *decimal.Decimal      `json:"executedQuantity,omitempty"`
	ExecutedPrice    *decimal.Decimal      `json:"executedPrice,omitempty"`
	RelatedOrderID   *string               `json:"relatedOrderId,omitempty"`
	Unread           *schema.UnreadSummary `json:"unread,omitempty"`
	UpdatedAt        time.Time             `json:"updatedAt"`
	// ExpectStatus rejects the patch unless the stored order still has this
	// status when the write is applied.
	ExpectStatus *schema.Status `json:"-"`
}

// Check reports whether the patch may be applied to order as stored. A status
// that moved since the caller read it yields an invalid transition error.
func (p Patch) Check(order schema.Order) error {
	if p.ExpectStatus == nil || order.Status == *p.ExpectStatus {
		return nil
	}
	to := order.Status
	if p.Status != nil {
		to = *p.Status
	}
	return errs.InvalidTransition("orderstore", order.ID, string(order.Status), string(to))
}

// Empty reports whether the patch carries no field changes.
func (p Patch) Empty() bool {
	return p.Status == nil && p.TraderID == nil && p.TraderName == nil &&
		p.ExecutedQuantity == nil && p.ExecutedPrice == nil &&
		p.RelatedOrderID == nil && p.Unread == nil
}

// Apply merges the patch onto order and returns the result.
func (p Patch) Apply(order schema.Order) schema.Order {
	out := order.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.TraderID != nil {
		out.TraderID = *p.TraderID
	}
	if p.TraderName != nil {
		out.TraderName = *p.TraderName
	}
	if p.ExecutedQuantity != nil {
		v := *p.ExecutedQuantity
		out.ExecutedQuantity = &v
	}
	if p.ExecutedPrice != nil {
		v := *p.ExecutedPrice
		out.ExecutedPrice = &v
	}
	if p.RelatedOrderID != nil {
		out.RelatedOrderID = *p.RelatedOrderID
	}
	if p.Unread != nil {
		out.Unread = p.Unread.Clone()
		out.Unread.OrderID = ""
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = p.UpdatedAt
	}
	return out
}

// Query scopes order listings.
type Query struct {
	Statuses    []schema.Status `json:"statuses,omitempty"`
	ClientID    string          `json:"clientId,omitempty"`
	TraderID    string          `json:"traderId,omitempty"`
	SwapGroupID string          `json:"swapGroupId,omitempty"`
	UnreadOnly  bool            `json:"unreadOnly,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// Matches reports whether order satisfies the query filters (limit excluded).
func (q Query) Matches(order schema.Order) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, status := range q.Statuses {
			if order.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ClientID != "" && order.ClientID != q.ClientID {
		return false
	}
	if q.TraderID != "" && order.TraderID != q.TraderID {
		return false
	}
	if q.SwapGroupID != "" && order.SwapGroupID != q.SwapGroupID {
		return false
	}
	if q.UnreadOnly && order.Unread.Count == 0 {
		return false
	}
	return true
}

// Tx encapsulates order mutations executed as one unit.
type Tx interface {
	SaveOrder(ctx context.Context, id string, patch Patch) (schema.Order, error)
	AppendObservation(ctx context.Context, orderID string, observation schema.Observation) (schema.Observation, error)
}

// Store defines the contract for order persistence operations.
// FindOrder and SaveOrder report a missing order with an errs.CodeNotFound error.
type Store interface {
	Tx
	CreateOrder(ctx context.Context, order schema.Order) (schema.Order, error)
	FindOrder(ctx context.Context, id string) (schema.Order, error)
	ListOrders(ctx context.Context, query Query) ([]schema.Order, error)
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Directory provides read-only client and asset lookups used during order creation.
type Directory interface {
	FindClient(ctx context.Context, id string) (schema.Client, error)
	FindAsset(ctx context.Context, id string) (schema.Asset, error)
}
