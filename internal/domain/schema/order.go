// Package schema defines the order desk domain types shared by stores, services and transports.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OperationKind is the direction of a trade instruction.
type OperationKind string

const (
	OperationBuy  OperationKind = "buy"
	OperationSell OperationKind = "sell"
)

// Valid reports whether the operation kind is supported.
func (k OperationKind) Valid() bool {
	return k == OperationBuy || k == OperationSell
}

// SwapRole identifies which leg of a swap an order represents.
type SwapRole string

const (
	SwapRoleNone SwapRole = ""
	SwapRoleBuy  SwapRole = "buy"
	SwapRoleSell SwapRole = "sell"
)

// Opposite returns the other leg's role.
func (r SwapRole) Opposite() SwapRole {
	switch r {
	case SwapRoleBuy:
		return SwapRoleSell
	case SwapRoleSell:
		return SwapRoleBuy
	default:
		return SwapRoleNone
	}
}

// Order is one trade instruction moving through the desk lifecycle.
type Order struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"clientId"`
	ClientName  string        `json:"clientName"`
	AssetID     string        `json:"assetId"`
	AssetName   string        `json:"assetName"`
	AssetTicker string        `json:"assetTicker"`
	Operation   OperationKind `json:"operation"`

	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	MarketPrice bool             `json:"marketPrice"`
	PriceMin    *decimal.Decimal `json:"priceMin,omitempty"`
	PriceMax    *decimal.Decimal `json:"priceMax,omitempty"`
	Market      string           `json:"market"`
	Term        string           `json:"term"`
	Notes       string           `json:"notes,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`

	TraderID   string `json:"traderId,omitempty"`
	TraderName string `json:"traderName,omitempty"`

	ExecutedQuantity *decimal.Decimal `json:"executedQuantity,omitempty"`
	ExecutedPrice    *decimal.Decimal `json:"executedPrice,omitempty"`

	Observations []Observation `json:"observations"`

	IsSwap         bool     `json:"isSwap"`
	SwapGroupID    string   `json:"swapGroupId,omitempty"`
	SwapRole       SwapRole `json:"swapRole,omitempty"`
	RelatedOrderID string   `json:"relatedOrderId,omitempty"`

	Unread UnreadSummary `json:"unread"`
}

// Total returns quantity × price, or zero for market orders.
func (o Order) Total() decimal.Decimal {
	if o.MarketPrice || o.Price == nil {
		return decimal.Zero
	}
	return o.Quantity.Mul(*o.Price)
}

// HasExecution reports whether execution results have been recorded.
func (o Order) HasExecution() bool {
	return o.ExecutedQuantity != nil || o.ExecutedPrice != nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o Order) Clone() Order {
	out := o
	out.Price = cloneDecimal(o.Price)
	out.PriceMin = cloneDecimal(o.PriceMin)
	out.PriceMax = cloneDecimal(o.PriceMax)
	out.ExecutedQuantity = cloneDecimal(o.ExecutedQuantity)
	out.ExecutedPrice = cloneDecimal(o.ExecutedPrice)
	if o.Observations != nil {
		out.Observations = append([]Observation(nil), o.Observations...)
	}
	out.Unread = o.Unread.Clone()
	return out
}

// ValidateSwapPair checks the bidirectional linkage between two swap legs.
func ValidateSwapPair(a, b Order) bool {
	if !a.IsSwap || !b.IsSwap {
		return false
	}
	if a.SwapGroupID == "" || a.SwapGroupID != b.SwapGroupID {
		return false
	}
	if a.SwapRole == SwapRoleNone || a.SwapRole.Opposite() != b.SwapRole {
		return false
	}
	return a.RelatedOrderID == b.ID && b.RelatedOrderID == a.ID
}

// Observation is an append-only note attached to an order.
type Observation struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	AuthorRole Role      `json:"authorRole"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExecutionData carries the desk's execution results for an order.
type ExecutionData struct {
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
}

// Client is a read-only directory entry used to denormalise order display fields.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Asset is a read-only directory entry used to denormalise order display fields.
type Asset struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// Actor identifies the user performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Role is the coarse capability group of an actor.
type Role string

const (
	RoleCommercial Role = "commercial"
	RoleDesk       Role = "desk"
	RoleAdmin      Role = "admin"
)

// ParseRole normalises a role name, returning ok=false for unknown roles.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCommercial:
		return RoleCommercial, true
	case RoleDesk:
		return RoleDesk, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// DeskSide reports whether the role acts on behalf of the trading desk.
func (r Role) DeskSide() bool {
	return r == RoleDesk || r == RoleAdmin
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
