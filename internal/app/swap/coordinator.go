// Package swap creates paired sell/buy orders that settle as one operation.
package swap

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/lifecycle"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/telemetry"
)

const component = "swap"

// DetailBuyOrderID names the buy leg when linking the sell leg back fails.
const DetailBuyOrderID = "buy_order_id"

// Creator is the subset of the lifecycle engine a swap needs.
type Creator interface {
	CreateOrder(ctx context.Context, req lifecycle.CreateRequest) (schema.Order, error)
	LinkRelated(ctx context.Context, orderID, relatedID string) (schema.Order, error)
}

// Leg describes one side of a swap.
type Leg struct {
	AssetID     string           `json:"assetId"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	MarketPrice bool             `json:"marketPrice"`
	PriceMin    *decimal.Decimal `json:"priceMin,omitempty"`
	PriceMax    *decimal.Decimal `json:"priceMax,omitempty"`
	Market      string           `json:"market"`
	Term        string           `json:"term"`
}

// Request asks for a sell leg and a buy leg for one client.
type Request struct {
	ClientID string       `json:"clientId"`
	Sell     Leg          `json:"sell"`
	Buy      Leg          `json:"buy"`
	Notes    string       `json:"notes,omitempty"`
	Author   schema.Actor `json:"-"`
}

// Pair is a fully linked swap.
type Pair struct {
	GroupID string       `json:"swapGroupId"`
	Sell    schema.Order `json:"sell"`
	Buy     schema.Order `json:"buy"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithGroupIDGenerator overrides how swap group ids are minted.
func WithGroupIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// Coordinator creates swap pairs through the lifecycle engine.
type Coordinator struct {
	orders Creator
	log    logrus.FieldLogger
	newID  func() string

	swapCounter metric.Int64Counter
}

// NewCoordinator constructs a coordinator over orders.
func NewCoordinator(orders Creator, opts ...Option) *Coordinator {
	c := &Coordinator{orders: orders, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = logging.OrDiscard(c.log)
	meter := otel.Meter("swap")
	c.swapCounter, _ = meter.Int64Counter("swap.created",
		metric.WithDescription("Number of swap creation attempts"),
		metric.WithUnit("{swap}"))
	return c
}

// CreateSwap creates the sell leg, then the buy leg pointing at it, then
// points the sell leg back at the buy leg. Failures after the sell leg exists
// are reported as partial failures; nothing is rolled back.
func (c *Coordinator) CreateSwap(ctx context.Context, req Request) (pair Pair, err error) {
	defer func() {
		if c.swapCounter != nil {
			c.swapCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.OperationResultAttributes(telemetry.Environment(), component, "create_swap", telemetry.ResultOf(err))...))
		}
	}()

	if strings.TrimSpace(req.ClientID) == "" {
		return Pair{}, errs.Validation(component, "clientId", "client required")
	}
	groupID := c.newID()
	log := c.log.WithFields(logrus.Fields{"swap_group_id": groupID, "client_id": req.ClientID})

	sell, err := c.orders.CreateOrder(ctx, c.legRequest(req, req.Sell, schema.OperationSell, &lifecycle.SwapLink{
		GroupID: groupID,
		Role:    schema.SwapRoleSell,
	}))
	if err != nil {
		return Pair{}, err
	}

	buy, err := c.orders.CreateOrder(ctx, c.legRequest(req, req.Buy, schema.OperationBuy, &lifecycle.SwapLink{
		GroupID:        groupID,
		Role:           schema.SwapRoleBuy,
		RelatedOrderID: sell.ID,
	}))
	if err != nil {
		log.WithError(err).WithField("order_id", sell.ID).Error("swap: buy leg failed, sell leg left unlinked")
		return Pair{GroupID: groupID, Sell: sell}, errs.Partial(component, "buy leg failed", sell.ID, err)
	}

	linked, err := c.orders.LinkRelated(ctx, sell.ID, buy.ID)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{"sell_id": sell.ID, "buy_id": buy.ID}).Error("swap: sell leg link failed")
		return Pair{GroupID: groupID, Sell: sell, Buy: buy},
			errs.Partial(component, "sell leg link failed", sell.ID, err, errs.WithDetail(DetailBuyOrderID, buy.ID))
	}

	log.WithFields(logrus.Fields{"sell_id": linked.ID, "buy_id": buy.ID}).Info("swap: pair created")
	return Pair{GroupID: groupID, Sell: linked, Buy: buy}, nil
}

func (c *Coordinator) legRequest(req Request, leg Leg, operation schema.OperationKind, link *lifecycle.SwapLink) lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		ClientID:    req.ClientID,
		AssetID:     leg.AssetID,
		Operation:   operation,
		Quantity:    leg.Quantity,
		Price:       leg.Price,
		MarketPrice: leg.MarketPrice,
		PriceMin:    leg.PriceMin,
		PriceMax:    leg.PriceMax,
		Market:      leg.Market,
		Term:        leg.Term,
		Notes:       req.Notes,
		Author:      req.Author,
		Swap:        link,
	}
}
