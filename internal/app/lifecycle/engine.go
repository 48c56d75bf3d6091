package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/notify"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/telemetry"
)

const component = "lifecycle"

// Notifier raises notification facets and persists the recomputed mirror through commit.
type Notifier interface {
	Apply(ctx context.Context, orderID string, signals []notify.Signal, commit notify.CommitFunc) (schema.UnreadSummary, error)
}

// TransitionRequest asks the engine to move one order to Target.
type TransitionRequest struct {
	OrderID     string                `json:"-"`
	Target      schema.Status         `json:"target"`
	Observation string                `json:"observation,omitempty"`
	Execution   *schema.ExecutionData `json:"execution,omitempty"`
	Actor       schema.Actor          `json:"-"`
}

// SwapLink carries the swap fields stamped on a leg at creation.
type SwapLink struct {
	GroupID        string
	Role           schema.SwapRole
	RelatedOrderID string
}

// CreateRequest describes a new order.
type CreateRequest struct {
	ClientID    string               `json:"clientId"`
	AssetID     string               `json:"assetId"`
	Operation   schema.OperationKind `json:"operation"`
	Quantity    decimal.Decimal      `json:"quantity"`
	Price       *decimal.Decimal     `json:"price,omitempty"`
	MarketPrice bool                 `json:"marketPrice"`
	PriceMin    *decimal.Decimal     `json:"priceMin,omitempty"`
	PriceMax    *decimal.Decimal     `json:"priceMax,omitempty"`
	Market      string               `json:"market"`
	Term        string               `json:"term"`
	Notes       string               `json:"notes,omitempty"`
	Author      schema.Actor         `json:"-"`
	Swap        *SwapLink            `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how order and observation ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// Engine applies lifecycle operations to orders.
type Engine struct {
	orders    orderstore.Store
	directory orderstore.Directory
	notifier  Notifier
	log       logrus.FieldLogger
	now       func() time.Time
	newID     func() string

	transitionCounter  metric.Int64Counter
	transitionDuration metric.Float64Histogram
	operationCounter   metric.Int64Counter
}

// NewEngine constructs an engine. notifier may be nil, in which case no
// notifications are raised.
func NewEngine(orders orderstore.Store, directory orderstore.Directory, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		orders:    orders,
		directory: directory,
		notifier:  notifier,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = logging.OrDiscard(e.log)

	meter := otel.Meter("lifecycle")
	e.transitionCounter, _ = meter.Int64Counter("lifecycle.transitions",
		metric.WithDescription("Number of order status transitions attempted"),
		metric.WithUnit("{transition}"))
	e.transitionDuration, _ = meter.Float64Histogram("lifecycle.transition.duration",
		metric.WithDescription("Latency of order status transitions"),
		metric.WithUnit("ms"))
	e.operationCounter, _ = meter.Int64Counter("lifecycle.operations",
		metric.WithDescription("Number of order creation, observation and link operations"),
		metric.WithUnit("{operation}"))
	return e
}

// Order returns one order.
func (e *Engine) Order(ctx context.Context, id string) (schema.Order, error) {
	if strings.TrimSpace(id) == "" {
		return schema.Order{}, errs.Validation(component, "orderId", "order id required")
	}
	order, err := e.orders.FindOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return schema.Order{}, storeError("find", id, err)
	}
	return order, nil
}

// Orders lists orders matching query.
func (e *Engine) Orders(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	orders, err := e.orders.ListOrders(ctx, query)
	if err != nil {
		return nil, storeError("list", "", err)
	}
	return orders, nil
}

// Transition moves an order to req.Target. The status change, execution data,
// trader assignment, observation and unread mirror are written in one store
// transaction; if it fails the notification ledger is restored and nothing changes.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (order schema.Order, err error) {
	start := e.now()
	from := ""
	defer func() {
		e.recordTransition(ctx, from, string(req.Target), err, start)
	}()

	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		return schema.Order{}, errs.Validation(component, "orderId", "order id required")
	}
	if !req.Target.Valid() {
		return schema.Order{}, errs.Validation(component, "target", "unknown order status "+string(req.Target))
	}

	current, err := e.orders.FindOrder(ctx, id)
	if err != nil {
		return schema.Order{}, storeError("find", id, err)
	}
	from = string(current.Status)
	if !CanMove(current.Status, req.Target) {
		return schema.Order{}, errs.InvalidTransition(component, id, string(current.Status), string(req.Target))
	}
	if err := validateExecution(req.Target, req.Execution); err != nil {
		return schema.Order{}, err
	}

	now := e.now().UTC()
	target := req.Target
	expected := current.Status
	patch := orderstore.Patch{Status: &target, UpdatedAt: now, ExpectStatus: &expected}

	if req.Actor.Role.DeskSide() && current.TraderID == "" && strings.TrimSpace(req.Actor.ID) != "" {
		traderID := strings.TrimSpace(req.Actor.ID)
		traderName := strings.TrimSpace(req.Actor.Name)
		patch.TraderID = &traderID
		patch.TraderName = &traderName
	}

	executionChanged := false
	if req.Execution != nil {
		qty := req.Execution.ExecutedQuantity
		price := req.Execution.ExecutedPrice
		patch.ExecutedQuantity = &qty
		patch.ExecutedPrice = &price
		executionChanged = !sameDecimal(current.ExecutedQuantity, qty) || !sameDecimal(current.ExecutedPrice, price)
	}

	signals := []notify.Signal{{Facet: schema.FacetStatus}}
	if executionChanged {
		signals[0].Facet = schema.FacetExecution
	}

	var observation *schema.Observation
	if text := strings.TrimSpace(req.Observation); text != "" {
		obs := e.newObservation(id, text, req.Actor, now)
		observation = &obs
		signals = append(signals, notify.Signal{Facet: schema.FacetObservation, ObservationID: obs.ID})
	}

	err = e.commit(ctx, id, signals, func(ctx context.Context, tx orderstore.Tx, unread *schema.UnreadSummary) error {
		if observation != nil {
			if _, err := tx.AppendObservation(ctx, id, *observation); err != nil {
				return err
			}
		}
		if unread != nil {
			mirror := unread.Clone()
			patch.Unread = &mirror
		}
		saved, err := tx.SaveOrder(ctx, id, patch)
		if err != nil {
			return err
		}
		order = saved
		return nil
	})
	if err != nil {
		return schema.Order{}, storeError("transition", id, err)
	}

	e.log.WithFields(logrus.Fields{
		"order_id": id,
		"from":     from,
		"to":       target,
		"actor":    req.Actor.ID,
	}).Info("lifecycle: order transitioned")
	return order, nil
}

// CreateOrder validates req, denormalises client and asset display fields and
// stores a new pending order.
func (e *Engine) CreateOrder(ctx context.Context, req CreateRequest) (order schema.Order, err error) {
	defer func() {
		e.recordOperation(ctx, "create_order", err)
	}()

	if err := validateCreate(req); err != nil {
		return schema.Order{}, err
	}
	client, err := e.directory.FindClient(ctx, strings.TrimSpace(req.ClientID))
	if err != nil {
		return schema.Order{}, err
	}
	asset, err := e.directory.FindAsset(ctx, strings.TrimSpace(req.AssetID))
	if err != nil {
		return schema.Order{}, err
	}

	now := e.now().UTC()
	order = schema.Order{
		ID:           e.newID(),
		ClientID:     client.ID,
		ClientName:   client.Name,
		AssetID:      asset.ID,
		AssetName:    asset.Name,
		AssetTicker:  asset.Ticker,
		Operation:    req.Operation,
		Quantity:     req.Quantity,
		MarketPrice:  req.MarketPrice,
		PriceMin:     copyDecimal(req.PriceMin),
		PriceMax:     copyDecimal(req.PriceMax),
		Market:       strings.TrimSpace(req.Market),
		Term:         strings.TrimSpace(req.Term),
		Notes:        strings.TrimSpace(req.Notes),
		Status:       schema.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    strings.TrimSpace(req.Author.ID),
		Observations: []schema.Observation{},
	}
	if !req.MarketPrice {
		order.Price = copyDecimal(req.Price)
	}
	if req.Swap != nil {
		order.IsSwap = true
		order.SwapGroupID = req.Swap.GroupID
		order.SwapRole = req.Swap.Role
		order.RelatedOrderID = req.Swap.RelatedOrderID
	}

	created, err := e.orders.CreateOrder(ctx, order)
	if err != nil {
		return schema.Order{}, storeError("create", order.ID, err)
	}
	e.log.WithFields(logrus.Fields{
		"order_id":  created.ID,
		"client_id": created.ClientID,
		"asset":     created.AssetTicker,
		"operation": created.Operation,
		"swap":      created.IsSwap,
	}).Info("lifecycle: order created")
	return created, nil
}

// AddObservation appends a note to an order and raises an observation notification.
func (e *Engine) AddObservation(ctx context.Context, orderID, text string, author schema.Actor) (observation schema.Observation, err error) {
	defer func() {
		e.recordOperation(ctx, "add_observation", err)
	}()

	id := strings.TrimSpace(orderID)
	text = strings.TrimSpace(text)
	if id == "" {
		return schema.Observation{}, errs.Validation(component, "orderId", "order id required")
	}
	if text == "" {
		return schema.Observation{}, errs.Validation(component, "text", "observation text required")
	}
	if _, err := e.orders.FindOrder(ctx, id); err != nil {
		return schema.Observation{}, storeError("find", id, err)
	}

	now := e.now().UTC()
	obs := e.newObservation(id, text, author, now)
	signals := []notify.Signal{{Facet: schema.FacetObservation, ObservationID: obs.ID}}
	err = e.commit(ctx, id, signals, func(ctx context.Context, tx orderstore.Tx, unread *schema.UnreadSummary) error {
		appended, err := tx.AppendObservation(ctx, id, obs)
		if err != nil {
			return err
		}
		patch := orderstore.Patch{UpdatedAt: now}
		if unread != nil {
			mirror := unread.Clone()
			patch.Unread = &mirror
		}
		if _, err := tx.SaveOrder(ctx, id, patch); err != nil {
			return err
		}
		observation = appended
		return nil
	})
	if err != nil {
		return schema.Observation{}, storeError("add observation", id, err)
	}
	return observation, nil
}

// LinkRelated points orderID at relatedID. Used to close a swap pair.
func (e *Engine) LinkRelated(ctx context.Context, orderID, relatedID string) (order schema.Order, err error) {
	defer func() {
		e.recordOperation(ctx, "link_related", err)
	}()

	id := strings.TrimSpace(orderID)
	related := strings.TrimSpace(relatedID)
	if id == "" || related == "" {
		return schema.Order{}, errs.Validation(component, "relatedOrderId", "both order ids are required to link orders")
	}
	order, err = e.orders.SaveOrder(ctx, id, orderstore.Patch{RelatedOrderID: &related, UpdatedAt: e.now().UTC()})
	if err != nil {
		return schema.Order{}, storeError("link", id, err)
	}
	return order, nil
}

type txWrite func(ctx context.Context, tx orderstore.Tx, unread *schema.UnreadSummary) error

// commit raises signals first, then runs write in one order transaction with the
// recomputed mirror. The notifier undoes its ledger change when write fails.
func (e *Engine) commit(ctx context.Context, orderID string, signals []notify.Signal, write txWrite) error {
	run := func(ctx context.Context, unread *schema.UnreadSummary) error {
		return e.orders.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			return write(ctx, tx, unread)
		})
	}
	if e.notifier == nil {
		return run(ctx, nil)
	}
	_, err := e.notifier.Apply(ctx, orderID, signals, func(ctx context.Context, summary schema.UnreadSummary) error {
		return run(ctx, &summary)
	})
	return err
}

func (e *Engine) newObservation(orderID, text string, author schema.Actor, at time.Time) schema.Observation {
	return schema.Observation{
		ID:         e.newID(),
		OrderID:    orderID,
		AuthorID:   strings.TrimSpace(author.ID),
		AuthorName: strings.TrimSpace(author.Name),
		AuthorRole: author.Role,
		Text:       text,
		CreatedAt:  at,
	}
}

func (e *Engine) recordTransition(ctx context.Context, from, to string, err error, start time.Time) {
	attrs := metric.WithAttributes(telemetry.TransitionAttributes(telemetry.Environment(), from, to, telemetry.ResultOf(err))...)
	if e.transitionCounter != nil {
		e.transitionCounter.Add(ctx, 1, attrs)
	}
	if e.transitionDuration != nil {
		e.transitionDuration.Record(ctx, float64(e.now().Sub(start).Microseconds())/1000, attrs)
	}
	if err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"from": from, "to": to}).Warn("lifecycle: transition rejected")
	}
}

func (e *Engine) recordOperation(ctx context.Context, operation string, err error) {
	if e.operationCounter != nil {
		e.operationCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), component, operation, telemetry.ResultOf(err))...))
	}
}

func validateExecution(target schema.Status, execution *schema.ExecutionData) error {
	if execution == nil {
		return nil
	}
	if !target.ExecutedFamily() {
		return errs.Validation(component, "execution", "execution data is only accepted for executed or partially executed orders")
	}
	if !execution.ExecutedQuantity.IsPositive() {
		return errs.Validation(component, "executedQuantity", "executed quantity must be greater than zero")
	}
	if execution.ExecutedPrice.IsNegative() {
		return errs.Validation(component, "executedPrice", "executed price must not be negative")
	}
	return nil
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.ClientID) == "" {
		return errs.Validation(component, "clientId", "client required")
	}
	if strings.TrimSpace(req.AssetID) == "" {
		return errs.Validation(component, "assetId", "asset required")
	}
	if !req.Operation.Valid() {
		return errs.Validation(component, "operation", "operation must be buy or sell")
	}
	if !req.Quantity.IsPositive() {
		return errs.Validation(component, "quantity", "quantity must be greater than zero")
	}
	if !req.MarketPrice {
		if req.Price == nil {
			return errs.Validation(component, "price", "price required unless the order is at market")
		}
		if req.Price.IsNegative() {
			return errs.Validation(component, "price", "price must not be negative")
		}
	}
	if (req.PriceMin != nil && req.PriceMin.IsNegative()) || (req.PriceMax != nil && req.PriceMax.IsNegative()) {
		return errs.Validation(component, "priceMin", "price band must not be negative")
	}
	if req.PriceMin != nil && req.PriceMax != nil && req.PriceMin.GreaterThan(*req.PriceMax) {
		return errs.Validation(component, "priceMin", "price band minimum exceeds maximum")
	}
	if req.Swap != nil {
		if strings.TrimSpace(req.Swap.GroupID) == "" || req.Swap.Role == schema.SwapRoleNone {
			return errs.Validation(component, "swap", "swap legs require a group id and role")
		}
	}
	return nil
}

func storeError(op, orderID string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	opts := []errs.Option{
		errs.WithMessage("order store " + op + " failed"),
		errs.WithCause(err),
	}
	if orderID != "" {
		opts = append(opts, errs.WithDetail(errs.DetailOrderID, orderID))
	}
	return errs.New(component, errs.CodeInternal, opts...)
}

func sameDecimal(current *decimal.Decimal, next decimal.Decimal) bool {
	return current != nil && current.Equal(next)
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
