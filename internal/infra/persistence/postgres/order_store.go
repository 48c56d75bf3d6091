package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const orderComponent = "orderstore"

// OrderStore persists orders and their observations.
type OrderStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool, now: time.Now}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    client_id,
    client_name,
    asset_id,
    asset_name,
    asset_ticker,
    operation,
    quantity,
    price,
    market_price,
    price_min,
    price_max,
    market,
    term,
    notes,
    status,
    created_by,
    trader_id,
    trader_name,
    executed_quantity,
    executed_price,
    is_swap,
    swap_group_id,
    swap_role,
    related_order_id,
    unread,
    created_at,
    updated_at
)
VALUES (
    @id,
    @client_id,
    @client_name,
    @asset_id,
    @asset_name,
    @asset_ticker,
    @operation,
    @quantity,
    @price,
    @market_price,
    @price_min,
    @price_max,
    @market,
    @term,
    @notes,
    @status,
    @created_by,
    @trader_id,
    @trader_name,
    @executed_quantity,
    @executed_price,
    @is_swap,
    @swap_group_id,
    @swap_role,
    @related_order_id,
    @unread::jsonb,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    trader_id = @trader_id,
    trader_name = @trader_name,
    executed_quantity = @executed_quantity,
    executed_price = @executed_price,
    related_order_id = @related_order_id,
    unread = @unread::jsonb,
    updated_at = @updated_at
WHERE id = @id;
`

	observationInsertSQL = `
INSERT INTO order_observations (
    id,
    order_id,
    author_id,
    author_name,
    author_role,
    body,
    created_at
)
VALUES (
    @id,
    @order_id,
    @author_id,
    @author_name,
    @author_role,
    @body,
    @created_at
);
`

	orderSelectBase = `
SELECT
    o.id,
    o.client_id,
    o.client_name,
    o.asset_id,
    o.asset_name,
    o.asset_ticker,
    o.operation,
    o.quantity::text,
    o.price::text,
    o.market_price,
    o.price_min::text,
    o.price_max::text,
    o.market,
    o.term,
    o.notes,
    o.status,
    o.created_by,
    o.trader_id,
    o.trader_name,
    o.executed_quantity::text,
    o.executed_price::text,
    o.is_swap,
    o.swap_group_id,
    o.swap_role,
    o.related_order_id,
    o.unread,
    o.created_at,
    o.updated_at
FROM orders o
`

	observationSelectBase = `
SELECT
    id,
    order_id,
    author_id,
    author_name,
    author_role,
    body,
    created_at
FROM order_observations
`

	defaultOrderLimit = 200
	maxOrderLimit     = 1000
)

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// CreateOrder inserts a new order snapshot together with any initial observations.
func (s *OrderStore) CreateOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return schema.Order{}, errs.Validation(orderComponent, "id", "order id required")
	}
	if !order.Status.Valid() {
		return schema.Order{}, errs.Validation(orderComponent, "status", "unknown order status "+string(order.Status))
	}
	stored := order.Clone()
	stored.ID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	err := s.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		wrapped, ok := tx.(*orderTx)
		if !ok {
			return fmt.Errorf("order store: unexpected transaction type %T", tx)
		}
		if err := s.insertOrderWith(ctx, wrapped.tx, stored); err != nil {
			return err
		}
		observations := make([]schema.Observation, 0, len(stored.Observations))
		for _, observation := range stored.Observations {
			obs, err := s.appendObservationWith(ctx, wrapped.tx, id, observation)
			if err != nil {
				return err
			}
			observations = append(observations, obs)
		}
		stored.Observations = observations
		return nil
	})
	if err != nil {
		return schema.Order{}, err
	}
	return stored.Clone(), nil
}

// FindOrder returns the order with the given id.
func (s *OrderStore) FindOrder(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	return s.findOrderWith(ctx, pool, strings.TrimSpace(id), false)
}

// SaveOrder merges patch onto the stored order inside its own transaction.
func (s *OrderStore) SaveOrder(ctx context.Context, id string, patch orderstore.Patch) (schema.Order, error) {
	var saved schema.Order
	err := s.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		order, err := tx.SaveOrder(ctx, id, patch)
		saved = order
		return err
	})
	if err != nil {
		return schema.Order{}, err
	}
	return saved, nil
}

// AppendObservation adds an observation to the end of the order's list.
func (s *OrderStore) AppendObservation(ctx context.Context, orderID string, observation schema.Observation) (schema.Observation, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Observation{}, err
	}
	return s.appendObservationWith(ctx, pool, orderID, observation)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return errs.New(orderComponent, errs.CodeUnavailable,
			errs.WithMessage("begin transaction"),
			errs.WithCause(err))
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// ListOrders retrieves orders matching the supplied query filters, newest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 6)
	argPos := 1

	if statuses := statusStrings(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND o.status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.ClientID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.client_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.TraderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.trader_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.SwapGroupID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.swap_group_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.UnreadOnly {
		builder.WriteString(" AND COALESCE((o.unread->>'count')::int, 0) > 0")
	}
	fmt.Fprintf(&builder, " ORDER BY o.created_at DESC, o.id ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
	}
	observations, err := s.loadObservations(ctx, pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Observations = observations[orders[i].ID]
		if orders[i].Observations == nil {
			orders[i].Observations = []schema.Observation{}
		}
	}
	return orders, nil
}

func (t *orderTx) SaveOrder(ctx context.Context, id string, patch orderstore.Patch) (schema.Order, error) {
	if t == nil {
		return schema.Order{}, fmt.Errorf("order store: nil transaction")
	}
	return t.store.saveOrderWith(ctx, t.tx, strings.TrimSpace(id), patch)
}

func (t *orderTx) AppendObservation(ctx context.Context, orderID string, observation schema.Observation) (schema.Observation, error) {
	if t == nil {
		return schema.Observation{}, fmt.Errorf("order store: nil transaction")
	}
	return t.store.appendObservationWith(ctx, t.tx, orderID, observation)
}

func (s *OrderStore) insertOrderWith(ctx context.Context, q querier, order schema.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		if isViolation(err, pgerrcode.ForeignKeyViolation) {
			return errs.Validation(orderComponent, "client_id", "order references an unknown client or asset")
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(orderComponent, errs.CodeConflict,
			errs.WithMessage("order already exists"),
			errs.WithDetail(errs.DetailOrderID, order.ID))
	}
	return nil
}

// saveOrderWith locks the row, checks the patch against it, merges the patch and
// writes every mutable column back.
func (s *OrderStore) saveOrderWith(ctx context.Context, q querier, id string, patch orderstore.Patch) (schema.Order, error) {
	current, err := s.findOrderWith(ctx, q, id, true)
	if err != nil {
		return schema.Order{}, err
	}
	if err := patch.Check(current); err != nil {
		return schema.Order{}, err
	}
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = s.now().UTC()
	}
	next := patch.Apply(current)

	unread, err := encodeUnread(next.Unread)
	if err != nil {
		return schema.Order{}, err
	}
	executedQty, err := numericFromOptional(next.ExecutedQuantity)
	if err != nil {
		return schema.Order{}, fmt.Errorf("order store: executed quantity: %w", err)
	}
	executedPrice, err := numericFromOptional(next.ExecutedPrice)
	if err != nil {
		return schema.Order{}, fmt.Errorf("order store: executed price: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                id,
		"status":            string(next.Status),
		"trader_id":         next.TraderID,
		"trader_name":       next.TraderName,
		"executed_quantity": executedQty,
		"executed_price":    executedPrice,
		"related_order_id":  next.RelatedOrderID,
		"unread":            unread,
		"updated_at":        next.UpdatedAt,
	}
	if _, err := q.Exec(ctx, orderUpdateSQL, args); err != nil {
		return schema.Order{}, fmt.Errorf("order store: update order: %w", err)
	}
	return next, nil
}

func (s *OrderStore) appendObservationWith(ctx context.Context, q querier, orderID string, observation schema.Observation) (schema.Observation, error) {
	obs := observation
	obs.OrderID = strings.TrimSpace(orderID)
	if strings.TrimSpace(obs.ID) == "" {
		obs.ID = uuid.NewString()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = s.now().UTC()
	}
	args := pgx.NamedArgs{
		"id":          obs.ID,
		"order_id":    obs.OrderID,
		"author_id":   obs.AuthorID,
		"author_name": obs.AuthorName,
		"author_role": string(obs.AuthorRole),
		"body":        obs.Text,
		"created_at":  obs.CreatedAt,
	}
	if _, err := q.Exec(ctx, observationInsertSQL, args); err != nil {
		if isViolation(err, pgerrcode.ForeignKeyViolation) {
			return schema.Observation{}, errs.NotFound(orderComponent, "order", obs.OrderID)
		}
		if isViolation(err, pgerrcode.UniqueViolation) {
			return schema.Observation{}, errs.New(orderComponent, errs.CodeConflict,
				errs.WithMessage("observation already exists"),
				errs.WithDetail("observation_id", obs.ID))
		}
		return schema.Observation{}, fmt.Errorf("order store: insert observation: %w", err)
	}
	return obs, nil
}

func (s *OrderStore) findOrderWith(ctx context.Context, q querier, id string, forUpdate bool) (schema.Order, error) {
	statement := orderSelectBase + " WHERE o.id = $1"
	if forUpdate {
		statement += " FOR UPDATE"
	}
	order, err := scanOrder(q.QueryRow(ctx, statement, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, errs.NotFound(orderComponent, "order", id)
		}
		return schema.Order{}, err
	}
	observations, err := s.loadObservations(ctx, q, []string{id})
	if err != nil {
		return schema.Order{}, err
	}
	order.Observations = observations[id]
	if order.Observations == nil {
		order.Observations = []schema.Observation{}
	}
	return order, nil
}

func (s *OrderStore) loadObservations(ctx context.Context, q querier, orderIDs []string) (map[string][]schema.Observation, error) {
	rows, err := q.Query(ctx, observationSelectBase+" WHERE order_id = ANY($1) ORDER BY order_id, seq", orderIDs)
	if err != nil {
		return nil, fmt.Errorf("order store: list observations: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]schema.Observation, len(orderIDs))
	for rows.Next() {
		var (
			obs  schema.Observation
			role string
		)
		if err := rows.Scan(
			&obs.ID,
			&obs.OrderID,
			&obs.AuthorID,
			&obs.AuthorName,
			&role,
			&obs.Text,
			&obs.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("order store: scan observation: %w", err)
		}
		obs.AuthorRole = schema.Role(role)
		obs.CreatedAt = obs.CreatedAt.UTC()
		out[obs.OrderID] = append(out[obs.OrderID], obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate observations: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (schema.Order, error) {
	var (
		order            schema.Order
		operation        string
		quantity         string
		price            sql.NullString
		priceMin         sql.NullString
		priceMax         sql.NullString
		status           string
		executedQuantity sql.NullString
		executedPrice    sql.NullString
		swapRole         string
		unreadBytes      []byte
	)
	if err := row.Scan(
		&order.ID,
		&order.ClientID,
		&order.ClientName,
		&order.AssetID,
		&order.AssetName,
		&order.AssetTicker,
		&operation,
		&quantity,
		&price,
		&order.MarketPrice,
		&priceMin,
		&priceMax,
		&order.Market,
		&order.Term,
		&order.Notes,
		&status,
		&order.CreatedBy,
		&order.TraderID,
		&order.TraderName,
		&executedQuantity,
		&executedPrice,
		&order.IsSwap,
		&order.SwapGroupID,
		&swapRole,
		&order.RelatedOrderID,
		&unreadBytes,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, err
		}
		return schema.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}

	order.Operation = schema.OperationKind(operation)
	order.Status = schema.Status(status)
	order.SwapRole = schema.SwapRole(swapRole)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()

	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return schema.Order{}, fmt.Errorf("order store: quantity: %w", err)
	}
	if order.Price, err = decimalFromNullable(price); err != nil {
		return schema.Order{}, fmt.Errorf("order store: price: %w", err)
	}
	if order.PriceMin, err = decimalFromNullable(priceMin); err != nil {
		return schema.Order{}, fmt.Errorf("order store: price min: %w", err)
	}
	if order.PriceMax, err = decimalFromNullable(priceMax); err != nil {
		return schema.Order{}, fmt.Errorf("order store: price max: %w", err)
	}
	if order.ExecutedQuantity, err = decimalFromNullable(executedQuantity); err != nil {
		return schema.Order{}, fmt.Errorf("order store: executed quantity: %w", err)
	}
	if order.ExecutedPrice, err = decimalFromNullable(executedPrice); err != nil {
		return schema.Order{}, fmt.Errorf("order store: executed price: %w", err)
	}
	if order.Unread, err = decodeUnread(unreadBytes); err != nil {
		return schema.Order{}, err
	}
	return order, nil
}

func orderArgs(order schema.Order) (pgx.NamedArgs, error) {
	quantity, err := numericFromDecimal(order.Quantity)
	if err != nil {
		return nil, fmt.Errorf("order store: quantity: %w", err)
	}
	price, err := numericFromOptional(order.Price)
	if err != nil {
		return nil, fmt.Errorf("order store: price: %w", err)
	}
	priceMin, err := numericFromOptional(order.PriceMin)
	if err != nil {
		return nil, fmt.Errorf("order store: price min: %w", err)
	}
	priceMax, err := numericFromOptional(order.PriceMax)
	if err != nil {
		return nil, fmt.Errorf("order store: price max: %w", err)
	}
	executedQty, err := numericFromOptional(order.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("order store: executed quantity: %w", err)
	}
	executedPrice, err := numericFromOptional(order.ExecutedPrice)
	if err != nil {
		return nil, fmt.Errorf("order store: executed price: %w", err)
	}
	unread, err := encodeUnread(order.Unread)
	if err != nil {
		return nil, err
	}
	return pgx.NamedArgs{
		"id":                order.ID,
		"client_id":         strings.TrimSpace(order.ClientID),
		"client_name":       order.ClientName,
		"asset_id":          strings.TrimSpace(order.AssetID),
		"asset_name":        order.AssetName,
		"asset_ticker":      order.AssetTicker,
		"operation":         string(order.Operation),
		"quantity":          quantity,
		"price":             price,
		"market_price":      order.MarketPrice,
		"price_min":         priceMin,
		"price_max":         priceMax,
		"market":            order.Market,
		"term":              order.Term,
		"notes":             order.Notes,
		"status":            string(order.Status),
		"created_by":        order.CreatedBy,
		"trader_id":         order.TraderID,
		"trader_name":       order.TraderName,
		"executed_quantity": executedQty,
		"executed_price":    executedPrice,
		"is_swap":           order.IsSwap,
		"swap_group_id":     order.SwapGroupID,
		"swap_role":         string(order.SwapRole),
		"related_order_id":  order.RelatedOrderID,
		"unread":            unread,
		"created_at":        order.CreatedAt,
		"updated_at":        order.UpdatedAt,
	}, nil
}

func encodeUnread(summary schema.UnreadSummary) ([]byte, error) {
	summary.OrderID = ""
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("order store: encode unread: %w", err)
	}
	return data, nil
}

func decodeUnread(raw []byte) (schema.UnreadSummary, error) {
	var summary schema.UnreadSummary
	if len(raw) == 0 {
		return summary, nil
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return schema.UnreadSummary{}, fmt.Errorf("order store: decode unread: %w", err)
	}
	summary.OrderID = ""
	return summary, nil
}

func statusStrings(statuses []schema.Status) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

func isViolation(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
