// Package httpserver exposes the order desk operations over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/bulk"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/lifecycle"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/notify"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/swap"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	component = "httpserver"

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"

	swapsPath = "/swaps"

	notificationsPath       = "/notifications"
	notificationsReadAll    = notificationsPath + "/read-all"
	notificationsStreamPath = notificationsPath + "/stream"

	bulkPath          = "/bulk"
	bulkSessionsPath  = bulkPath + "/sessions"
	bulkSessionPrefix = bulkSessionsPath + "/"

	healthPath  = "/healthz"
	metricsPath = "/metrics"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Subscriber streams notification ledger changes.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan notify.Change
}

// Dependencies are the application services served by the handler.
type Dependencies struct {
	Engine  *lifecycle.Engine
	Tracker *notify.Tracker
	Feed    Subscriber
	Swaps   *swap.Coordinator
	Bulk    *bulk.Service
	// Health reports backing store readiness. Nil means always healthy.
	Health func(ctx context.Context) error
}

// Options tune the transport.
type Options struct {
	// MutationRate limits non-GET requests per second; zero disables throttling.
	MutationRate   float64
	MutationBurst  int
	AllowedOrigins []string
	Logger         logrus.FieldLogger
	// Registry receives the HTTP collectors. Nil creates a private registry.
	Registry *prometheus.Registry
}

type httpServer struct {
	engine  *lifecycle.Engine
	tracker *notify.Tracker
	feed    Subscriber
	swaps   *swap.Coordinator
	bulk    *bulk.Service
	health  func(ctx context.Context) error
	log     logrus.FieldLogger
	origins []string
}

// NewHandler creates the order desk HTTP handler.
func NewHandler(deps Dependencies, opts Options) http.Handler {
	server := &httpServer{
		engine:  deps.Engine,
		tracker: deps.Tracker,
		feed:    deps.Feed,
		swaps:   deps.Swaps,
		bulk:    deps.Bulk,
		health:  deps.Health,
		log:     logging.OrDiscard(opts.Logger).WithField("component", component),
		origins: opts.AllowedOrigins,
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := newRequestMetrics(registry)
	mux := http.NewServeMux()

	route := func(pattern string, handler http.Handler) {
		mux.Handle(pattern, metrics.instrument(pattern, handler))
	}

	route(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.createOrder,
	}))
	route(orderDetailPrefix, http.HandlerFunc(server.handleOrder))

	route(swapsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createSwap,
	}))

	route(notificationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listNotifications,
	}))
	route(notificationsReadAll, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.markAllRead,
	}))
	mux.Handle(notificationsStreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamNotifications,
	}))

	route(bulkPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.runBulk,
	}))
	route(bulkSessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listBulkSessions,
		http.MethodPost: server.openBulkSession,
	}))
	route(bulkSessionPrefix, http.HandlerFunc(server.handleBulkSession))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))
	mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	limiter := newMutationLimiter(opts.MutationRate, opts.MutationBurst)
	return withCORS(opts.AllowedOrigins, limiter.wrap(mux))
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// Orders

type observationPayload struct {
	Text string `json:"text"`
}

type readPayload struct {
	Facet         schema.Facet `json:"facet,omitempty"`
	ObservationID string       `json:"observationId,omitempty"`
}

func (s *httpServer) createOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var req lifecycle.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Author = actor
	order, err := s.engine.CreateOrder(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	query, err := parseOrderQuery(r)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	orders, err := s.engine.Orders(r.Context(), query)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getOrder(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case "transition":
		s.onlyPost(w, r, func() { s.transitionOrder(w, r, id) })
	case "observations":
		s.onlyPost(w, r, func() { s.addObservation(w, r, id) })
	case "read":
		s.onlyPost(w, r, func() { s.markRead(w, r, id) })
	case "notifications":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.orderNotifications(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) onlyPost(w http.ResponseWriter, r *http.Request, next func()) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	next()
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.engine.Order(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) transitionOrder(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var req lifecycle.TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !req.Target.Valid() {
		if parsed, ok := schema.ParseStatus(string(req.Target)); ok {
			req.Target = parsed
		}
	}

	current, err := s.engine.Order(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	// The engine reports disallowed status pairs itself; only role refusals are decided here.
	if lifecycle.CanMove(current.Status, req.Target) && !lifecycle.CanTransition(actor.Role, current.Status, req.Target) {
		s.writeAppError(w, errs.New(component, errs.CodeForbidden,
			errs.WithMessage(fmt.Sprintf("%s users may not move orders from %s to %s", actor.Role, current.Status, req.Target)),
			errs.WithDetail(errs.DetailOrderID, id)))
		return
	}

	req.OrderID = id
	req.Actor = actor
	order, err := s.engine.Transition(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) addObservation(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload observationPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	observation, err := s.engine.AddObservation(r.Context(), id, payload.Text, actor)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, observation)
}

func (s *httpServer) markRead(w http.ResponseWriter, r *http.Request, id string) {
	limitRequestBody(w, r)
	var payload readPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	summary, err := s.tracker.MarkRead(r.Context(), id, payload.Facet, payload.ObservationID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *httpServer) orderNotifications(w http.ResponseWriter, r *http.Request, id string) {
	summary, err := s.tracker.Summarize(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseOrderQuery(r *http.Request) (orderstore.Query, error) {
	values := r.URL.Query()
	query := orderstore.Query{
		ClientID:    strings.TrimSpace(values.Get("clientId")),
		TraderID:    strings.TrimSpace(values.Get("traderId")),
		SwapGroupID: strings.TrimSpace(values.Get("swapGroupId")),
	}
	for _, raw := range values["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := schema.ParseStatus(part)
			if !ok {
				return query, errs.Validation(component, "status", "unknown order status "+part)
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(values.Get("unread")); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			return query, errs.Validation(component, "unread", "unread must be true or false")
		}
		query.UnreadOnly = unread
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return query, errs.Validation(component, "limit", "limit must be a non-negative integer")
		}
		query.Limit = limit
	}
	return query, nil
}

// Swaps

func (s *httpServer) createSwap(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var req swap.Request
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	req.Author = actor
	pair, err := s.swaps.CreateSwap(r.Context(), req)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

// Notifications

type readAllPayload struct {
	OrderIDs []string `json:"orderIds"`
}

func (s *httpServer) listNotifications(w http.ResponseWriter, r *http.Request) {
	pending, err := s.tracker.Pending(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	total := 0
	for _, summary := range pending {
		total += summary.Count
	}
	if pending == nil {
		pending = []schema.UnreadSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"audience":      s.tracker.Audience(),
		"total":         total,
		"notifications": pending,
	})
}

func (s *httpServer) markAllRead(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload readAllPayload
	if err := decodeOptionalJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	ids := payload.OrderIDs
	if len(ids) == 0 {
		pending, err := s.tracker.Pending(r.Context())
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		for _, summary := range pending {
			ids = append(ids, summary.OrderID)
		}
	}
	if err := s.tracker.MarkAllRead(r.Context(), ids); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "read", "orders": len(ids)})
}

// Health

func (s *httpServer) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Errors and codecs

type errorPayload struct {
	Status      string            `json:"status"`
	Error       string            `json:"error"`
	Code        errs.Code         `json:"code,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
}

func (s *httpServer) writeAppError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	payload := errorPayload{
		Status: "error",
		Error:  errs.MessageOf(err),
		Code:   errs.CodeOf(err),
	}
	var e *errs.E
	if errors.As(err, &e) && e != nil {
		payload.Details = e.Details
		payload.Remediation = e.Remediation
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("code", payload.Code).Error("request failed")
	}
	writeJSON(w, status, payload)
}

func decodeJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body as the zero payload.
func decodeOptionalJSON(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := decodeJSON(r, target)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
