package bulk

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/telemetry"
)

// Prompt tells a Collector which order is waiting for input.
type Prompt struct {
	OrderID string
	Index   int
	Total   int
	Target  schema.Status
}

// Collector supplies operator input for one order at a time. Returning
// proceed=false cancels the remaining orders. Collect may block for as long
// as the operator needs; ctx cancellation also stops the run.
type Collector interface {
	Collect(ctx context.Context, prompt Prompt) (input Input, proceed bool, err error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, prompt Prompt) (Input, bool, error)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, prompt Prompt) (Input, bool, error) {
	return f(ctx, prompt)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// Service creates sequencers and runs blocking bulk updates.
type Service struct {
	engine   Transitioner
	cfg      Config
	log      logrus.FieldLogger
	metrics  *metrics
	sessions *Sessions
}

// NewService constructs a bulk service over engine.
func NewService(engine Transitioner, cfg Config, opts ...Option) *Service {
	s := &Service{engine: engine, cfg: cfg.normalise()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = logging.OrDiscard(s.log).WithField("component", component)
	s.metrics = newMetrics()
	s.sessions = newSessions(s)
	return s
}

// NewSequencer returns an idle sequencer acting as actor.
func (s *Service) NewSequencer(actor schema.Actor) *Sequencer {
	return newSequencer(s.engine, actor, s.cfg, s.log.WithField("actor", actor.ID), s.metrics)
}

// Sessions returns the registry of interactive sequencers.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// RunBulkUpdate applies target to orderIDs. With collectExecutionInfo set and
// an executed-family target, collector is asked for each order in turn;
// otherwise every order is updated through the worker pool. Per-order
// failures are reported in the summary, not as an error.
func (s *Service) RunBulkUpdate(ctx context.Context, actor schema.Actor, orderIDs []string, target schema.Status, collectExecutionInfo bool, collector Collector) (Summary, error) {
	if collectExecutionInfo && target.ExecutedFamily() && collector == nil {
		return Summary{}, errs.Validation(component, "collector", "collecting execution details requires a collector")
	}
	seq := s.NewSequencer(actor)
	snap, err := seq.Start(ctx, orderIDs, target)
	if err != nil {
		return Summary{}, err
	}
	if snap.State == StateConfirming {
		if snap, err = seq.Confirm(ctx, collectExecutionInfo); err != nil {
			return Summary{}, err
		}
	}

	for snap.State == StateCollectingOne || snap.State == StateCollectingSequential {
		if ctx.Err() != nil {
			snap = seq.Cancel()
			break
		}
		input, proceed, err := collector.Collect(ctx, Prompt{
			OrderID: snap.Current,
			Index:   snap.Index,
			Total:   len(snap.Orders),
			Target:  target,
		})
		if err != nil {
			snap = seq.Cancel()
			return *snap.Summary, err
		}
		if !proceed {
			snap = seq.Cancel()
			break
		}
		if snap, err = seq.Submit(ctx, input); err != nil {
			return Summary{}, err
		}
	}

	if snap.Summary == nil {
		return Summary{}, errs.New(component, errs.CodeInternal, errs.WithMessage("bulk run ended without a summary"))
	}
	return *snap.Summary, nil
}

// Session is one interactive sequencer owned by an actor.
type Session struct {
	ID        string     `json:"id"`
	Owner     string     `json:"owner"`
	CreatedAt time.Time  `json:"createdAt"`
	Sequencer *Sequencer `json:"-"`
}

// Sessions keeps interactive sequencers keyed by id so a request/response
// transport can drive one event per call.
type Sessions struct {
	service  *Service
	mu       sync.RWMutex
	sessions map[string]*Session
	newID    func() string
}

func newSessions(service *Service) *Sessions {
	return &Sessions{service: service, sessions: make(map[string]*Session), newID: uuid.NewString}
}

// Open registers a new idle session for actor.
func (r *Sessions) Open(actor schema.Actor) *Session {
	session := &Session{
		ID:        r.newID(),
		Owner:     strings.TrimSpace(actor.ID),
		CreatedAt: time.Now().UTC(),
		Sequencer: r.service.NewSequencer(actor),
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
	return session
}

// Get returns the session with id if actor owns it.
func (r *Sessions) Get(id string, actor schema.Actor) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound(component, "session", id)
	}
	if session.Owner != "" && session.Owner != strings.TrimSpace(actor.ID) {
		return nil, errs.New(component, errs.CodeForbidden,
			errs.WithMessage("bulk session belongs to another user"),
			errs.WithDetail("session_id", id))
	}
	return session, nil
}

// Close removes a session, cancelling any pending orders first.
func (r *Sessions) Close(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		session.Sequencer.Cancel()
	}
}

// List returns the sessions owned by actor, oldest first.
func (r *Sessions) List(actor schema.Actor) []*Session {
	owner := strings.TrimSpace(actor.ID)
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.Owner == owner {
			out = append(out, session)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune cancels and drops sessions untouched for longer than maxIdle.
func (r *Sessions) Prune(now time.Time, maxIdle time.Duration) int {
	var stale []string
	r.mu.RLock()
	for id, session := range r.sessions {
		if now.Sub(session.Sequencer.lastTouched()) > maxIdle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		r.Close(id)
	}
	return len(stale)
}

// Len returns the number of open sessions.
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

type metrics struct {
	runs     metric.Int64Counter
	orders   metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("bulk")
	m := &metrics{}
	m.runs, _ = meter.Int64Counter("bulk.runs",
		metric.WithDescription("Number of completed bulk runs"),
		metric.WithUnit("{run}"))
	m.orders, _ = meter.Int64Counter("bulk.orders",
		metric.WithDescription("Number of orders processed by bulk runs"),
		metric.WithUnit("{order}"))
	m.duration, _ = meter.Float64Histogram("bulk.run.duration",
		metric.WithDescription("Wall time of bulk runs"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) record(mode string, summary Summary, elapsed time.Duration) {
	ctx := context.Background()
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrBulkMode.String(mode),
		telemetry.AttrStatusTo.String(string(summary.Target)),
	}
	if m.runs != nil {
		m.runs.Add(ctx, 1, metric.WithAttributes(append(base, attribute.Bool("cancelled", summary.Cancelled))...))
	}
	if m.orders != nil {
		m.orders.Add(ctx, int64(summary.Updated), metric.WithAttributes(append(base, telemetry.AttrResult.String(telemetry.ResultSuccess))...))
		m.orders.Add(ctx, int64(len(summary.Failures)), metric.WithAttributes(append(base, telemetry.AttrResult.String("failed"))...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(base...))
	}
}
