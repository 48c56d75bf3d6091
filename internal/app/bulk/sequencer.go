// Package bulk applies one target status to many orders, optionally walking
// the operator through each order to collect execution details first.
//
// The workflow is an explicit state machine driven by discrete events
// (Start, Confirm, Submit, Cancel). Transitions already applied are never
// undone; cancelling only skips the orders not yet processed.
package bulk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/app/lifecycle"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const component = "bulk"

// State is the sequencer's position in the bulk workflow.
type State string

const (
	StateIdle                 State = "idle"
	StateConfirming           State = "confirming_execution_intent"
	StateCollectingOne        State = "collecting_one"
	StateCollectingSequential State = "collecting_sequential"
	StateApplyingAll          State = "applying_all"
)

const defaultExecutedObservation = "Updated via bulk action"

// Transitioner is the lifecycle operation the sequencer drives.
type Transitioner interface {
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (schema.Order, error)
}

// Input is the operator's data for one order.
type Input struct {
	Observation string                `json:"observation,omitempty"`
	Execution   *schema.ExecutionData `json:"execution,omitempty"`
}

// Failure records why one order was not updated.
type Failure struct {
	OrderID string    `json:"orderId"`
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// Summary reports the outcome of a bulk run.
type Summary struct {
	Target    schema.Status `json:"target"`
	Total     int           `json:"total"`
	Updated   int           `json:"updated"`
	Failures  []Failure     `json:"failures,omitempty"`
	Cancelled bool          `json:"cancelled"`
	Skipped   []string      `json:"skipped,omitempty"`
}

// Message renders the operator-facing outcome line.
func (s Summary) Message() string {
	if s.Updated == s.Total {
		if s.Total == 1 {
			return "1 order updated"
		}
		return fmt.Sprintf("%d orders updated", s.Total)
	}
	return fmt.Sprintf("%d of %d updated", s.Updated, s.Total)
}

// Snapshot is a read-only view of a sequencer.
type Snapshot struct {
	State   State         `json:"state"`
	Target  schema.Status `json:"target,omitempty"`
	Orders  []string      `json:"orders,omitempty"`
	Index   int           `json:"index"`
	Current string        `json:"current,omitempty"`
	Summary *Summary      `json:"summary,omitempty"`
}

// Config tunes bulk runs.
type Config struct {
	// MaxConcurrency bounds apply-all workers.
	MaxConcurrency int
	// DefaultObservation is attached to every order when the operator declines
	// to enter execution details for an executed-family target.
	DefaultObservation string
}

func (c Config) normalise() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if strings.TrimSpace(c.DefaultObservation) == "" {
		c.DefaultObservation = defaultExecutedObservation
	}
	return c
}

// Sequencer drives one bulk workflow for one actor. It is safe for concurrent
// use; events are processed one at a time.
type Sequencer struct {
	mu      sync.Mutex
	engine  Transitioner
	actor   schema.Actor
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics

	state    State
	target   schema.Status
	orderIDs []string
	index    int
	summary  *Summary
	started  time.Time
	touched  time.Time
}

func newSequencer(engine Transitioner, actor schema.Actor, cfg Config, log logrus.FieldLogger, m *metrics) *Sequencer {
	return &Sequencer{
		engine:  engine,
		actor:   actor,
		cfg:     cfg.normalise(),
		log:     log,
		metrics: m,
		state:   StateIdle,
		touched: time.Now(),
	}
}

// Start begins a run. Executed-family targets wait for Confirm; any other
// target is applied to every order immediately.
func (s *Sequencer) Start(ctx context.Context, orderIDs []string, target schema.Status) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()

	if s.state != StateIdle {
		return s.snapshot(), stateError(s.state, "start")
	}
	if !target.Valid() {
		return s.snapshot(), errs.Validation(component, "target", "unknown order status "+string(target))
	}
	ids := dedupe(orderIDs)
	if len(ids) == 0 {
		return s.snapshot(), errs.Validation(component, "orderIds", "select at least one order")
	}

	s.target = target
	s.orderIDs = ids
	s.index = 0
	s.summary = nil
	s.started = time.Now()

	if target.ExecutedFamily() {
		s.state = StateConfirming
		return s.snapshot(), nil
	}
	s.applyAll(ctx, Input{}, "apply_all")
	return s.snapshot(), nil
}

// Confirm answers the execution-details question. Declining applies the
// default observation to every order; accepting starts collection.
func (s *Sequencer) Confirm(ctx context.Context, accept bool) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()

	if s.state != StateConfirming {
		return s.snapshot(), stateError(s.state, "confirm")
	}
	if !accept {
		s.applyAll(ctx, Input{Observation: s.cfg.DefaultObservation}, "apply_all")
		return s.snapshot(), nil
	}
	s.summary = &Summary{Target: s.target, Total: len(s.orderIDs)}
	if len(s.orderIDs) == 1 {
		s.state = StateCollectingOne
	} else {
		s.state = StateCollectingSequential
	}
	return s.snapshot(), nil
}

// Submit transitions the current order with input and moves to the next one.
// A failed transition is recorded and the sequence still advances.
func (s *Sequencer) Submit(ctx context.Context, input Input) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()

	if s.state != StateCollectingOne && s.state != StateCollectingSequential {
		return s.snapshot(), stateError(s.state, "submit")
	}
	id := s.orderIDs[s.index]
	err := s.transition(ctx, id, input)
	s.record(id, err)
	s.index++
	if s.index >= len(s.orderIDs) {
		s.finish("sequential")
	}
	return s.snapshot(), nil
}

// Cancel aborts the orders not yet processed. Applied transitions remain.
// Cancelling an idle sequencer is a no-op.
func (s *Sequencer) Cancel() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()

	switch s.state {
	case StateConfirming, StateCollectingOne, StateCollectingSequential:
	default:
		return s.snapshot()
	}
	if s.summary == nil {
		s.summary = &Summary{Target: s.target, Total: len(s.orderIDs)}
	}
	s.summary.Cancelled = true
	s.summary.Skipped = append([]string(nil), s.orderIDs[s.index:]...)
	s.finish("sequential")
	return s.snapshot()
}

// Snapshot returns the current state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Sequencer) lastTouched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *Sequencer) applyAll(ctx context.Context, input Input, mode string) {
	s.state = StateApplyingAll
	results := make([]error, len(s.orderIDs))

	p := pool.New().WithMaxGoroutines(s.cfg.MaxConcurrency)
	for i, id := range s.orderIDs {
		i, id := i, id
		p.Go(func() {
			results[i] = s.transition(ctx, id, input)
		})
	}
	p.Wait()

	s.summary = &Summary{Target: s.target, Total: len(s.orderIDs)}
	for i, id := range s.orderIDs {
		s.record(id, results[i])
	}
	s.index = len(s.orderIDs)
	s.finish(mode)
}

func (s *Sequencer) transition(ctx context.Context, orderID string, input Input) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.engine.Transition(ctx, lifecycle.TransitionRequest{
		OrderID:     orderID,
		Target:      s.target,
		Observation: input.Observation,
		Execution:   input.Execution,
		Actor:       s.actor,
	})
	return err
}

func (s *Sequencer) record(orderID string, err error) {
	if s.summary == nil {
		s.summary = &Summary{Target: s.target, Total: len(s.orderIDs)}
	}
	if err == nil {
		s.summary.Updated++
		return
	}
	s.summary.Failures = append(s.summary.Failures, Failure{
		OrderID: orderID,
		Code:    errs.CodeOf(err),
		Message: errs.MessageOf(err),
	})
	s.log.WithError(err).WithFields(logrus.Fields{
		"order_id": orderID,
		"target":   s.target,
	}).Warn("bulk: order not updated")
}

func (s *Sequencer) finish(mode string) {
	s.state = StateIdle
	if s.metrics != nil {
		s.metrics.record(mode, *s.summary, time.Since(s.started))
	}
	s.log.WithFields(logrus.Fields{
		"target":    s.target,
		"total":     s.summary.Total,
		"updated":   s.summary.Updated,
		"cancelled": s.summary.Cancelled,
	}).Info("bulk: " + s.summary.Message())
}

func (s *Sequencer) snapshot() Snapshot {
	snap := Snapshot{
		State:  s.state,
		Target: s.target,
		Orders: append([]string(nil), s.orderIDs...),
		Index:  s.index,
	}
	if (s.state == StateCollectingOne || s.state == StateCollectingSequential) && s.index < len(s.orderIDs) {
		snap.Current = s.orderIDs[s.index]
	}
	if s.state == StateIdle && s.summary != nil {
		summary := *s.summary
		summary.Failures = append([]Failure(nil), s.summary.Failures...)
		summary.Skipped = append([]string(nil), s.summary.Skipped...)
		snap.Summary = &summary
	}
	return snap
}

func stateError(state State, event string) error {
	return errs.New(component, errs.CodeConflict,
		errs.WithMessage(fmt.Sprintf("cannot %s while %s", event, state)),
		errs.WithDetail("state", string(state)))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
