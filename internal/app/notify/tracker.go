// Package notify tracks which facets of an order an audience has not yet seen.
//
// Each Tracker owns one audience's ledger. Every change recomputes the
// order's Unread mirror from the ledger entry, so the mirror is never edited
// independently.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/logging"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/telemetry"
)

const component = "notify"

// Signal names one facet to raise or clear. ObservationID is only meaningful
// for FacetObservation; an empty id on a clear means every observation.
type Signal struct {
	Facet         schema.Facet `json:"facet"`
	ObservationID string       `json:"observationId,omitempty"`
}

// CommitFunc persists a recomputed mirror. Returning an error rolls the ledger back.
type CommitFunc func(ctx context.Context, summary schema.UnreadSummary) error

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror makes the tracker write the Unread mirror onto orders after each standalone change.
func WithMirror(orders orderstore.Store) Option {
	return func(t *Tracker) {
		t.orders = orders
	}
}

// WithFeed publishes every change to feed.
func WithFeed(feed Feed) Option {
	return func(t *Tracker) {
		t.feed = feed
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker is the unread-notification ledger for one audience.
type Tracker struct {
	audience string
	ledger   ledgerstore.Store
	orders   orderstore.Store
	feed     Feed
	log      logrus.FieldLogger
	now      func() time.Time

	locks sync.Map // order id -> *sync.Mutex

	changeCounter metric.Int64Counter
}

// NewTracker constructs a tracker over ledger for the given audience.
func NewTracker(audience string, ledger ledgerstore.Store, opts ...Option) *Tracker {
	t := &Tracker{
		audience: strings.TrimSpace(audience),
		ledger:   ledger,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.log = logging.OrDiscard(t.log).WithField("audience", t.audience)

	meter := otel.Meter("notify")
	t.changeCounter, _ = meter.Int64Counter("notify.ledger.changes",
		metric.WithDescription("Number of notification ledger changes"),
		metric.WithUnit("{change}"))
	return t
}

// Audience returns the audience this tracker serves.
func (t *Tracker) Audience() string {
	return t.audience
}

// Raise marks facet of orderID as unread. Raising status or execution twice is
// the same as raising once; observation ids accumulate without duplicates.
func (t *Tracker) Raise(ctx context.Context, orderID string, facet schema.Facet, observationID string) (schema.UnreadSummary, error) {
	signal := Signal{Facet: facet, ObservationID: observationID}
	if err := validateRaise(signal); err != nil {
		return schema.UnreadSummary{}, err
	}
	return t.update(ctx, orderID, "raise", string(facet), func(entry *ledgerstore.Entry) {
		raiseSignal(entry, signal)
	}, t.mirror, false)
}

// MarkRead clears exactly one facet of orderID. An empty facet clears every
// facet. Clearing something that is not pending is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, orderID string, facet schema.Facet, observationID string) (schema.UnreadSummary, error) {
	if facet != "" && !facet.Valid() {
		return schema.UnreadSummary{}, errs.Validation(component, "facet", "unknown notification facet "+string(facet))
	}
	signal := Signal{Facet: facet, ObservationID: observationID}
	return t.update(ctx, orderID, "mark_read", string(facet), func(entry *ledgerstore.Entry) {
		clearSignal(entry, signal)
	}, t.reconcile, true)
}

// MarkAllRead clears every facet of each order. Failures are joined and
// reported after every order has been attempted.
func (t *Tracker) MarkAllRead(ctx context.Context, orderIDs []string) error {
	var failures []error
	for _, id := range orderIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, err := t.MarkRead(ctx, id, "", ""); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

// Summarize returns the unread summary for orderID. Orders with nothing pending
// yield a zero summary.
func (t *Tracker) Summarize(ctx context.Context, orderID string) (schema.UnreadSummary, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return schema.UnreadSummary{}, errs.Validation(component, "orderId", "order id required")
	}
	entry, _, err := t.ledger.Load(ctx, id)
	if err != nil {
		return schema.UnreadSummary{}, ledgerError("load", id, err)
	}
	entry.OrderID = id
	return entry.Summary(), nil
}

// Pending lists every order with at least one unread facet, most recent first.
func (t *Tracker) Pending(ctx context.Context) ([]schema.UnreadSummary, error) {
	entries, err := t.ledger.List(ctx)
	if err != nil {
		return nil, ledgerError("list", "", err)
	}
	out := make([]schema.UnreadSummary, 0, len(entries))
	for _, entry := range entries {
		if entry.Empty() {
			continue
		}
		out = append(out, entry.Summary())
	}
	return out, nil
}

// Apply raises signals on orderID and hands the recomputed mirror to commit
// while the order's ledger slot is held. When commit fails the previous
// ledger entry is restored and the commit error is returned.
func (t *Tracker) Apply(ctx context.Context, orderID string, signals []Signal, commit CommitFunc) (schema.UnreadSummary, error) {
	for _, signal := range signals {
		if err := validateRaise(signal); err != nil {
			return schema.UnreadSummary{}, err
		}
	}
	facet := ""
	if len(signals) > 0 {
		facet = string(signals[len(signals)-1].Facet)
	}
	return t.update(ctx, orderID, "apply", facet, func(entry *ledgerstore.Entry) {
		for _, signal := range signals {
			raiseSignal(entry, signal)
		}
	}, commit, true)
}

// update runs mutate against the order's ledger entry. Unchanged entries skip
// the ledger write and, unless force is set, the commit as well.
func (t *Tracker) update(ctx context.Context, orderID, operation, facet string, mutate func(*ledgerstore.Entry), commit CommitFunc, force bool) (schema.UnreadSummary, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return schema.UnreadSummary{}, errs.Validation(component, "orderId", "order id required")
	}
	unlock := t.lock(id)
	defer unlock()

	previous, existed, err := t.ledger.Load(ctx, id)
	if err != nil {
		return schema.UnreadSummary{}, ledgerError("load", id, err)
	}
	previous.OrderID = id

	next := previous.Clone()
	mutate(&next)
	changed := !sameEntry(previous, next) || existed == next.Empty()
	if !changed && !force {
		return next.Summary(), nil
	}
	if changed {
		next.UpdatedAt = t.now().UTC()
		if err := t.store(ctx, next); err != nil {
			return schema.UnreadSummary{}, err
		}
	}
	summary := next.Summary()

	if commit != nil {
		if err := commit(ctx, summary); err != nil {
			if !changed {
				return schema.UnreadSummary{}, err
			}
			if rbErr := t.restore(ctx, previous, existed); rbErr != nil {
				t.log.WithError(rbErr).WithField("order_id", id).Error("notify: ledger rollback failed")
			}
			return schema.UnreadSummary{}, err
		}
	}

	if !changed {
		return summary, nil
	}
	if t.changeCounter != nil {
		t.changeCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.NotificationAttributes(telemetry.Environment(), t.audience, operation, facet)...))
	}
	t.log.WithFields(logrus.Fields{
		"order_id": id,
		"op":       operation,
		"facet":    facet,
		"unread":   summary.Count,
	}).Debug("notify: ledger updated")

	if t.feed != nil {
		t.feed.Publish(Change{Audience: t.audience, Summary: summary.Clone(), At: next.UpdatedAt})
	}
	return summary, nil
}

func (t *Tracker) store(ctx context.Context, entry ledgerstore.Entry) error {
	if entry.Empty() {
		if err := t.ledger.Delete(ctx, entry.OrderID); err != nil {
			return ledgerError("delete", entry.OrderID, err)
		}
		return nil
	}
	if err := t.ledger.Save(ctx, entry); err != nil {
		return ledgerError("save", entry.OrderID, err)
	}
	return nil
}

func (t *Tracker) restore(ctx context.Context, previous ledgerstore.Entry, existed bool) error {
	if !existed {
		return t.ledger.Delete(ctx, previous.OrderID)
	}
	return t.ledger.Save(ctx, previous)
}

func (t *Tracker) mirror(ctx context.Context, summary schema.UnreadSummary) error {
	if t.orders == nil {
		return nil
	}
	mirror := summary.Clone()
	_, err := t.orders.SaveOrder(ctx, summary.OrderID, orderstore.Patch{Unread: &mirror})
	return err
}

// reconcile rewrites the order's mirror when it disagrees with summary. The
// ledger may have dropped entries (expiry, restart) the order still mirrors.
// Unknown orders have nothing mirrored.
func (t *Tracker) reconcile(ctx context.Context, summary schema.UnreadSummary) error {
	if t.orders == nil {
		return nil
	}
	order, err := t.orders.FindOrder(ctx, summary.OrderID)
	if errs.HasCode(err, errs.CodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sameMirror(order.Unread, summary) {
		return nil
	}
	return t.mirror(ctx, summary)
}

func sameMirror(stored, summary schema.UnreadSummary) bool {
	if stored.Count != summary.Count || stored.Status != summary.Status || stored.Execution != summary.Execution {
		return false
	}
	if len(stored.Observations) != len(summary.Observations) {
		return false
	}
	for i := range stored.Observations {
		if stored.Observations[i] != summary.Observations[i] {
			return false
		}
	}
	return true
}

func (t *Tracker) lock(id string) func() {
	v, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func validateRaise(signal Signal) error {
	if !signal.Facet.Valid() {
		return errs.Validation(component, "facet", "unknown notification facet "+string(signal.Facet))
	}
	if signal.Facet == schema.FacetObservation && strings.TrimSpace(signal.ObservationID) == "" {
		return errs.Validation(component, "observationId", "observation notifications require an observation id")
	}
	return nil
}

func raiseSignal(entry *ledgerstore.Entry, signal Signal) {
	switch signal.Facet {
	case schema.FacetStatus:
		entry.Status = true
	case schema.FacetExecution:
		entry.Execution = true
	case schema.FacetObservation:
		id := strings.TrimSpace(signal.ObservationID)
		if !entry.HasObservation(id) {
			entry.Observations = append(entry.Observations, id)
		}
	}
	entry.LastUpdate = signal.Facet
}

func clearSignal(entry *ledgerstore.Entry, signal Signal) {
	switch signal.Facet {
	case "":
		entry.Status = false
		entry.Execution = false
		entry.Observations = nil
	case schema.FacetStatus:
		entry.Status = false
	case schema.FacetExecution:
		entry.Execution = false
	case schema.FacetObservation:
		id := strings.TrimSpace(signal.ObservationID)
		if id == "" {
			entry.Observations = nil
			break
		}
		kept := entry.Observations[:0:0]
		for _, existing := range entry.Observations {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		entry.Observations = kept
	}
	if len(entry.Observations) == 0 {
		entry.Observations = nil
	}
	entry.LastUpdate = latestPending(*entry)
}

// latestPending keeps LastUpdate pointing at a facet that is still unread.
func latestPending(entry ledgerstore.Entry) schema.Facet {
	switch {
	case entry.Empty():
		return ""
	case entry.LastUpdate == schema.FacetStatus && entry.Status,
		entry.LastUpdate == schema.FacetExecution && entry.Execution,
		entry.LastUpdate == schema.FacetObservation && len(entry.Observations) > 0:
		return entry.LastUpdate
	case len(entry.Observations) > 0:
		return schema.FacetObservation
	case entry.Execution:
		return schema.FacetExecution
	default:
		return schema.FacetStatus
	}
}

func sameEntry(a, b ledgerstore.Entry) bool {
	if a.Status != b.Status || a.Execution != b.Execution || a.LastUpdate != b.LastUpdate {
		return false
	}
	if len(a.Observations) != len(b.Observations) {
		return false
	}
	for i := range a.Observations {
		if a.Observations[i] != b.Observations[i] {
			return false
		}
	}
	return true
}

func ledgerError(op, orderID string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	opts := []errs.Option{
		errs.WithMessage("notification ledger " + op + " failed"),
		errs.WithCause(err),
	}
	if orderID != "" {
		opts = append(opts, errs.WithDetail(errs.DetailOrderID, orderID))
	}
	return errs.New(component, errs.CodeUnavailable, opts...)
}
