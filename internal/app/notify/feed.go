package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

// Change is one ledger update as seen by an audience.
type Change struct {
	Audience string               `json:"audience"`
	Summary  schema.UnreadSummary `json:"summary"`
	At       time.Time            `json:"at"`
}

// Feed receives every ledger change. Publish must not block.
type Feed interface {
	Publish(change Change)
}

// Broadcaster fans changes out to subscribers with bounded buffers.
// A slow subscriber loses its oldest pending change rather than stalling the tracker.
type Broadcaster struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	dropped atomic.Int64
}

type subscription struct {
	ch   chan Change
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBroadcaster constructs a broadcaster whose subscribers buffer up to buffer changes.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{buffer: buffer, subs: make(map[uint64]*subscription)}
}

// Subscribe registers a subscriber until ctx is done. The channel closes on
// unsubscribe or when the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Change {
	sub := &subscription{ch: make(chan Change, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if stored, ok := b.subs[id]; ok && stored == sub {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		sub.close()
	}()
	return sub.ch
}

// Publish delivers change to every subscriber without blocking.
func (b *Broadcaster) Publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- change:
			continue
		default:
		}
		// Buffer full: drop the oldest change and retry once.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- change:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many changes were discarded due to backpressure.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}
