// Package eventbus implements the process-wide ordered broadcast channel for
// domain events: a bounded ring buffer with monotonic sequence numbers and
// per-subscriber lag detection.
//
// It generalizes the per-session sharded catch-up queue pattern (a bounded
// per-session list.List with a GetMissedMessages-style replay) into a single
// process-wide ring with one global sequence counter, since the broker needs
// one monotonic ordering across all sessions rather than per-session
// counters.
package eventbus

import (
	"sync"

	"github.com/ashureev/shsh-labs/internal/domain"
)

const (
	// DefaultCapacity is used when a non-positive capacity is requested.
	DefaultCapacity = 4096
)

// Bus is a single-writer-many-reader bounded broadcast log. Publish never
// blocks the producer; slow subscribers detect their own lag on read rather
// than slowing down publication.
type Bus struct {
	mu       sync.Mutex
	capacity uint64
	slots    []domain.Envelope
	nextSeq  uint64 // sequence that will be assigned to the next published event

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// New creates a Bus with the given ring capacity (slots). Capacities <= 0
// fall back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: uint64(capacity),
		slots:    make([]domain.Envelope, capacity),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Publish assigns the next sequence number to event, stores it in the ring
// (overwriting the oldest slot if full), and wakes every live subscriber.
// It never blocks and never fails.
func (b *Bus) Publish(event domain.DomainEvent) uint64 {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	b.slots[seq%b.capacity] = domain.Envelope{Sequence: seq, Event: event}
	b.mu.Unlock()

	b.subMu.Lock()
	for s := range b.subs {
		s.notify()
	}
	b.subMu.Unlock()

	return seq
}

// CurrentSequence returns the sequence that will be assigned to the next
// published event, i.e. one past the most recently published sequence.
func (b *Bus) CurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// earliestRetained returns the oldest sequence still present in the ring.
func (b *Bus) earliestRetained() uint64 {
	if b.nextSeq <= b.capacity {
		return 0
	}
	return b.nextSeq - b.capacity
}

// ReplaySince returns the suffix of the ring with sequence >= from, oldest
// first, capped at limit items (limit <= 0 means unbounded). If from is
// older than the ring's earliest retained sequence, lagged is true and the
// returned slice starts at the earliest sequence the ring still holds.
func (b *Bus) ReplaySince(from uint64, limit int) (envelopes []domain.Envelope, lagged bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	earliest := b.earliestRetained()
	if from < earliest {
		from = earliest
		lagged = true
	}

	for seq := from; seq < b.nextSeq; seq++ {
		envelopes = append(envelopes, b.slots[seq%b.capacity])
		if limit > 0 && len(envelopes) >= limit {
			break
		}
	}
	return envelopes, lagged
}

// Subscribe registers a new subscription that observes events published from
// this point onward. It does not see history; call ReplaySince explicitly
// for catch-up.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:     b,
		cursor:  b.CurrentSequence(),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	b.subMu.Lock()
	b.subs[s] = struct{}{}
	b.subMu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.subMu.Lock()
	delete(b.subs, s)
	b.subMu.Unlock()
}

// Subscription is a single consumer's cursor into the Bus.
type Subscription struct {
	bus    *Bus
	mu     sync.Mutex
	cursor uint64

	wake    chan struct{}
	closeCh chan struct{}
	closed  bool
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Wake returns a channel that receives a value whenever new events may be
// available. It is a hint, not a guarantee: callers should loop calling Next
// until it returns no events.
func (s *Subscription) Wake() <-chan struct{} { return s.wake }

// Done returns a channel closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.closeCh }

// Next returns the next batch of events after the subscription's cursor, up
// to limit items (limit <= 0 means unbounded), and advances the cursor past
// them. lagged is true if the subscriber's cursor had fallen behind the
// ring's retention window; in that case the returned events resume from the
// ring's earliest retained sequence, and some events were irrecoverably lost.
func (s *Subscription) Next(limit int) (envelopes []domain.Envelope, lagged bool) {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	envelopes, lagged = s.bus.ReplaySince(cursor, limit)
	if len(envelopes) > 0 {
		s.mu.Lock()
		s.cursor = envelopes[len(envelopes)-1].Sequence + 1
		s.mu.Unlock()
	} else if lagged {
		s.mu.Lock()
		s.cursor = s.bus.earliestSequenceSnapshot()
		s.mu.Unlock()
	}
	return envelopes, lagged
}

func (b *Bus) earliestSequenceSnapshot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earliestRetained()
}

// Close detaches the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	s.bus.unsubscribe(s)
}
