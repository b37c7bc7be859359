// Package notifier runs the per-store dispatch loop that turns committed
// versions into change events for live subscriptions.
package notifier

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/devrev/livestore/internal/errors"
)

// ErrFinished is returned by Receive once a subscription delivered its final
// event or was cancelled by its owner.
var ErrFinished = stderrors.New("subscription finished")

// State is the lifecycle state of a subscription.
type State int32

const (
	StatePending State = iota
	StateInitial
	StateUpdated
	StateDeleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInitial:
		return "initial"
	case StateUpdated:
		return "updated"
	case StateDeleted:
		return "deleted"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Kind is the kind of a delivered event.
type Kind uint8

const (
	KindInitial Kind = iota
	KindUpdated
	KindDeleted
)

func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) state() State {
	switch k {
	case KindInitial:
		return StateInitial
	case KindDeleted:
		return StateDeleted
	}
	return StateUpdated
}

// Subscription is the consumer side of a live observation. Events arrive in
// commit order on a bounded channel; a subscriber that lets the buffer fill
// up is cancelled with a Backpressure error.
type Subscription[E any] struct {
	id     uint64
	name   string
	buffer int

	mu     sync.Mutex
	ch     chan E
	closed bool
	err    error
	state  atomic.Int32
}

func newSubscription[E any](id uint64, name string, buffer int) *Subscription[E] {
	return &Subscription[E]{
		id:     id,
		name:   name,
		buffer: buffer,
		ch:     make(chan E, buffer),
	}
}

// ID returns the registration id; ids grow in registration order.
func (s *Subscription[E]) ID() uint64 { return s.id }

func (s *Subscription[E]) String() string {
	return fmt.Sprintf("%s#%d", s.name, s.id)
}

// C returns the event channel. It is closed after the final event.
func (s *Subscription[E]) C() <-chan E { return s.ch }

// Receive blocks for the next event. Once the channel is drained and closed
// it returns Err(), or ErrFinished when the subscription ended normally.
func (s *Subscription[E]) Receive(ctx context.Context) (E, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			var zero E
			return zero, s.finishErr()
		}
		return ev, nil
	case <-ctx.Done():
		var zero E
		return zero, ctx.Err()
	}
}

// TryReceive returns the next buffered event without blocking.
func (s *Subscription[E]) TryReceive() (E, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	default:
		var zero E
		return zero, false
	}
}

// State returns the state after the most recently queued event.
func (s *Subscription[E]) State() State {
	return State(s.state.Load())
}

// Err returns the error that terminated the subscription, if any.
func (s *Subscription[E]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[E]) finishErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrFinished
}

// Cancel stops delivery and closes the channel. Buffered events stay
// readable. Cancelling twice is a no-op.
func (s *Subscription[E]) Cancel() {
	s.close(StateCancelled, nil)
}

// Done reports whether the subscription has stopped receiving events.
func (s *Subscription[E]) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// deliver queues ev without blocking. It returns false when the subscription
// is finished, either before the call or because the buffer overflowed.
func (s *Subscription[E]) deliver(ev E, kind Kind) (delivered, overflow bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	select {
	case s.ch <- ev:
		s.state.Store(int32(kind.state()))
		if kind == KindDeleted {
			s.closeLocked(StateDeleted, nil)
		}
		s.mu.Unlock()
		return true, false
	default:
	}
	s.closeLocked(StateCancelled, errors.Backpressure(s.String(), s.buffer))
	s.mu.Unlock()
	return false, true
}

func (s *Subscription[E]) close(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(state, err)
}

func (s *Subscription[E]) closeLocked(state State, err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.state.Store(int32(state))
	close(s.ch)
}
