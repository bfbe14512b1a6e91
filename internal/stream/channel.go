package stream

import (
	"errors"
	"sync"
)

// ChannelState is the lifecycle state of a logical subscription.
//
// Every channel starts in StateConnecting and normally moves to
// StateSubscribed. From there it can end in StateChannelError or
// StateTimedOut (recoverable: already-loaded data stays valid) or
// StateClosed (expected terminal state on intentional teardown).
type ChannelState int

const (
	// StateConnecting is the initial state while the subscription is being
	// established.
	StateConnecting ChannelState = iota
	// StateSubscribed means the channel is live and delivering events.
	StateSubscribed
	// StateChannelError means the subscription failed or errored after
	// subscribing. Recoverable; does not invalidate loaded data.
	StateChannelError
	// StateTimedOut means the subscription timed out. Treated identically to
	// StateChannelError.
	StateTimedOut
	// StateClosed is the terminal state after intentional teardown.
	StateClosed
)

// String returns the wire name of the state.
func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateChannelError:
		return "CHANNEL_ERROR"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state ends the channel's life.
func (s ChannelState) Terminal() bool {
	return s == StateClosed
}

// ErrChannelError is the error delivered with StateChannelError transitions
// that have no more specific cause.
var ErrChannelError = errors.New("channel error")

// ErrSubscribeTimeout is the error delivered with StateTimedOut transitions.
var ErrSubscribeTimeout = errors.New("subscription timed out")

// StateChange is one lifecycle transition, with the error that caused it for
// the error states.
type StateChange struct {
	State ChannelState
	Err   error
}

// Channel is a logical subscription bound to one (table, scope) pair for one
// lifecycle generation. It is created by Broker.Subscribe and must be closed
// with Close to avoid leaking a live subscription.
type Channel struct {
	table   Table
	scopeID string

	events chan Event
	states chan StateChange

	mu     sync.Mutex
	state  ChannelState
	broker *Broker
}

// Table returns the table this channel is subscribed to.
func (c *Channel) Table() Table { return c.table }

// ScopeID returns the parent scope this channel is bound to.
func (c *Channel) ScopeID() string { return c.scopeID }

// Events returns the channel delivering change events. Closed on teardown.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// States returns the channel delivering lifecycle transitions. Closed on
// teardown, after the final StateClosed transition has been delivered.
func (c *Channel) States() <-chan StateChange {
	return c.states
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the subscription down: the channel unregisters from the broker,
// transitions to StateClosed, and its Events and States channels are closed.
// Close is idempotent.
func (c *Channel) Close() {
	c.broker.unsubscribe(c)
}

// transition moves the channel to the given state and delivers the change.
// Transitions after StateClosed are dropped.
func (c *Channel) transition(state ChannelState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(state, err)
}

// transitionLocked is transition with c.mu held. The state send is
// non-blocking, so holding the lock across it cannot stall; it must stay
// under the lock so it can never race the close in Broker.closeChannel.
func (c *Channel) transitionLocked(state ChannelState, err error) {
	if c.state == StateClosed {
		return
	}
	c.state = state

	// Best effort: a consumer that is not draining States still gets the
	// current state via State().
	select {
	case c.states <- StateChange{State: state, Err: err}:
	default:
	}
}

// deliver enqueues an event for the consumer. A consumer that falls so far
// behind that the buffer fills is transitioned to StateChannelError rather
// than silently losing events; the consumer is expected to refetch. The send
// happens under c.mu for the same reason as in transitionLocked.
func (c *Channel) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSubscribed {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.transitionLocked(StateChannelError, errors.New("event buffer overflow"))
	}
}
