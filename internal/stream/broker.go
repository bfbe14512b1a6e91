package stream

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// ErrBrokerClosed is returned by Subscribe after the broker has shut down.
var ErrBrokerClosed = errors.New("stream broker is closed")

// channelBuffer is the per-channel event backlog before a consumer is
// considered stuck.
const channelBuffer = 256

// Broker fans change events out to subscribed channels. The store publishes
// every committed mutation here; channels receive the events matching their
// table and scope.
type Broker struct {
	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   bool
	logger   *log.Logger
}

// NewBroker creates a broker.
//
// If logger is nil, a default logger writing to stderr is used.
func NewBroker(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	return &Broker{
		channels: make(map[*Channel]struct{}),
		logger:   logger,
	}
}

// Subscribe opens a channel for the given table and parent scope. The channel
// is returned in StateConnecting and transitions to StateSubscribed once
// registered; both transitions are observable on States().
func (b *Broker) Subscribe(table Table, scopeID string) (*Channel, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("scope id is required")
	}

	ch := &Channel{
		table:   table,
		scopeID: scopeID,
		events:  make(chan Event, channelBuffer),
		states:  make(chan StateChange, 8),
		state:   StateConnecting,
	}
	ch.broker = b
	ch.states <- StateChange{State: StateConnecting}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.channels[ch] = struct{}{}
	b.mu.Unlock()

	ch.transition(StateSubscribed, nil)
	b.logger.Printf("Subscribed channel %s:%s", table, scopeID)
	return ch, nil
}

// Publish dispatches an event to every matching channel.
//
// Insert and update events are filtered by parent scope. Delete events are
// dispatched to every channel of the table regardless of scope: the pre-image
// of a deleted row may no longer carry its foreign key, so scope filtering is
// the subscriber's responsibility.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*Channel, 0, len(b.channels))
	for ch := range b.channels {
		if ch.table != ev.Table {
			continue
		}
		if ev.Type != EventDelete && ch.scopeID != ev.ScopeID() {
			continue
		}
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(ev)
	}
}

// Close shuts the broker down, closing every open channel.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	channels := make([]*Channel, 0, len(b.channels))
	for ch := range b.channels {
		channels = append(channels, ch)
	}
	b.channels = make(map[*Channel]struct{})
	b.mu.Unlock()

	for _, ch := range channels {
		b.closeChannel(ch)
	}
	b.logger.Printf("Broker closed (%d channels torn down)", len(channels))
}

// unsubscribe removes a channel from the broker and finishes its teardown.
func (b *Broker) unsubscribe(ch *Channel) {
	b.mu.Lock()
	_, registered := b.channels[ch]
	delete(b.channels, ch)
	b.mu.Unlock()

	if registered || ch.State() != StateClosed {
		b.closeChannel(ch)
	}
}

// closeChannel transitions a channel to StateClosed and closes its delivery
// channels. Both happen under ch.mu so a concurrent deliver or transition can
// never send on a just-closed channel.
func (b *Broker) closeChannel(ch *Channel) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateClosed {
		return
	}
	ch.state = StateClosed

	select {
	case ch.states <- StateChange{State: StateClosed}:
	default:
	}
	close(ch.states)
	close(ch.events)
}
