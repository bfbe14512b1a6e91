package stream

import (
	"errors"
	"log"
	"os"
	"sync"
)

// Registry enforces the one-live-channel-per-scope rule: all consumers of the
// same (table, scope) pair share a single underlying broker channel,
// reference-counted and torn down only when the last consumer releases it.
type Registry struct {
	broker *Broker
	logger *log.Logger

	mu      sync.Mutex
	entries map[entryKey]*sharedEntry
}

type entryKey struct {
	table   Table
	scopeID string
}

// sharedEntry is one live channel plus its fan-out state.
type sharedEntry struct {
	channel *Channel
	subs    map[*Subscription]struct{}
	done    chan struct{}
}

// Subscription is one consumer's view of a shared channel. It mirrors the
// Channel surface: Events, States, and a Close that decrements the share
// count instead of tearing the underlying channel down directly.
type Subscription struct {
	registry *Registry
	key      entryKey

	events chan Event
	states chan StateChange

	mu     sync.Mutex
	closed bool
}

// NewRegistry creates a registry on top of a broker.
//
// If logger is nil, a default logger writing to stderr is used.
func NewRegistry(broker *Broker, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	return &Registry{
		broker:  broker,
		logger:  logger,
		entries: make(map[entryKey]*sharedEntry),
	}
}

// Acquire returns a subscription for the given table and scope, opening the
// underlying channel if this is the first consumer. The subscription's
// States channel starts with the underlying channel's current state so late
// joiners do not wait for a transition that already happened.
func (r *Registry) Acquire(table Table, scopeID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := entryKey{table: table, scopeID: scopeID}
	entry, ok := r.entries[key]
	if !ok {
		ch, err := r.broker.Subscribe(table, scopeID)
		if err != nil {
			return nil, err
		}
		entry = &sharedEntry{
			channel: ch,
			subs:    make(map[*Subscription]struct{}),
			done:    make(chan struct{}),
		}
		r.entries[key] = entry
		go r.fanout(key, entry)
	}

	sub := &Subscription{
		registry: r,
		key:      key,
		events:   make(chan Event, channelBuffer),
		states:   make(chan StateChange, 8),
	}
	sub.states <- StateChange{State: entry.channel.State()}
	entry.subs[sub] = struct{}{}
	return sub, nil
}

// Events returns the subscription's change-event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// States returns the subscription's lifecycle-transition channel.
func (s *Subscription) States() <-chan StateChange { return s.states }

// Close releases the subscription. When the last subscription for a scope is
// released the underlying channel is closed too.
func (s *Subscription) Close() {
	s.registry.release(s)
}

// release detaches a subscription and tears the shared channel down when it
// was the last one.
func (r *Registry) release(sub *Subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	r.mu.Lock()
	entry, ok := r.entries[sub.key]
	var last bool
	if ok {
		delete(entry.subs, sub)
		last = len(entry.subs) == 0
		if last {
			delete(r.entries, sub.key)
		}
	}
	r.mu.Unlock()

	close(sub.events)
	close(sub.states)

	if ok && last {
		entry.channel.Close()
		<-entry.done
		r.logger.Printf("Released last subscription for %s:%s", sub.key.table, sub.key.scopeID)
	}
}

// fanout forwards the underlying channel's events and state transitions to
// every attached subscription until the channel is torn down.
func (r *Registry) fanout(key entryKey, entry *sharedEntry) {
	defer close(entry.done)

	events := entry.channel.Events()
	states := entry.channel.States()

	for events != nil || states != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			for _, sub := range r.snapshotSubs(key) {
				sub.send(ev)
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			for _, sub := range r.snapshotSubs(key) {
				sub.sendState(st)
			}
		}
	}

	// The underlying channel is gone. Any subscriptions still attached (a
	// broker-level close rather than a release) see StateClosed.
	r.mu.Lock()
	remaining, ok := r.entries[key]
	var subs []*Subscription
	if ok && remaining == entry {
		for sub := range entry.subs {
			subs = append(subs, sub)
		}
		delete(r.entries, key)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			// Deliver the final state before marking the subscription
			// closed; sendState would drop it otherwise.
			select {
			case sub.states <- StateChange{State: StateClosed}:
			default:
			}
			sub.closed = true
			close(sub.events)
			close(sub.states)
		}
		sub.mu.Unlock()
	}
}

// snapshotSubs copies the subscription set for a key so delivery happens
// outside the registry lock.
func (r *Registry) snapshotSubs(key entryKey) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil
	}
	subs := make([]*Subscription, 0, len(entry.subs))
	for sub := range entry.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *Subscription) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		select {
		case s.states <- StateChange{State: StateChannelError, Err: errors.New("event buffer overflow")}:
		default:
		}
	}
}

func (s *Subscription) sendState(st StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.states <- st:
	default:
	}
}
