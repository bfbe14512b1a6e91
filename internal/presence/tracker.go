package presence

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// TrackError wraps a presence subscribe or track failure. Presence is
// best-effort: callers surface the error state and carry on.
type TrackError struct {
	DocID string
	Err   error
}

// Error implements the error interface.
func (e *TrackError) Error() string {
	return fmt.Sprintf("presence track %s: %v", e.DocID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TrackError) Unwrap() error { return e.Err }

// RosterSnapshot is the tracker's observable state at one point in time.
type RosterSnapshot struct {
	Records   []Record
	IsLoading bool
	Err       error
}

// Tracker keeps a local roster of users viewing one document, reconciled
// from the hub's sync/join/leave signals.
//
// The roster is keyed by user id: repeated joins from the same user are
// idempotent, with the last announced identity winning. A sync signal is
// authoritative and replaces the roster wholesale.
type Tracker struct {
	hub     *Hub
	session types.Session
	logger  *log.Logger

	mu      sync.Mutex
	docID   string
	viewer  *Viewer
	roster  map[string]Record
	loading bool
	err     error
	gen     int

	updates chan struct{}
}

// NewTracker creates a presence tracker for the given session identity.
//
// If logger is nil, a default logger writing to stderr is used.
func NewTracker(hub *Hub, session types.Session, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[presence] ", log.LstdFlags)
	}
	return &Tracker{
		hub:     hub,
		session: session,
		logger:  logger,
		roster:  make(map[string]Record),
		updates: make(chan struct{}, 1),
	}
}

// Join subscribes to the document's presence channel and announces the
// session identity. Joining a new document first leaves the previous one:
// a tracker represents at most one live viewer at a time.
func (t *Tracker) Join(docID string) error {
	if docID == "" {
		return &TrackError{DocID: docID, Err: fmt.Errorf("document id is required")}
	}

	t.Leave()

	viewer, err := t.hub.Subscribe(docID)
	if err != nil {
		t.mu.Lock()
		t.err = &TrackError{DocID: docID, Err: err}
		t.loading = false
		t.mu.Unlock()
		t.notify()
		return t.Snapshot().Err
	}

	t.mu.Lock()
	t.docID = docID
	t.viewer = viewer
	t.roster = make(map[string]Record)
	t.loading = true
	t.err = nil
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.notify()

	go t.run(viewer, docID, gen)
	return nil
}

// Leave untracks, unsubscribes, and clears the roster. No-op if not joined.
func (t *Tracker) Leave() {
	t.mu.Lock()
	viewer := t.viewer
	t.viewer = nil
	t.docID = ""
	t.roster = make(map[string]Record)
	t.loading = false
	t.err = nil
	t.gen++
	t.mu.Unlock()

	if viewer != nil {
		viewer.Close()
		t.notify()
	}
}

// Snapshot returns the current roster state. Records are sorted by user id.
func (t *Tracker) Snapshot() RosterSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := make([]Record, 0, len(t.roster))
	for _, rec := range t.roster {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })

	return RosterSnapshot{
		Records:   records,
		IsLoading: t.loading,
		Err:       t.err,
	}
}

// Updates returns a channel that receives a notification after every roster
// or state change. The channel is never closed and coalesces bursts.
func (t *Tracker) Updates() <-chan struct{} {
	return t.updates
}

// run consumes the viewer's signals and lifecycle transitions until the
// viewer closes or the tracker moves on to another document.
func (t *Tracker) run(viewer *Viewer, docID string, gen int) {
	signals := viewer.Signals()
	states := viewer.States()

	for signals != nil || states != nil {
		select {
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if t.applySignal(gen, sig) {
				t.notify()
			}

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if t.applyState(gen, viewer, docID, st) {
				t.notify()
			}
		}
	}
}

// applySignal reconciles one presence signal into the roster. Returns true
// if observable state changed.
func (t *Tracker) applySignal(gen int, sig Signal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return false // signal from a previous document
	}

	switch sig.Type {
	case SignalSync:
		// Authoritative: replace wholesale, not additively.
		t.roster = make(map[string]Record, len(sig.Roster))
		for _, rec := range sig.Roster {
			t.roster[rec.UserID] = rec
		}
		t.loading = false
		return true

	case SignalJoin:
		t.roster[sig.Key] = sig.Identity
		return true

	case SignalLeave:
		if _, ok := t.roster[sig.Key]; !ok {
			return false
		}
		delete(t.roster, sig.Key)
		return true

	default:
		t.logger.Printf("Ignoring presence signal with unknown type %d", sig.Type)
		return false
	}
}

// applyState reacts to a lifecycle transition: announcing the identity on
// SUBSCRIBED, recording a best-effort error on failure states. Returns true
// if observable state changed.
func (t *Tracker) applyState(gen int, viewer *Viewer, docID string, st stream.StateChange) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	switch st.State {
	case stream.StateSubscribed:
		if err := viewer.Track(t.session.Profile); err != nil {
			t.logger.Printf("Failed to track on %s: %v", docID, err)
			t.mu.Lock()
			t.err = &TrackError{DocID: docID, Err: err}
			t.loading = false
			t.mu.Unlock()
		}
		return true

	case stream.StateChannelError, stream.StateTimedOut:
		cause := st.Err
		if cause == nil {
			cause = stream.ErrChannelError
		}
		t.logger.Printf("Presence channel for %s errored: %v", docID, cause)
		t.mu.Lock()
		t.err = &TrackError{DocID: docID, Err: cause}
		t.loading = false
		t.mu.Unlock()
		return true

	case stream.StateClosed:
		return false

	default:
		return false
	}
}

// notify wakes the consumer without blocking; bursts coalesce into one wakeup.
func (t *Tracker) notify() {
	select {
	case t.updates <- struct{}{}:
	default:
	}
}
