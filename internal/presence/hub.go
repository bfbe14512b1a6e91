// Package presence maintains ephemeral per-document viewer rosters.
//
// The Hub is the server side: it tracks which identities are announced on
// each document and fans out sync/join/leave signals. The Tracker is the
// client side: it keeps a local roster reconciled from those signals.
//
// Presence is best-effort. A failed subscribe or track surfaces an error
// state but never blocks entity data flow.
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

// Record is one entry of a presence roster: the viewing user's id, display
// identity, and avatar reference.
type Record struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// recordFor builds the roster entry for a profile.
func recordFor(p types.Profile) Record {
	return Record{
		UserID:    p.ID,
		Name:      p.DisplayName(),
		AvatarURL: p.AvatarURL,
	}
}

// SignalType tags a presence signal.
type SignalType int

const (
	// SignalSync carries the full authoritative roster. The receiver replaces
	// its local roster wholesale, correcting any missed deltas.
	SignalSync SignalType = iota
	// SignalJoin announces one connection key and its identity.
	SignalJoin
	// SignalLeave announces that a connection key left.
	SignalLeave
)

// String returns the wire name of the signal type.
func (t SignalType) String() string {
	switch t {
	case SignalSync:
		return "sync"
	case SignalJoin:
		return "join"
	case SignalLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Signal is one presence notification delivered on a viewer channel.
type Signal struct {
	Type SignalType
	// Key is the connection key for join/leave signals. This hub keys
	// presence by a stable user id, so repeated joins from the same user are
	// idempotent.
	Key string
	// Identity accompanies join signals.
	Identity Record
	// Roster accompanies sync signals: the full roster, sorted by user id.
	Roster []Record
}

// Viewer is one client's subscription to a document's presence channel. It
// reuses the change-stream lifecycle states: CONNECTING, SUBSCRIBED, and the
// terminal CLOSED.
type Viewer struct {
	hub   *Hub
	docID string

	signals chan Signal
	states  chan stream.StateChange

	mu      sync.Mutex
	state   stream.ChannelState
	tracked string // user id announced via Track, "" if none
	closed  bool
}

// Hub is the in-process presence service: per-document rosters plus signal
// fan-out to subscribed viewers.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	logger *log.Logger
}

// room is one document's presence state.
type room struct {
	occupants map[string]Record // keyed by user id, last announced identity wins
	viewers   map[*Viewer]struct{}
}

// NewHub creates a presence hub.
//
// If logger is nil, a default logger writing to stderr is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[presence] ", log.LstdFlags)
	}
	return &Hub{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Subscribe opens a presence channel for the given document. The viewer is
// returned in StateConnecting and transitions to StateSubscribed; the caller
// then announces itself with Track.
func (h *Hub) Subscribe(docID string) (*Viewer, error) {
	if docID == "" {
		return nil, fmt.Errorf("document id is required")
	}

	v := &Viewer{
		hub:     h,
		docID:   docID,
		signals: make(chan Signal, 64),
		states:  make(chan stream.StateChange, 8),
		state:   stream.StateConnecting,
	}
	v.states <- stream.StateChange{State: stream.StateConnecting}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("presence hub is closed")
	}
	rm, ok := h.rooms[docID]
	if !ok {
		rm = &room{
			occupants: make(map[string]Record),
			viewers:   make(map[*Viewer]struct{}),
		}
		h.rooms[docID] = rm
	}
	rm.viewers[v] = struct{}{}
	h.mu.Unlock()

	v.setState(stream.StateSubscribed, nil)
	return v, nil
}

// Close shuts the hub down, closing every viewer channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var viewers []*Viewer
	for _, rm := range h.rooms {
		for v := range rm.viewers {
			viewers = append(viewers, v)
		}
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, v := range viewers {
		v.shutdown()
	}
}

// Signals returns the channel delivering presence signals.
func (v *Viewer) Signals() <-chan Signal { return v.signals }

// States returns the channel delivering lifecycle transitions.
func (v *Viewer) States() <-chan stream.StateChange { return v.states }

// State returns the viewer's current lifecycle state.
func (v *Viewer) State() stream.ChannelState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Track announces the viewer's identity on the document. The hub replies with
// an authoritative sync to this viewer and a join delta to the others.
// Re-tracking the same user id replaces the announced identity (last wins).
func (v *Viewer) Track(identity types.Profile) error {
	if identity.ID == "" {
		return fmt.Errorf("identity id is required")
	}
	if v.State() != stream.StateSubscribed {
		return fmt.Errorf("viewer is not subscribed")
	}

	rec := recordFor(identity)

	v.hub.mu.Lock()
	rm, ok := v.hub.rooms[v.docID]
	if !ok {
		v.hub.mu.Unlock()
		return fmt.Errorf("presence room is gone")
	}
	_, rejoin := rm.occupants[rec.UserID]
	rm.occupants[rec.UserID] = rec
	v.tracked = rec.UserID
	roster := rm.rosterLocked()
	others := rm.viewersExceptLocked(v)
	v.hub.mu.Unlock()

	// Authoritative roster to the announcing viewer, deltas to the rest.
	v.send(Signal{Type: SignalSync, Roster: roster})
	if !rejoin {
		for _, other := range others {
			other.send(Signal{Type: SignalJoin, Key: rec.UserID, Identity: rec})
		}
	}
	return nil
}

// Untrack withdraws the viewer's announced identity, emitting a leave delta
// to the remaining viewers. No-op if nothing was tracked.
func (v *Viewer) Untrack() {
	v.hub.mu.Lock()
	key := v.tracked
	v.tracked = ""
	var others []*Viewer
	if key != "" {
		if rm, ok := v.hub.rooms[v.docID]; ok {
			delete(rm.occupants, key)
			others = rm.viewersExceptLocked(v)
		}
	}
	v.hub.mu.Unlock()

	for _, other := range others {
		other.send(Signal{Type: SignalLeave, Key: key})
	}
}

// Close untracks and tears the viewer down. Idempotent.
func (v *Viewer) Close() {
	v.Untrack()

	v.hub.mu.Lock()
	if rm, ok := v.hub.rooms[v.docID]; ok {
		delete(rm.viewers, v)
		if len(rm.viewers) == 0 && len(rm.occupants) == 0 {
			delete(v.hub.rooms, v.docID)
		}
	}
	v.hub.mu.Unlock()

	v.shutdown()
}

// shutdown finishes teardown: terminal state, closed channels.
func (v *Viewer) shutdown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.state = stream.StateClosed
	v.mu.Unlock()

	select {
	case v.states <- stream.StateChange{State: stream.StateClosed}:
	default:
	}
	close(v.states)
	close(v.signals)
}

func (v *Viewer) setState(state stream.ChannelState, err error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.state = state
	v.mu.Unlock()

	select {
	case v.states <- stream.StateChange{State: state, Err: err}:
	default:
	}
}

// send delivers a signal, dropping it if the viewer stopped draining.
// Presence tolerates lost deltas: the next sync corrects the roster.
func (v *Viewer) send(sig Signal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	select {
	case v.signals <- sig:
	default:
	}
}

// rosterLocked snapshots the room's occupants sorted by user id. Caller holds
// hub.mu.
func (rm *room) rosterLocked() []Record {
	roster := make([]Record, 0, len(rm.occupants))
	for _, rec := range rm.occupants {
		roster = append(roster, rec)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster
}

// viewersExceptLocked snapshots the room's viewers minus one. Caller holds
// hub.mu.
func (rm *room) viewersExceptLocked(skip *Viewer) []*Viewer {
	viewers := make([]*Viewer, 0, len(rm.viewers))
	for v := range rm.viewers {
		if v != skip {
			viewers = append(viewers, v)
		}
	}
	return viewers
}
