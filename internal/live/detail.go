package live

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// Overrides are the locally edited fields of a ticket that have been written
// through but not yet confirmed by an authoritative update event. Nil fields
// are untouched.
type Overrides struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Type        *string
}

func (o Overrides) isZero() bool {
	return o.Title == nil && o.Description == nil && o.Status == nil &&
		o.Priority == nil && o.Type == nil
}

// Detail is the single-ticket editing view. Local edits are layered over the
// authoritative row and written through to the store; when the resulting
// update event for this ticket arrives, all overrides are cleared wholesale
// and the authoritative row wins.
//
// The wholesale clear is deliberate: per-field reconciliation against a row
// that may have been concurrently edited elsewhere would silently interleave
// two writers' changes. One confirmed write invalidates the whole local layer.
type Detail struct {
	store  *store.Store
	reg    *stream.Registry
	logger *log.Logger

	mu        sync.Mutex
	ticketID  string
	projectID string
	gen       int
	ticket    *types.Ticket
	overrides Overrides
	err       error
	sub       *stream.Subscription

	updates chan struct{}
}

// NewDetail creates an unbound detail view. Call Load to bind it to a ticket.
func NewDetail(st *store.Store, reg *stream.Registry, logger *log.Logger) *Detail {
	if logger == nil {
		logger = log.New(os.Stderr, "[live] ", log.LstdFlags)
	}
	return &Detail{
		store:   st,
		reg:     reg,
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
}

// Load binds the view to a ticket: fetches the enriched row and attaches to
// the project's ticket channel, discarding any previous binding.
func (d *Detail) Load(ctx context.Context, projectID, ticketID string) error {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	oldSub := d.sub
	d.sub = nil
	d.ticketID = ticketID
	d.projectID = projectID
	d.ticket = nil
	d.overrides = Overrides{}
	d.err = nil
	d.mu.Unlock()
	d.notify()

	if oldSub != nil {
		oldSub.Close()
	}

	ticket, err := d.store.GetTicket(ctx, ticketID)
	if err != nil {
		d.setErr(gen, err)
		return err
	}

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return nil
	}
	d.ticket = ticket
	d.mu.Unlock()
	d.notify()

	sub, err := d.reg.Acquire(stream.TableTickets, projectID)
	if err != nil {
		d.logger.Printf("Failed to subscribe to project %s: %v", projectID, err)
		d.setErr(gen, fmt.Errorf("%w: %v", stream.ErrChannelError, err))
		return nil
	}

	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		sub.Close()
		return nil
	}
	d.sub = sub
	d.mu.Unlock()

	go d.consume(sub, gen)
	return nil
}

// Ticket returns the effective row: the authoritative ticket with local
// overrides layered on top. Returns nil before Load completes or after the
// ticket was deleted remotely.
func (d *Detail) Ticket() *types.Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticket == nil {
		return nil
	}
	t := *d.ticket
	if d.overrides.Title != nil {
		t.Title = *d.overrides.Title
	}
	if d.overrides.Description != nil {
		t.Description = *d.overrides.Description
	}
	if d.overrides.Status != nil {
		t.Status = *d.overrides.Status
	}
	if d.overrides.Priority != nil {
		t.Priority = *d.overrides.Priority
	}
	if d.overrides.Type != nil {
		t.Type = *d.overrides.Type
	}
	return &t
}

// Err returns the sticky error, if any. A non-nil error never implies the
// loaded ticket was discarded.
func (d *Detail) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Apply records local edits and writes them through to the store in one
// update. The overrides stay layered until the authoritative update event for
// this ticket comes back; a write error keeps them layered so the edit is not
// lost from the view.
func (d *Detail) Apply(ctx context.Context, edit Overrides) error {
	if edit.isZero() {
		return nil
	}

	d.mu.Lock()
	if d.ticketID == "" {
		d.mu.Unlock()
		return fmt.Errorf("no ticket loaded")
	}
	ticketID := d.ticketID
	if edit.Title != nil {
		d.overrides.Title = edit.Title
	}
	if edit.Description != nil {
		d.overrides.Description = edit.Description
	}
	if edit.Status != nil {
		d.overrides.Status = edit.Status
	}
	if edit.Priority != nil {
		d.overrides.Priority = edit.Priority
	}
	if edit.Type != nil {
		d.overrides.Type = edit.Type
	}
	d.mu.Unlock()
	d.notify()

	_, err := d.store.UpdateTicket(ctx, ticketID, store.TicketPatch{
		Title:       edit.Title,
		Description: edit.Description,
		Status:      edit.Status,
		Priority:    edit.Priority,
		Type:        edit.Type,
	})
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	return nil
}

// Close detaches the view from its ticket.
func (d *Detail) Close() {
	d.mu.Lock()
	d.gen++
	sub := d.sub
	d.sub = nil
	d.ticketID = ""
	d.ticket = nil
	d.overrides = Overrides{}
	d.err = nil
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	d.notify()
}

// Updates returns the coalescing change-notification channel.
func (d *Detail) Updates() <-chan struct{} {
	return d.updates
}

func (d *Detail) consume(sub *stream.Subscription, gen int) {
	events := sub.Events()
	states := sub.States()

	for events != nil || states != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.applyEvent(gen, ev)

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			d.applyState(gen, st)
		}
	}
}

func (d *Detail) applyEvent(gen int, ev stream.Event) {
	if ev.Table != stream.TableTickets || ev.Ticket == nil {
		return
	}

	d.mu.Lock()
	if gen != d.gen || ev.Ticket.ID != d.ticketID {
		d.mu.Unlock()
		return
	}

	switch ev.Type {
	case stream.EventUpdate:
		if d.ticket != nil {
			d.ticket = d.ticket.MergeFrom(ev.Ticket)
		} else {
			d.ticket = ev.Ticket
		}
		// The authoritative row for this ticket arrived: every local
		// override is now either confirmed or superseded.
		d.overrides = Overrides{}

	case stream.EventDelete:
		d.ticket = nil
		d.overrides = Overrides{}

	case stream.EventInsert:
		// The detail view binds to an existing row; an insert for the same
		// id means our fetch raced the create. Take it as authoritative.
		if d.ticket == nil {
			d.ticket = ev.Ticket
		}
	}
	d.mu.Unlock()
	d.notify()
}

func (d *Detail) applyState(gen int, st stream.StateChange) {
	switch st.State {
	case stream.StateChannelError, stream.StateTimedOut:
		cause := st.Err
		if cause == nil {
			cause = stream.ErrChannelError
		}
		d.setErr(gen, cause)

	case stream.StateSubscribed:
		d.mu.Lock()
		if gen == d.gen && d.err != nil {
			d.err = nil
			d.mu.Unlock()
			d.notify()
			return
		}
		d.mu.Unlock()
	}
}

func (d *Detail) setErr(gen int, err error) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.err = err
	d.mu.Unlock()
	d.notify()
}

func (d *Detail) notify() {
	select {
	case d.updates <- struct{}{}:
	default:
	}
}
