// Package stream provides the change-event channel layer: a broker that
// fans out insert/update/delete notifications published by the store, and
// logical per-scope channels with explicit lifecycle states.
//
// The broker stands in for the remote realtime service. Insert and update
// events are filtered server-side by parent scope; delete events are
// dispatched unfiltered, because once a row is gone the transport can no
// longer resolve its foreign key. Subscribers must filter deletes locally by
// checking whether the referenced id is in their collection.
package stream

import "github.com/denvudd/taskflow/internal/types"

// Table identifies which entity collection an event belongs to.
type Table string

const (
	// TableTickets carries ticket events scoped by project id.
	TableTickets Table = "tickets"
	// TableComments carries comment events scoped by ticket id.
	TableComments Table = "comments"
)

// EventType tags a change event with the kind of mutation.
type EventType string

const (
	// EventInsert carries the post-image of a created row.
	EventInsert EventType = "INSERT"
	// EventUpdate carries the post-image of a modified row.
	EventUpdate EventType = "UPDATE"
	// EventDelete carries the pre-image of a removed row. Delete pre-images
	// may be reduced to the primary key only.
	EventDelete EventType = "DELETE"
)

// Event is a single change notification. Exactly one of Ticket or Comment is
// set, matching Table.
type Event struct {
	Type    EventType      `json:"type"`
	Table   Table          `json:"table"`
	Ticket  *types.Ticket  `json:"ticket,omitempty"`
	Comment *types.Comment `json:"comment,omitempty"`
}

// EntityID returns the id of the affected entity.
func (e Event) EntityID() string {
	switch e.Table {
	case TableTickets:
		if e.Ticket != nil {
			return e.Ticket.ID
		}
	case TableComments:
		if e.Comment != nil {
			return e.Comment.ID
		}
	}
	return ""
}

// ScopeID returns the parent scope of the affected entity: the project id for
// tickets, the ticket id for comments. May be empty on delete pre-images.
func (e Event) ScopeID() string {
	switch e.Table {
	case TableTickets:
		if e.Ticket != nil {
			return e.Ticket.ProjectID
		}
	case TableComments:
		if e.Comment != nil {
			return e.Comment.TicketID
		}
	}
	return ""
}
