package live

import (
	"context"
	"log"

	"github.com/denvudd/taskflow/internal/reconcile"
	"github.com/denvudd/taskflow/internal/store"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// TicketListOptions configures a project-scoped ticket list.
type TicketListOptions struct {
	// Filter restricts the server-side query. Zero value means no filtering.
	Filter types.TicketFilter
	// Sort is the user-selected ordering. Empty falls back to the store's
	// manual order_index ordering.
	Sort []types.SortRule
	// PageSize is the page window; 0 uses DefaultPageSize.
	PageSize int
	Logger   *log.Logger
}

// NewTicketList builds a list of a project's tickets backed by the store and
// the project's ticket change channel. Bind it with LoadInitial(projectID).
//
// Filter and sort apply to snapshot pages only. Change events are reconciled
// regardless of the active filter; the delete channel is table-wide, so
// deletes for other projects resolve to local no-ops.
func NewTicketList(st *store.Store, reg *stream.Registry, opts TicketListOptions) *List[*types.Ticket] {
	source := Source[*types.Ticket]{
		Load: func(ctx context.Context, projectID string, rng types.PageRange) ([]*types.Ticket, int, error) {
			return st.ListTickets(ctx, projectID, opts.Filter, opts.Sort, rng)
		},
		Subscribe: func(projectID string) (*stream.Subscription, error) {
			return reg.Acquire(stream.TableTickets, projectID)
		},
		Decode: decodeTicket,
		NeedsEnrich: func(t *types.Ticket) bool {
			return t.Creator == nil
		},
		Enrich: st.GetTicket,
	}
	return NewList(source, opts.PageSize, opts.Logger)
}

// CommentListOptions configures a ticket-scoped comment list.
type CommentListOptions struct {
	PageSize int
	Logger   *log.Logger
}

// NewCommentList builds a list of a ticket's comments, oldest first, backed
// by the store and the ticket's comment change channel. Bind it with
// LoadInitial(ticketID).
func NewCommentList(st *store.Store, reg *stream.Registry, opts CommentListOptions) *List[*types.Comment] {
	source := Source[*types.Comment]{
		Load: func(ctx context.Context, ticketID string, rng types.PageRange) ([]*types.Comment, int, error) {
			return st.ListComments(ctx, ticketID, rng)
		},
		Subscribe: func(ticketID string) (*stream.Subscription, error) {
			return reg.Acquire(stream.TableComments, ticketID)
		},
		Decode: decodeComment,
		NeedsEnrich: func(c *types.Comment) bool {
			return c.Author == nil
		},
		Enrich: st.GetComment,
	}
	return NewList(source, opts.PageSize, opts.Logger)
}

func decodeTicket(ev stream.Event) (reconcile.ChangeType, *types.Ticket, bool) {
	if ev.Table != stream.TableTickets || ev.Ticket == nil {
		return 0, nil, false
	}
	ct, ok := changeType(ev.Type)
	return ct, ev.Ticket, ok
}

func decodeComment(ev stream.Event) (reconcile.ChangeType, *types.Comment, bool) {
	if ev.Table != stream.TableComments || ev.Comment == nil {
		return 0, nil, false
	}
	ct, ok := changeType(ev.Type)
	return ct, ev.Comment, ok
}

func changeType(t stream.EventType) (reconcile.ChangeType, bool) {
	switch t {
	case stream.EventInsert:
		return reconcile.ChangeInsert, true
	case stream.EventUpdate:
		return reconcile.ChangeUpdate, true
	case stream.EventDelete:
		return reconcile.ChangeDelete, true
	default:
		return 0, false
	}
}
