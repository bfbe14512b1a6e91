package types

import "time"

// TicketFilter narrows a ticket list query. Zero value matches everything.
// Multi-value fields match if the ticket's value is any of the listed ones.
type TicketFilter struct {
	// Statuses filters by ticket status (empty = all statuses).
	Statuses []string
	// Priorities filters by ticket priority (empty = all priorities).
	Priorities []string
	// Types filters by ticket type (empty = all types).
	Types []string
	// TitleContains matches tickets whose title contains the substring,
	// case-insensitively (empty = all titles).
	TitleContains string
	// DueOn matches tickets due on the exact calendar date (nil = any date).
	DueOn *time.Time
}

// IsZero reports whether the filter matches everything.
func (f TicketFilter) IsZero() bool {
	return len(f.Statuses) == 0 && len(f.Priorities) == 0 && len(f.Types) == 0 &&
		f.TitleContains == "" && f.DueOn == nil
}

// SortRule is one rule of a multi-key sort specification. The first rule in a
// specification is primary.
type SortRule struct {
	// Field is the column to sort by: "order_index", "created_at",
	// "updated_at", "title", "priority", "status", or "due_date".
	Field string
	// Descending inverts the direction (default ascending).
	Descending bool
}

// PageRange is a zero-based, inclusive-inclusive row range as carried on the
// wire. Callers requesting pageSize rows from offset use
// PageFrom(offset, pageSize).
type PageRange struct {
	From int
	To   int
}

// PageFrom builds the inclusive range covering pageSize rows starting at
// offset.
func PageFrom(offset, pageSize int) PageRange {
	return PageRange{From: offset, To: offset + pageSize - 1}
}

// Limit returns the number of rows the range covers.
func (r PageRange) Limit() int {
	n := r.To - r.From + 1
	if n < 0 {
		return 0
	}
	return n
}

// Session is the authenticated caller's context, constructed once at startup
// and passed explicitly to components that need an identity (presence
// tracking, comment authoring). It replaces any notion of ambient global
// auth state.
type Session struct {
	UserID  string
	Profile Profile
}
