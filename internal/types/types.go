// Package types defines the core entity model shared by the store, the
// change stream, and the live view layer: tickets grouped by project,
// comments grouped by ticket, and the profiles they denormalize.
package types

import (
	"fmt"
	"time"
)

// Ticket statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

// Ticket priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Ticket types.
const (
	TypeTask        = "task"
	TypeBug         = "bug"
	TypeFeature     = "feature"
	TypeImprovement = "improvement"
)

// TicketStatuses lists every valid ticket status.
var TicketStatuses = []string{StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusArchived}

// TicketPriorities lists every valid ticket priority.
var TicketPriorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// TicketTypes lists every valid ticket type.
var TicketTypes = []string{TypeTask, TypeBug, TypeFeature, TypeImprovement}

// Profile is the lightweight user identity denormalized onto tickets,
// comments, and presence records.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the best human-readable identity for the profile.
func (p *Profile) DisplayName() string {
	if p == nil {
		return "Unknown User"
	}
	if p.FullName != "" {
		return p.FullName
	}
	if p.Username != "" {
		return p.Username
	}
	return "Unknown User"
}

// Ticket represents a single ticket belonging to exactly one project.
//
// OrderIndex is the display ordering key within the project board. It is a
// pointer because change-stream payloads may omit it; an absent key sorts
// before every present key so malformed rows stay visible. Fractional values
// are normal: drag-reorder assigns midpoints between neighbors.
type Ticket struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Type        string `json:"type"`

	CreatorID  string  `json:"creator_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`

	OrderIndex *float64   `json:"order_index,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Denormalized relations. Populated by enriched fetches, absent on raw
	// change-stream payloads.
	Creator  *Profile `json:"creator,omitempty"`
	Assignee *Profile `json:"assignee,omitempty"`
}

// EntityID returns the ticket's unique id.
func (t *Ticket) EntityID() string { return t.ID }

// Validate checks that the ticket has valid field values.
func (t *Ticket) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 200 {
		return fmt.Errorf("title must be 200 characters or less (got %d)", len(t.Title))
	}
	if len(t.Description) > 1000 {
		return fmt.Errorf("description must be 1000 characters or less (got %d)", len(t.Description))
	}
	if !contains(TicketStatuses, t.Status) {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if !contains(TicketPriorities, t.Priority) {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if !contains(TicketTypes, t.Type) {
		return fmt.Errorf("invalid type %q", t.Type)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Ticket) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Type == "" {
		t.Type = TypeTask
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// CompareOrder orders tickets by OrderIndex ascending. An absent index sorts
// first. Equal keys report 0 so a stable sort preserves arrival order.
func (t *Ticket) CompareOrder(other *Ticket) int {
	switch {
	case t.OrderIndex == nil && other.OrderIndex == nil:
		return 0
	case t.OrderIndex == nil:
		return -1
	case other.OrderIndex == nil:
		return 1
	case *t.OrderIndex < *other.OrderIndex:
		return -1
	case *t.OrderIndex > *other.OrderIndex:
		return 1
	default:
		return 0
	}
}

// MergeFrom overlays the incoming post-image onto the ticket, keeping the
// existing denormalized relations when the incoming payload does not carry
// them. Incoming scalar fields win.
func (t *Ticket) MergeFrom(incoming *Ticket) *Ticket {
	merged := *incoming
	if merged.Creator == nil {
		merged.Creator = t.Creator
	}
	if merged.Assignee == nil && merged.AssigneeID != nil &&
		t.AssigneeID != nil && *merged.AssigneeID == *t.AssigneeID {
		merged.Assignee = t.Assignee
	}
	return &merged
}

// Comment represents a single comment on a ticket, ordered chronologically
// by CreatedAt.
type Comment struct {
	ID       string `json:"id"`
	TicketID string `json:"ticket_id"`
	AuthorID string `json:"author_id"`

	Content string `json:"content"`
	Edited  bool   `json:"edited"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Author is populated by enriched fetches, absent on raw change-stream
	// payloads.
	Author *Profile `json:"author,omitempty"`
}

// EntityID returns the comment's unique id.
func (c *Comment) EntityID() string { return c.ID }

// Validate checks that the comment has valid field values.
func (c *Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if c.AuthorID == "" {
		return fmt.Errorf("author_id is required")
	}
	if c.Content == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}

// CompareOrder orders comments chronologically. A zero CreatedAt sorts first.
func (c *Comment) CompareOrder(other *Comment) int {
	switch {
	case c.CreatedAt.IsZero() && other.CreatedAt.IsZero():
		return 0
	case c.CreatedAt.IsZero():
		return -1
	case other.CreatedAt.IsZero():
		return 1
	case c.CreatedAt.Before(other.CreatedAt):
		return -1
	case c.CreatedAt.After(other.CreatedAt):
		return 1
	default:
		return 0
	}
}

// MergeFrom overlays the incoming post-image onto the comment, keeping the
// existing author relation when the incoming payload does not carry it.
func (c *Comment) MergeFrom(incoming *Comment) *Comment {
	merged := *incoming
	if merged.Author == nil {
		merged.Author = c.Author
	}
	return &merged
}

func contains(valid []string, v string) bool {
	for _, s := range valid {
		if s == v {
			return true
		}
	}
	return false
}
