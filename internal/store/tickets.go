package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ticketSortColumns maps sort rule fields to columns. Anything else is
// rejected rather than interpolated into SQL.
var ticketSortColumns = map[string]string{
	"order_index": "t.order_index",
	"created_at":  "t.created_at",
	"updated_at":  "t.updated_at",
	"title":       "t.title",
	"priority":    "t.priority",
	"status":      "t.status",
	"due_date":    "t.due_date",
}

const ticketSelectColumns = `
	t.id, t.project_id, t.title, t.description, t.status, t.priority, t.type,
	t.creator_id, t.assignee_id, t.order_index, t.due_date, t.created_at, t.updated_at,
	c.id, c.username, c.full_name, c.avatar_url,
	a.id, a.username, a.full_name, a.avatar_url`

const ticketJoins = `
	FROM tickets t
	JOIN profiles c ON c.id = t.creator_id
	LEFT JOIN profiles a ON a.id = t.assignee_id`

// ListTickets returns one ordered page of a project's tickets plus the total
// row count matching the filter.
//
// The range is zero-based and inclusive on both ends, matching the wire
// contract. The default sort is order_index ascending; sort rules are applied
// in order, first rule primary, with order_index as the final tiebreak.
func (s *Store) ListTickets(ctx context.Context, projectID string, filter types.TicketFilter, sort []types.SortRule, rng types.PageRange) ([]*types.Ticket, int, error) {
	if projectID == "" {
		return nil, 0, &FetchError{Op: "tickets", Err: fmt.Errorf("project id is required")}
	}

	where, args := ticketConditions(projectID, filter)

	var total int
	countQuery := "SELECT COUNT(*) " + ticketJoins + " WHERE " + where
	if err := s.conn.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, &FetchError{Op: "tickets", Err: err}
	}

	orderBy, err := ticketOrderBy(sort)
	if err != nil {
		return nil, 0, &FetchError{Op: "tickets", Err: err}
	}

	query := "SELECT " + ticketSelectColumns + ticketJoins + " WHERE " + where +
		" ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, rng.Limit(), rng.From)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &FetchError{Op: "tickets", Err: err}
	}
	defer rows.Close()

	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, 0, &FetchError{Op: "tickets", Err: err}
	}
	return tickets, total, nil
}

// GetTicket retrieves a single ticket with its creator and assignee profiles.
// Returns ErrNotFound (wrapped in a FetchError) if the ticket does not exist.
func (s *Store) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	query := "SELECT " + ticketSelectColumns + ticketJoins + " WHERE t.id = ?"

	ticket, err := scanTicketRow(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &FetchError{Op: "ticket " + id, Err: ErrNotFound}
		}
		return nil, &FetchError{Op: "ticket " + id, Err: err}
	}
	return ticket, nil
}

// CreateTicket inserts a new ticket, assigns defaults and an id if absent,
// and publishes the insert event. Returns the stored ticket without
// relations; observers enrich via GetTicket.
func (s *Store) CreateTicket(ctx context.Context, t *types.Ticket) (*types.Ticket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.SetDefaults()
	if t.OrderIndex == nil {
		next, err := s.nextOrderIndex(ctx, t.ProjectID)
		if err != nil {
			return nil, err
		}
		t.OrderIndex = &next
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ticket: %w", err)
	}

	query := `
	INSERT INTO tickets (
		id, project_id, title, description, status, priority, type,
		creator_id, assignee_id, order_index, due_date, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.Type,
		t.CreatorID, t.AssigneeID, t.OrderIndex,
		dateToNullString(t.DueDate),
		t.CreatedAt.Format(time.RFC3339Nano),
		t.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ticket: %w", err)
	}

	stored, err := s.getTicketRaw(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	s.publish(stream.Event{Type: stream.EventInsert, Table: stream.TableTickets, Ticket: stored})
	return stored, nil
}

// TicketPatch is a partial ticket update. Nil fields are left unchanged.
// Assignee semantics: nil leaves the assignee alone, a pointer to the empty
// string clears it, any other value assigns that user.
type TicketPatch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	Type        *string
	Assignee    *string
	OrderIndex  *float64
	DueDate     *time.Time
	ClearDue    bool
}

// UpdateTicket applies a partial update, bumps updated_at, and publishes the
// update event with the post-image (without relations).
func (s *Store) UpdateTicket(ctx context.Context, id string, patch TicketPatch) (*types.Ticket, error) {
	var sets []string
	var args []any

	set := func(column string, v any) {
		sets = append(sets, column+" = ?")
		args = append(args, v)
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.Priority != nil {
		set("priority", *patch.Priority)
	}
	if patch.Type != nil {
		set("type", *patch.Type)
	}
	if patch.Assignee != nil {
		if *patch.Assignee == "" {
			sets = append(sets, "assignee_id = NULL")
		} else {
			set("assignee_id", *patch.Assignee)
		}
	}
	if patch.OrderIndex != nil {
		set("order_index", *patch.OrderIndex)
	}
	if patch.ClearDue {
		sets = append(sets, "due_date = NULL")
	} else if patch.DueDate != nil {
		set("due_date", patch.DueDate.Format("2006-01-02"))
	}

	if len(sets) == 0 {
		return s.getTicketRaw(ctx, id)
	}

	set("updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, id)

	res, err := s.conn.ExecContext(ctx, "UPDATE tickets SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update ticket %s: %w", id, ErrNotFound)
	}

	stored, err := s.getTicketRaw(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publish(stream.Event{Type: stream.EventUpdate, Table: stream.TableTickets, Ticket: stored})
	return stored, nil
}

// DeleteTicket removes a ticket and publishes the delete event. The published
// pre-image carries only the primary key: once the row is gone, the transport
// cannot resolve its foreign keys, and subscribers filter deletes locally.
func (s *Store) DeleteTicket(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete ticket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // idempotent
	}

	s.publish(stream.Event{Type: stream.EventDelete, Table: stream.TableTickets, Ticket: &types.Ticket{ID: id}})
	return nil
}

// TicketOrder is one (id, order_index) pair of a reorder operation.
type TicketOrder struct {
	ID         string
	OrderIndex float64
}

// ReorderTickets applies a batch of ordering-key updates, publishing one
// update event per moved ticket.
func (s *Store) ReorderTickets(ctx context.Context, updates []TicketOrder) error {
	for _, u := range updates {
		if _, err := s.UpdateTicket(ctx, u.ID, TicketPatch{OrderIndex: &u.OrderIndex}); err != nil {
			return fmt.Errorf("failed to reorder ticket %s: %w", u.ID, err)
		}
	}
	return nil
}

// nextOrderIndex returns an ordering key placing a new ticket at the end of
// the project board.
func (s *Store) nextOrderIndex(ctx context.Context, projectID string) (float64, error) {
	var max sql.NullFloat64
	err := s.conn.QueryRowContext(ctx,
		"SELECT MAX(order_index) FROM tickets WHERE project_id = ?", projectID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to compute order index: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Float64 + 1, nil
}

// getTicketRaw reads a ticket row without joining profile relations. This is
// the shape change-stream payloads carry.
func (s *Store) getTicketRaw(ctx context.Context, id string) (*types.Ticket, error) {
	query := `
	SELECT id, project_id, title, description, status, priority, type,
	       creator_id, assignee_id, order_index, due_date, created_at, updated_at
	FROM tickets WHERE id = ?`

	var t types.Ticket
	var description, assignee, dueDate sql.NullString
	var orderIndex sql.NullFloat64
	var createdAt, updatedAt string

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority, &t.Type,
		&t.CreatorID, &assignee, &orderIndex, &dueDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read ticket %s: %w", id, err)
	}

	t.Description = description.String
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if orderIndex.Valid {
		t.OrderIndex = &orderIndex.Float64
	}
	t.DueDate = nullStringToTime(dueDate)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// ticketConditions builds the WHERE clause for a project-scoped, filtered
// ticket query.
func ticketConditions(projectID string, filter types.TicketFilter) (string, []any) {
	conditions := []string{"t.project_id = ?"}
	args := []any{projectID}

	multi := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		placeholders := strings.Repeat("?, ", len(values))
		conditions = append(conditions, column+" IN ("+placeholders[:len(placeholders)-2]+")")
		for _, v := range values {
			args = append(args, v)
		}
	}

	multi("t.status", filter.Statuses)
	multi("t.priority", filter.Priorities)
	multi("t.type", filter.Types)

	if filter.TitleContains != "" {
		conditions = append(conditions, "t.title LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(filter.TitleContains)+"%")
	}
	if filter.DueOn != nil {
		conditions = append(conditions, "t.due_date = ?")
		args = append(args, filter.DueOn.Format("2006-01-02"))
	}

	return strings.Join(conditions, " AND "), args
}

// ticketOrderBy renders the ORDER BY clause for a sort specification.
func ticketOrderBy(sort []types.SortRule) (string, error) {
	if len(sort) == 0 {
		return "t.order_index ASC", nil
	}

	var clauses []string
	for _, rule := range sort {
		column, ok := ticketSortColumns[rule.Field]
		if !ok {
			return "", fmt.Errorf("unknown sort field %q", rule.Field)
		}
		direction := "ASC"
		if rule.Descending {
			direction = "DESC"
		}
		clauses = append(clauses, column+" "+direction)
	}

	// Stable tiebreak so paginated ranges never overlap.
	clauses = append(clauses, "t.order_index ASC")
	return strings.Join(clauses, ", "), nil
}

// escapeLike escapes LIKE wildcards in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// scanTickets scans enriched ticket rows.
func scanTickets(rows *sql.Rows) ([]*types.Ticket, error) {
	var tickets []*types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return tickets, nil
}

// scanTicketRow scans a single enriched ticket row.
func scanTicketRow(row *sql.Row) (*types.Ticket, error) {
	return scanTicket(row.Scan)
}

// scanTicket scans the enriched column set shared by list and get queries.
func scanTicket(scan func(dest ...any) error) (*types.Ticket, error) {
	var t types.Ticket
	var description, assignee, dueDate sql.NullString
	var orderIndex sql.NullFloat64
	var createdAt, updatedAt string
	var creator types.Profile
	var creatorFullName, creatorAvatar sql.NullString
	var assigneeID, assigneeUsername, assigneeFullName, assigneeAvatar sql.NullString

	err := scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &t.Status, &t.Priority, &t.Type,
		&t.CreatorID, &assignee, &orderIndex, &dueDate, &createdAt, &updatedAt,
		&creator.ID, &creator.Username, &creatorFullName, &creatorAvatar,
		&assigneeID, &assigneeUsername, &assigneeFullName, &assigneeAvatar,
	)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if orderIndex.Valid {
		t.OrderIndex = &orderIndex.Float64
	}
	t.DueDate = nullStringToTime(dueDate)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	creator.FullName = creatorFullName.String
	creator.AvatarURL = creatorAvatar.String
	t.Creator = &creator

	if assigneeID.Valid {
		t.Assignee = &types.Profile{
			ID:        assigneeID.String,
			Username:  assigneeUsername.String,
			FullName:  assigneeFullName.String,
			AvatarURL: assigneeAvatar.String,
		}
	}

	return &t, nil
}
