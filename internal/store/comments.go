package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

const commentSelectColumns = `
	cm.id, cm.ticket_id, cm.author_id, cm.content, cm.edited, cm.created_at, cm.updated_at,
	p.id, p.username, p.full_name, p.avatar_url`

const commentJoins = `
	FROM comments cm
	JOIN profiles p ON p.id = cm.author_id`

// ListComments returns one chronological page of a ticket's comments plus
// the total comment count. The range is zero-based and inclusive on both
// ends.
func (s *Store) ListComments(ctx context.Context, ticketID string, rng types.PageRange) ([]*types.Comment, int, error) {
	if ticketID == "" {
		return nil, 0, &FetchError{Op: "comments", Err: fmt.Errorf("ticket id is required")}
	}

	var total int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM comments WHERE ticket_id = ?", ticketID).Scan(&total)
	if err != nil {
		return nil, 0, &FetchError{Op: "comments", Err: err}
	}

	query := "SELECT " + commentSelectColumns + commentJoins +
		" WHERE cm.ticket_id = ? ORDER BY cm.created_at ASC, cm.id ASC LIMIT ? OFFSET ?"

	rows, err := s.conn.QueryContext(ctx, query, ticketID, rng.Limit(), rng.From)
	if err != nil {
		return nil, 0, &FetchError{Op: "comments", Err: err}
	}
	defer rows.Close()

	var comments []*types.Comment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, 0, &FetchError{Op: "comments", Err: err}
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &FetchError{Op: "comments", Err: err}
	}

	return comments, total, nil
}

// GetComment retrieves a single comment with its author profile. This is the
// enrichment fetch the live layer performs when a raw change-stream payload
// arrives without relations.
func (s *Store) GetComment(ctx context.Context, id string) (*types.Comment, error) {
	query := "SELECT " + commentSelectColumns + commentJoins + " WHERE cm.id = ?"

	c, err := scanComment(s.conn.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &FetchError{Op: "comment " + id, Err: ErrNotFound}
		}
		return nil, &FetchError{Op: "comment " + id, Err: err}
	}
	return c, nil
}

// CreateComment inserts a new comment and publishes the insert event with
// the raw row (no author relation), matching the change-stream payload shape.
func (s *Store) CreateComment(ctx context.Context, c *types.Comment) (*types.Comment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid comment: %w", err)
	}

	query := `
	INSERT INTO comments (id, ticket_id, author_id, content, edited, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query,
		c.ID, c.TicketID, c.AuthorID, c.Content,
		c.CreatedAt.Format(time.RFC3339Nano),
		c.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert comment: %w", err)
	}

	stored, err := s.getCommentRaw(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	s.publish(stream.Event{Type: stream.EventInsert, Table: stream.TableComments, Comment: stored})
	return stored, nil
}

// UpdateComment replaces a comment's content, marks it edited, and publishes
// the update event.
func (s *Store) UpdateComment(ctx context.Context, id, content string) (*types.Comment, error) {
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	res, err := s.conn.ExecContext(ctx,
		"UPDATE comments SET content = ?, edited = 1, updated_at = ? WHERE id = ?",
		content, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update comment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update comment %s: %w", id, ErrNotFound)
	}

	stored, err := s.getCommentRaw(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publish(stream.Event{Type: stream.EventUpdate, Table: stream.TableComments, Comment: stored})
	return stored, nil
}

// DeleteComment removes a comment and publishes the delete event. The
// pre-image carries only the primary key: the transport cannot scope a
// deleted comment to its ticket, so subscribers filter by id locally.
func (s *Store) DeleteComment(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM comments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete comment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // idempotent
	}

	s.publish(stream.Event{Type: stream.EventDelete, Table: stream.TableComments, Comment: &types.Comment{ID: id}})
	return nil
}

// getCommentRaw reads a comment row without the author relation.
func (s *Store) getCommentRaw(ctx context.Context, id string) (*types.Comment, error) {
	query := `
	SELECT id, ticket_id, author_id, content, edited, created_at, updated_at
	FROM comments WHERE id = ?`

	var c types.Comment
	var edited int
	var createdAt, updatedAt string

	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.TicketID, &c.AuthorID, &c.Content, &edited, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read comment %s: %w", id, err)
	}

	c.Edited = edited != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// scanComment scans the enriched column set shared by list and get queries.
func scanComment(scan func(dest ...any) error) (*types.Comment, error) {
	var c types.Comment
	var edited int
	var createdAt, updatedAt string
	var author types.Profile
	var fullName, avatar sql.NullString

	err := scan(
		&c.ID, &c.TicketID, &c.AuthorID, &c.Content, &edited, &createdAt, &updatedAt,
		&author.ID, &author.Username, &fullName, &avatar,
	)
	if err != nil {
		return nil, err
	}

	c.Edited = edited != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	author.FullName = fullName.String
	author.AvatarURL = avatar.String
	c.Author = &author
	return &c, nil
}
