package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/denvudd/taskflow/internal/types"
)

// Project is the parent scope grouping tickets into one board.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateProject inserts a new project, assigning an id if absent.
func (s *Store) CreateProject(ctx context.Context, p *Project) (*Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if p.OwnerID == "" {
		return nil, fmt.Errorf("project owner is required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Name, p.OwnerID, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return p, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	var createdAt string
	err := s.conn.QueryRowContext(ctx,
		"SELECT id, name, owner_id, created_at FROM projects WHERE id = ?", id).
		Scan(&p.ID, &p.Name, &p.OwnerID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &FetchError{Op: "project " + id, Err: ErrNotFound}
		}
		return nil, &FetchError{Op: "project " + id, Err: err}
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// UpsertProfile inserts or updates a user profile.
func (s *Store) UpsertProfile(ctx context.Context, p *types.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.Username == "" {
		return fmt.Errorf("profile username is required")
	}

	query := `
	INSERT INTO profiles (id, username, full_name, avatar_url)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		full_name = excluded.full_name,
		avatar_url = excluded.avatar_url`

	if _, err := s.conn.ExecContext(ctx, query, p.ID, p.Username, p.FullName, p.AvatarURL); err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.ID, err)
	}
	return nil
}

// GetProfile retrieves a profile by user id.
func (s *Store) GetProfile(ctx context.Context, id string) (*types.Profile, error) {
	var p types.Profile
	var fullName, avatar sql.NullString
	err := s.conn.QueryRowContext(ctx,
		"SELECT id, username, full_name, avatar_url FROM profiles WHERE id = ?", id).
		Scan(&p.ID, &p.Username, &fullName, &avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &FetchError{Op: "profile " + id, Err: ErrNotFound}
		}
		return nil, &FetchError{Op: "profile " + id, Err: err}
	}
	p.FullName = fullName.String
	p.AvatarURL = avatar.String
	return &p, nil
}
