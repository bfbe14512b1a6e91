package types

import (
	"strings"
	"testing"
	"time"
)

func validTicket() *Ticket {
	return &Ticket{
		ID:        "t1",
		ProjectID: "p1",
		Title:     "Fix the thing",
		Status:    StatusTodo,
		Priority:  PriorityMedium,
		Type:      TypeTask,
		CreatorID: "u1",
	}
}

func TestTicketValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Ticket)
		wantErr bool
	}{
		{"valid", func(*Ticket) {}, false},
		{"missing title", func(tk *Ticket) { tk.Title = "" }, true},
		{"title too long", func(tk *Ticket) { tk.Title = strings.Repeat("x", 201) }, true},
		{"title at limit", func(tk *Ticket) { tk.Title = strings.Repeat("x", 200) }, false},
		{"description too long", func(tk *Ticket) { tk.Description = strings.Repeat("x", 1001) }, true},
		{"bad status", func(tk *Ticket) { tk.Status = "someday" }, true},
		{"bad priority", func(tk *Ticket) { tk.Priority = "critical" }, true},
		{"bad type", func(tk *Ticket) { tk.Type = "epic" }, true},
		{"missing project", func(tk *Ticket) { tk.ProjectID = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTicket()
			tt.mutate(tk)
			err := tk.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestTicketSetDefaults(t *testing.T) {
	tk := &Ticket{ID: "t1", ProjectID: "p1", Title: "x", CreatorID: "u1"}
	tk.SetDefaults()

	if tk.Status != StatusTodo {
		t.Errorf("Expected default status %s, got %s", StatusTodo, tk.Status)
	}
	if tk.Priority != PriorityMedium {
		t.Errorf("Expected default priority %s, got %s", PriorityMedium, tk.Priority)
	}
	if tk.Type != TypeTask {
		t.Errorf("Expected default type %s, got %s", TypeTask, tk.Type)
	}
	if tk.CreatedAt.IsZero() || tk.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestTicketMergePreservesRelations(t *testing.T) {
	assignee := "u2"
	existing := validTicket()
	existing.AssigneeID = &assignee
	existing.Creator = &Profile{ID: "u1", Username: "alice"}
	existing.Assignee = &Profile{ID: "u2", Username: "bob"}

	post := validTicket()
	post.Title = "renamed"
	post.AssigneeID = &assignee

	merged := existing.MergeFrom(post)
	if merged.Title != "renamed" {
		t.Errorf("Incoming scalar should win, got %q", merged.Title)
	}
	if merged.Creator == nil || merged.Creator.Username != "alice" {
		t.Error("Merge dropped creator relation")
	}
	if merged.Assignee == nil || merged.Assignee.Username != "bob" {
		t.Error("Merge dropped assignee relation")
	}
}

func TestTicketMergeDropsStaleAssignee(t *testing.T) {
	oldID, newID := "u2", "u3"
	existing := validTicket()
	existing.AssigneeID = &oldID
	existing.Assignee = &Profile{ID: oldID}

	post := validTicket()
	post.AssigneeID = &newID

	// The assignee changed; carrying the old profile forward would show the
	// wrong person until the enrichment fetch lands.
	merged := existing.MergeFrom(post)
	if merged.Assignee != nil {
		t.Errorf("Expected stale assignee dropped, got %v", merged.Assignee)
	}
}

func TestProfileDisplayName(t *testing.T) {
	if got := (&Profile{FullName: "Alice Chen", Username: "alice"}).DisplayName(); got != "Alice Chen" {
		t.Errorf("Expected full name, got %q", got)
	}
	if got := (&Profile{Username: "alice"}).DisplayName(); got != "alice" {
		t.Errorf("Expected username fallback, got %q", got)
	}
	if got := (&Profile{}).DisplayName(); got != "Unknown User" {
		t.Errorf("Expected placeholder, got %q", got)
	}
	var nilProfile *Profile
	if got := nilProfile.DisplayName(); got != "Unknown User" {
		t.Errorf("Expected placeholder for nil, got %q", got)
	}
}

func TestPageFrom(t *testing.T) {
	// The wire range is inclusive on both ends.
	rng := PageFrom(0, 50)
	if rng.From != 0 || rng.To != 49 {
		t.Errorf("Expected [0,49], got [%d,%d]", rng.From, rng.To)
	}
	if rng.Limit() != 50 {
		t.Errorf("Expected limit 50, got %d", rng.Limit())
	}

	rng = PageFrom(50, 50)
	if rng.From != 50 || rng.To != 99 {
		t.Errorf("Expected [50,99], got [%d,%d]", rng.From, rng.To)
	}
}

func TestCommentCompareOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := &Comment{ID: "a", CreatedAt: base}
	late := &Comment{ID: "b", CreatedAt: base.Add(time.Minute)}
	noTS := &Comment{ID: "c"}

	if early.CompareOrder(late) >= 0 {
		t.Error("Earlier comment should sort first")
	}
	if noTS.CompareOrder(early) >= 0 {
		t.Error("Missing timestamp should sort first")
	}
	if early.CompareOrder(&Comment{ID: "d", CreatedAt: base}) != 0 {
		t.Error("Equal timestamps should compare equal")
	}
}
