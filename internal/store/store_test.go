package store

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestStore opens a store on a temp database with a seeded project and two
// profiles, returning the broker so tests can observe published events.
func newTestStore(t *testing.T) (*Store, *stream.Broker, *Project) {
	t.Helper()

	broker := stream.NewBroker(testLogger())
	t.Cleanup(broker.Close)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), broker, testLogger())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	for _, p := range []*types.Profile{
		{ID: "u-alice", Username: "alice", FullName: "Alice Chen"},
		{ID: "u-bob", Username: "bob"},
	} {
		if err := s.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("Failed to seed profile: %v", err)
		}
	}

	project, err := s.CreateProject(ctx, &Project{Name: "Test Board", OwnerID: "u-alice"})
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return s, broker, project
}

func mustCreateTicket(t *testing.T, s *Store, projectID, title string, mutate func(*types.Ticket)) *types.Ticket {
	t.Helper()
	tk := &types.Ticket{ProjectID: projectID, Title: title, CreatorID: "u-alice"}
	if mutate != nil {
		mutate(tk)
	}
	created, err := s.CreateTicket(context.Background(), tk)
	if err != nil {
		t.Fatalf("Failed to create ticket %q: %v", title, err)
	}
	return created
}

func TestCreateTicketAssignsDefaultsAndOrder(t *testing.T) {
	s, _, project := newTestStore(t)

	first := mustCreateTicket(t, s, project.ID, "first", nil)
	second := mustCreateTicket(t, s, project.ID, "second", nil)

	if first.ID == "" {
		t.Error("Expected generated id")
	}
	if first.Status != types.StatusTodo || first.Priority != types.PriorityMedium {
		t.Errorf("Expected defaults, got %s/%s", first.Status, first.Priority)
	}
	if first.OrderIndex == nil || second.OrderIndex == nil {
		t.Fatal("Expected order indexes assigned")
	}
	if *second.OrderIndex <= *first.OrderIndex {
		t.Errorf("New tickets should land at the end: %v then %v", *first.OrderIndex, *second.OrderIndex)
	}
}

func TestCreateTicketRejectsInvalid(t *testing.T) {
	s, _, project := newTestStore(t)

	_, err := s.CreateTicket(context.Background(), &types.Ticket{
		ProjectID: project.ID,
		Title:     "bad status",
		Status:    "someday",
		CreatorID: "u-alice",
	})
	if err == nil {
		t.Fatal("Expected validation error")
	}
}

func TestListTicketsPagination(t *testing.T) {
	s, _, project := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreateTicket(t, s, project.ID, "ticket", nil)
	}

	page, total, err := s.ListTickets(ctx, project.ID, types.TicketFilter{}, nil, types.PageFrom(0, 2))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(page))
	}

	// Second page continues where the first left off, in order_index order.
	next, _, err := s.ListTickets(ctx, project.ID, types.TicketFilter{}, nil, types.PageFrom(2, 2))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(next) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(next))
	}
	if *next[0].OrderIndex <= *page[1].OrderIndex {
		t.Error("Pages overlap")
	}

	// Past the end.
	empty, _, err := s.ListTickets(ctx, project.ID, types.TicketFilter{}, nil, types.PageFrom(10, 2))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty page, got %d rows", len(empty))
	}
}

func TestListTicketsFilters(t *testing.T) {
	s, _, project := newTestStore(t)
	ctx := context.Background()

	mustCreateTicket(t, s, project.ID, "fix login bug", func(tk *types.Ticket) {
		tk.Status = types.StatusInProgress
		tk.Type = types.TypeBug
		tk.Priority = types.PriorityUrgent
	})
	mustCreateTicket(t, s, project.ID, "dark mode", func(tk *types.Ticket) {
		tk.Type = types.TypeFeature
	})
	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	mustCreateTicket(t, s, project.ID, "quarterly report", func(tk *types.Ticket) {
		tk.DueDate = &due
	})

	tests := []struct {
		name   string
		filter types.TicketFilter
		want   int
	}{
		{"all", types.TicketFilter{}, 3},
		{"by status", types.TicketFilter{Statuses: []string{types.StatusInProgress}}, 1},
		{"by multiple types", types.TicketFilter{Types: []string{types.TypeBug, types.TypeFeature}}, 2},
		{"by priority", types.TicketFilter{Priorities: []string{types.PriorityUrgent}}, 1},
		{"title substring", types.TicketFilter{TitleContains: "login"}, 1},
		{"title with wildcard literal", types.TicketFilter{TitleContains: "%"}, 0},
		{"due on date", types.TicketFilter{DueOn: &due}, 1},
		{"combined", types.TicketFilter{Types: []string{types.TypeBug}, Statuses: []string{types.StatusDone}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, total, err := s.ListTickets(ctx, project.ID, tt.filter, nil, types.PageFrom(0, 50))
			if err != nil {
				t.Fatalf("ListTickets failed: %v", err)
			}
			if total != tt.want || len(rows) != tt.want {
				t.Errorf("Expected %d rows, got %d (total %d)", tt.want, len(rows), total)
			}
		})
	}
}

func TestListTicketsSort(t *testing.T) {
	s, _, project := newTestStore(t)
	ctx := context.Background()

	mustCreateTicket(t, s, project.ID, "banana", nil)
	mustCreateTicket(t, s, project.ID, "apple", nil)

	rows, _, err := s.ListTickets(ctx, project.ID, types.TicketFilter{},
		[]types.SortRule{{Field: "title"}}, types.PageFrom(0, 50))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if rows[0].Title != "apple" {
		t.Errorf("Expected title sort, got %q first", rows[0].Title)
	}

	rows, _, err = s.ListTickets(ctx, project.ID, types.TicketFilter{},
		[]types.SortRule{{Field: "title", Descending: true}}, types.PageFrom(0, 50))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if rows[0].Title != "banana" {
		t.Errorf("Expected descending title sort, got %q first", rows[0].Title)
	}

	if _, _, err := s.ListTickets(ctx, project.ID, types.TicketFilter{},
		[]types.SortRule{{Field: "id; DROP TABLE tickets"}}, types.PageFrom(0, 50)); err == nil {
		t.Error("Expected unknown sort field to be rejected")
	}
}

func TestGetTicketEnrichesRelations(t *testing.T) {
	s, _, project := newTestStore(t)

	assignee := "u-bob"
	created := mustCreateTicket(t, s, project.ID, "assigned", func(tk *types.Ticket) {
		tk.AssigneeID = &assignee
	})
	if created.Creator != nil {
		t.Error("Create should return the raw payload shape, without relations")
	}

	got, err := s.GetTicket(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if got.Creator == nil || got.Creator.Username != "alice" {
		t.Errorf("Expected enriched creator, got %v", got.Creator)
	}
	if got.Assignee == nil || got.Assignee.Username != "bob" {
		t.Errorf("Expected enriched assignee, got %v", got.Assignee)
	}

	var fetchErr *FetchError
	_, err = s.GetTicket(context.Background(), "missing")
	if !errors.As(err, &fetchErr) || !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected FetchError wrapping ErrNotFound, got %v", err)
	}
}

func TestUpdateTicket(t *testing.T) {
	s, _, project := newTestStore(t)
	ctx := context.Background()

	created := mustCreateTicket(t, s, project.ID, "original", nil)

	title := "renamed"
	status := types.StatusDone
	updated, err := s.UpdateTicket(ctx, created.ID, TicketPatch{Title: &title, Status: &status})
	if err != nil {
		t.Fatalf("UpdateTicket failed: %v", err)
	}
	if updated.Title != "renamed" || updated.Status != types.StatusDone {
		t.Errorf("Patch not applied: %q/%s", updated.Title, updated.Status)
	}
	if updated.Priority != created.Priority {
		t.Error("Unpatched fields must be preserved")
	}

	// Clearing the assignee uses the empty-string sentinel.
	assignee := "u-bob"
	if _, err := s.UpdateTicket(ctx, created.ID, TicketPatch{Assignee: &assignee}); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	none := ""
	cleared, err := s.UpdateTicket(ctx, created.ID, TicketPatch{Assignee: &none})
	if err != nil {
		t.Fatalf("Clear assignee failed: %v", err)
	}
	if cleared.AssigneeID != nil {
		t.Errorf("Expected assignee cleared, got %v", *cleared.AssigneeID)
	}

	if _, err := s.UpdateTicket(ctx, "missing", TicketPatch{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTicketPublishesIDOnlyPreImage(t *testing.T) {
	s, broker, project := newTestStore(t)
	ctx := context.Background()

	created := mustCreateTicket(t, s, project.ID, "doomed", nil)

	ch, err := broker.Subscribe(stream.TableTickets, project.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer ch.Close()

	if err := s.DeleteTicket(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTicket failed: %v", err)
	}

	select {
	case ev := <-ch.Events():
		if ev.Type != stream.EventDelete {
			t.Fatalf("Expected delete event, got %s", ev.Type)
		}
		if ev.Ticket.ID != created.ID || ev.Ticket.ProjectID != "" {
			t.Errorf("Delete pre-image should carry only the id, got %+v", ev.Ticket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delete event")
	}

	// Deleting again is a quiet no-op.
	if err := s.DeleteTicket(ctx, created.ID); err != nil {
		t.Fatalf("Second delete failed: %v", err)
	}
}

func TestCreatePublishesScopedInsert(t *testing.T) {
	s, broker, project := newTestStore(t)

	ch, err := broker.Subscribe(stream.TableTickets, project.ID)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer ch.Close()

	created := mustCreateTicket(t, s, project.ID, "announced", nil)

	select {
	case ev := <-ch.Events():
		if ev.Type != stream.EventInsert || ev.Ticket.ID != created.ID {
			t.Errorf("Expected insert for %s, got %s %s", created.ID, ev.Type, ev.EntityID())
		}
		if ev.Ticket.Creator != nil {
			t.Error("Change payloads must not carry relations")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for insert event")
	}
}

func TestReorderTickets(t *testing.T) {
	s, _, project := newTestStore(t)
	ctx := context.Background()

	a := mustCreateTicket(t, s, project.ID, "a", nil)
	b := mustCreateTicket(t, s, project.ID, "b", nil)

	// Drag "b" above "a" using a fractional midpoint.
	if err := s.ReorderTickets(ctx, []TicketOrder{{ID: b.ID, OrderIndex: *a.OrderIndex - 0.5}}); err != nil {
		t.Fatalf("ReorderTickets failed: %v", err)
	}

	rows, _, err := s.ListTickets(ctx, project.ID, types.TicketFilter{}, nil, types.PageFrom(0, 10))
	if err != nil {
		t.Fatalf("ListTickets failed: %v", err)
	}
	if rows[0].ID != b.ID {
		t.Errorf("Expected b first after reorder, got %s", rows[0].Title)
	}
}
