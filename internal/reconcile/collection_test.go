package reconcile

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/denvudd/taskflow/internal/types"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func ticket(id string, order float64) *types.Ticket {
	return &types.Ticket{ID: id, OrderIndex: &order}
}

func ids(items []*types.Ticket) []string {
	out := make([]string, len(items))
	for i, t := range items {
		out[i] = t.ID
	}
	return out
}

func assertOrder(t *testing.T, c *Collection[*types.Ticket], want ...string) {
	t.Helper()
	got := ids(c.Items())
	if len(got) != len(want) {
		t.Fatalf("Expected %d items %v, got %d: %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestApplySnapshotReplace(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())

	added := c.ApplySnapshot([]*types.Ticket{ticket("a", 2), ticket("b", 1)}, true)
	if added != 2 {
		t.Errorf("Expected 2 added, got %d", added)
	}
	assertOrder(t, c, "b", "a")

	// Replace discards the previous contents entirely.
	added = c.ApplySnapshot([]*types.Ticket{ticket("c", 0)}, true)
	if added != 1 {
		t.Errorf("Expected 1 added, got %d", added)
	}
	assertOrder(t, c, "c")
}

func TestApplySnapshotMergeSkipsKnownIDs(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1), ticket("b", 2)}, true)

	// "b" arrived via realtime before this page was requested; it must not
	// count as new or appear twice.
	added := c.ApplySnapshot([]*types.Ticket{ticket("b", 2), ticket("c", 3)}, false)
	if added != 1 {
		t.Errorf("Expected 1 genuinely new row, got %d", added)
	}
	assertOrder(t, c, "a", "b", "c")
}

func TestApplyInsertDuplicateIsNoOp(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1)}, true)

	if c.ApplyInsert(ticket("a", 5)) {
		t.Error("Duplicate insert should report no change")
	}
	got, _ := c.Get("a")
	if *got.OrderIndex != 1 {
		t.Errorf("Duplicate insert must not overwrite: got order %v", *got.OrderIndex)
	}
}

func TestApplyInsertSortsIntoPosition(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 0), ticket("b", 1)}, true)

	if !c.ApplyInsert(ticket("mid", 0.5)) {
		t.Fatal("Insert should report a change")
	}
	assertOrder(t, c, "a", "mid", "b")
}

func TestAbsentOrderKeySortsFirst(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1)}, true)
	c.ApplyInsert(&types.Ticket{ID: "broken"})

	assertOrder(t, c, "broken", "a")
}

func TestEqualKeysKeepArrivalOrder(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplyInsert(ticket("first", 1))
	c.ApplyInsert(ticket("second", 1))
	c.ApplyInsert(ticket("third", 1))

	assertOrder(t, c, "first", "second", "third")
}

func TestApplyUpdateUnknownIDIsNoOp(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1)}, true)

	// The row may live on a page that was never loaded; materializing it
	// would desynchronize pagination, so nothing happens.
	if c.ApplyUpdate(ticket("ghost", 2)) {
		t.Error("Update for unloaded id should report no change")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 item, got %d", c.Len())
	}
}

func TestApplyUpdateMergesAndResorts(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	creator := &types.Profile{ID: "u1", Username: "alice"}
	enriched := ticket("a", 1)
	enriched.Creator = creator
	c.ApplySnapshot([]*types.Ticket{enriched, ticket("b", 2)}, true)

	// Raw post-image without relations: the merge keeps the creator and the
	// new ordering key moves the row.
	post := ticket("a", 3)
	post.Title = "renamed"
	if !c.ApplyUpdate(post) {
		t.Fatal("Update should report a change")
	}
	assertOrder(t, c, "b", "a")

	got, _ := c.Get("a")
	if got.Title != "renamed" {
		t.Errorf("Expected merged title, got %q", got.Title)
	}
	if got.Creator != creator {
		t.Error("Merge dropped the denormalized creator")
	}
}

func TestApplyDelete(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1), ticket("b", 2)}, true)

	if !c.ApplyDelete("a") {
		t.Fatal("Delete should report a change")
	}
	if c.ApplyDelete("a") {
		t.Error("Second delete should be a no-op")
	}
	if c.ApplyDelete("never-loaded") {
		t.Error("Delete for unknown id should be a no-op")
	}
	assertOrder(t, c, "b")
}

func TestRedeliveredEventsAreIdempotent(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	ev := Change[*types.Ticket]{Type: ChangeInsert, Entity: ticket("a", 1)}

	c.ApplyChange(ev)
	c.ApplyChange(ev)
	c.ApplyChange(ev)

	if c.Len() != 1 {
		t.Errorf("Expected 1 item after redelivery, got %d", c.Len())
	}
}

func TestItemsReturnsCopy(t *testing.T) {
	c := NewCollection[*types.Ticket](testLogger())
	c.ApplySnapshot([]*types.Ticket{ticket("a", 1)}, true)

	snapshot := c.Items()
	c.ApplyDelete("a")

	if len(snapshot) != 1 || snapshot[0].ID != "a" {
		t.Error("Snapshot must stay valid after later applies")
	}
}

func TestCommentOrderingByCreatedAt(t *testing.T) {
	c := NewCollection[*types.Comment](testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.ApplyInsert(&types.Comment{ID: "late", CreatedAt: base.Add(time.Hour)})
	c.ApplyInsert(&types.Comment{ID: "early", CreatedAt: base})
	c.ApplyInsert(&types.Comment{ID: "no-ts"})

	items := c.Items()
	want := []string{"no-ts", "early", "late"}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("Expected comment order %v, got %s at %d", want, items[i].ID, i)
		}
	}
}
