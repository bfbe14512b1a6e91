// Package reconcile implements the list reconciliation engine: an ordered,
// duplicate-free, in-memory collection that merges paginated snapshot loads
// with out-of-band insert/update/delete events from the change stream.
//
// The collection is intentionally not safe for concurrent use. All mutation
// is expected to happen on a single owning goroutine (the live list's event
// loop), which makes each apply operation atomic without locking.
package reconcile

import (
	"log"
	"os"
	"slices"
)

// Entity is the contract the collection requires of its element type.
//
// CompareOrder defines the ordering key comparison; it must return a negative
// number, zero, or a positive number as the receiver sorts before, equal to,
// or after the argument. Entities comparing equal keep their arrival order
// (stable sort).
//
// MergeFrom overlays an incoming post-image onto the receiver, returning the
// merged entity. Incoming fields win; denormalized relations absent from the
// incoming payload must be preserved from the receiver.
type Entity[E any] interface {
	EntityID() string
	CompareOrder(E) int
	MergeFrom(E) E
}

// ChangeType tags a change event.
type ChangeType int

const (
	// ChangeInsert carries the post-image of a newly created entity.
	ChangeInsert ChangeType = iota
	// ChangeUpdate carries the post-image of a modified entity.
	ChangeUpdate
	// ChangeDelete carries the pre-image of a removed entity.
	ChangeDelete
)

// String returns a human-readable representation of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a single change event to apply to the collection.
type Change[E Entity[E]] struct {
	Type   ChangeType
	Entity E
}

// Collection is the canonical ordered in-memory view of one parent scope's
// entities. It stays sorted by ordering key and free of duplicate ids after
// every apply operation, and tolerates at-least-once, reordered delivery of
// change events.
type Collection[E Entity[E]] struct {
	items  []E
	index  map[string]int // id -> position in items
	logger *log.Logger
}

// NewCollection creates an empty collection.
//
// If logger is nil, a default logger writing to stderr is used.
func NewCollection[E Entity[E]](logger *log.Logger) *Collection[E] {
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Collection[E]{
		index:  make(map[string]int),
		logger: logger,
	}
}

// ApplySnapshot merges a snapshot page into the collection.
//
// If replace is true (first page of a fresh load), the collection is cleared
// and replaced by the page. Otherwise entities already present by id are
// dropped from the incoming page (idempotent merge) and the remainder is
// appended. In both cases the collection is re-sorted afterwards.
//
// Returns the number of genuinely new rows added, which is what pagination
// must advance loadedCount by: rows already materialized via a realtime
// insert are not double-counted.
func (c *Collection[E]) ApplySnapshot(page []E, replace bool) int {
	if replace {
		c.items = c.items[:0]
		clear(c.index)
	}

	added := 0
	for _, e := range page {
		if _, exists := c.index[e.EntityID()]; exists {
			continue
		}
		c.index[e.EntityID()] = len(c.items)
		c.items = append(c.items, e)
		added++
	}

	c.resort()
	return added
}

// ApplyChange applies a single change event. Returns true if the collection
// was modified.
func (c *Collection[E]) ApplyChange(ch Change[E]) bool {
	switch ch.Type {
	case ChangeInsert:
		return c.ApplyInsert(ch.Entity)
	case ChangeUpdate:
		return c.ApplyUpdate(ch.Entity)
	case ChangeDelete:
		return c.ApplyDelete(ch.Entity.EntityID())
	default:
		c.logger.Printf("Ignoring change with unknown type %d", ch.Type)
		return false
	}
}

// ApplyInsert adds an entity unless an entity with the same id is already
// present, in which case the insert is a no-op. This makes insert application
// idempotent and safe under at-least-once delivery: the entity may already
// have been observed via a snapshot page or an earlier event.
func (c *Collection[E]) ApplyInsert(e E) bool {
	if _, exists := c.index[e.EntityID()]; exists {
		c.logger.Printf("Insert for %s is a duplicate, skipping", e.EntityID())
		return false
	}

	c.index[e.EntityID()] = len(c.items)
	c.items = append(c.items, e)
	c.resort()
	return true
}

// ApplyUpdate shallow-merges the incoming post-image onto the existing entity
// and re-sorts (the ordering key may have changed, e.g. drag-reorder).
//
// An update for an id not present locally is a no-op: the row may belong to a
// page that was never loaded, and materializing it here would desynchronize
// the pagination counts. The skip is logged for diagnostics.
func (c *Collection[E]) ApplyUpdate(e E) bool {
	pos, exists := c.index[e.EntityID()]
	if !exists {
		c.logger.Printf("Update for %s not in loaded range, skipping", e.EntityID())
		return false
	}

	c.items[pos] = c.items[pos].MergeFrom(e)
	c.resort()
	return true
}

// ApplyDelete removes the entity with the given id. Deleting an unknown id is
// a no-op, not an error: delete notifications may arrive for scopes this
// collection never represented.
func (c *Collection[E]) ApplyDelete(id string) bool {
	pos, exists := c.index[id]
	if !exists {
		return false
	}

	c.items = append(c.items[:pos], c.items[pos+1:]...)
	delete(c.index, id)
	c.reindex()
	return true
}

// Reset clears the collection.
func (c *Collection[E]) Reset() {
	c.items = c.items[:0]
	clear(c.index)
}

// Contains reports whether an entity with the given id is present.
func (c *Collection[E]) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Get returns the entity with the given id.
func (c *Collection[E]) Get(id string) (E, bool) {
	pos, ok := c.index[id]
	if !ok {
		var zero E
		return zero, false
	}
	return c.items[pos], true
}

// Len returns the number of entities in the collection.
func (c *Collection[E]) Len() int {
	return len(c.items)
}

// Items returns a copy of the ordered collection. The returned slice is the
// caller's to keep; later apply operations do not mutate it.
func (c *Collection[E]) Items() []E {
	return slices.Clone(c.items)
}

// resort restores the ordering-key invariant. The sort is stable so entities
// with equal ordering keys keep their original arrival order.
func (c *Collection[E]) resort() {
	slices.SortStableFunc(c.items, func(a, b E) int {
		return a.CompareOrder(b)
	})
	c.reindex()
}

// reindex rebuilds the id index after positions shifted.
func (c *Collection[E]) reindex() {
	for i, e := range c.items {
		c.index[e.EntityID()] = i
	}
}
