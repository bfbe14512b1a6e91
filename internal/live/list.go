// Package live exposes the observable surface of the realtime engine: ordered
// entity lists that stay reconciled against the store while change events
// stream in, and per-document presence rosters.
//
// A List owns one parent scope's collection at a time. Consumers never mutate
// the collection; they request mutations through the store and observe the
// resulting change events (single-writer discipline). Snapshots returned to
// consumers are copies and stay valid after later applies.
package live

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/denvudd/taskflow/internal/reconcile"
	"github.com/denvudd/taskflow/internal/stream"
	"github.com/denvudd/taskflow/internal/types"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 50

// enrichTimeout bounds a single best-effort enrichment re-fetch.
const enrichTimeout = 10 * time.Second

// Source binds a List to its snapshot loader and change stream.
type Source[E reconcile.Entity[E]] struct {
	// Load fetches one ordered page of the scope's entities plus the total
	// row count matching the query.
	Load func(ctx context.Context, scopeID string, rng types.PageRange) ([]E, int, error)

	// Subscribe opens the change-stream subscription for the scope.
	Subscribe func(scopeID string) (*stream.Subscription, error)

	// Decode extracts this list's entity from a stream event. ok is false
	// for events of other tables.
	Decode func(stream.Event) (reconcile.ChangeType, E, bool)

	// NeedsEnrich reports whether a change payload arrived without its
	// denormalized relations. Nil means payloads are always complete.
	NeedsEnrich func(E) bool

	// Enrich re-fetches the full entity for a raw payload. Best effort: on
	// failure the raw payload is used instead. Nil disables enrichment.
	Enrich func(ctx context.Context, id string) (E, error)
}

// Snapshot is the list's observable state at one point in time.
//
// TotalCount is -1 until the server has reported a count. Loading flags are
// scoped separately: IsLoading covers the initial page of a scope, Err from a
// channel hiccup is sticky but never clears Items.
type Snapshot[E any] struct {
	Items         []E
	IsLoading     bool
	IsLoadingMore bool
	HasMore       bool
	TotalCount    int
	Err           error
}

// List keeps an ordered, paginated view of one parent scope reconciled with
// the change stream.
//
// All collection mutation funnels through the list's internal state lock and
// the per-scope event goroutine, so each apply is atomic with respect to
// observers.
type List[E reconcile.Entity[E]] struct {
	source   Source[E]
	pageSize int
	logger   *log.Logger

	mu          sync.Mutex
	coll        *reconcile.Collection[E]
	scopeID     string
	gen         int // bumped on every scope change; stale results are discarded
	loadedCount int
	totalCount  int // -1 until known
	loading     bool
	loadingMore bool
	err         error
	sub         *stream.Subscription

	updates chan struct{}
}

// NewList creates a list over the given source. Call LoadInitial to bind it
// to a scope.
//
// If logger is nil, a default logger writing to stderr is used.
func NewList[E reconcile.Entity[E]](source Source[E], pageSize int, logger *log.Logger) *List[E] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[live] ", log.LstdFlags)
	}
	return &List[E]{
		source:     source,
		pageSize:   pageSize,
		logger:     logger,
		coll:       reconcile.NewCollection[E](logger),
		totalCount: -1,
		updates:    make(chan struct{}, 1),
	}
}

// LoadInitial binds the list to a parent scope: any previous scope's channel
// is torn down first, the collection is reset, the first page is loaded, and
// the change-stream subscription is attached.
//
// A fetch error here is a blocking error state (the scope has no data yet).
// Recovery is an explicit Refetch, not automatic retries.
func (l *List[E]) LoadInitial(ctx context.Context, scopeID string) error {
	if scopeID == "" {
		return fmt.Errorf("scope id is required")
	}

	l.mu.Lock()
	l.gen++
	gen := l.gen
	oldSub := l.sub
	l.sub = nil
	l.scopeID = scopeID
	l.coll.Reset()
	l.loadedCount = 0
	l.totalCount = -1
	l.loading = true
	l.loadingMore = false
	l.err = nil
	l.mu.Unlock()
	l.notify()

	// Tear the previous channel down before attaching the new one: a stale
	// channel must never deliver events into another scope's collection.
	if oldSub != nil {
		oldSub.Close()
	}

	page, total, err := l.source.Load(ctx, scopeID, types.PageFrom(0, l.pageSize))

	l.mu.Lock()
	if gen != l.gen {
		// The scope changed while the page was in flight; discard.
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		l.loading = false
		l.err = err
		l.mu.Unlock()
		l.notify()
		return err
	}
	added := l.coll.ApplySnapshot(page, true)
	l.loadedCount = added
	l.totalCount = total
	l.loading = false
	l.mu.Unlock()
	l.notify()

	sub, err := l.source.Subscribe(scopeID)
	if err != nil {
		// Data is loaded; a subscribe failure is the recoverable channel
		// error state, not a reason to blank the view.
		l.logger.Printf("Failed to subscribe to %s: %v", scopeID, err)
		l.setErr(gen, fmt.Errorf("%w: %v", stream.ErrChannelError, err))
		return nil
	}

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		sub.Close()
		return nil
	}
	l.sub = sub
	l.mu.Unlock()

	go l.consume(sub, gen)
	return nil
}

// LoadMore requests the next page. It is a no-op while another load is in
// flight or when the collection is complete: concurrent calls coalesce, at
// most one page request is outstanding per scope.
func (l *List[E]) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	if l.loading || l.loadingMore || !l.hasMoreLocked() || l.scopeID == "" {
		l.mu.Unlock()
		return nil
	}
	l.loadingMore = true
	gen := l.gen
	scopeID := l.scopeID
	offset := l.loadedCount
	l.mu.Unlock()
	l.notify()

	page, total, err := l.source.Load(ctx, scopeID, types.PageFrom(offset, l.pageSize))

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return nil
	}
	l.loadingMore = false
	if err != nil {
		l.err = err
		l.mu.Unlock()
		l.notify()
		return err
	}

	if len(page) == 0 {
		// The server's count drifted (concurrent deletes): clamp so hasMore
		// settles instead of requesting the same empty page forever.
		l.totalCount = l.loadedCount
	} else {
		added := l.coll.ApplySnapshot(page, false)
		l.loadedCount += added
		l.totalCount = total
	}
	l.mu.Unlock()
	l.notify()
	return nil
}

// Refetch reloads the first page of the current scope, keeping the existing
// channel attached. This is the single manual retry path after a fetch error.
func (l *List[E]) Refetch(ctx context.Context) error {
	l.mu.Lock()
	if l.scopeID == "" {
		l.mu.Unlock()
		return fmt.Errorf("no scope loaded")
	}
	gen := l.gen
	scopeID := l.scopeID
	l.loading = true
	l.err = nil
	l.mu.Unlock()
	l.notify()

	page, total, err := l.source.Load(ctx, scopeID, types.PageFrom(0, l.pageSize))

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return nil
	}
	l.loading = false
	if err != nil {
		l.err = err
		l.mu.Unlock()
		l.notify()
		return err
	}
	added := l.coll.ApplySnapshot(page, true)
	l.loadedCount = added
	l.totalCount = total
	l.mu.Unlock()
	l.notify()
	return nil
}

// Close detaches the list from its scope and tears the channel down.
func (l *List[E]) Close() {
	l.mu.Lock()
	l.gen++
	sub := l.sub
	l.sub = nil
	l.scopeID = ""
	l.coll.Reset()
	l.loadedCount = 0
	l.totalCount = -1
	l.loading = false
	l.loadingMore = false
	l.err = nil
	l.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	l.notify()
}

// Snapshot returns the current observable state. The Items slice is a copy.
func (l *List[E]) Snapshot() Snapshot[E] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot[E]{
		Items:         l.coll.Items(),
		IsLoading:     l.loading,
		IsLoadingMore: l.loadingMore,
		HasMore:       l.hasMoreLocked(),
		TotalCount:    l.totalCount,
		Err:           l.err,
	}
}

// Updates returns a channel that receives a notification after every state
// change. Bursts coalesce; consumers re-read Snapshot on each wakeup.
func (l *List[E]) Updates() <-chan struct{} {
	return l.updates
}

// consume is the per-scope event loop: it applies change events and lifecycle
// transitions until the subscription closes or the scope moves on.
func (l *List[E]) consume(sub *stream.Subscription, gen int) {
	events := sub.Events()
	states := sub.States()

	for events != nil || states != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.applyEvent(gen, ev)

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			l.applyState(gen, st)
		}
	}
}

// applyEvent reconciles one change event into the collection.
func (l *List[E]) applyEvent(gen int, ev stream.Event) {
	changeType, entity, ok := l.source.Decode(ev)
	if !ok {
		return
	}

	// Enrichment happens before taking the lock: it is a network fetch and
	// must not block observers. Raw payloads lack denormalized relations;
	// a failed re-fetch degrades to the raw payload rather than dropping
	// the event.
	if changeType != reconcile.ChangeDelete && l.source.Enrich != nil &&
		l.source.NeedsEnrich != nil && l.source.NeedsEnrich(entity) {
		ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
		enriched, err := l.source.Enrich(ctx, entity.EntityID())
		cancel()
		if err != nil {
			l.logger.Printf("Enrichment fetch for %s failed, applying raw payload: %v", entity.EntityID(), err)
		} else {
			entity = enriched
		}
	}

	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}

	changed := l.coll.ApplyChange(reconcile.Change[E]{Type: changeType, Entity: entity})
	if changed {
		// Keep the pagination ledger consistent with rows materialized or
		// removed out of band, so hasMore does not drift.
		switch changeType {
		case reconcile.ChangeInsert:
			l.loadedCount++
			if l.totalCount >= 0 {
				l.totalCount++
			}
		case reconcile.ChangeDelete:
			if l.loadedCount > 0 {
				l.loadedCount--
			}
			if l.totalCount > 0 {
				l.totalCount--
			}
		}
	}
	l.mu.Unlock()

	if changed {
		l.notify()
	}
}

// applyState reacts to a channel lifecycle transition. Error states are
// sticky flags; they never clear already-reconciled data. A successful
// re-subscribe clears the flag.
func (l *List[E]) applyState(gen int, st stream.StateChange) {
	switch st.State {
	case stream.StateChannelError, stream.StateTimedOut:
		cause := st.Err
		if cause == nil {
			if st.State == stream.StateTimedOut {
				cause = stream.ErrSubscribeTimeout
			} else {
				cause = stream.ErrChannelError
			}
		}
		l.logger.Printf("Channel error on scope %s: %v", l.currentScope(), cause)
		l.setErr(gen, cause)

	case stream.StateSubscribed:
		l.mu.Lock()
		if gen == l.gen && l.err != nil {
			l.err = nil
			l.mu.Unlock()
			l.notify()
			return
		}
		l.mu.Unlock()

	case stream.StateClosed, stream.StateConnecting:
		// Expected transitions; nothing to surface.
	}
}

// setErr records a sticky, non-blocking error for the current generation.
func (l *List[E]) setErr(gen int, err error) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.err = err
	l.mu.Unlock()
	l.notify()
}

func (l *List[E]) currentScope() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scopeID
}

// hasMoreLocked reports whether the remote collection has unloaded rows.
// Caller holds l.mu.
func (l *List[E]) hasMoreLocked() bool {
	return l.totalCount < 0 || l.loadedCount < l.totalCount
}

// notify wakes observers without blocking; bursts coalesce into one wakeup.
func (l *List[E]) notify() {
	select {
	case l.updates <- struct{}{}:
	default:
	}
}
