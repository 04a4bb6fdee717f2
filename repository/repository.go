// Package repository translates (domain, edition, root) identity into
// storage.EventStore/SnapshotStore operations and layers the edition
// composition algorithm (spec §4.2) over any backend, so edition support
// is free for every storage implementation rather than wired once inside
// the coordinator (grounded on original_source's src/standalone/edition,
// which keeps this separation explicit).
package repository

import (
	"context"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

// DefaultCacheSize bounds the in-process composite-read cache New
// installs by default — large enough to help a hot set of aggregates
// without holding every book a long-running process ever touched.
const DefaultCacheSize = 4096

// Repository assembles EventBooks from an EventStore and, optionally, a
// SnapshotStore. The snapshot_read_enabled flag lets callers that must
// replay from zero (e.g. the raw event-query path) disable snapshot use
// without standing up a second repository.
type Repository struct {
	Events    storage.EventStore
	Snapshots storage.SnapshotStore

	// SnapshotReadEnabled gates whether Get consults the snapshot store.
	// Off by default for repositories built via NewRaw.
	SnapshotReadEnabled bool

	// cache holds Get's composite read result keyed by (domain, edition,
	// root); nil disables caching (NewRaw's replay-from-zero tools must
	// never see a stale cached view). Put invalidates the affected key.
	cache *lru.Cache[string, *angzarr.EventBook]
}

// New creates a Repository with snapshot reads enabled and a bounded
// composite-read cache of DefaultCacheSize entries. Grounded on the
// teacher's indirect golang-lru/v2 dependency and on ddelange-serving's
// use of the same package for a hot-path lookup cache in front of a
// slower backing read.
func New(events storage.EventStore, snapshots storage.SnapshotStore) *Repository {
	cache, err := lru.New[string, *angzarr.EventBook](DefaultCacheSize)
	if err != nil {
		// DefaultCacheSize is a positive compile-time constant; this
		// branch only fires for size <= 0, a programming error.
		panic(err)
	}
	return &Repository{Events: events, Snapshots: snapshots, SnapshotReadEnabled: true, cache: cache}
}

// NewRaw creates a Repository that never consults snapshots, for tools
// that must replay history from zero (spec §4.3). Raw repositories never
// cache: a replay tool, by construction, wants to see storage as it
// actually is right now.
func NewRaw(events storage.EventStore) *Repository {
	return &Repository{Events: events, SnapshotReadEnabled: false}
}

// Get loads the composite current view for (domain, edition, root),
// optimised with the latest snapshot when enabled (spec I3) and served
// from the in-process cache when present and warm.
func (r *Repository) Get(ctx context.Context, domain, edition, root string) (*angzarr.EventBook, error) {
	key := cacheKey(domain, edition, root)
	if r.cache != nil {
		if book, ok := r.cache.Get(key); ok {
			return book, nil
		}
	}

	var snap *angzarr.Snapshot
	from := uint32(0)

	if r.SnapshotReadEnabled && r.Snapshots != nil {
		s, err := r.Snapshots.Get(ctx, domain, edition, root)
		if err != nil {
			return nil, err
		}
		if s != nil {
			snap = s
			from = s.Sequence + 1
		}
	}

	pages, err := r.readComposite(ctx, domain, edition, root, from, math.MaxUint32)
	if err != nil {
		return nil, err
	}

	rootUUID, err := rootFromHex(root)
	if err != nil {
		return nil, err
	}

	book := &angzarr.EventBook{
		Cover:    &angzarr.Cover{Domain: domain, Root: rootUUID, Edition: angzarr.ImplicitEdition(edition)},
		Pages:    pages,
		Snapshot: snap,
	}
	book.NextSequence = book.ComputeNextSequence()
	if snap != nil && book.NextSequence == 0 {
		book.NextSequence = snap.Sequence + 1
	}

	if r.cache != nil {
		r.cache.Add(key, book)
	}
	return book, nil
}

func cacheKey(domain, edition, root string) string {
	return domain + "\x00" + edition + "\x00" + root
}

// GetFromTo is a raw range read; snapshots are never consulted (range
// results are raw history, spec §4.3).
func (r *Repository) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) (*angzarr.EventBook, error) {
	pages, err := r.readComposite(ctx, domain, edition, root, from, to)
	if err != nil {
		return nil, err
	}
	return bookFrom(domain, edition, root, pages)
}

// GetTemporalBySequence forces snapshot bypass and returns raw events with
// sequence <= n.
func (r *Repository) GetTemporalBySequence(ctx context.Context, domain, edition, root string, n uint32) (*angzarr.EventBook, error) {
	pages, err := r.readComposite(ctx, domain, edition, root, 0, n+1)
	if err != nil {
		return nil, err
	}
	return bookFrom(domain, edition, root, pages)
}

// GetTemporalByTime forces snapshot bypass and returns raw events with
// created_at <= ts.
func (r *Repository) GetTemporalByTime(ctx context.Context, domain, edition, root string, ts time.Time) (*angzarr.EventBook, error) {
	if angzarr.ImplicitEdition(edition).IsMainTimeline() {
		pages, err := r.Events.GetUntilTimestamp(ctx, domain, angzarr.DefaultEdition, root, ts)
		if err != nil {
			return nil, err
		}
		return bookFrom(domain, edition, root, pages)
	}

	main, err := r.Events.GetUntilTimestamp(ctx, domain, angzarr.DefaultEdition, root, ts)
	if err != nil {
		return nil, err
	}
	ed, err := r.Events.GetUntilTimestamp(ctx, domain, edition, root, ts)
	if err != nil {
		return nil, err
	}
	D, err := r.divergence(ctx, domain, edition, root)
	if err != nil {
		return nil, err
	}
	var mainPages []angzarr.EventPage
	for _, p := range main {
		if p.Sequence < D {
			mainPages = append(mainPages, p)
		}
	}
	pages := spliceAtDivergence(mainPages, ed, 0, D)
	return bookFrom(domain, edition, root, pages)
}

// Put extracts (domain, root, correlation_id) from book.Cover and
// delegates to EventStore.Add under the cover's edition.
func (r *Repository) Put(ctx context.Context, book *angzarr.EventBook) error {
	if book == nil || book.Cover == nil {
		return angzarr.NewInvalidArgument("missing cover")
	}
	root := angzarr.RootIDHex(book.Cover)
	if err := r.Events.Add(ctx, book.Cover.Domain, book.Cover.EditionName(), root, book.Pages, book.Cover.CorrelationID); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Remove(cacheKey(book.Cover.Domain, book.Cover.EditionName(), root))
	}
	return nil
}

// NextSequence returns max(main_next_sequence, edition_next_sequence) per
// spec §4.2.
func (r *Repository) NextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	mainNext, err := r.Events.GetNextSequence(ctx, domain, angzarr.DefaultEdition, root)
	if err != nil {
		return 0, err
	}
	if angzarr.ImplicitEdition(edition).IsMainTimeline() {
		return mainNext, nil
	}
	edNext, err := r.Events.GetNextSequence(ctx, domain, edition, root)
	if err != nil {
		return 0, err
	}
	if edNext > mainNext {
		return edNext, nil
	}
	return mainNext, nil
}

// readComposite implements the edition composition read algorithm:
//
//	read(E, from) = main[from, D) ++ edition(E)[max(from, D), to)
//
// where D is the minimum stored sequence under the edition (or +inf if the
// edition has no events yet, i.e. the timeline hasn't diverged).
func (r *Repository) readComposite(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	if angzarr.ImplicitEdition(edition).IsMainTimeline() {
		return r.Events.GetFromTo(ctx, domain, angzarr.DefaultEdition, root, from, to)
	}

	D, err := r.divergence(ctx, domain, edition, root)
	if err != nil {
		return nil, err
	}

	mainTo := to
	if D < mainTo {
		mainTo = D
	}
	var mainPages []angzarr.EventPage
	if from < mainTo {
		mainPages, err = r.Events.GetFromTo(ctx, domain, angzarr.DefaultEdition, root, from, mainTo)
		if err != nil {
			return nil, err
		}
	}

	edFrom := from
	if D > edFrom {
		edFrom = D
	}
	var edPages []angzarr.EventPage
	if edFrom < to {
		edPages, err = r.Events.GetFromTo(ctx, domain, edition, root, edFrom, to)
		if err != nil {
			return nil, err
		}
	}

	return spliceAtDivergence(mainPages, edPages, from, D), nil
}

// divergence returns D, the minimum stored sequence in the edition's own
// key-space, or math.MaxUint32 if the edition hasn't diverged yet.
func (r *Repository) divergence(ctx context.Context, domain, edition, root string) (uint32, error) {
	if angzarr.ImplicitEdition(edition).IsMainTimeline() {
		return math.MaxUint32, nil
	}
	pages, err := r.Events.GetFrom(ctx, domain, edition, root, 0)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return math.MaxUint32, nil
	}
	min := pages[0].Sequence
	for _, p := range pages {
		if p.Sequence < min {
			min = p.Sequence
		}
	}
	return min, nil
}

// spliceAtDivergence concatenates already-range-filtered main and edition
// pages and sorts the result, enforcing I4 (no duplicates, no gaps) by
// construction: main only ever supplies sequences < D, edition only >= D.
func spliceAtDivergence(main, edition []angzarr.EventPage, _ uint32, _ uint32) []angzarr.EventPage {
	pages := make([]angzarr.EventPage, 0, len(main)+len(edition))
	pages = append(pages, main...)
	pages = append(pages, edition...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Sequence < pages[j].Sequence })
	return pages
}

func bookFrom(domain, edition, root string, pages []angzarr.EventPage) (*angzarr.EventBook, error) {
	rootUUID, err := rootFromHex(root)
	if err != nil {
		return nil, err
	}
	book := &angzarr.EventBook{
		Cover: &angzarr.Cover{Domain: domain, Root: rootUUID, Edition: angzarr.ImplicitEdition(edition)},
		Pages: pages,
	}
	book.NextSequence = book.ComputeNextSequence()
	return book, nil
}

func rootFromHex(root string) (uuid.UUID, error) {
	id, err := uuid.Parse(root)
	if err != nil {
		return uuid.UUID{}, angzarr.NewInvalidArgument("malformed root: " + err.Error())
	}
	return id, nil
}
