// Package memstore is the in-memory EventStore/SnapshotStore/PositionStore
// triple used by tests and by any deployment that doesn't need durability
// across restarts. It is backed by github.com/hashicorp/go-memdb, the same
// radix-tree indexed store the rest of the pack pulls in transitively
// through godog's test fixtures — no suitable pack library models a pure
// in-memory ordered log directly, so this wires memdb's generic table/index
// machinery to the angzarr key shape instead of hand-rolling a
// map-of-slices.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

const (
	tableEvents    = "events"
	tableSnapshots = "snapshots"
	tablePositions = "positions"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Domain"},
							&memdb.StringFieldIndex{Field: "Edition"},
							&memdb.StringFieldIndex{Field: "Root"},
							&memdb.UintFieldIndex{Field: "Sequence"},
						}},
					},
					"correlation": {
						Name:         "correlation",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "CorrelationID"},
					},
				},
			},
			tableSnapshots: {
				Name: tableSnapshots,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Domain"},
							&memdb.StringFieldIndex{Field: "Edition"},
							&memdb.StringFieldIndex{Field: "Root"},
						}},
					},
				},
			},
			tablePositions: {
				Name: tablePositions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Handler"},
							&memdb.StringFieldIndex{Field: "Domain"},
							&memdb.StringFieldIndex{Field: "Edition"},
							&memdb.StringFieldIndex{Field: "Root"},
						}},
					},
				},
			},
		},
	}
}

// eventRow is the memdb row shape for one persisted page.
type eventRow struct {
	Domain        string
	Edition       string
	Root          string
	Sequence      uint32
	CreatedAt     time.Time
	TypeURL       string
	Value         []byte
	CorrelationID string
}

// snapshotRow is the memdb row shape for a key's current snapshot. Only one
// row is kept per key: DEFAULT snapshots are overwritten in place;
// TRANSIENT snapshots replace a prior TRANSIENT but never a DEFAULT.
type snapshotRow struct {
	Domain    string
	Edition   string
	Root      string
	Sequence  uint32
	TypeURL   string
	Value     []byte
	Retention angzarr.SnapshotRetention
}

type positionRow struct {
	Handler  string
	Domain   string
	Edition  string
	Root     string
	Sequence uint32
}

// backend is the shared memdb handle the three store facades wrap. Add's
// check-then-append fence needs a mutex because memdb transactions don't
// serialize concurrent writers against an application-level precondition
// by themselves.
type backend struct {
	mu sync.Mutex
	db *memdb.MemDB
}

func newBackend() *backend {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// schema() is a compile-time constant; failure here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return &backend{db: db}
}

// EventStore is the memdb-backed storage.EventStore.
type EventStore struct{ *backend }

// SnapshotStore is the memdb-backed storage.SnapshotStore.
type SnapshotStore struct{ *backend }

// PositionStore is the memdb-backed storage.PositionStore.
type PositionStore struct{ *backend }

// New creates an empty, independent EventStore/SnapshotStore/PositionStore
// triple sharing one in-memory backend.
func New() (*EventStore, *SnapshotStore, *PositionStore) {
	b := newBackend()
	return &EventStore{b}, &SnapshotStore{b}, &PositionStore{b}
}

var (
	_ storage.EventStore    = (*EventStore)(nil)
	_ storage.SnapshotStore = (*SnapshotStore)(nil)
	_ storage.PositionStore = (*PositionStore)(nil)
)

func (s *EventStore) Add(ctx context.Context, domain, edition, root string, pages []angzarr.EventPage, correlationID string) error {
	if len(pages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.nextSequenceLocked(domain, edition, root)
	if err != nil {
		return err
	}
	if !angzarr.ImplicitEdition(edition).IsMainTimeline() {
		// an edition's next sequence is max(main next, edition next)
		mainNext, err := s.nextSequenceLocked(domain, angzarr.DefaultEdition, root)
		if err != nil {
			return err
		}
		if mainNext > next {
			next = mainNext
		}
	}
	if pages[0].Sequence != next {
		return angzarr.NewSequenceConflict(next, pages[0].Sequence)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	for i, p := range pages {
		row := &eventRow{
			Domain:        domain,
			Edition:       edition,
			Root:          root,
			Sequence:      next + uint32(i),
			CreatedAt:     tsToTime(p.CreatedAt),
			CorrelationID: correlationID,
		}
		if p.Event != nil {
			row.TypeURL = p.Event.TypeUrl
			row.Value = p.Event.Value
		}
		if err := txn.Insert(tableEvents, row); err != nil {
			return angzarr.NewBackendError(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *EventStore) Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error) {
	return s.GetFrom(ctx, domain, edition, root, 0)
}

func (s *EventStore) GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id_prefix", domain, edition, root)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	var pages []angzarr.EventPage
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*eventRow)
		if row.Sequence >= from {
			pages = append(pages, rowToPage(row))
		}
	}
	sortPages(pages)
	return pages, nil
}

func (s *EventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	all, err := s.GetFrom(ctx, domain, edition, root, from)
	if err != nil {
		return nil, err
	}
	var pages []angzarr.EventPage
	for _, p := range all {
		if p.Sequence < to {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

func (s *EventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	all, err := s.GetFrom(ctx, domain, edition, root, 0)
	if err != nil {
		return nil, err
	}
	var pages []angzarr.EventPage
	for _, p := range all {
		if !tsToTime(p.CreatedAt).After(ts) {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

func (s *EventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	if correlationID == "" {
		return nil, nil
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "correlation", correlationID)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	type key struct{ domain, edition, root string }
	grouped := map[key][]angzarr.EventPage{}
	var order []key
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*eventRow)
		k := key{row.Domain, row.Edition, row.Root}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], rowToPage(row))
	}

	books := make([]*angzarr.EventBook, 0, len(order))
	for _, k := range order {
		pages := grouped[k]
		sortPages(pages)
		rootUUID, err := uuid.Parse(k.root)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		book := &angzarr.EventBook{
			Cover: &angzarr.Cover{Domain: k.domain, Root: rootUUID, Edition: &angzarr.Edition{Name: k.edition}},
			Pages: pages,
		}
		book.NextSequence = book.ComputeNextSequence()
		books = append(books, book)
	}
	return books, nil
}

func (s *EventStore) ListRoots(ctx context.Context, domain, edition string) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id_prefix", domain, edition)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	seen := map[string]bool{}
	var roots []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*eventRow)
		if !seen[row.Root] {
			seen[row.Root] = true
			roots = append(roots, row.Root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func (s *EventStore) ListDomains(ctx context.Context) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id_prefix")
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	seen := map[string]bool{}
	var domains []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*eventRow)
		if !seen[row.Domain] {
			seen[row.Domain] = true
			domains = append(domains, row.Domain)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *EventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequenceLocked(domain, edition, root)
}

func (s *EventStore) nextSequenceLocked(domain, edition, root string) (uint32, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id_prefix", domain, edition, root)
	if err != nil {
		return 0, angzarr.NewBackendError(err)
	}

	var max uint32
	found := false
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*eventRow)
		if !found || row.Sequence >= max {
			max = row.Sequence
			found = true
		}
	}
	if !found {
		return 0, nil
	}
	return max + 1, nil
}

func (s *EventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableEvents, "id_prefix", domain, edition); err != nil {
		return angzarr.NewBackendError(err)
	}
	txn.Commit()
	return nil
}

// --- SnapshotStore ---

func (s *SnapshotStore) Get(ctx context.Context, domain, edition, root string) (*angzarr.Snapshot, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableSnapshots, "id", domain, edition, root)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	if raw == nil {
		return nil, nil
	}
	row := raw.(*snapshotRow)
	snap := &angzarr.Snapshot{Sequence: row.Sequence, Retention: row.Retention}
	if row.TypeURL != "" {
		snap.State = &anypb.Any{TypeUrl: row.TypeURL, Value: row.Value}
	}
	return snap, nil
}

func (s *SnapshotStore) GetAtSeq(ctx context.Context, domain, edition, root string, seq uint32) (*angzarr.Snapshot, error) {
	snap, err := s.Get(ctx, domain, edition, root)
	if err != nil || snap == nil || snap.Sequence > seq {
		return nil, err
	}
	return snap, nil
}

func (s *SnapshotStore) Put(ctx context.Context, domain, edition, root string, snap *angzarr.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if snap.Retention == angzarr.RetentionTransient {
		raw, err := txn.First(tableSnapshots, "id", domain, edition, root)
		if err != nil {
			return angzarr.NewBackendError(err)
		}
		if existing, ok := raw.(*snapshotRow); ok && existing.Retention == angzarr.RetentionDefault {
			// a DEFAULT snapshot is never displaced by a TRANSIENT one
			txn.Commit()
			return nil
		}
	}

	row := &snapshotRow{Domain: domain, Edition: edition, Root: root, Sequence: snap.Sequence, Retention: snap.Retention}
	if snap.State != nil {
		row.TypeURL = snap.State.TypeUrl
		row.Value = snap.State.Value
	}
	if err := txn.Insert(tableSnapshots, row); err != nil {
		return angzarr.NewBackendError(err)
	}
	txn.Commit()
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, domain, edition, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableSnapshots, "id", domain, edition, root); err != nil {
		return angzarr.NewBackendError(err)
	}
	txn.Commit()
	return nil
}

// --- PositionStore ---

func (s *PositionStore) Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tablePositions, "id", handler, domain, edition, root)
	if err != nil {
		return 0, false, angzarr.NewBackendError(err)
	}
	if raw == nil {
		return 0, false, nil
	}
	return raw.(*positionRow).Sequence, true, nil
}

func (s *PositionStore) Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	row := &positionRow{Handler: handler, Domain: domain, Edition: edition, Root: root, Sequence: sequence}
	if err := txn.Insert(tablePositions, row); err != nil {
		return angzarr.NewBackendError(err)
	}
	txn.Commit()
	return nil
}

func rowToPage(row *eventRow) angzarr.EventPage {
	page := angzarr.EventPage{
		Sequence:  row.Sequence,
		CreatedAt: timestamppb.New(row.CreatedAt),
	}
	if row.TypeURL != "" {
		page.Event = &anypb.Any{TypeUrl: row.TypeURL, Value: row.Value}
	}
	return page
}

func sortPages(pages []angzarr.EventPage) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].Sequence < pages[j].Sequence })
}

func tsToTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}
