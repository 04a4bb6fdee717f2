package memstore

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
)

func page(seq uint32, typeURL string) angzarr.EventPage {
	return angzarr.EventPage{Sequence: seq, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: typeURL}}
}

// S1 — basic append.
func TestEventStore_BasicAppend(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0, "P0")}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	pages, err := events.Get(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pages) != 1 || pages[0].Sequence != 0 {
		t.Fatalf("expected one page at sequence 0, got %+v", pages)
	}

	next, err := events.GetNextSequence(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if next != 1 {
		t.Errorf("expected next_sequence 1, got %d", next)
	}
}

// S2 — sequence fence.
func TestEventStore_SequenceFence(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0, "P0"), page(1, "P1")}, ""); err != nil {
		t.Fatalf("seed add: %v", err)
	}

	err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0, "P0dup")}, "")
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindSequenceConflict {
		t.Fatalf("expected SequenceConflict, got %v", err)
	}
	if ce.Expected != 2 || ce.Actual != 0 {
		t.Errorf("expected {2,0}, got {%d,%d}", ce.Expected, ce.Actual)
	}
}

// S3 — snapshot acceleration (at the storage layer: snapshot stored
// independently of events; repository composes the two).
func TestSnapshotStore_LatestAndAtSeq(t *testing.T) {
	_, snaps, _ := New()
	ctx := context.Background()

	if err := snaps.Put(ctx, "order", "angzarr", "R", &angzarr.Snapshot{Sequence: 1, State: &anypb.Any{TypeUrl: "test.State", Value: []byte("s1")}}); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := snaps.Put(ctx, "order", "angzarr", "R", &angzarr.Snapshot{Sequence: 3, State: &anypb.Any{TypeUrl: "test.State", Value: []byte("s3")}}); err != nil {
		t.Fatalf("put 3: %v", err)
	}

	latest, err := snaps.Get(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest == nil || latest.Sequence != 3 {
		t.Fatalf("expected latest sequence 3, got %+v", latest)
	}
}

func TestSnapshotStore_TransientNeverDisplacesDefault(t *testing.T) {
	_, snaps, _ := New()
	ctx := context.Background()

	if err := snaps.Put(ctx, "order", "angzarr", "R", &angzarr.Snapshot{Sequence: 5, Retention: angzarr.RetentionDefault}); err != nil {
		t.Fatalf("put default: %v", err)
	}
	if err := snaps.Put(ctx, "order", "angzarr", "R", &angzarr.Snapshot{Sequence: 9, Retention: angzarr.RetentionTransient}); err != nil {
		t.Fatalf("put transient: %v", err)
	}

	got, err := snaps.Get(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Sequence != 5 || got.Retention != angzarr.RetentionDefault {
		t.Errorf("expected default snapshot at 5 to survive, got %+v", got)
	}
}

// S4 — temporal bypasses snapshot: exercised via GetFromTo directly since
// snapshot-bypass is a repository-level policy decision.
func TestEventStore_GetFromTo(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	pages := []angzarr.EventPage{page(0, "a"), page(1, "b"), page(2, "c"), page(3, "d"), page(4, "e")}
	if err := events.Add(ctx, "order", "angzarr", "R", pages, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := events.GetFromTo(ctx, "order", "angzarr", "R", 0, 3)
	if err != nil {
		t.Fatalf("get_from_to: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pages (0,1,2), got %d", len(got))
	}
	for i, p := range got {
		if p.Sequence != uint32(i) {
			t.Errorf("page %d: expected sequence %d, got %d", i, i, p.Sequence)
		}
	}
}

// S5 — edition composition is a repository concern, but the storage layer
// must keep main/edition key-spaces fully partitioned.
func TestEventStore_EditionsAreIsolated(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0, "m0"), page(1, "m1"), page(2, "m2")}, ""); err != nil {
		t.Fatalf("main add: %v", err)
	}
	if err := events.Add(ctx, "order", "v2", "R", []angzarr.EventPage{page(3, "v3"), page(4, "v4")}, ""); err != nil {
		t.Fatalf("edition add: %v", err)
	}

	main, err := events.Get(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if len(main) != 3 {
		t.Fatalf("expected 3 main pages, got %d", len(main))
	}

	ed, err := events.Get(ctx, "order", "v2", "R")
	if err != nil {
		t.Fatalf("get edition: %v", err)
	}
	if len(ed) != 2 || ed[0].Sequence != 3 {
		t.Fatalf("expected edition pages starting at 3, got %+v", ed)
	}
}

func TestEventStore_GetByCorrelation(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "00000000-0000-0000-0000-000000000001", []angzarr.EventPage{page(0, "a")}, "corr-1"); err != nil {
		t.Fatalf("add R1: %v", err)
	}
	if err := events.Add(ctx, "inventory", "angzarr", "00000000-0000-0000-0000-000000000002", []angzarr.EventPage{page(0, "b")}, "corr-1"); err != nil {
		t.Fatalf("add R2: %v", err)
	}
	if err := events.Add(ctx, "order", "angzarr", "00000000-0000-0000-0000-000000000003", []angzarr.EventPage{page(0, "c")}, "corr-2"); err != nil {
		t.Fatalf("add R3: %v", err)
	}

	books, err := events.GetByCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("get_by_correlation: %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("expected 2 books for corr-1, got %d", len(books))
	}
}

func TestEventStore_DeleteEditionEvents(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "v2", "R", []angzarr.EventPage{page(0, "a")}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0, "m")}, ""); err != nil {
		t.Fatalf("add main: %v", err)
	}

	if err := events.DeleteEditionEvents(ctx, "order", "v2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ed, err := events.Get(ctx, "order", "v2", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(ed) != 0 {
		t.Errorf("expected edition events gone, got %+v", ed)
	}

	main, err := events.Get(ctx, "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get main: %v", err)
	}
	if len(main) != 1 {
		t.Errorf("expected main events untouched, got %+v", main)
	}
}

func TestPositionStore_GetPutRoundTrip(t *testing.T) {
	_, _, positions := New()
	ctx := context.Background()

	if _, found, err := positions.Get(ctx, "projector-a", "order", "angzarr", "R"); err != nil || found {
		t.Fatalf("expected not found, got found=%v err=%v", found, err)
	}

	if err := positions.Put(ctx, "projector-a", "order", "angzarr", "R", 7); err != nil {
		t.Fatalf("put: %v", err)
	}

	seq, found, err := positions.Get(ctx, "projector-a", "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || seq != 7 {
		t.Fatalf("expected (7,true), got (%d,%v)", seq, found)
	}
}

func TestEventStore_ListRootsAndDomains(t *testing.T) {
	events, _, _ := New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "R1", []angzarr.EventPage{page(0, "a")}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := events.Add(ctx, "order", "angzarr", "R2", []angzarr.EventPage{page(0, "b")}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := events.Add(ctx, "inventory", "angzarr", "R3", []angzarr.EventPage{page(0, "c")}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	roots, err := events.ListRoots(ctx, "order", "angzarr")
	if err != nil {
		t.Fatalf("list_roots: %v", err)
	}
	if len(roots) != 2 {
		t.Errorf("expected 2 roots, got %v", roots)
	}

	domains, err := events.ListDomains(ctx)
	if err != nil {
		t.Fatalf("list_domains: %v", err)
	}
	if len(domains) != 2 {
		t.Errorf("expected 2 domains, got %v", domains)
	}
}
