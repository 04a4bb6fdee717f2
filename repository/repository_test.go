package repository

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage/memstore"
)

func page(seq uint32) angzarr.EventPage {
	return angzarr.EventPage{Sequence: seq, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Event"}}
}

// testRoot is a well-formed root: Repository rejects non-UUID roots.
const testRoot = "11111111-1111-1111-1111-111111111111"

// S3 — snapshot acceleration.
func TestRepository_Get_SnapshotAcceleration(t *testing.T) {
	events, snaps, _ := memstore.New()
	ctx := context.Background()

	all := []angzarr.EventPage{page(0), page(1), page(2), page(3), page(4)}
	if err := events.Add(ctx, "order", "angzarr", testRoot, all, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := snaps.Put(ctx, "order", "angzarr", testRoot, &angzarr.Snapshot{Sequence: 3}); err != nil {
		t.Fatalf("snapshot put: %v", err)
	}

	repo := New(events, snaps)
	book, err := repo.Get(ctx, "order", "angzarr", testRoot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if book.Snapshot == nil || book.Snapshot.Sequence != 3 {
		t.Fatalf("expected snapshot at sequence 3, got %+v", book.Snapshot)
	}
	if len(book.Pages) != 1 || book.Pages[0].Sequence != 4 {
		t.Fatalf("expected one page at sequence 4, got %+v", book.Pages)
	}
}

// S4 — temporal bypasses snapshot.
func TestRepository_GetTemporalBySequence_BypassesSnapshot(t *testing.T) {
	events, snaps, _ := memstore.New()
	ctx := context.Background()

	all := []angzarr.EventPage{page(0), page(1), page(2), page(3), page(4)}
	if err := events.Add(ctx, "order", "angzarr", testRoot, all, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := snaps.Put(ctx, "order", "angzarr", testRoot, &angzarr.Snapshot{Sequence: 3}); err != nil {
		t.Fatalf("snapshot put: %v", err)
	}

	repo := New(events, snaps)
	book, err := repo.GetTemporalBySequence(ctx, "order", "angzarr", testRoot, 2)
	if err != nil {
		t.Fatalf("temporal: %v", err)
	}
	if book.Snapshot != nil {
		t.Errorf("expected no snapshot in temporal read, got %+v", book.Snapshot)
	}
	if len(book.Pages) != 3 {
		t.Fatalf("expected 3 pages (0,1,2), got %d", len(book.Pages))
	}
}

// S5 — edition composition.
func TestRepository_Get_EditionComposition(t *testing.T) {
	events, snaps, _ := memstore.New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", testRoot, []angzarr.EventPage{page(0), page(1), page(2)}, ""); err != nil {
		t.Fatalf("main add: %v", err)
	}
	if err := events.Add(ctx, "order", "v2", testRoot, []angzarr.EventPage{page(3), page(4)}, ""); err != nil {
		t.Fatalf("edition add: %v", err)
	}

	repo := New(events, snaps)
	book, err := repo.Get(ctx, "order", "v2", testRoot)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(book.Pages) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(book.Pages))
	}
	for i, p := range book.Pages {
		if p.Sequence != uint32(i) {
			t.Errorf("page %d: expected sequence %d, got %d", i, i, p.Sequence)
		}
	}
	if book.NextSequence != 5 {
		t.Errorf("expected next_sequence 5, got %d", book.NextSequence)
	}
}

func TestRepository_NextSequence_MaxOfMainAndEdition(t *testing.T) {
	events, _, _ := memstore.New()
	ctx := context.Background()

	if err := events.Add(ctx, "order", "angzarr", "R", []angzarr.EventPage{page(0), page(1)}, ""); err != nil {
		t.Fatalf("main add: %v", err)
	}
	if err := events.Add(ctx, "order", "v2", "R", []angzarr.EventPage{page(2), page(3), page(4)}, ""); err != nil {
		t.Fatalf("edition add: %v", err)
	}

	repo := NewRaw(events)
	next, err := repo.NextSequence(ctx, "order", "v2", "R")
	if err != nil {
		t.Fatalf("next_sequence: %v", err)
	}
	if next != 5 {
		t.Errorf("expected next_sequence 5, got %d", next)
	}
}

func TestRepository_Put_DelegatesToEventStoreAdd(t *testing.T) {
	events, _, _ := memstore.New()
	ctx := context.Background()

	repo := NewRaw(events)
	cover := angzarr.NewGeneratedCover("order", "corr-1")
	book := &angzarr.EventBook{Cover: cover, Pages: []angzarr.EventPage{page(0)}}

	if err := repo.Put(ctx, book); err != nil {
		t.Fatalf("put: %v", err)
	}

	root := angzarr.RootIDHex(cover)
	got, err := events.Get(ctx, "order", angzarr.DefaultEdition, root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 persisted page, got %d", len(got))
	}
}

func TestRepository_Get_CachesUntilInvalidatedByPut(t *testing.T) {
	events, snaps, _ := memstore.New()
	ctx := context.Background()
	cover := angzarr.NewGeneratedCover("order", "")
	root := angzarr.RootIDHex(cover)

	if err := events.Add(ctx, "order", angzarr.DefaultEdition, root, []angzarr.EventPage{page(0)}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	repo := New(events, snaps)
	first, err := repo.Get(ctx, "order", angzarr.DefaultEdition, root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(first.Pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(first.Pages))
	}

	// a direct write bypassing repo.Put must not be visible until the
	// cache entry is invalidated, demonstrating Get actually served from
	// cache rather than re-reading storage.
	if err := events.Add(ctx, "order", angzarr.DefaultEdition, root, []angzarr.EventPage{page(1)}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	cached, err := repo.Get(ctx, "order", angzarr.DefaultEdition, root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(cached.Pages) != 1 {
		t.Fatalf("expected the stale cached view (1 page) before invalidation, got %d", len(cached.Pages))
	}

	book := &angzarr.EventBook{Cover: cover, Pages: []angzarr.EventPage{page(2)}}
	if err := repo.Put(ctx, book); err != nil {
		t.Fatalf("put: %v", err)
	}

	fresh, err := repo.Get(ctx, "order", angzarr.DefaultEdition, root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(fresh.Pages) != 3 {
		t.Fatalf("expected 3 pages after Put invalidated the cache, got %d", len(fresh.Pages))
	}
}

func TestRepository_Get_NotFoundYieldsEmptyBook(t *testing.T) {
	events, snaps, _ := memstore.New()
	repo := New(events, snaps)

	book, err := repo.Get(context.Background(), "order", "angzarr", "00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(book.Pages) != 0 || book.Snapshot != nil {
		t.Errorf("expected empty book for unknown aggregate, got %+v", book)
	}
}
