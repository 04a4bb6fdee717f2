package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benjaminabbitt/angzarr-sub000"
)

// These tests need a real PostgreSQL instance: set ANGZARR_TEST_POSTGRES_DSN
// to run them. They're skipped otherwise, the same gate the rest of the
// pack's postgres adapter tests use for anything that needs a live backend.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("ANGZARR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANGZARR_TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := pool.Exec(context.Background(), Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestEventStore_AddAndGet_RoundTrips(t *testing.T) {
	pool := testPool(t)
	events, _, _ := New(pool)
	root := uuid.New().String()

	err := events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{
		{Sequence: 0, CreatedAt: angzarr.Now()},
		{Sequence: 1, CreatedAt: angzarr.Now()},
	}, "corr-1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	pages, err := events.Get(context.Background(), "orders", "v1", root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
}

func TestEventStore_Add_RejectsSequenceConflict(t *testing.T) {
	pool := testPool(t)
	events, _, _ := New(pool)
	root := uuid.New().String()

	if err := events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{{Sequence: 0, CreatedAt: angzarr.Now()}}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	err := events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{{Sequence: 0, CreatedAt: angzarr.Now()}}, "")
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindSequenceConflict {
		t.Fatalf("expected SequenceConflict, got %v", err)
	}
}

func TestSnapshotStore_Put_TransientNeverDisplacesDefault(t *testing.T) {
	pool := testPool(t)
	_, snaps, _ := New(pool)
	root := uuid.New().String()

	if err := snaps.Put(context.Background(), "orders", "v1", root, &angzarr.Snapshot{Sequence: 5, Retention: angzarr.RetentionDefault}); err != nil {
		t.Fatalf("put default: %v", err)
	}
	if err := snaps.Put(context.Background(), "orders", "v1", root, &angzarr.Snapshot{Sequence: 9, Retention: angzarr.RetentionTransient}); err != nil {
		t.Fatalf("put transient: %v", err)
	}

	got, err := snaps.Get(context.Background(), "orders", "v1", root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Sequence != 5 {
		t.Errorf("expected the DEFAULT snapshot to survive, got sequence %d", got.Sequence)
	}
}

func TestPositionStore_PutThenGet(t *testing.T) {
	pool := testPool(t)
	_, _, positions := New(pool)
	root := uuid.New().String()

	if err := positions.Put(context.Background(), "projector-1", "orders", "v1", root, 7); err != nil {
		t.Fatalf("put: %v", err)
	}
	seq, ok, err := positions.Get(context.Background(), "projector-1", "orders", "v1", root)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || seq != 7 {
		t.Fatalf("expected (7, true), got (%d, %v)", seq, ok)
	}
}
