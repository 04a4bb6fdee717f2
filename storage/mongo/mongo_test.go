package mongo

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/benjaminabbitt/angzarr-sub000"
)

// These tests need a real MongoDB instance: set ANGZARR_TEST_MONGO_URI to
// run them. Skipped otherwise, mirroring the gate storage/postgres uses.
func testDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("ANGZARR_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ANGZARR_TEST_MONGO_URI not set")
	}
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	db := client.Database("angzarr_test_" + uuid.NewString())
	t.Cleanup(func() { db.Drop(context.Background()) })
	return db
}

func TestEventStore_AddAndGet_RoundTrips(t *testing.T) {
	events, _, _, err := New(context.Background(), testDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	root := uuid.New().String()

	if err := events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{
		{Sequence: 0, CreatedAt: angzarr.Now()},
		{Sequence: 1, CreatedAt: angzarr.Now()},
	}, "corr-1"); err != nil {
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
	events, _, _, err := New(context.Background(), testDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	root := uuid.New().String()

	if err := events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{{Sequence: 0, CreatedAt: angzarr.Now()}}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	err = events.Add(context.Background(), "orders", "v1", root, []angzarr.EventPage{{Sequence: 0, CreatedAt: angzarr.Now()}}, "")
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindSequenceConflict {
		t.Fatalf("expected SequenceConflict, got %v", err)
	}
}

func TestSnapshotStore_Put_TransientNeverDisplacesDefault(t *testing.T) {
	_, snaps, _, err := New(context.Background(), testDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
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
	_, _, positions, err := New(context.Background(), testDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
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
