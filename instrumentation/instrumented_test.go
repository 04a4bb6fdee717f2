package instrumentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage/memstore"
)

func page(seq uint32) angzarr.EventPage {
	return angzarr.EventPage{Sequence: seq, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Event"}}
}

func TestEventStore_DelegatesAndCountsOnSuccess(t *testing.T) {
	inner, _, _ := memstore.New()
	es := NewEventStore(inner, "memstore-test-1")

	if err := es.Add(context.Background(), "order", "angzarr", "R", []angzarr.EventPage{page(0)}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	pages, err := es.Get(context.Background(), "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
}

type failingEventStore struct{}

func (failingEventStore) Add(ctx context.Context, domain, edition, root string, pages []angzarr.EventPage, correlationID string) error {
	return errors.New("boom")
}
func (failingEventStore) Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) ListRoots(ctx context.Context, domain, edition string) ([]string, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) ListDomains(ctx context.Context) ([]string, error) {
	return nil, errors.New("boom")
}
func (failingEventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	return 0, errors.New("boom")
}
func (failingEventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	return errors.New("boom")
}

func TestEventStore_PropagatesInnerError(t *testing.T) {
	es := NewEventStore(failingEventStore{}, "always-fails")

	if err := es.Add(context.Background(), "order", "angzarr", "R", []angzarr.EventPage{page(0)}, ""); err == nil {
		t.Fatal("expected the inner error to propagate")
	}
}

func TestPositionStore_CountsOnSuccessfulPut(t *testing.T) {
	_, _, inner := memstore.New()
	ps := NewPositionStore(inner, "memstore-test-2")

	if err := ps.Put(context.Background(), "handler-a", "order", "angzarr", "R", 3); err != nil {
		t.Fatalf("put: %v", err)
	}
	seq, ok, err := ps.Get(context.Background(), "handler-a", "order", "angzarr", "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || seq != 3 {
		t.Fatalf("expected (3, true), got (%d, %v)", seq, ok)
	}
}
