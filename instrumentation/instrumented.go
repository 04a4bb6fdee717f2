// Package instrumentation wraps the three storage traits with Prometheus
// metrics and a per-backend circuit breaker (spec §4.9), without touching
// any backend's own implementation.
//
// Grounded on original_source's src/advice/instrumented.rs: the wrapper
// shape (hold inner + a storage-type label, decorate every method with an
// operation/backend-keyed latency histogram, and count stored/loaded items
// per domain/backend) is carried
// over one-for-one. The circuit breaker is this module's own addition —
// original_source's advice layer has no equivalent, but spec §4.9 and
// SPEC_FULL.md's DOMAIN STACK table call for sony/gobreaker guarding
// BackendError propagation so a wedged backend fails fast.
package instrumentation

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

var (
	storageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "angzarr_storage_duration_seconds",
		Help: "Storage operation latency in seconds.",
	}, []string{"operation", "storage"})

	eventsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_events_stored_total",
		Help: "Events appended, by domain and backend.",
	}, []string{"domain", "storage"})

	eventsLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_events_loaded_total",
		Help: "Events read, by domain and backend.",
	}, []string{"domain", "storage"})

	snapshotsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_snapshots_stored_total",
		Help: "Snapshots written, by namespace and backend.",
	}, []string{"namespace", "storage"})

	snapshotsLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_snapshots_loaded_total",
		Help: "Snapshots read, by namespace and backend.",
	}, []string{"namespace", "storage"})

	positionsUpdated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_positions_updated_total",
		Help: "Checkpoint positions written, by handler/domain and backend.",
	}, []string{"handler", "domain", "storage"})

	breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "angzarr_storage_breaker_trips_total",
		Help: "Circuit breaker state transitions, by backend.",
	}, []string{"storage", "to_state"})
)

// MustRegister registers this package's collectors with reg. Call once at
// startup; a second call against the same registry panics, matching
// prometheus.MustRegister's own contract.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(storageDuration, eventsStored, eventsLoaded, snapshotsStored, snapshotsLoaded, positionsUpdated, breakerTrips)
}

func observe(storageType, operation string, start time.Time) {
	storageDuration.WithLabelValues(operation, storageType).Observe(time.Since(start).Seconds())
}

func newBreaker(storageType string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "storage:" + storageType,
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerTrips.WithLabelValues(storageType, to.String()).Inc()
		},
	})
}

// EventStore wraps a storage.EventStore with metrics and a circuit
// breaker keyed by storageType (e.g. "postgres", "mongo", "memstore").
type EventStore struct {
	inner       storage.EventStore
	storageType string
	breaker     *gobreaker.CircuitBreaker
}

// NewEventStore wraps inner for metrics/circuit-breaking under storageType.
func NewEventStore(inner storage.EventStore, storageType string) *EventStore {
	return &EventStore{inner: inner, storageType: storageType, breaker: newBreaker(storageType)}
}

// Inner returns the wrapped EventStore.
func (e *EventStore) Inner() storage.EventStore { return e.inner }

func (e *EventStore) run(op string, fn func() error) error {
	start := time.Now()
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	observe(e.storageType, op, start)
	return err
}

func (e *EventStore) Add(ctx context.Context, domain, edition, root string, pages []angzarr.EventPage, correlationID string) error {
	err := e.run("event_add", func() error {
		return e.inner.Add(ctx, domain, edition, root, pages, correlationID)
	})
	if err == nil {
		eventsStored.WithLabelValues(domain, e.storageType).Add(float64(len(pages)))
	}
	return err
}

func (e *EventStore) Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error) {
	var pages []angzarr.EventPage
	err := e.run("event_get", func() (err error) {
		pages, err = e.inner.Get(ctx, domain, edition, root)
		return err
	})
	if err == nil {
		eventsLoaded.WithLabelValues(domain, e.storageType).Add(float64(len(pages)))
	}
	return pages, err
}

func (e *EventStore) GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error) {
	var pages []angzarr.EventPage
	err := e.run("event_get_from", func() (err error) {
		pages, err = e.inner.GetFrom(ctx, domain, edition, root, from)
		return err
	})
	if err == nil {
		eventsLoaded.WithLabelValues(domain, e.storageType).Add(float64(len(pages)))
	}
	return pages, err
}

func (e *EventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	var pages []angzarr.EventPage
	err := e.run("event_get_from_to", func() (err error) {
		pages, err = e.inner.GetFromTo(ctx, domain, edition, root, from, to)
		return err
	})
	if err == nil {
		eventsLoaded.WithLabelValues(domain, e.storageType).Add(float64(len(pages)))
	}
	return pages, err
}

func (e *EventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	var pages []angzarr.EventPage
	err := e.run("event_get_until_timestamp", func() (err error) {
		pages, err = e.inner.GetUntilTimestamp(ctx, domain, edition, root, ts)
		return err
	})
	if err == nil {
		eventsLoaded.WithLabelValues(domain, e.storageType).Add(float64(len(pages)))
	}
	return pages, err
}

func (e *EventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	var books []*angzarr.EventBook
	err := e.run("event_get_by_correlation", func() (err error) {
		books, err = e.inner.GetByCorrelation(ctx, correlationID)
		return err
	})
	if err == nil {
		total := 0
		for _, b := range books {
			total += len(b.Pages)
		}
		eventsLoaded.WithLabelValues("correlation_query", e.storageType).Add(float64(total))
	}
	return books, err
}

func (e *EventStore) ListRoots(ctx context.Context, domain, edition string) ([]string, error) {
	var roots []string
	err := e.run("event_list_roots", func() (err error) {
		roots, err = e.inner.ListRoots(ctx, domain, edition)
		return err
	})
	return roots, err
}

func (e *EventStore) ListDomains(ctx context.Context) ([]string, error) {
	var domains []string
	err := e.run("event_list_domains", func() (err error) {
		domains, err = e.inner.ListDomains(ctx)
		return err
	})
	return domains, err
}

func (e *EventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	var next uint32
	err := e.run("event_get_next_sequence", func() (err error) {
		next, err = e.inner.GetNextSequence(ctx, domain, edition, root)
		return err
	})
	return next, err
}

func (e *EventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	return e.run("event_delete_edition", func() error {
		return e.inner.DeleteEditionEvents(ctx, domain, edition)
	})
}

var _ storage.EventStore = (*EventStore)(nil)

// SnapshotStore wraps a storage.SnapshotStore with metrics and a circuit
// breaker keyed by storageType.
type SnapshotStore struct {
	inner       storage.SnapshotStore
	storageType string
	breaker     *gobreaker.CircuitBreaker
}

// NewSnapshotStore wraps inner for metrics/circuit-breaking under storageType.
func NewSnapshotStore(inner storage.SnapshotStore, storageType string) *SnapshotStore {
	return &SnapshotStore{inner: inner, storageType: storageType, breaker: newBreaker(storageType)}
}

func (s *SnapshotStore) Inner() storage.SnapshotStore { return s.inner }

func (s *SnapshotStore) run(op string, fn func() error) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	observe(s.storageType, op, start)
	return err
}

func (s *SnapshotStore) Get(ctx context.Context, domain, edition, root string) (*angzarr.Snapshot, error) {
	var snap *angzarr.Snapshot
	err := s.run("snapshot_get", func() (err error) {
		snap, err = s.inner.Get(ctx, domain, edition, root)
		return err
	})
	if err == nil && snap != nil {
		snapshotsLoaded.WithLabelValues(edition, s.storageType).Inc()
	}
	return snap, err
}

func (s *SnapshotStore) GetAtSeq(ctx context.Context, domain, edition, root string, seq uint32) (*angzarr.Snapshot, error) {
	var snap *angzarr.Snapshot
	err := s.run("snapshot_get_at_seq", func() (err error) {
		snap, err = s.inner.GetAtSeq(ctx, domain, edition, root, seq)
		return err
	})
	if err == nil && snap != nil {
		snapshotsLoaded.WithLabelValues(edition, s.storageType).Inc()
	}
	return snap, err
}

func (s *SnapshotStore) Put(ctx context.Context, domain, edition, root string, snap *angzarr.Snapshot) error {
	err := s.run("snapshot_put", func() error {
		return s.inner.Put(ctx, domain, edition, root, snap)
	})
	if err == nil {
		snapshotsStored.WithLabelValues(edition, s.storageType).Inc()
	}
	return err
}

func (s *SnapshotStore) Delete(ctx context.Context, domain, edition, root string) error {
	return s.run("snapshot_delete", func() error {
		return s.inner.Delete(ctx, domain, edition, root)
	})
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// PositionStore wraps a storage.PositionStore with metrics and a circuit
// breaker keyed by storageType.
type PositionStore struct {
	inner       storage.PositionStore
	storageType string
	breaker     *gobreaker.CircuitBreaker
}

// NewPositionStore wraps inner for metrics/circuit-breaking under storageType.
func NewPositionStore(inner storage.PositionStore, storageType string) *PositionStore {
	return &PositionStore{inner: inner, storageType: storageType, breaker: newBreaker(storageType)}
}

func (p *PositionStore) Inner() storage.PositionStore { return p.inner }

func (p *PositionStore) run(op string, fn func() error) error {
	start := time.Now()
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	observe(p.storageType, op, start)
	return err
}

func (p *PositionStore) Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error) {
	var seq uint32
	var ok bool
	err := p.run("position_get", func() (err error) {
		seq, ok, err = p.inner.Get(ctx, handler, domain, edition, root)
		return err
	})
	return seq, ok, err
}

func (p *PositionStore) Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error {
	err := p.run("position_put", func() error {
		return p.inner.Put(ctx, handler, domain, edition, root, sequence)
	})
	if err == nil {
		positionsUpdated.WithLabelValues(handler, domain, p.storageType).Inc()
	}
	return err
}

var _ storage.PositionStore = (*PositionStore)(nil)
