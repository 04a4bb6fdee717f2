// Package storage defines the three traits every angzarr backend
// implements: EventStore, SnapshotStore, and PositionStore. Backends
// (memstore, postgres, mongo, dynamo) conform to these contracts
// bit-for-bit so the repository and coordinator never branch on backend
// identity.
package storage

import (
	"context"
	"time"

	"github.com/benjaminabbitt/angzarr-sub000"
)

// Key identifies one aggregate's event stream within one edition.
type Key struct {
	Domain  string
	Edition string
	Root    string // hex-encoded UUID, the backend-native row-key form
}

// EventStore is the append-only, sequence-fenced event log contract.
//
// add is the only write path; its precondition (pages[0].Sequence ==
// next_sequence) is the sole concurrency gate in the system (spec I2).
type EventStore interface {
	// Add appends pages to the (domain, edition, root) stream. Returns
	// angzarr.CoordinatorError{Kind: KindSequenceConflict} if
	// pages[0].Sequence doesn't match the current next_sequence.
	Add(ctx context.Context, domain, edition, root string, pages []angzarr.EventPage, correlationID string) error

	// Get returns all pages for (domain, edition, root), ordered by sequence.
	Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error)

	// GetFrom returns pages with sequence >= from.
	GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error)

	// GetFromTo returns pages with from <= sequence < to (to exclusive).
	GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error)

	// GetUntilTimestamp returns all pages with CreatedAt <= ts.
	GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error)

	// GetByCorrelation returns one EventBook per (domain, edition, root)
	// whose pages carry the given correlation id, pages sorted by sequence.
	GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error)

	// ListRoots lists every root with at least one persisted page under
	// (domain, edition).
	ListRoots(ctx context.Context, domain, edition string) ([]string, error)

	// ListDomains lists every domain with at least one persisted page.
	ListDomains(ctx context.Context) ([]string, error)

	// GetNextSequence returns the next sequence to be assigned for
	// (domain, edition, root); 0 if the stream is empty.
	GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error)

	// DeleteEditionEvents removes all events namespaced under (domain,
	// edition). Main-timeline data is untouched.
	DeleteEditionEvents(ctx context.Context, domain, edition string) error
}

// SnapshotStore holds the latest aggregate-state snapshot per key, used to
// short-circuit replay (spec I3).
type SnapshotStore interface {
	// Get returns the highest-sequence snapshot for the key, or nil if none.
	Get(ctx context.Context, domain, edition, root string) (*angzarr.Snapshot, error)

	// GetAtSeq returns the highest-sequence snapshot with Sequence <= seq.
	GetAtSeq(ctx context.Context, domain, edition, root string, seq uint32) (*angzarr.Snapshot, error)

	// Put persists a snapshot. TRANSIENT snapshots supersede earlier
	// TRANSIENT snapshots for the same key; DEFAULT snapshots are preserved.
	Put(ctx context.Context, domain, edition, root string, snap *angzarr.Snapshot) error

	// Delete removes all snapshots for the key.
	Delete(ctx context.Context, domain, edition, root string) error
}

// PositionStore records the last-processed sequence per (handler, domain,
// edition, root). Last-write-wins; the store performs no monotonicity
// check itself (spec §4.8 — the caller owns that).
type PositionStore interface {
	Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error)
	Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error
}
