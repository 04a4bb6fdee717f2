// Package postgres is the jackc/pgx/v5-backed EventStore/SnapshotStore/
// PositionStore triple, the durable storage option the spec's DOMAIN
// STACK calls for behind a relational backend.
//
// Grounded on the teacher's storage shape (memstore's table/index layout
// and error mapping) and on LerianStudio-midaz's postgres adapters
// (components/ledger/internal/adapters/postgres/*) for the general
// repository-over-a-pool idiom: one struct per store wrapping a shared
// pool handle, unique-violation detection via pgconn.PgError mapped to a
// domain error, context-scoped queries throughout. Unlike midaz's
// database/sql-over-the-pgx-stdlib-driver style, this uses pgxpool.Pool
// directly — the only pgx dependency the module's go.mod actually
// declares is jackc/pgx/v5, not database/sql plus a registered driver.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique-constraint
// failure — how Add detects a losing race against the sequence fence.
const uniqueViolation = "23505"

// Schema is the DDL the three stores expect. Callers run it once against
// a fresh database (e.g. via a migration tool); this package does not
// apply it automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS angzarr_events (
	domain         TEXT NOT NULL,
	edition        TEXT NOT NULL,
	root           TEXT NOT NULL,
	sequence       BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	type_url       TEXT NOT NULL DEFAULT '',
	value          BYTEA,
	correlation_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (domain, edition, root, sequence)
);
CREATE INDEX IF NOT EXISTS angzarr_events_correlation_idx ON angzarr_events (correlation_id) WHERE correlation_id <> '';

CREATE TABLE IF NOT EXISTS angzarr_snapshots (
	domain    TEXT NOT NULL,
	edition   TEXT NOT NULL,
	root      TEXT NOT NULL,
	sequence  BIGINT NOT NULL,
	type_url  TEXT NOT NULL DEFAULT '',
	value     BYTEA,
	retention SMALLINT NOT NULL,
	PRIMARY KEY (domain, edition, root)
);

CREATE TABLE IF NOT EXISTS angzarr_positions (
	handler  TEXT NOT NULL,
	domain   TEXT NOT NULL,
	edition  TEXT NOT NULL,
	root     TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	PRIMARY KEY (handler, domain, edition, root)
);
`

// EventStore is the pgx-backed storage.EventStore.
type EventStore struct{ pool *pgxpool.Pool }

// SnapshotStore is the pgx-backed storage.SnapshotStore.
type SnapshotStore struct{ pool *pgxpool.Pool }

// PositionStore is the pgx-backed storage.PositionStore.
type PositionStore struct{ pool *pgxpool.Pool }

// New wires an EventStore/SnapshotStore/PositionStore triple sharing one
// connection pool.
func New(pool *pgxpool.Pool) (*EventStore, *SnapshotStore, *PositionStore) {
	return &EventStore{pool}, &SnapshotStore{pool}, &PositionStore{pool}
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	defer tx.Rollback(ctx)

	next, err := nextSequenceTx(ctx, tx, domain, edition, root)
	if err != nil {
		return err
	}
	if pages[0].Sequence != next {
		return angzarr.NewSequenceConflict(next, pages[0].Sequence)
	}

	batch := &pgx.Batch{}
	for i, p := range pages {
		var typeURL string
		var value []byte
		if p.Event != nil {
			typeURL, value = p.Event.TypeUrl, p.Event.Value
		}
		batch.Queue(
			`INSERT INTO angzarr_events (domain, edition, root, sequence, created_at, type_url, value, correlation_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			domain, edition, root, next+uint32(i), tsToTime(p.CreatedAt), typeURL, value, correlationID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return angzarr.NewSequenceConflict(next, pages[0].Sequence)
		}
		return angzarr.NewBackendError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error) {
	return s.GetFrom(ctx, domain, edition, root, 0)
}

func (s *EventStore) GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, created_at, type_url, value FROM angzarr_events
		 WHERE domain = $1 AND edition = $2 AND root = $3 AND sequence >= $4
		 ORDER BY sequence`,
		domain, edition, root, from)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()
	return scanPages(rows)
}

func (s *EventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, created_at, type_url, value FROM angzarr_events
		 WHERE domain = $1 AND edition = $2 AND root = $3 AND sequence >= $4 AND sequence < $5
		 ORDER BY sequence`,
		domain, edition, root, from, to)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()
	return scanPages(rows)
}

func (s *EventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, created_at, type_url, value FROM angzarr_events
		 WHERE domain = $1 AND edition = $2 AND root = $3 AND created_at <= $4
		 ORDER BY sequence`,
		domain, edition, root, ts)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()
	return scanPages(rows)
}

func (s *EventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	if correlationID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT domain, edition, root, sequence, created_at, type_url, value FROM angzarr_events
		 WHERE correlation_id = $1 ORDER BY domain, edition, root, sequence`,
		correlationID)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()

	type key struct{ domain, edition, root string }
	var order []key
	grouped := map[key][]angzarr.EventPage{}
	for rows.Next() {
		var k key
		var seq uint32
		var createdAt time.Time
		var typeURL string
		var value []byte
		if err := rows.Scan(&k.domain, &k.edition, &k.root, &seq, &createdAt, &typeURL, &value); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], pageFrom(seq, createdAt, typeURL, value))
	}
	if err := rows.Err(); err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	books := make([]*angzarr.EventBook, 0, len(order))
	for _, k := range order {
		rootUUID, err := uuid.Parse(k.root)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		book := &angzarr.EventBook{
			Cover: &angzarr.Cover{Domain: k.domain, Root: rootUUID, Edition: &angzarr.Edition{Name: k.edition}},
			Pages: grouped[k],
		}
		book.NextSequence = book.ComputeNextSequence()
		books = append(books, book)
	}
	return books, nil
}

func (s *EventStore) ListRoots(ctx context.Context, domain, edition string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT root FROM angzarr_events WHERE domain = $1 AND edition = $2 ORDER BY root`,
		domain, edition)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

func (s *EventStore) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT domain FROM angzarr_events ORDER BY domain`)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

func (s *EventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM angzarr_events WHERE domain = $1 AND edition = $2 AND root = $3`,
		domain, edition, root)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, angzarr.NewBackendError(err)
	}
	return uint32(next), nil
}

func nextSequenceTx(ctx context.Context, tx pgx.Tx, domain, edition, root string) (uint32, error) {
	row := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), -1) + 1 FROM angzarr_events WHERE domain = $1 AND edition = $2 AND root = $3`,
		domain, edition, root)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, angzarr.NewBackendError(err)
	}
	return uint32(next), nil
}

func (s *EventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM angzarr_events WHERE domain = $1 AND edition = $2`, domain, edition)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

func scanPages(rows pgx.Rows) ([]angzarr.EventPage, error) {
	var pages []angzarr.EventPage
	for rows.Next() {
		var seq uint32
		var createdAt time.Time
		var typeURL string
		var value []byte
		if err := rows.Scan(&seq, &createdAt, &typeURL, &value); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		pages = append(pages, pageFrom(seq, createdAt, typeURL, value))
	}
	return pages, rows.Err()
}

func pageFrom(seq uint32, createdAt time.Time, typeURL string, value []byte) angzarr.EventPage {
	page := angzarr.EventPage{Sequence: seq, CreatedAt: timestamppb.New(createdAt)}
	if typeURL != "" {
		page.Event = &anypb.Any{TypeUrl: typeURL, Value: value}
	}
	return page
}

func tsToTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}

// --- SnapshotStore ---

func (s *SnapshotStore) Get(ctx context.Context, domain, edition, root string) (*angzarr.Snapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT sequence, type_url, value, retention FROM angzarr_snapshots WHERE domain = $1 AND edition = $2 AND root = $3`,
		domain, edition, root)
	return scanSnapshot(row)
}

func (s *SnapshotStore) GetAtSeq(ctx context.Context, domain, edition, root string, seq uint32) (*angzarr.Snapshot, error) {
	snap, err := s.Get(ctx, domain, edition, root)
	if err != nil || snap == nil || snap.Sequence > seq {
		return nil, err
	}
	return snap, nil
}

func (s *SnapshotStore) Put(ctx context.Context, domain, edition, root string, snap *angzarr.Snapshot) error {
	var typeURL string
	var value []byte
	if snap.State != nil {
		typeURL, value = snap.State.TypeUrl, snap.State.Value
	}

	if snap.Retention == angzarr.RetentionTransient {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO angzarr_snapshots (domain, edition, root, sequence, type_url, value, retention)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (domain, edition, root) DO UPDATE SET
			   sequence = EXCLUDED.sequence, type_url = EXCLUDED.type_url, value = EXCLUDED.value, retention = EXCLUDED.retention
			 WHERE angzarr_snapshots.retention <> $8`,
			domain, edition, root, snap.Sequence, typeURL, value, snap.Retention, angzarr.RetentionDefault)
		if err != nil {
			return angzarr.NewBackendError(err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO angzarr_snapshots (domain, edition, root, sequence, type_url, value, retention)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain, edition, root) DO UPDATE SET
		   sequence = EXCLUDED.sequence, type_url = EXCLUDED.type_url, value = EXCLUDED.value, retention = EXCLUDED.retention`,
		domain, edition, root, snap.Sequence, typeURL, value, snap.Retention)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, domain, edition, root string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM angzarr_snapshots WHERE domain = $1 AND edition = $2 AND root = $3`, domain, edition, root)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (*angzarr.Snapshot, error) {
	var seq uint32
	var typeURL string
	var value []byte
	var retention angzarr.SnapshotRetention
	err := row.Scan(&seq, &typeURL, &value, &retention)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	snap := &angzarr.Snapshot{Sequence: seq, Retention: retention}
	if typeURL != "" {
		snap.State = &anypb.Any{TypeUrl: typeURL, Value: value}
	}
	return snap, nil
}

// --- PositionStore ---

func (s *PositionStore) Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT sequence FROM angzarr_positions WHERE handler = $1 AND domain = $2 AND edition = $3 AND root = $4`,
		handler, domain, edition, root)
	var seq uint32
	err := row.Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, angzarr.NewBackendError(err)
	}
	return seq, true, nil
}

func (s *PositionStore) Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO angzarr_positions (handler, domain, edition, root, sequence) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (handler, domain, edition, root) DO UPDATE SET sequence = EXCLUDED.sequence`,
		handler, domain, edition, root, sequence)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}
