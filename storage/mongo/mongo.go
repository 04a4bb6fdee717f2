// Package mongo is the go.mongodb.org/mongo-driver-backed EventStore/
// SnapshotStore/PositionStore triple, the document-store option the
// spec's DOMAIN STACK calls for.
//
// Grounded on LerianStudio-midaz's mongodb adapters (components/crm/
// internal/adapters/mongodb/alias/alias.mongodb.go in particular) for
// the collection-wrapping-struct shape, bson.D filter construction, and
// index-creation-on-construction idiom. Trimmed of midaz's per-call
// OpenTelemetry spans and soft-delete/metadata-search machinery, none of
// which this module's storage contract needs.
package mongo

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

const (
	eventsCollection    = "angzarr_events"
	snapshotsCollection = "angzarr_snapshots"
	positionsCollection = "angzarr_positions"
)

// eventDoc is the bson document shape for one persisted page.
type eventDoc struct {
	Domain        string    `bson:"domain"`
	Edition       string    `bson:"edition"`
	Root          string    `bson:"root"`
	Sequence      uint32    `bson:"sequence"`
	CreatedAt     time.Time `bson:"created_at"`
	TypeURL       string    `bson:"type_url,omitempty"`
	Value         []byte    `bson:"value,omitempty"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
}

type snapshotDoc struct {
	Domain    string                   `bson:"domain"`
	Edition   string                   `bson:"edition"`
	Root      string                   `bson:"root"`
	Sequence  uint32                   `bson:"sequence"`
	TypeURL   string                   `bson:"type_url,omitempty"`
	Value     []byte                   `bson:"value,omitempty"`
	Retention angzarr.SnapshotRetention `bson:"retention"`
}

type positionDoc struct {
	Handler  string `bson:"handler"`
	Domain   string `bson:"domain"`
	Edition  string `bson:"edition"`
	Root     string `bson:"root"`
	Sequence uint32 `bson:"sequence"`
}

// EventStore is the mongo-backed storage.EventStore.
type EventStore struct{ coll *mongo.Collection }

// SnapshotStore is the mongo-backed storage.SnapshotStore.
type SnapshotStore struct{ coll *mongo.Collection }

// PositionStore is the mongo-backed storage.PositionStore.
type PositionStore struct{ coll *mongo.Collection }

// New wires an EventStore/SnapshotStore/PositionStore triple against db,
// creating the indexes each store's queries rely on.
func New(ctx context.Context, db *mongo.Database) (*EventStore, *SnapshotStore, *PositionStore, error) {
	events := db.Collection(eventsCollection)
	snapshots := db.Collection(snapshotsCollection)
	positions := db.Collection(positionsCollection)

	if err := createIndexes(ctx, events, snapshots, positions); err != nil {
		return nil, nil, nil, angzarr.NewBackendError(err)
	}
	return &EventStore{events}, &SnapshotStore{snapshots}, &PositionStore{positions}, nil
}

func createIndexes(ctx context.Context, events, snapshots, positions *mongo.Collection) error {
	if _, err := events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "domain", Value: 1}, {Key: "edition", Value: 1}, {Key: "root", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "correlation_id", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "correlation_id", Value: bson.D{{Key: "$ne", Value: ""}}}}),
		},
	}); err != nil {
		return err
	}
	if _, err := snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "domain", Value: 1}, {Key: "edition", Value: 1}, {Key: "root", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := positions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "handler", Value: 1}, {Key: "domain", Value: 1}, {Key: "edition", Value: 1}, {Key: "root", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
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

	next, err := s.nextSequence(ctx, domain, edition, root)
	if err != nil {
		return err
	}
	if pages[0].Sequence != next {
		return angzarr.NewSequenceConflict(next, pages[0].Sequence)
	}

	docs := make([]interface{}, len(pages))
	for i, p := range pages {
		doc := eventDoc{
			Domain:        domain,
			Edition:       edition,
			Root:          root,
			Sequence:      next + uint32(i),
			CreatedAt:     tsToTime(p.CreatedAt),
			CorrelationID: correlationID,
		}
		if p.Event != nil {
			doc.TypeURL, doc.Value = p.Event.TypeUrl, p.Event.Value
		}
		docs[i] = doc
	}

	if _, err := s.coll.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return angzarr.NewSequenceConflict(next, pages[0].Sequence)
		}
		return angzarr.NewBackendError(err)
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, domain, edition, root string) ([]angzarr.EventPage, error) {
	return s.GetFrom(ctx, domain, edition, root, 0)
}

func (s *EventStore) GetFrom(ctx context.Context, domain, edition, root string, from uint32) ([]angzarr.EventPage, error) {
	filter := bson.D{
		{Key: "domain", Value: domain},
		{Key: "edition", Value: edition},
		{Key: "root", Value: root},
		{Key: "sequence", Value: bson.D{{Key: "$gte", Value: from}}},
	}
	return s.find(ctx, filter)
}

func (s *EventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	filter := bson.D{
		{Key: "domain", Value: domain},
		{Key: "edition", Value: edition},
		{Key: "root", Value: root},
		{Key: "sequence", Value: bson.D{{Key: "$gte", Value: from}, {Key: "$lt", Value: to}}},
	}
	return s.find(ctx, filter)
}

func (s *EventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	filter := bson.D{
		{Key: "domain", Value: domain},
		{Key: "edition", Value: edition},
		{Key: "root", Value: root},
		{Key: "created_at", Value: bson.D{{Key: "$lte", Value: ts}}},
	}
	return s.find(ctx, filter)
}

func (s *EventStore) find(ctx context.Context, filter bson.D) ([]angzarr.EventPage, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer cursor.Close(ctx)

	var pages []angzarr.EventPage
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		pages = append(pages, pageFrom(doc))
	}
	return pages, cursor.Err()
}

func (s *EventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	if correlationID == "" {
		return nil, nil
	}

	cursor, err := s.coll.Find(ctx,
		bson.D{{Key: "correlation_id", Value: correlationID}},
		options.Find().SetSort(bson.D{{Key: "domain", Value: 1}, {Key: "edition", Value: 1}, {Key: "root", Value: 1}, {Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	defer cursor.Close(ctx)

	type key struct{ domain, edition, root string }
	var order []key
	grouped := map[key][]angzarr.EventPage{}
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		k := key{doc.Domain, doc.Edition, doc.Root}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], pageFrom(doc))
	}
	if err := cursor.Err(); err != nil {
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
	raw, err := s.coll.Distinct(ctx, "root", bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}})
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	roots := make([]string, 0, len(raw))
	for _, v := range raw {
		if r, ok := v.(string); ok {
			roots = append(roots, r)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func (s *EventStore) ListDomains(ctx context.Context) ([]string, error) {
	raw, err := s.coll.Distinct(ctx, "domain", bson.D{})
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	domains := make([]string, 0, len(raw))
	for _, v := range raw {
		if d, ok := v.(string); ok {
			domains = append(domains, d)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *EventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	return s.nextSequence(ctx, domain, edition, root)
}

func (s *EventStore) nextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})
	var doc eventDoc
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root}},
		opts,
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, angzarr.NewBackendError(err)
	}
	return doc.Sequence + 1, nil
}

func (s *EventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	_, err := s.coll.DeleteMany(ctx, bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}})
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

func pageFrom(doc eventDoc) angzarr.EventPage {
	page := angzarr.EventPage{Sequence: doc.Sequence, CreatedAt: timestamppb.New(doc.CreatedAt)}
	if doc.TypeURL != "" {
		page.Event = &anypb.Any{TypeUrl: doc.TypeURL, Value: doc.Value}
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
	var doc snapshotDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	snap := &angzarr.Snapshot{Sequence: doc.Sequence, Retention: doc.Retention}
	if doc.TypeURL != "" {
		snap.State = &anypb.Any{TypeUrl: doc.TypeURL, Value: doc.Value}
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
	filter := bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root}}

	if snap.Retention == angzarr.RetentionTransient {
		filter = append(filter, bson.E{Key: "retention", Value: bson.D{{Key: "$ne", Value: angzarr.RetentionDefault}}})
	}

	doc := snapshotDoc{Domain: domain, Edition: edition, Root: root, Sequence: snap.Sequence, Retention: snap.Retention}
	if snap.State != nil {
		doc.TypeURL, doc.Value = snap.State.TypeUrl, snap.State.Value
	}

	_, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: doc}}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		// a matched-zero upsert attempt that collides with an existing
		// DEFAULT row (the $ne guard above excluded it from the match)
		// is the TRANSIENT-loses-to-DEFAULT case; anything else is real.
		return angzarr.NewBackendError(err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, domain, edition, root string) error {
	_, err := s.coll.DeleteMany(ctx, bson.D{{Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root}})
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

// --- PositionStore ---

func (s *PositionStore) Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error) {
	var doc positionDoc
	err := s.coll.FindOne(ctx, bson.D{
		{Key: "handler", Value: handler}, {Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root},
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, angzarr.NewBackendError(err)
	}
	return doc.Sequence, true, nil
}

func (s *PositionStore) Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error {
	filter := bson.D{{Key: "handler", Value: handler}, {Key: "domain", Value: domain}, {Key: "edition", Value: edition}, {Key: "root", Value: root}}
	update := bson.D{{Key: "$set", Value: positionDoc{Handler: handler, Domain: domain, Edition: edition, Root: root, Sequence: sequence}}}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}
