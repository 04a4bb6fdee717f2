// Package dynamo is the aws-sdk-go-v2/service/dynamodb-backed EventStore/
// SnapshotStore/PositionStore triple, the columnar/KV storage option the
// spec's DOMAIN STACK calls for.
//
// Grounded on 2lar-b2's infrastructure/persistence/dynamodb/event_store.go:
// the single-table PK/SK layout, attributevalue.MarshalMap/UnmarshalMap
// round-tripping, and paginated Query-via-LastEvaluatedKey loop are all
// carried over from there. The sequence fence uses a per-item
// ConditionExpression ("attribute_not_exists(PK)") the same way
// event_store.go's outbox fields use ConditionExpression("attribute_exists(PK)")
// to guard updates — the dynamodb/expression builder (also in the
// module's go.mod) constructs the correlation-id lookup filter.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

// eventItem is the single-table row shape for one persisted page.
// PK groups a stream; SK orders it by zero-padded sequence so a Query
// with ScanIndexForward(true) returns pages in order with no client sort.
type eventItem struct {
	PK            string `dynamodbav:"PK"` // EVT#domain#edition#root
	SK            string `dynamodbav:"SK"` // SEQ#0000000000<sequence>
	Domain        string `dynamodbav:"Domain"`
	Edition       string `dynamodbav:"Edition"`
	Root          string `dynamodbav:"Root"`
	Sequence      uint32 `dynamodbav:"Sequence"`
	CreatedAt     string `dynamodbav:"CreatedAt"` // RFC3339Nano
	TypeURL       string `dynamodbav:"TypeURL,omitempty"`
	Value         []byte `dynamodbav:"Value,omitempty"`
	CorrelationID string `dynamodbav:"CorrelationID,omitempty"`
	GSI1PK        string `dynamodbav:"GSI1PK,omitempty"` // CORR#correlationID
	GSI1SK        string `dynamodbav:"GSI1SK,omitempty"` // same SK
}

type snapshotItem struct {
	PK        string `dynamodbav:"PK"` // SNAP#domain#edition#root
	SK        string `dynamodbav:"SK"` // LATEST
	Sequence  uint32 `dynamodbav:"Sequence"`
	TypeURL   string `dynamodbav:"TypeURL,omitempty"`
	Value     []byte `dynamodbav:"Value,omitempty"`
	Retention int    `dynamodbav:"Retention"`
}

type positionItem struct {
	PK       string `dynamodbav:"PK"` // POS#handler#domain#edition#root
	SK       string `dynamodbav:"SK"` // LATEST
	Sequence uint32 `dynamodbav:"Sequence"`
}

const correlationIndex = "GSI1"

func eventPK(domain, edition, root string) string { return fmt.Sprintf("EVT#%s#%s#%s", domain, edition, root) }
func eventSK(sequence uint32) string               { return fmt.Sprintf("SEQ#%010d", sequence) }
func snapshotPK(domain, edition, root string) string {
	return fmt.Sprintf("SNAP#%s#%s#%s", domain, edition, root)
}
func positionPK(handler, domain, edition, root string) string {
	return fmt.Sprintf("POS#%s#%s#%s#%s", handler, domain, edition, root)
}

// EventStore is the DynamoDB-backed storage.EventStore.
type EventStore struct {
	client    *dynamodb.Client
	tableName string
}

// SnapshotStore is the DynamoDB-backed storage.SnapshotStore.
type SnapshotStore struct {
	client    *dynamodb.Client
	tableName string
}

// PositionStore is the DynamoDB-backed storage.PositionStore.
type PositionStore struct {
	client    *dynamodb.Client
	tableName string
}

// New wires an EventStore/SnapshotStore/PositionStore triple against one
// single table (all three row shapes share it via their PK prefix).
func New(client *dynamodb.Client, tableName string) (*EventStore, *SnapshotStore, *PositionStore) {
	return &EventStore{client, tableName}, &SnapshotStore{client, tableName}, &PositionStore{client, tableName}
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

	next, err := s.GetNextSequence(ctx, domain, edition, root)
	if err != nil {
		return err
	}
	if pages[0].Sequence != next {
		return angzarr.NewSequenceConflict(next, pages[0].Sequence)
	}

	items := make([]types.TransactWriteItem, len(pages))
	for i, p := range pages {
		seq := next + uint32(i)
		it := eventItem{
			PK:            eventPK(domain, edition, root),
			SK:            eventSK(seq),
			Domain:        domain,
			Edition:       edition,
			Root:          root,
			Sequence:      seq,
			CreatedAt:     tsToTime(p.CreatedAt).Format(time.RFC3339Nano),
			CorrelationID: correlationID,
		}
		if p.Event != nil {
			it.TypeURL, it.Value = p.Event.TypeUrl, p.Event.Value
		}
		if correlationID != "" {
			it.GSI1PK, it.GSI1SK = "CORR#"+correlationID, it.SK
		}

		av, err := attributevalue.MarshalMap(it)
		if err != nil {
			return angzarr.NewBackendError(err)
		}
		items[i] = types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var cce *types.TransactionCanceledException
		if errors.As(err, &cce) {
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
	items, err := s.queryStream(ctx, domain, edition, root)
	if err != nil {
		return nil, err
	}
	var pages []angzarr.EventPage
	for _, it := range items {
		if it.Sequence >= from {
			pages = append(pages, pageFrom(it))
		}
	}
	return pages, nil
}

func (s *EventStore) GetFromTo(ctx context.Context, domain, edition, root string, from, to uint32) ([]angzarr.EventPage, error) {
	items, err := s.queryStream(ctx, domain, edition, root)
	if err != nil {
		return nil, err
	}
	var pages []angzarr.EventPage
	for _, it := range items {
		if it.Sequence >= from && it.Sequence < to {
			pages = append(pages, pageFrom(it))
		}
	}
	return pages, nil
}

func (s *EventStore) GetUntilTimestamp(ctx context.Context, domain, edition, root string, ts time.Time) ([]angzarr.EventPage, error) {
	items, err := s.queryStream(ctx, domain, edition, root)
	if err != nil {
		return nil, err
	}
	var pages []angzarr.EventPage
	for _, it := range items {
		createdAt, parseErr := time.Parse(time.RFC3339Nano, it.CreatedAt)
		if parseErr == nil && !createdAt.After(ts) {
			pages = append(pages, pageFrom(it))
		}
	}
	return pages, nil
}

// queryStream returns every item under (domain, edition, root), in
// sequence order, following LastEvaluatedKey the way event_store.go's
// GetEvents does.
func (s *EventStore) queryStream(ctx context.Context, domain, edition, root string) ([]eventItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: eventPK(domain, edition, root)},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var items []eventItem
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		for _, raw := range out.Items {
			var it eventItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, angzarr.NewBackendError(err)
			}
			items = append(items, it)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

func (s *EventStore) GetByCorrelation(ctx context.Context, correlationID string) ([]*angzarr.EventBook, error) {
	if correlationID == "" {
		return nil, nil
	}

	keyCond := expression.Key("GSI1PK").Equal(expression.Value("CORR#" + correlationID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(correlationIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	}

	type key struct{ domain, edition, root string }
	var order []key
	grouped := map[key][]angzarr.EventPage{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		for _, raw := range out.Items {
			var it eventItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, angzarr.NewBackendError(err)
			}
			k := key{it.Domain, it.Edition, it.Root}
			if _, seen := grouped[k]; !seen {
				order = append(order, k)
			}
			grouped[k] = append(grouped[k], pageFrom(it))
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	books := make([]*angzarr.EventBook, 0, len(order))
	for _, k := range order {
		pages := grouped[k]
		sort.Slice(pages, func(i, j int) bool { return pages[i].Sequence < pages[j].Sequence })
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

// ListRoots and ListDomains need a full-table scan: the single-table
// design indexes by stream, not by domain/edition alone. Acceptable for
// the operational tooling paths that call these (spec §4.6), not the hot
// read path.
func (s *EventStore) ListRoots(ctx context.Context, domain, edition string) ([]string, error) {
	prefix := eventPK(domain, edition, "")
	items, err := s.scanByPKPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var roots []string
	for _, it := range items {
		if !seen[it.Root] {
			seen[it.Root] = true
			roots = append(roots, it.Root)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

func (s *EventStore) ListDomains(ctx context.Context) ([]string, error) {
	items, err := s.scanByPKPrefix(ctx, "EVT#")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var domains []string
	for _, it := range items {
		if !seen[it.Domain] {
			seen[it.Domain] = true
			domains = append(domains, it.Domain)
		}
	}
	sort.Strings(domains)
	return domains, nil
}

func (s *EventStore) scanByPKPrefix(ctx context.Context, prefix string) ([]eventItem, error) {
	filt := expression.Name("PK").BeginsWith(prefix)
	expr, err := expression.NewBuilder().WithFilter(filt).Build()
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var items []eventItem
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		for _, raw := range out.Items {
			var it eventItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, angzarr.NewBackendError(err)
			}
			items = append(items, it)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

func (s *EventStore) GetNextSequence(ctx context.Context, domain, edition, root string) (uint32, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: eventPK(domain, edition, root)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, angzarr.NewBackendError(err)
	}
	if len(out.Items) == 0 {
		return 0, nil
	}
	var it eventItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return 0, angzarr.NewBackendError(err)
	}
	return it.Sequence + 1, nil
}

func (s *EventStore) DeleteEditionEvents(ctx context.Context, domain, edition string) error {
	items, err := s.scanByPKPrefix(ctx, eventPK(domain, edition, ""))
	if err != nil {
		return err
	}
	for i := 0; i < len(items); i += 25 {
		end := i + 25
		if end > len(items) {
			end = len(items)
		}
		reqs := make([]types.WriteRequest, end-i)
		for j, it := range items[i:end] {
			reqs[j] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: it.PK},
					"SK": &types.AttributeValueMemberS{Value: it.SK},
				},
			}}
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: reqs},
		}); err != nil {
			return angzarr.NewBackendError(err)
		}
	}
	return nil
}

func pageFrom(it eventItem) angzarr.EventPage {
	page := angzarr.EventPage{Sequence: it.Sequence}
	if ts, err := time.Parse(time.RFC3339Nano, it.CreatedAt); err == nil {
		page.CreatedAt = timestamppb.New(ts)
	}
	if it.TypeURL != "" {
		page.Event = &anypb.Any{TypeUrl: it.TypeURL, Value: it.Value}
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
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: snapshotPK(domain, edition, root)},
			"SK": &types.AttributeValueMemberS{Value: "LATEST"},
		},
	})
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var it snapshotItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, angzarr.NewBackendError(err)
	}
	snap := &angzarr.Snapshot{Sequence: it.Sequence, Retention: angzarr.SnapshotRetention(it.Retention)}
	if it.TypeURL != "" {
		snap.State = &anypb.Any{TypeUrl: it.TypeURL, Value: it.Value}
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
	it := snapshotItem{
		PK:        snapshotPK(domain, edition, root),
		SK:        "LATEST",
		Sequence:  snap.Sequence,
		Retention: int(snap.Retention),
	}
	if snap.State != nil {
		it.TypeURL, it.Value = snap.State.TypeUrl, snap.State.Value
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return angzarr.NewBackendError(err)
	}

	input := &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: av}
	if snap.Retention == angzarr.RetentionTransient {
		cond := expression.Or(
			expression.AttributeNotExists(expression.Name("PK")),
			expression.Name("Retention").NotEqual(expression.Value(int(angzarr.RetentionDefault))),
		)
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return angzarr.NewBackendError(err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var cfe *types.ConditionalCheckFailedException
		if snap.Retention == angzarr.RetentionTransient && errors.As(err, &cfe) {
			// a DEFAULT snapshot is never displaced by a TRANSIENT one
			return nil
		}
		return angzarr.NewBackendError(err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, domain, edition, root string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: snapshotPK(domain, edition, root)},
			"SK": &types.AttributeValueMemberS{Value: "LATEST"},
		},
	})
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}

// --- PositionStore ---

func (s *PositionStore) Get(ctx context.Context, handler, domain, edition, root string) (uint32, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: positionPK(handler, domain, edition, root)},
			"SK": &types.AttributeValueMemberS{Value: "LATEST"},
		},
	})
	if err != nil {
		return 0, false, angzarr.NewBackendError(err)
	}
	if out.Item == nil {
		return 0, false, nil
	}
	var it positionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return 0, false, angzarr.NewBackendError(err)
	}
	return it.Sequence, true, nil
}

func (s *PositionStore) Put(ctx context.Context, handler, domain, edition, root string, sequence uint32) error {
	it := positionItem{PK: positionPK(handler, domain, edition, root), SK: "LATEST", Sequence: sequence}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return angzarr.NewBackendError(err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: av}); err != nil {
		return angzarr.NewBackendError(err)
	}
	return nil
}
