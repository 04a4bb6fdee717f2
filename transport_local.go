package angzarr

import "context"

// QueryBackend is the read-side dependency LocalTransport dispatches to.
// The query package's Service has a matching GetEventBook, but its
// GetEvents streams results over a channel, so it does not satisfy this
// interface directly.
type QueryBackend interface {
	GetEventBook(ctx context.Context, query *Query) (*EventBook, error)
	GetEvents(ctx context.Context, query *Query) ([]*EventBook, error)
}

// AggregateBackend is the write-side dependency LocalTransport dispatches
// to. The coordinator package's Coordinator has Handle but no HandleSync
// or DryRunHandle, so it does not satisfy this interface directly.
type AggregateBackend interface {
	Handle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	HandleSync(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	DryRunHandle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
}

// SpeculativeBackend backs the what-if RPCs (dry-run against hypothetical
// events without touching storage).
type SpeculativeBackend interface {
	SpeculateProjector(ctx context.Context, events *EventBook) (*Projection, error)
	SpeculateSaga(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error)
	SpeculateProcessManager(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error)
}

// LocalTransport dispatches Transport calls directly to in-process
// backends, with no network hop. This is the primary Transport used by
// tests and single-process deployments; any of its three backends may be
// nil, in which case calling the matching RPC returns a NotFound error
// rather than panicking.
type LocalTransport struct {
	Query       QueryBackend
	Aggregate   AggregateBackend
	Speculative SpeculativeBackend
}

var _ Transport = (*LocalTransport)(nil)

func (t *LocalTransport) GetEventBook(ctx context.Context, query *Query) (*EventBook, error) {
	if t.Query == nil {
		return nil, NewNotFound("no query backend configured")
	}
	return t.Query.GetEventBook(ctx, query)
}

func (t *LocalTransport) GetEvents(ctx context.Context, query *Query) ([]*EventBook, error) {
	if t.Query == nil {
		return nil, NewNotFound("no query backend configured")
	}
	return t.Query.GetEvents(ctx, query)
}

func (t *LocalTransport) Handle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if t.Aggregate == nil {
		return nil, NewNotFound("no aggregate backend configured")
	}
	return t.Aggregate.Handle(ctx, cmd)
}

func (t *LocalTransport) HandleSync(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if t.Aggregate == nil {
		return nil, NewNotFound("no aggregate backend configured")
	}
	return t.Aggregate.HandleSync(ctx, cmd)
}

func (t *LocalTransport) DryRunHandle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if t.Aggregate == nil {
		return nil, NewNotFound("no aggregate backend configured")
	}
	return t.Aggregate.DryRunHandle(ctx, cmd)
}

func (t *LocalTransport) SpeculateProjector(ctx context.Context, events *EventBook) (*Projection, error) {
	if t.Speculative == nil {
		return nil, NewNotFound("no speculative backend configured")
	}
	return t.Speculative.SpeculateProjector(ctx, events)
}

func (t *LocalTransport) SpeculateSaga(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error) {
	if t.Speculative == nil {
		return nil, NewNotFound("no speculative backend configured")
	}
	return t.Speculative.SpeculateSaga(ctx, source, destinations)
}

func (t *LocalTransport) SpeculateProcessManager(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error) {
	if t.Speculative == nil {
		return nil, NewNotFound("no speculative backend configured")
	}
	return t.Speculative.SpeculateProcessManager(ctx, trigger, processState, destinations)
}

// Close is a no-op: LocalTransport owns no network resources.
func (t *LocalTransport) Close() error { return nil }
