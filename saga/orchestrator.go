package saga

import (
	"context"

	"go.uber.org/zap"

	"github.com/benjaminabbitt/angzarr-sub000"
)

// Destinations computes the target aggregates a saga needs to coordinate
// with for a given source event book (spec §4.6 step 1).
type Destinations func(ctx context.Context, source *angzarr.EventBook) ([]*angzarr.Cover, error)

// Execute builds the CommandBooks to dispatch toward the fetched
// destinations (spec §4.6 step 3). destinations is in the same order
// Destinations returned, each entry the destination's current
// composite-read state (possibly empty if it doesn't exist yet).
type Execute func(ctx context.Context, source *angzarr.EventBook, destinations []*angzarr.EventBook) ([]*angzarr.CommandBook, error)

// DestinationFetcher loads a destination aggregate's current state via the
// event-query path, composite-read aware (spec §4.6 step 2).
// *repository.Repository satisfies this directly.
type DestinationFetcher interface {
	Get(ctx context.Context, domain, edition, root string) (*angzarr.EventBook, error)
}

// Orchestrator implements one saga: prepare destinations, fetch their
// state, execute to a command list, dispatch each, and route any
// rejection through a Compensator (spec §4.6). It satisfies bus.Saga's
// method set without importing that package.
type Orchestrator struct {
	SagaName    string
	SagaDomains []string
	Prepare     Destinations
	ExecuteFn   Execute
	Fetcher     DestinationFetcher
	Dispatcher  Dispatcher
	Compensator *Compensator
	Logger      *zap.Logger
}

// NewOrchestrator builds a saga over the given prepare/execute functions,
// interested in the given event domains (empty means all domains).
func NewOrchestrator(name string, prepare Destinations, execute Execute, fetcher DestinationFetcher, dispatcher Dispatcher, compensator *Compensator, domains ...string) *Orchestrator {
	return &Orchestrator{
		SagaName:    name,
		SagaDomains: domains,
		Prepare:     prepare,
		ExecuteFn:   execute,
		Fetcher:     fetcher,
		Dispatcher:  dispatcher,
		Compensator: compensator,
		Logger:      zap.NewNop(),
	}
}

// Name identifies this saga for logging and SagaCommandOrigin stamping.
func (o *Orchestrator) Name() string { return o.SagaName }

// Domains returns the event domains this saga reacts to.
func (o *Orchestrator) Domains() []string { return o.SagaDomains }

// Synchronous sagas abort the publish on error (spec §4.5); an
// orchestrator's own dispatch/compensation failures should not be
// silently swallowed, so it is synchronous by default.
func (o *Orchestrator) Synchronous() bool { return true }

// Handle runs prepare → fetch → execute → dispatch for one delivered
// event book. It never returns commands for the bus to collect: every
// command it builds is dispatched directly through Dispatcher, and a
// rejection is resolved (or escalated into an error) before Handle
// returns.
func (o *Orchestrator) Handle(ctx context.Context, source *angzarr.EventBook) ([]*angzarr.CommandBook, error) {
	destCovers, err := o.Prepare(ctx, source)
	if err != nil {
		return nil, err
	}

	destStates := make([]*angzarr.EventBook, 0, len(destCovers))
	for _, cover := range destCovers {
		state, err := o.Fetcher.Get(ctx, cover.Domain, cover.EditionName(), angzarr.RootIDHex(cover))
		if err != nil {
			return nil, err
		}
		destStates = append(destStates, state)
	}

	commands, err := o.ExecuteFn(ctx, source, destStates)
	if err != nil {
		return nil, err
	}

	originSeq := uint32(0)
	if len(source.Pages) > 0 {
		originSeq = source.Pages[len(source.Pages)-1].Sequence
	}

	for _, cmd := range commands {
		cmd.SagaOrigin = &angzarr.SagaCommandOrigin{
			SagaName:                o.SagaName,
			TriggeringAggregate:     source.Cover,
			TriggeringEventSequence: originSeq,
		}

		resp, dispatchErr := o.Dispatcher.Handle(ctx, cmd)
		if dispatchErr == nil && (resp == nil || resp.Revocation == nil) {
			continue // accepted: the dispatcher already persisted/published it
		}

		reason := ""
		if dispatchErr != nil {
			reason = dispatchErr.Error()
		} else {
			reason = resp.Revocation.Reason
		}

		cctx, ok := NewCompensationContext(cmd, reason)
		if !ok {
			o.Logger.Warn("saga-emitted command rejected with no saga origin, log-only",
				zap.String("saga", o.SagaName))
			continue
		}
		if err := o.Compensator.Handle(ctx, cctx); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
