package angzarr

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
)

// StatePacker converts aggregate state to protobuf Any for Replay RPC.
// Used by MERGE_COMMUTATIVE strategy for conflict detection.
type StatePacker[S any] func(state S) (*anypb.Any, error)

// ReplayRequest carries the event/snapshot slice a caller wants replayed
// into aggregate state, for MERGE_COMMUTATIVE conflict detection.
type ReplayRequest struct {
	Events       []EventPage
	BaseSnapshot *Snapshot
}

// ReplayResponse carries the packed aggregate state computed by Replay.
type ReplayResponse struct {
	State *anypb.Any
}

// AggregateHandler wraps a CommandRouter for a transport-agnostic Aggregate
// service. Generated gRPC service stubs plug a concrete Transport in front
// of this; see the Non-goals note on transport wiring.
//
// Maps domain errors to gRPC status codes:
//   - CommandRejectedError -> FAILED_PRECONDITION
//   - Other errors -> INVALID_ARGUMENT
type AggregateHandler[S any] struct {
	router      *CommandRouter[S]
	statePacker StatePacker[S]
}

// NewAggregateHandler creates a new aggregate handler with the given router.
func NewAggregateHandler[S any](router *CommandRouter[S]) *AggregateHandler[S] {
	return &AggregateHandler[S]{router: router}
}

// WithReplay enables Replay RPC support by providing a state packer.
//
// The state packer converts the aggregate's internal state to a protobuf Any
// message. This is required for MERGE_COMMUTATIVE strategy, which uses Replay
// to compute state diffs for conflict detection.
func (h *AggregateHandler[S]) WithReplay(packer StatePacker[S]) *AggregateHandler[S] {
	h.statePacker = packer
	return h
}

// Handle processes a contextual command asynchronously.
func (h *AggregateHandler[S]) Handle(ctx context.Context, req *ContextualCommand) (*BusinessResponse, error) {
	return h.dispatch(req)
}

// HandleSync processes a contextual command synchronously.
func (h *AggregateHandler[S]) HandleSync(ctx context.Context, req *ContextualCommand) (*BusinessResponse, error) {
	return h.dispatch(req)
}

func (h *AggregateHandler[S]) dispatch(req *ContextualCommand) (*BusinessResponse, error) {
	resp, err := h.router.Dispatch(req)
	if err != nil {
		var rejected CommandRejectedError
		if errors.As(err, &rejected) {
			return nil, status.Error(codes.FailedPrecondition, rejected.Message)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return resp, nil
}

// Replay computes state from events for MERGE_COMMUTATIVE conflict detection.
//
// Only available if WithReplay was called with a state packer.
// Returns UNIMPLEMENTED if no state packer is configured.
func (h *AggregateHandler[S]) Replay(ctx context.Context, req *ReplayRequest) (*ReplayResponse, error) {
	if h.statePacker == nil {
		return nil, status.Error(codes.Unimplemented,
			"replay not implemented: call WithReplay() to enable for MERGE_COMMUTATIVE strategy")
	}

	eventBook := &EventBook{Pages: req.Events, Snapshot: req.BaseSnapshot}
	state := h.router.RebuildState(eventBook)

	stateAny, err := h.statePacker(state)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return &ReplayResponse{State: stateAny}, nil
}

// RunAggregateServer starts a gRPC server for an aggregate, wiring in
// health checking, reflection, and graceful shutdown. registrar attaches
// the caller's generated service stub (the transport wiring this module
// does not own) to the server.
func RunAggregateServer[S any](domain, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "Aggregate",
		Domain:           domain,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// SagaPrepareRequest carries the source EventBook a saga declares
// destinations against (phase 1 of the two-phase saga protocol).
type SagaPrepareRequest struct {
	Source *EventBook
}

// SagaPrepareResponse carries the destination Covers a saga needs fetched.
type SagaPrepareResponse struct {
	Destinations []*Cover
}

// SagaExecuteRequest carries the source EventBook and fetched destinations
// for phase 2 of the two-phase saga protocol.
type SagaExecuteRequest struct {
	Source       *EventBook
	Destinations []*EventBook
}

// SagaResponse carries the CommandBooks a saga emits.
type SagaResponse struct {
	Commands []*CommandBook
}

// SagaHandler wraps an EventRouter for a transport-agnostic Saga service.
type SagaHandler struct {
	router *EventRouter
}

// NewSagaHandler creates a new saga handler with the given router.
func NewSagaHandler(router *EventRouter) *SagaHandler {
	return &SagaHandler{router: router}
}

// Prepare declares which destination aggregates the saga needs to read.
// This is phase 1 of the two-phase saga protocol.
func (h *SagaHandler) Prepare(ctx context.Context, req *SagaPrepareRequest) (*SagaPrepareResponse, error) {
	destinations := h.router.PrepareDestinations(req.Source)
	return &SagaPrepareResponse{Destinations: destinations}, nil
}

// Execute processes events and returns commands for other aggregates.
// This is phase 2 of the two-phase saga protocol.
func (h *SagaHandler) Execute(ctx context.Context, req *SagaExecuteRequest) (*SagaResponse, error) {
	commands, err := h.router.Dispatch(req.Source, req.Destinations)
	if err != nil {
		var rejected CommandRejectedError
		if errors.As(err, &rejected) {
			return nil, status.Error(codes.FailedPrecondition, rejected.Message)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &SagaResponse{Commands: commands}, nil
}

// RunSagaServer starts a gRPC server for a saga.
func RunSagaServer(name, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "Saga",
		Domain:           name,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// Projection is a synchronous projector's output (spec glossary).
type Projection struct {
	Payload *anypb.Any
}

// ProjectorHandleFunc processes an EventBook and returns a Projection.
type ProjectorHandleFunc func(events *EventBook) (*Projection, error)

// ProjectorHandler wraps a handle function for a transport-agnostic
// Projector service.
type ProjectorHandler struct {
	name     string
	domains  []string
	handleFn ProjectorHandleFunc
}

// NewProjectorHandler creates a new projector handler.
func NewProjectorHandler(name string, domains ...string) *ProjectorHandler {
	return &ProjectorHandler{name: name, domains: domains}
}

// WithHandle sets the event handling callback.
func (h *ProjectorHandler) WithHandle(fn ProjectorHandleFunc) *ProjectorHandler {
	h.handleFn = fn
	return h
}

// Handle processes an EventBook and returns a Projection.
func (h *ProjectorHandler) Handle(ctx context.Context, req *EventBook) (*Projection, error) {
	if h.handleFn != nil {
		return h.handleFn(req)
	}
	return &Projection{}, nil
}

// HandleSpeculative processes events without side effects (spec §4.4's
// synchronous projector fan-out, speculative variant).
func (h *ProjectorHandler) HandleSpeculative(ctx context.Context, req *EventBook) (*Projection, error) {
	return h.Handle(ctx, req)
}

// RunProjectorServer starts a gRPC server for a projector.
func RunProjectorServer(name, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "Projector",
		Domain:           name,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// ProcessManagerPrepareRequest carries the trigger and current process state
// a process manager declares additional destinations against.
type ProcessManagerPrepareRequest struct {
	Trigger      *EventBook
	ProcessState *EventBook
}

// ProcessManagerPrepareResponse carries the additional destination Covers.
type ProcessManagerPrepareResponse struct {
	Destinations []*Cover
}

// ProcessManagerHandleRequest carries the trigger, process state, and
// fetched destinations for a process manager's Handle call.
type ProcessManagerHandleRequest struct {
	Trigger      *EventBook
	ProcessState *EventBook
	Destinations []*EventBook
}

// ProcessManagerHandleResponse carries the commands and process events a
// process manager produces.
type ProcessManagerHandleResponse struct {
	Commands      []*CommandBook
	ProcessEvents *EventBook
}

// PMPrepareFunc declares additional destinations needed beyond the trigger.
type PMPrepareFunc func(trigger, processState *EventBook) []*Cover

// PMHandleFunc processes events and returns commands and process events.
type PMHandleFunc func(trigger, processState *EventBook, destinations []*EventBook) ([]*CommandBook, *EventBook, error)

// PMRevocationFunc handles saga/PM compensation for commands issued by this PM.
// Called when a command produced by this PM is rejected by the target aggregate.
type PMRevocationFunc func(notification *Notification, processState *EventBook) *PMRevocationResponse

// ProcessManagerHandler wraps functions for a transport-agnostic
// ProcessManager service.
type ProcessManagerHandler struct {
	name         string
	prepareFn    PMPrepareFunc
	handleFn     PMHandleFunc
	revocationFn PMRevocationFunc
}

// NewProcessManagerHandler creates a new process manager handler.
func NewProcessManagerHandler(name string) *ProcessManagerHandler {
	return &ProcessManagerHandler{name: name}
}

// WithPrepare sets the prepare callback.
func (h *ProcessManagerHandler) WithPrepare(fn PMPrepareFunc) *ProcessManagerHandler {
	h.prepareFn = fn
	return h
}

// WithHandle sets the handle callback.
func (h *ProcessManagerHandler) WithHandle(fn PMHandleFunc) *ProcessManagerHandler {
	h.handleFn = fn
	return h
}

// WithRevocationHandler sets the handler for saga compensation requests.
//
// Called when a command produced by this PM is rejected by the target
// aggregate. If no handler is set, revocations delegate to framework by
// default.
func (h *ProcessManagerHandler) WithRevocationHandler(fn PMRevocationFunc) *ProcessManagerHandler {
	h.revocationFn = fn
	return h
}

// Prepare declares which additional destinations are needed.
func (h *ProcessManagerHandler) Prepare(ctx context.Context, req *ProcessManagerPrepareRequest) (*ProcessManagerPrepareResponse, error) {
	if h.prepareFn != nil {
		return &ProcessManagerPrepareResponse{Destinations: h.prepareFn(req.Trigger, req.ProcessState)}, nil
	}
	return &ProcessManagerPrepareResponse{}, nil
}

// Handle processes events and returns commands and process events.
func (h *ProcessManagerHandler) Handle(ctx context.Context, req *ProcessManagerHandleRequest) (*ProcessManagerHandleResponse, error) {
	if h.handleFn != nil {
		commands, processEvents, err := h.handleFn(req.Trigger, req.ProcessState, req.Destinations)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return &ProcessManagerHandleResponse{Commands: commands, ProcessEvents: processEvents}, nil
	}
	return &ProcessManagerHandleResponse{}, nil
}

// RunProcessManagerServer starts a gRPC server for a process manager.
func RunProcessManagerServer(name, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "ProcessManager",
		Domain:           name,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// ============================================================================
// OO-Style Handlers
// ============================================================================

// OOAggregate interface for OO-style aggregates.
// Implemented by types that embed AggregateBase.
type OOAggregate[S any] interface {
	Domain() string
	Handle(request *ContextualCommand) (*BusinessResponse, error)
	HandlerTypes() []string
}

// OOAggregateFactory creates a new OO aggregate instance with prior events.
type OOAggregateFactory[S any, A OOAggregate[S]] func(events *EventBook) A

// OOAggregateHandler wraps an OO-style aggregate for a transport-agnostic
// Aggregate service.
//
// Unlike the functional AggregateHandler, this creates a new aggregate
// instance for each request, passing in the prior events for state
// reconstruction.
type OOAggregateHandler[S any, A OOAggregate[S]] struct {
	domain  string
	factory OOAggregateFactory[S, A]
}

// NewOOAggregateHandler creates a new OO aggregate handler.
func NewOOAggregateHandler[S any, A OOAggregate[S]](domain string, factory OOAggregateFactory[S, A]) *OOAggregateHandler[S, A] {
	return &OOAggregateHandler[S, A]{domain: domain, factory: factory}
}

// Handle processes a contextual command asynchronously.
func (h *OOAggregateHandler[S, A]) Handle(ctx context.Context, req *ContextualCommand) (*BusinessResponse, error) {
	return h.dispatch(req)
}

// HandleSync processes a contextual command synchronously.
func (h *OOAggregateHandler[S, A]) HandleSync(ctx context.Context, req *ContextualCommand) (*BusinessResponse, error) {
	return h.dispatch(req)
}

func (h *OOAggregateHandler[S, A]) dispatch(req *ContextualCommand) (*BusinessResponse, error) {
	agg := h.factory(req.Events)

	resp, err := agg.Handle(req)
	if err != nil {
		var rejected CommandRejectedError
		if errors.As(err, &rejected) {
			return nil, status.Error(codes.FailedPrecondition, rejected.Message)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return resp, nil
}

// RunOOAggregateServer starts a gRPC server for an OO-style aggregate.
func RunOOAggregateServer[S any, A OOAggregate[S]](domain, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "Aggregate",
		Domain:           domain,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// OOSaga interface for OO-style sagas.
// Implemented by types that embed SagaBase.
type OOSaga interface {
	Name() string
	InputDomain() string
	OutputDomain() string
	PrepareDestinations(source *EventBook) []*Cover
	Execute(source *EventBook, destinations []*EventBook) ([]*CommandBook, error)
}

// OOSagaHandler wraps an OO-style saga for a transport-agnostic Saga service.
type OOSagaHandler struct {
	saga OOSaga
}

// NewOOSagaHandler creates a new OO saga handler.
func NewOOSagaHandler(saga OOSaga) *OOSagaHandler {
	return &OOSagaHandler{saga: saga}
}

// Prepare declares which destination aggregates the saga needs to read.
func (h *OOSagaHandler) Prepare(ctx context.Context, req *SagaPrepareRequest) (*SagaPrepareResponse, error) {
	destinations := h.saga.PrepareDestinations(req.Source)
	return &SagaPrepareResponse{Destinations: destinations}, nil
}

// Execute processes events and returns commands for other aggregates.
func (h *OOSagaHandler) Execute(ctx context.Context, req *SagaExecuteRequest) (*SagaResponse, error) {
	commands, err := h.saga.Execute(req.Source, req.Destinations)
	if err != nil {
		var rejected CommandRejectedError
		if errors.As(err, &rejected) {
			return nil, status.Error(codes.FailedPrecondition, rejected.Message)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &SagaResponse{Commands: commands}, nil
}

// RunOOSagaServer starts a gRPC server for an OO-style saga.
func RunOOSagaServer(name, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "Saga",
		Domain:           name,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}

// OOProcessManager interface for OO-style process managers.
// Implemented by types that embed ProcessManagerBase.
type OOProcessManager interface {
	Name() string
	PMDomain() string
	InputDomains() []string
	PrepareDestinations(trigger, processState *EventBook) []*Cover
	Handle(trigger, processState *EventBook, destinations []*EventBook) ([]*CommandBook, *EventBook, *Notification, error)
}

// OOProcessManagerHandler wraps an OO-style process manager for a
// transport-agnostic ProcessManager service.
type OOProcessManagerHandler struct {
	pm OOProcessManager
}

// NewOOProcessManagerHandler creates a new OO process manager handler.
func NewOOProcessManagerHandler(pm OOProcessManager) *OOProcessManagerHandler {
	return &OOProcessManagerHandler{pm: pm}
}

// Prepare declares which additional destinations are needed.
func (h *OOProcessManagerHandler) Prepare(ctx context.Context, req *ProcessManagerPrepareRequest) (*ProcessManagerPrepareResponse, error) {
	destinations := h.pm.PrepareDestinations(req.Trigger, req.ProcessState)
	return &ProcessManagerPrepareResponse{Destinations: destinations}, nil
}

// Handle processes events and returns commands and process events.
func (h *OOProcessManagerHandler) Handle(ctx context.Context, req *ProcessManagerHandleRequest) (*ProcessManagerHandleResponse, error) {
	commands, processEvents, _, err := h.pm.Handle(req.Trigger, req.ProcessState, req.Destinations)
	if err != nil {
		var rejected CommandRejectedError
		if errors.As(err, &rejected) {
			return nil, status.Error(codes.FailedPrecondition, rejected.Message)
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &ProcessManagerHandleResponse{Commands: commands, ProcessEvents: processEvents}, nil
}

// RunOOProcessManagerServer starts a gRPC server for an OO-style process manager.
func RunOOProcessManagerServer(name, defaultPort string, registrar ServiceRegistrar) {
	RunServer(registrar, ServerOptions{
		ServiceName:      "ProcessManager",
		Domain:           name,
		DefaultPort:      defaultPort,
		EnableReflection: true,
	})
}
