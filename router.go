// Package angzarr provides DRY dispatch via router types.
//
// CommandRouter replaces manual switch statements in aggregate handlers.
// EventRouter replaces manual switch statements in saga event handlers.
// Both auto-derive descriptors from their On() registrations.
package angzarr

import (
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Error constants.
const (
	ErrMsgUnknownCommand = "unknown command type"
	ErrMsgNoCommandPages = "no command pages"
)

// CommandHandler handles a command and returns events.
// Parameters:
//   - cb: The full CommandBook
//   - cmd: The unpacked command Any
//   - state: Rebuilt state from prior events
//   - seq: Next event sequence number
//
// Returns: EventBook containing produced events
type CommandHandler[S any] func(cb *CommandBook, cmd *anypb.Any, state S, seq uint32) (*EventBook, error)

// StateRebuilder reconstructs state from prior events.
type StateRebuilder[S any] func(events *EventBook) S

// RevocationHandler handles saga compensation requests.
// Called when a saga command targeting this aggregate's events is rejected.
//
// Parameters:
//   - notification: Notification containing RejectionNotification payload
//   - state: Current aggregate state
//
// Returns: BusinessResponse with events or RevocationResponse
type RevocationHandler[S any] func(notification *Notification, state S) *BusinessResponse

// CommandRouter dispatches commands to handlers by type_url suffix.
//
// Example:
//
//	router := NewCommandRouter("cart", rebuildState).
//	    On("CreateCart", handleCreateCart).
//	    On("AddItem", handleAddItem).
//	    OnRejected("payment", "ProcessPayment", handlePaymentRejected)
//
//	// In Handle():
//	response, err := router.Dispatch(request)
type CommandRouter[S any] struct {
	domain            string
	rebuild           StateRebuilder[S]
	handlers          []commandRegistration[S]
	rejectionHandlers map[string]RevocationHandler[S] // Key: "domain/command"
}

type commandRegistration[S any] struct {
	suffix  string
	handler CommandHandler[S]
}

// NewCommandRouter creates a new router for the given domain.
func NewCommandRouter[S any](domain string, rebuild StateRebuilder[S]) *CommandRouter[S] {
	return &CommandRouter[S]{
		domain:            domain,
		rebuild:           rebuild,
		handlers:          make([]commandRegistration[S], 0),
		rejectionHandlers: make(map[string]RevocationHandler[S]),
	}
}

// On registers a handler for a command type_url suffix.
func (r *CommandRouter[S]) On(suffix string, handler CommandHandler[S]) *CommandRouter[S] {
	r.handlers = append(r.handlers, commandRegistration[S]{suffix: suffix, handler: handler})
	return r
}

// OnRejected registers a handler for rejected commands.
//
// Called when a saga/PM command targeting the specified domain and command
// type is rejected by the target aggregate. The handler should decide whether to:
// 1. Emit compensation events (return with Events)
// 2. Delegate to framework (return with RevocationResponse)
//
// If no handler matches, revocations delegate to framework by default.
func (r *CommandRouter[S]) OnRejected(domain, command string, handler RevocationHandler[S]) *CommandRouter[S] {
	key := domain + "/" + command
	r.rejectionHandlers[key] = handler
	return r
}

// Dispatch routes a ContextualCommand to the matching handler.
//
// Extracts command + prior events, rebuilds state, matches type_url suffix,
// and calls the registered handler. Detects Notification and routes
// to the rejection handler.
func (r *CommandRouter[S]) Dispatch(cmd *ContextualCommand) (*BusinessResponse, error) {
	commandBook := cmd.Command
	priorEvents := cmd.Events

	state := r.rebuild(priorEvents)
	seq := NextSequence(priorEvents)

	if commandBook == nil || len(commandBook.Pages) == 0 {
		return nil, fmt.Errorf("%s", ErrMsgNoCommandPages)
	}

	commandAny := commandBook.Pages[0].Command
	if commandAny == nil || commandAny.TypeUrl == "" {
		return nil, fmt.Errorf("%s", ErrMsgNoCommandPages)
	}

	typeURL := commandAny.TypeUrl

	// Check for Notification (rejection/compensation). The coordinator
	// stamps cmd.Notification whenever it redelivers a saga rejection, so
	// Dispatch never needs to decode RejectionNotification off the wire.
	if strings.HasSuffix(typeURL, NotificationSuffix) {
		notification := cmd.Notification
		if notification == nil {
			return nil, fmt.Errorf("notification command with no attached Notification payload")
		}
		return r.dispatchRejection(notification, state)
	}

	// Normal command dispatch
	for _, reg := range r.handlers {
		if strings.HasSuffix(typeURL, reg.suffix) {
			events, err := reg.handler(commandBook, commandAny, state, seq)
			if err != nil {
				return nil, err
			}
			return &BusinessResponse{Events: events}, nil
		}
	}

	return nil, fmt.Errorf("%s: %s", ErrMsgUnknownCommand, typeURL)
}

// dispatchRejection routes a rejection Notification to the matching handler.
func (r *CommandRouter[S]) dispatchRejection(notification *Notification, state S) (*BusinessResponse, error) {
	rejection := notification.Payload
	if rejection == nil {
		return DelegateToFramework(
			fmt.Sprintf("aggregate %s received an empty rejection notification", r.domain),
		), nil
	}

	// Extract domain and command type from rejected_command
	var domain, cmdSuffix string
	if rejection.RejectedCommand != nil && len(rejection.RejectedCommand.Pages) > 0 {
		if rejection.RejectedCommand.Cover != nil {
			domain = rejection.RejectedCommand.Cover.Domain
		}
		if cmd := rejection.RejectedCommand.Pages[0].Command; cmd != nil {
			cmdSuffix = TypeNameFromURL(cmd.TypeUrl)
		}
	}

	key := domain + "/" + cmdSuffix
	if handler, ok := r.rejectionHandlers[key]; ok {
		return handler(notification, state), nil
	}

	return DelegateToFramework(
		fmt.Sprintf("aggregate %s has no custom compensation for %s", r.domain, key),
	), nil
}

// RebuildState reconstructs state from an EventBook using the registered rebuilder.
//
// This is used by the Replay RPC to compute state from events.
func (r *CommandRouter[S]) RebuildState(events *EventBook) S {
	return r.rebuild(events)
}

// EventHandler handles an event and returns commands for other aggregates.
// Parameters:
//   - source: The source EventBook
//   - event: The event Any from the EventPage
//   - destinations: EventBooks for destinations declared in Prepare
//
// Returns: List of CommandBooks to execute on other aggregates
type EventHandler func(source *EventBook, event *anypb.Any, destinations []*EventBook) ([]*CommandBook, error)

// PrepareHandler declares which destinations are needed for an event type.
// Parameters:
//   - source: The source EventBook
//   - event: The event Any from the EventPage
//
// Returns: List of Covers for destinations to fetch
type PrepareHandler func(source *EventBook, event *anypb.Any) []*Cover

// EventRouter dispatches events to handlers by type_url suffix.
// Unified router for sagas, process managers, and projectors.
// Uses fluent .Domain().On() pattern to register handlers with domain context.
//
// Example (Saga - single domain):
//
//	router := NewEventRouter("saga-table-hand").
//	    Domain("table").
//	    On("HandStarted", handleStarted)
//
// Example (Process Manager - multi-domain):
//
//	router := NewEventRouter("pmg-order-flow").
//	    Domain("order").
//	    On("OrderCreated", handleCreated).
//	    Domain("inventory").
//	    On("StockReserved", handleReserved)
type EventRouter struct {
	name            string
	currentDomain   string
	handlers        map[string][]eventRegistration  // domain -> handlers
	prepareHandlers map[string][]prepareRegistration // domain -> prepare handlers
}

type eventRegistration struct {
	suffix  string
	handler EventHandler
}

type prepareRegistration struct {
	suffix  string
	handler PrepareHandler
}

// NewEventRouter creates a new router for the given component name.
// For single-domain routers, you can pass an optional inputDomain as the second argument
// (backwards compatibility). For multi-domain routers, use Domain() instead.
func NewEventRouter(name string, inputDomain ...string) *EventRouter {
	router := &EventRouter{
		name:            name,
		handlers:        make(map[string][]eventRegistration),
		prepareHandlers: make(map[string][]prepareRegistration),
	}
	if len(inputDomain) > 0 && inputDomain[0] != "" {
		router.Domain(inputDomain[0])
	}
	return router
}

// Domain sets the current domain context for subsequent On() calls.
func (r *EventRouter) Domain(name string) *EventRouter {
	r.currentDomain = name
	if _, ok := r.handlers[name]; !ok {
		r.handlers[name] = make([]eventRegistration, 0)
	}
	if _, ok := r.prepareHandlers[name]; !ok {
		r.prepareHandlers[name] = make([]prepareRegistration, 0)
	}
	return r
}

// Prepare registers a prepare handler for an event type_url suffix.
// The prepare handler declares which destinations are needed before Execute.
// Must be called after Domain() to set context.
func (r *EventRouter) Prepare(suffix string, handler PrepareHandler) *EventRouter {
	if r.currentDomain == "" {
		panic("must call Domain() before Prepare()")
	}
	r.prepareHandlers[r.currentDomain] = append(
		r.prepareHandlers[r.currentDomain],
		prepareRegistration{suffix: suffix, handler: handler},
	)
	return r
}

// On registers a handler for an event type_url suffix in current domain.
// Must be called after Domain() to set context.
func (r *EventRouter) On(suffix string, handler EventHandler) *EventRouter {
	if r.currentDomain == "" {
		panic("must call Domain() before On()")
	}
	r.handlers[r.currentDomain] = append(
		r.handlers[r.currentDomain],
		eventRegistration{suffix: suffix, handler: handler},
	)
	return r
}

// Subscriptions auto-derives subscriptions from registered handlers.
// Returns list of (domain, event_types) pairs.
func (r *EventRouter) Subscriptions() map[string][]string {
	result := make(map[string][]string)
	for domain, handlers := range r.handlers {
		if len(handlers) > 0 {
			types := make([]string, len(handlers))
			for i, reg := range handlers {
				types[i] = reg.suffix
			}
			result[domain] = types
		}
	}
	return result
}

// PrepareDestinations returns the destination covers needed for the given source.
// Routes based on source domain.
func (r *EventRouter) PrepareDestinations(source *EventBook) []*Cover {
	if source == nil || len(source.Pages) == 0 {
		return nil
	}

	sourceDomain := ""
	if source.Cover != nil {
		sourceDomain = source.Cover.Domain
	}

	domainHandlers, ok := r.prepareHandlers[sourceDomain]
	if !ok {
		return nil
	}

	page := source.Pages[len(source.Pages)-1]
	event := page.Event
	if event == nil {
		return nil
	}

	for _, reg := range domainHandlers {
		if strings.HasSuffix(event.TypeUrl, reg.suffix) {
			return reg.handler(source, event)
		}
	}
	return nil
}

// Dispatch routes all events in an EventBook to registered handlers.
// Routes based on source domain and event type suffix.
func (r *EventRouter) Dispatch(source *EventBook, destinations []*EventBook) ([]*CommandBook, error) {
	if source == nil {
		return nil, nil
	}

	sourceDomain := ""
	if source.Cover != nil {
		sourceDomain = source.Cover.Domain
	}

	domainHandlers, ok := r.handlers[sourceDomain]
	if !ok {
		return nil, nil
	}

	var commands []*CommandBook
	for _, page := range source.Pages {
		event := page.Event
		if event == nil {
			continue
		}
		for _, reg := range domainHandlers {
			if strings.HasSuffix(event.TypeUrl, reg.suffix) {
				cmds, err := reg.handler(source, event, destinations)
				if err != nil {
					return nil, err
				}
				commands = append(commands, cmds...)
				break
			}
		}
	}
	return commands, nil
}

// InputDomain returns the first registered domain (for backwards compatibility).
// Deprecated: use Subscriptions() instead.
func (r *EventRouter) InputDomain() string {
	for domain := range r.handlers {
		return domain
	}
	return ""
}

// ============================================================================
// StateRouter - fluent state reconstruction
// ============================================================================

// StateFactory creates a new zero-value state instance.
type StateFactory[S any] func() S

// EventApplier applies an event to state.
// The handler receives raw bytes and is responsible for unmarshaling.
type EventApplier[S any] func(state *S, value []byte)

// stateRegistration holds a suffix and its handler.
type stateRegistration[S any] struct {
	suffix  string
	applier EventApplier[S]
}

// StateRouter provides fluent state reconstruction from events.
//
// Register once at startup, call WithEvents() per rebuild.
// Creates fresh state on each WithEvents() call.
//
// Example:
//
//	func applyCreated(state *OrderState, event *examples.OrderCreated) {
//	    state.OrderID = event.OrderId
//	}
//
//	var orderRouter = NewStateRouter(NewOrderState).
//	    On(applyCreated)
//
//	func RebuildState(eventBook *angzarr.EventBook) OrderState {
//	    return orderRouter.WithEventBook(eventBook)
//	}
type StateRouter[S any] struct {
	factory  StateFactory[S]
	handlers []stateRegistration[S]
}

// NewStateRouter creates a new StateRouter with the given state factory.
//
// The factory is called on each WithEvents() to create a fresh state instance.
func NewStateRouter[S any](factory StateFactory[S]) *StateRouter[S] {
	return &StateRouter[S]{
		factory:  factory,
		handlers: make([]stateRegistration[S], 0),
	}
}

// On registers an event applier handler.
//
// The handler function must have signature: func(*S, *EventType)
// The event type is derived via reflection from the handler.
func (r *StateRouter[S]) On(handler any) *StateRouter[S] {
	suffix, applier := makeEventApplier[S](handler)
	r.handlers = append(r.handlers, stateRegistration[S]{
		suffix:  suffix,
		applier: applier,
	})
	return r
}

// WithEvents creates fresh state and applies all events.
//
// This is the terminal operation for rebuilding state.
func (r *StateRouter[S]) WithEvents(pages []EventPage) S {
	state := r.factory()
	for _, page := range pages {
		if page.Event != nil {
			r.ApplySingle(&state, page.Event)
		}
	}
	return state
}

// WithEventBook creates fresh state from an EventBook.
func (r *StateRouter[S]) WithEventBook(eventBook *EventBook) S {
	if eventBook == nil {
		return r.factory()
	}
	return r.WithEvents(eventBook.Pages)
}

// ApplySingle applies a single event to existing state.
func (r *StateRouter[S]) ApplySingle(state *S, eventAny *anypb.Any) {
	typeURL := eventAny.TypeUrl
	for _, reg := range r.handlers {
		if strings.HasSuffix(typeURL, reg.suffix) {
			reg.applier(state, eventAny.Value)
			return
		}
	}
	// Unknown event type - silently ignore (forward compatibility)
}

// ToRebuilder converts the StateRouter to a StateRebuilder function.
//
// This allows using StateRouter with CommandRouter:
//
//	orderRouter := NewStateRouter(NewOrderState).On(...)
//	cmdRouter := NewCommandRouter("order", orderRouter.ToRebuilder())
func (r *StateRouter[S]) ToRebuilder() StateRebuilder[S] {
	return func(events *EventBook) S {
		return r.WithEventBook(events)
	}
}

// makeEventApplier uses reflection to create an EventApplier from a typed handler.
//
// The handler must have signature: func(*S, *EventType) where EventType is a proto.Message.
// Returns the event type suffix and an applier function.
func makeEventApplier[S any](handler any) (string, EventApplier[S]) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if handlerType.NumIn() != 2 {
		panic("handler must have exactly 2 parameters (state *S, event *EventType)")
	}

	eventPtrType := handlerType.In(1)
	if eventPtrType.Kind() != reflect.Ptr {
		panic("event parameter must be a pointer")
	}
	eventType := eventPtrType.Elem()

	suffix := eventType.Name()

	applier := func(state *S, value []byte) {
		eventPtr := reflect.New(eventType)
		event, ok := eventPtr.Interface().(proto.Message)
		if !ok {
			return
		}
		if err := proto.Unmarshal(value, event); err != nil {
			return // Silently ignore unmarshal errors
		}
		stateValue := reflect.ValueOf(state)
		handlerValue.Call([]reflect.Value{stateValue, eventPtr})
	}

	return suffix, applier
}
