// Package angzarr provides OO-style process manager base for multi-domain orchestration.
//
// Process managers correlate events across multiple domains, managing state machines
// that span domain boundaries. Unlike sagas (stateless), PMs maintain state.
//
// Two-phase protocol support:
//   - Prepare: Declare destination aggregates needed (via Prepares)
//   - Handle: Process events given trigger + state + destinations (via Handles)
//
// State reconstruction:
//   - Applies: Rebuild PM state from its own EventBook
//
// Example usage:
//
//	type HandFlowPM struct {
//	    angzarr.ProcessManagerBase[*PMState]
//	}
//
//	func NewHandFlowPM() *HandFlowPM {
//	    pm := &HandFlowPM{}
//	    pm.Init("hand-flow", "hand-flow", []string{"table", "hand"})
//	    pm.Applies("ProcessStarted", pm.applyProcessStarted)
//	    pm.Prepares("HandStarted", pm.prepareHandStarted)
//	    pm.Handles("HandStarted", pm.handleHandStarted)
//	    return pm
//	}
package angzarr

import (
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// pmPrepareOOFunc is an internal type for prepare handlers.
// Returns covers for destinations needed by this event.
type pmPrepareOOFunc[S any] func(trigger *EventBook, state S, eventAny *anypb.Any) []*Cover

// pmHandlerOOFunc is an internal type for event handlers.
// Returns commands and optionally PM events.
type pmHandlerOOFunc[S any] func(trigger *EventBook, state S, eventAny *anypb.Any, dests []*EventBook) ([]*CommandBook, *EventBook, error)

// pmApplierOOFunc is an internal type for state appliers.
// Mutates state based on a PM event.
type pmApplierOOFunc[S any] func(state S, eventAny *anypb.Any)

// pmRejectionOOFunc is an internal type for rejection handlers.
// Returns RejectionHandlerResponse with events and/or notification.
type pmRejectionOOFunc[S any] func(state S, notification *Notification) *RejectionHandlerResponse

// ProcessManagerBase provides OO-style process manager infrastructure.
//
// Embed this in your PM struct and call Init() to set up the base.
// Then register handlers with Prepares(), Handles(), and Applies().
//
// Type parameter S is the PM state type (should be a pointer type like *PMState).
type ProcessManagerBase[S any] struct {
	name         string
	pmDomain     string
	inputDomains []string
	stateFactory func() S
	prepares     map[string]pmPrepareOOFunc[S]
	handlers     map[string]pmHandlerOOFunc[S]
	appliers     map[string]pmApplierOOFunc[S]
	rejections   map[string]pmRejectionOOFunc[S]
}

// Init initializes the process manager base with name and domain configuration.
//
// Call this in your PM's constructor:
//
//	func NewHandFlowPM() *HandFlowPM {
//	    pm := &HandFlowPM{}
//	    pm.Init("hand-flow", "hand-flow", []string{"table", "hand"})
//	    // ... register handlers
//	    return pm
//	}
func (pm *ProcessManagerBase[S]) Init(name, pmDomain string, inputDomains []string) {
	pm.name = name
	pm.pmDomain = pmDomain
	pm.inputDomains = inputDomains
	pm.prepares = make(map[string]pmPrepareOOFunc[S])
	pm.handlers = make(map[string]pmHandlerOOFunc[S])
	pm.appliers = make(map[string]pmApplierOOFunc[S])
	pm.rejections = make(map[string]pmRejectionOOFunc[S])
}

// WithStateFactory sets the factory function for creating new state instances.
// Required for state reconstruction from events.
func (pm *ProcessManagerBase[S]) WithStateFactory(factory func() S) {
	pm.stateFactory = factory
}

// Name returns the PM's name.
func (pm *ProcessManagerBase[S]) Name() string {
	return pm.name
}

// PMDomain returns the PM's own domain (for its EventBook).
func (pm *ProcessManagerBase[S]) PMDomain() string {
	return pm.pmDomain
}

// InputDomains returns the domains this PM subscribes to.
func (pm *ProcessManagerBase[S]) InputDomains() []string {
	return pm.inputDomains
}

// Prepares registers a prepare handler for an event type_url suffix.
//
// The handler function must have signature:
// func(trigger *EventBook, state S, event *EventType) []*Cover
//
// Example:
//
//	pm.Prepares("HandStarted", pm.prepareHandStarted)
//
//	func (pm *HandFlowPM) prepareHandStarted(
//	    trigger *angzarr.EventBook,
//	    state *PMState,
//	    event *examples.HandStarted,
//	) []*angzarr.Cover {
//	    return []*angzarr.Cover{{Domain: "hand", Root: root}}
//	}
func (pm *ProcessManagerBase[S]) Prepares(suffix string, handler any) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if handlerType.NumIn() != 3 {
		panic("handler must have 3 parameters (trigger *EventBook, state S, event *EventType)")
	}
	if handlerType.NumOut() != 1 {
		panic("handler must return []*Cover")
	}

	eventPtrType := handlerType.In(2)
	if eventPtrType.Kind() != reflect.Ptr {
		panic("event parameter must be a pointer")
	}
	eventType := eventPtrType.Elem()

	wrapper := func(trigger *EventBook, state S, eventAny *anypb.Any) []*Cover {
		eventPtr := reflect.New(eventType)
		event := eventPtr.Interface().(proto.Message)

		if err := eventAny.UnmarshalTo(event); err != nil {
			return nil
		}

		triggerValue := reflect.ValueOf(trigger)
		stateValue := reflect.ValueOf(state)
		results := handlerValue.Call([]reflect.Value{triggerValue, stateValue, eventPtr})

		if results[0].IsNil() {
			return nil
		}
		return results[0].Interface().([]*Cover)
	}

	pm.prepares[suffix] = wrapper
}

// Handles registers an event handler for a type_url suffix.
//
// The handler function can have two signatures:
//
//  1. Without destinations: func(trigger, state, event) (cmds, pmEvents, error)
//  2. With destinations: func(trigger, state, event, dests) (cmds, pmEvents, error)
//
// Example:
//
//	pm.Handles("HandStarted", pm.handleHandStarted)
//
//	func (pm *HandFlowPM) handleHandStarted(
//	    trigger *angzarr.EventBook,
//	    state *PMState,
//	    event *examples.HandStarted,
//	    dests []*angzarr.EventBook,
//	) ([]*angzarr.CommandBook, *angzarr.EventBook, error) {
//	    // Process event and return commands
//	    return cmds, nil, nil
//	}
func (pm *ProcessManagerBase[S]) Handles(suffix string, handler any) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}

	numIn := handlerType.NumIn()
	if numIn < 3 || numIn > 4 {
		panic("handler must have 3-4 parameters (trigger, state, event [, dests])")
	}
	if handlerType.NumOut() != 3 {
		panic("handler must return ([]*CommandBook, *EventBook, error)")
	}

	eventPtrType := handlerType.In(2)
	if eventPtrType.Kind() != reflect.Ptr {
		panic("event parameter must be a pointer")
	}
	eventType := eventPtrType.Elem()

	withDests := numIn == 4

	wrapper := func(trigger *EventBook, state S, eventAny *anypb.Any, dests []*EventBook) ([]*CommandBook, *EventBook, error) {
		eventPtr := reflect.New(eventType)
		event := eventPtr.Interface().(proto.Message)

		if err := eventAny.UnmarshalTo(event); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}

		triggerValue := reflect.ValueOf(trigger)
		stateValue := reflect.ValueOf(state)

		var results []reflect.Value
		if withDests {
			destsValue := reflect.ValueOf(dests)
			results = handlerValue.Call([]reflect.Value{triggerValue, stateValue, eventPtr, destsValue})
		} else {
			results = handlerValue.Call([]reflect.Value{triggerValue, stateValue, eventPtr})
		}

		var cmds []*CommandBook
		if !results[0].IsNil() {
			cmds = results[0].Interface().([]*CommandBook)
		}

		var pmEvents *EventBook
		if !results[1].IsNil() {
			pmEvents = results[1].Interface().(*EventBook)
		}

		var err error
		if !results[2].IsNil() {
			err = results[2].Interface().(error)
		}

		return cmds, pmEvents, err
	}

	pm.handlers[suffix] = wrapper
}

// Applies registers a state applier for a PM event type_url suffix.
//
// The handler function must have signature:
// func(state S, event *EventType)
//
// State is mutated in place.
//
// Example:
//
//	pm.Applies("ProcessStarted", pm.applyProcessStarted)
//
//	func (pm *HandFlowPM) applyProcessStarted(state *PMState, event *ProcessStarted) {
//	    state.HandRoot = event.HandRoot
//	    state.InProgress = true
//	}
func (pm *ProcessManagerBase[S]) Applies(suffix string, handler any) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if handlerType.NumIn() != 2 {
		panic("handler must have 2 parameters (state S, event *EventType)")
	}
	if handlerType.NumOut() != 0 {
		panic("handler must not return anything (mutates state in place)")
	}

	eventPtrType := handlerType.In(1)
	if eventPtrType.Kind() != reflect.Ptr {
		panic("event parameter must be a pointer")
	}
	eventType := eventPtrType.Elem()

	wrapper := func(state S, eventAny *anypb.Any) {
		eventPtr := reflect.New(eventType)
		event := eventPtr.Interface().(proto.Message)

		if err := eventAny.UnmarshalTo(event); err != nil {
			return
		}

		stateValue := reflect.ValueOf(state)
		handlerValue.Call([]reflect.Value{stateValue, eventPtr})
	}

	pm.appliers[suffix] = wrapper
}

// OnRejected registers a rejection handler for when a specific command is rejected.
//
// Called when a PM-issued command targeting the specified domain and command
// type is rejected by the target aggregate.
//
// The handler function must have signature:
// func(state S, notification *Notification) *RejectionHandlerResponse
//
// Example:
//
//	pm.OnRejected("table", "JoinTable", pm.handleJoinRejected)
//
//	func (pm *HandFlowPM) handleJoinRejected(
//	    state *PMState,
//	    notification *angzarr.Notification,
//	) *RejectionHandlerResponse {
//	    return &angzarr.RejectionHandlerResponse{
//	        Events: compensationEvents,
//	        Notification: upstreamNotification,
//	    }
//	}
func (pm *ProcessManagerBase[S]) OnRejected(domain, command string, handler any) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if handlerType.NumIn() != 2 {
		panic("handler must have 2 parameters (state S, notification *Notification)")
	}
	if handlerType.NumOut() != 1 {
		panic("handler must return *RejectionHandlerResponse")
	}

	wrapper := func(state S, notification *Notification) *RejectionHandlerResponse {
		stateValue := reflect.ValueOf(state)
		notificationValue := reflect.ValueOf(notification)
		results := handlerValue.Call([]reflect.Value{stateValue, notificationValue})

		if results[0].IsNil() {
			return nil
		}
		return results[0].Interface().(*RejectionHandlerResponse)
	}

	key := fmt.Sprintf("%s/%s", domain, command)
	pm.rejections[key] = wrapper
}

// RebuildState reconstructs PM state from the process EventBook.
func (pm *ProcessManagerBase[S]) RebuildState(processState *EventBook) S {
	var state S
	if pm.stateFactory != nil {
		state = pm.stateFactory()
	} else {
		var zero S
		state = zero
	}

	if processState == nil || len(processState.Pages) == 0 {
		return state
	}

	for _, page := range processState.Pages {
		if page.Event == nil {
			continue
		}

		typeURL := page.Event.TypeUrl
		for suffix, applier := range pm.appliers {
			if strings.HasSuffix(typeURL, suffix) {
				applier(state, page.Event)
				break
			}
		}
	}

	return state
}

// PrepareDestinations returns the destination covers needed for the given trigger.
// Called during the Prepare phase of the two-phase PM protocol.
func (pm *ProcessManagerBase[S]) PrepareDestinations(trigger, processState *EventBook) []*Cover {
	if trigger == nil || len(trigger.Pages) == 0 {
		return nil
	}

	state := pm.RebuildState(processState)

	var covers []*Cover
	for _, page := range trigger.Pages {
		if page.Event == nil {
			continue
		}

		typeURL := page.Event.TypeUrl
		for suffix, handler := range pm.prepares {
			if strings.HasSuffix(typeURL, suffix) {
				result := handler(trigger, state, page.Event)
				covers = append(covers, result...)
				break
			}
		}
	}
	return covers
}

// Handle processes events and returns commands, PM events, and notification.
// Called during the Handle phase of the two-phase PM protocol.
//
// Trigger pages carrying a Notification (rejection) payload are skipped, not
// routed to rejection handlers, and the returned Notification is always
// nil; rejections reach OnRejected handlers only through HandleNotification.
func (pm *ProcessManagerBase[S]) Handle(trigger, processState *EventBook, destinations []*EventBook) ([]*CommandBook, *EventBook, *Notification, error) {
	if trigger == nil || len(trigger.Pages) == 0 {
		return nil, nil, nil, nil
	}

	state := pm.RebuildState(processState)

	var commands []*CommandBook
	var allPMEvents []EventPage
	var notification *Notification

	for _, page := range trigger.Pages {
		if page.Event == nil {
			continue
		}

		typeURL := page.Event.TypeUrl

		if strings.HasSuffix(typeURL, NotificationSuffix) {
			continue
		}

		for suffix, handler := range pm.handlers {
			if strings.HasSuffix(typeURL, suffix) {
				cmds, pmEvents, err := handler(trigger, state, page.Event, destinations)
				if err != nil {
					return nil, nil, nil, err
				}
				commands = append(commands, cmds...)
				if pmEvents != nil {
					allPMEvents = append(allPMEvents, pmEvents.Pages...)
				}
				break
			}
		}
	}

	var resultPMEvents *EventBook
	if len(allPMEvents) > 0 {
		resultPMEvents = &EventBook{Pages: allPMEvents}
	}

	return commands, resultPMEvents, notification, nil
}

// HandleNotification routes a Notification directly to the appropriate
// rejection handler, merging any resulting events into the PM's stream.
func (pm *ProcessManagerBase[S]) HandleNotification(processState *EventBook, notification *Notification) *RejectionHandlerResponse {
	if notification == nil || notification.Payload == nil {
		return nil
	}

	state := pm.RebuildState(processState)
	domain, cmdSuffix := extractRejectionKey(notification.Payload)
	key := fmt.Sprintf("%s/%s", domain, cmdSuffix)

	if handler, ok := pm.rejections[key]; ok {
		return handler(state, notification)
	}
	return nil
}

// extractRejectionKey extracts domain and command suffix from a RejectionNotification.
func extractRejectionKey(rejection *RejectionNotification) (string, string) {
	if rejection == nil || rejection.RejectedCommand == nil {
		return "", ""
	}

	domain := ""
	if rejection.RejectedCommand.Cover != nil {
		domain = rejection.RejectedCommand.Cover.Domain
	}

	cmdSuffix := ""
	if len(rejection.RejectedCommand.Pages) > 0 {
		cmd := rejection.RejectedCommand.Pages[0].Command
		if cmd != nil {
			typeURL := cmd.TypeUrl
			if idx := strings.LastIndex(typeURL, "/"); idx >= 0 {
				cmdSuffix = typeURL[idx+1:]
			} else {
				cmdSuffix = typeURL
			}
		}
	}

	return domain, cmdSuffix
}

// HandlerTypes returns the registered event type suffixes for handlers.
func (pm *ProcessManagerBase[S]) HandlerTypes() []string {
	types := make([]string, 0, len(pm.handlers))
	for suffix := range pm.handlers {
		types = append(types, suffix)
	}
	return types
}
