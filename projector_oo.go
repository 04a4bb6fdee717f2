// Package angzarr provides OO-style projector base for event projection.
//
// Projectors subscribe to events from one or more domains and produce
// side effects (logging, database writes, etc.) without emitting commands.
//
// Example usage:
//
//	type OutputProjector struct {
//	    angzarr.ProjectorBase
//	}
//
//	func NewOutputProjector() *OutputProjector {
//	    p := &OutputProjector{}
//	    p.Init("output", []string{"player", "table", "hand"})
//	    p.Projects("PlayerRegistered", p.projectRegistered)
//	    p.Projects("TableCreated", p.projectTableCreated)
//	    return p
//	}
//
//	func (p *OutputProjector) projectRegistered(event *examples.PlayerRegistered) *angzarr.Projection {
//	    writeLog(fmt.Sprintf("Player registered: %s", event.DisplayName))
//	    return nil // Let base handle default projection
//	}
package angzarr

import (
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"
)

// projectorOOFunc is an internal type for projection handlers.
type projectorOOFunc func(data []byte) *Projection

// ProjectorBase provides OO-style projector infrastructure.
//
// Embed this in your projector struct and call Init() to set up the base.
// Then register handlers with Projects().
type ProjectorBase struct {
	name     string
	domains  []string
	handlers map[string]projectorOOFunc
}

// Init initializes the projector base with name and domain configuration.
//
// Call this in your projector's constructor:
//
//	func NewOutputProjector() *OutputProjector {
//	    p := &OutputProjector{}
//	    p.Init("output", []string{"player", "table", "hand"})
//	    // ... register handlers
//	    return p
//	}
func (p *ProjectorBase) Init(name string, domains []string) {
	p.name = name
	p.domains = domains
	p.handlers = make(map[string]projectorOOFunc)
}

// Name returns the projector's name.
func (p *ProjectorBase) Name() string {
	return p.name
}

// Domains returns the domains this projector subscribes to.
func (p *ProjectorBase) Domains() []string {
	return p.domains
}

// Projects registers an event projection handler for a type_url suffix.
//
// The handler function must have signature: func(*EventType) *angzarr.Projection
// where EventType is a protobuf message type.
// The handler may return nil to use the default projection.
//
// Example:
//
//	p.Projects("PlayerRegistered", p.projectRegistered)
//
//	func (p *OutputProjector) projectRegistered(event *examples.PlayerRegistered) *angzarr.Projection {
//	    writeLog(fmt.Sprintf("Player: %s", event.DisplayName))
//	    return nil
//	}
func (p *ProjectorBase) Projects(suffix string, handler any) {
	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		panic("handler must be a function")
	}
	if handlerType.NumIn() != 1 {
		panic("handler must have exactly 1 parameter (event *EventType)")
	}
	if handlerType.NumOut() != 1 {
		panic("handler must return *angzarr.Projection")
	}

	eventPtrType := handlerType.In(0)
	if eventPtrType.Kind() != reflect.Ptr {
		panic("event parameter must be a pointer")
	}
	eventType := eventPtrType.Elem()

	wrapper := func(data []byte) *Projection {
		eventPtr := reflect.New(eventType)
		event := eventPtr.Interface().(proto.Message)

		if err := proto.Unmarshal(data, event); err != nil {
			return nil
		}

		results := handlerValue.Call([]reflect.Value{eventPtr})

		if results[0].IsNil() {
			return nil
		}
		return results[0].Interface().(*Projection)
	}

	p.handlers[suffix] = wrapper
}

// Handle processes an EventBook and returns a Projection.
func (p *ProjectorBase) Handle(events *EventBook) (*Projection, error) {
	if events == nil || events.Cover == nil {
		return &Projection{}, nil
	}

	for _, page := range events.Pages {
		if page.Event == nil {
			continue
		}

		typeURL := page.Event.TypeUrl

		for suffix, handler := range p.handlers {
			if strings.HasSuffix(typeURL, suffix) {
				if projection := handler(page.Event.Value); projection != nil {
					return projection, nil
				}
				break
			}
		}
	}

	return &Projection{}, nil
}

// ToHandler wraps the projector in a transport-agnostic ProjectorHandler
// suitable for registering against a ServiceRegistrar.
func (p *ProjectorBase) ToHandler() *ProjectorHandler {
	return NewProjectorHandler(p.name, p.domains...).WithHandle(p.Handle)
}
