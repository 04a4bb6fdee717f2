// Package angzarr provides event version transformation via UpcasterRouter
// (spec §4.12) and the IsComplete predicate that the upcast package's
// Repairer uses to decide whether a history prefix is missing.
package angzarr

import (
	"strings"

	"google.golang.org/protobuf/types/known/anypb"
)

// UpcasterHandler transforms an old event Any to a new event Any. Handlers
// must be idempotent: applying one twice to an already-current event is a
// no-op, since repaired history may re-present pages a prior read already
// upcast (spec §4.12).
type UpcasterHandler func(old *anypb.Any) *anypb.Any

// UpcasterRouter transforms old event versions to current versions.
//
// Events matching registered handlers are transformed.
// Events without matching handlers pass through unchanged.
//
// Example:
//
//	router := NewUpcasterRouter("order").
//	    On("OrderCreatedV1", upcastCreatedV1).
//	    On("OrderShippedV1", upcastShippedV1)
//
//	newEvents := router.Upcast(oldEvents)
type UpcasterRouter struct {
	domain   string
	handlers []upcasterEntry
}

type upcasterEntry struct {
	suffix  string
	handler UpcasterHandler
}

// NewUpcasterRouter creates a new upcaster router for a domain.
func NewUpcasterRouter(domain string) *UpcasterRouter {
	return &UpcasterRouter{
		domain:   domain,
		handlers: make([]upcasterEntry, 0),
	}
}

// On registers a handler for an old event type_url suffix.
//
// The suffix is matched against the end of the event's type_url.
// For example, suffix "OrderCreatedV1" matches "type.googleapis.com/examples.OrderCreatedV1".
func (r *UpcasterRouter) On(suffix string, handler UpcasterHandler) *UpcasterRouter {
	r.handlers = append(r.handlers, upcasterEntry{suffix: suffix, handler: handler})
	return r
}

// Upcast transforms a list of event pages to current versions, per-page.
//
// Pages matching a registered handler get a new Event; everything else
// passes through unchanged. The input slice is never mutated.
func (r *UpcasterRouter) Upcast(pages []EventPage) []EventPage {
	result := make([]EventPage, 0, len(pages))

	for _, page := range pages {
		if page.Event == nil {
			result = append(result, page)
			continue
		}

		transformed := false
		for _, entry := range r.handlers {
			if strings.HasSuffix(page.Event.TypeUrl, entry.suffix) {
				newPage := page
				newPage.Event = entry.handler(page.Event)
				result = append(result, newPage)
				transformed = true
				break
			}
		}

		if !transformed {
			result = append(result, page)
		}
	}

	return result
}

// Domain returns the domain this upcaster handles.
func (r *UpcasterRouter) Domain() string {
	return r.domain
}

// IsComplete reports whether pages represents a complete history prefix:
// either the first page is sequence 0, or snap's sequence immediately
// precedes the first page (spec §4.12 completeness predicate). A nil snap
// with a non-zero-starting prefix is incomplete.
func IsComplete(pages []EventPage, snap *Snapshot) bool {
	if len(pages) == 0 {
		return snap != nil
	}
	if pages[0].Sequence == 0 {
		return true
	}
	return snap != nil && snap.Sequence+1 == pages[0].Sequence
}
