package angzarr

// Extension methods on the domain types themselves. Generated pb types
// normally need CoverW/EventBookW-style wrapper structs to attach
// ergonomic accessors to code the package doesn't own; these domain types
// are hand-owned, so the same ergonomics attach directly as methods
// instead of through a wrapper indirection.

// Domain returns the book's domain, or UnknownDomain if its cover is missing.
func (b *EventBook) Domain() string {
	if b == nil || b.Cover == nil {
		return UnknownDomain
	}
	return RoutingKey(b.Cover)
}

// RoutingKey computes the bus routing key for the book's cover.
func (b *EventBook) RoutingKey() string { return b.Domain() }

// CacheKey generates a cache key from the book's cover.
func (b *EventBook) CacheKey() string {
	if b == nil {
		return CacheKey(nil)
	}
	return CacheKey(b.Cover)
}

// Domain returns the command book's domain, or UnknownDomain if its cover is missing.
func (b *CommandBook) Domain() string {
	if b == nil || b.Cover == nil {
		return UnknownDomain
	}
	return RoutingKey(b.Cover)
}

// RoutingKey computes the bus routing key for the command book's cover.
func (b *CommandBook) RoutingKey() string { return b.Domain() }

// CacheKey generates a cache key from the command book's cover.
func (b *CommandBook) CacheKey() string {
	if b == nil {
		return CacheKey(nil)
	}
	return CacheKey(b.Cover)
}

// Domain returns the query's domain, or UnknownDomain if its cover is missing.
func (q *Query) Domain() string {
	if q == nil || q.Cover == nil {
		return UnknownDomain
	}
	return RoutingKey(q.Cover)
}

// RoutingKey computes the bus routing key for the query's cover.
func (q *Query) RoutingKey() string { return q.Domain() }

// Decode attempts to decode the page's event payload if its type URL
// matches typeSuffix.
func (p EventPage) Decode(typeSuffix string, msg interface{ Unmarshal([]byte) error }) bool {
	return DecodeEvent(p, typeSuffix, msg)
}

// EventsBook returns the response's events, or nil if unset.
func (r *CommandResponse) EventsBook() *EventBook {
	if r == nil {
		return nil
	}
	return r.Events
}

// EventPages extracts the response's event pages, or nil if unset.
func (r *CommandResponse) EventPages() []EventPage {
	return EventsFromResponse(r)
}
