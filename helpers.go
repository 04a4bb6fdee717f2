package angzarr

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CorrelationIDHeader is the gRPC/HTTP metadata key carrying the
// correlation id, for transports that propagate it out of band.
const CorrelationIDHeader = "x-correlation-id"

// RoutingKey computes the bus routing key for a Cover.
func RoutingKey(c *Cover) string {
	if c == nil || c.Domain == "" {
		return UnknownDomain
	}
	return c.Domain
}

// CacheKey generates a repository/instrumentation cache key from domain,
// edition and root.
func CacheKey(c *Cover) string {
	if c == nil {
		return UnknownDomain + ":"
	}
	return c.Domain + ":" + c.EditionName() + ":" + c.Root.String()
}

// HasCorrelationID returns true if the Cover carries a non-empty correlation id.
func HasCorrelationID(c *Cover) bool {
	return c != nil && c.CorrelationID != ""
}

// MainTimeline returns an Edition representing the main timeline.
func MainTimeline() *Edition { return &Edition{Name: DefaultEdition} }

// ImplicitEdition creates an edition with the given name and no divergences
// recorded; the repository derives the divergence point from the edition's
// stored events and does not record it on the Edition (spec §4.2).
func ImplicitEdition(name string) *Edition { return &Edition{Name: name} }

// ExplicitEdition creates an edition with known per-domain divergence
// points.
func ExplicitEdition(name string, divergences []DomainDivergence) *Edition {
	return &Edition{Name: name, Divergences: divergences}
}

// EditionAtTimestamp creates an edition carrying an AtTimestamp divergence
// point (spec §4.2). The repository's composite reads do not consult it;
// see Edition.AtTime.
func EditionAtTimestamp(name string, at *timestamppb.Timestamp) *Edition {
	return &Edition{Name: name, AtTime: at}
}

// NewGeneratedCover builds a Cover with a freshly generated random root (UUIDv4).
func NewGeneratedCover(domain, correlationID string) *Cover {
	return &Cover{Domain: domain, Root: uuid.New(), CorrelationID: correlationID}
}

// RootIDHex returns the root UUID's hex digits (no hyphens).
func RootIDHex(c *Cover) string {
	if c == nil {
		return ""
	}
	return strings.ReplaceAll(c.Root.String(), "-", "")
}

// NextSequence returns the next writable sequence of an EventBook.
func NextSequence(book *EventBook) uint32 {
	if book == nil {
		return 0
	}
	return book.NextSequence
}

// EventPages returns the event pages from an EventBook, or nil if book is nil.
func EventPages(book *EventBook) []EventPage {
	if book == nil {
		return nil
	}
	return book.Pages
}

// CommandPages returns the command pages from a CommandBook, or nil if book is nil.
func CommandPages(book *CommandBook) []CommandPage {
	if book == nil {
		return nil
	}
	return book.Pages
}

// EventsFromResponse extracts the event pages from a CommandResponse.
func EventsFromResponse(resp *CommandResponse) []EventPage {
	if resp == nil || resp.Events == nil {
		return nil
	}
	return resp.Events.Pages
}

// TypeURL constructs a full type URL from a package and type name, matching
// the `type.googleapis.com/<package>.<Type>` convention anypb.Any uses.
func TypeURL(packageName, typeName string) string {
	return TypeURLPrefix + packageName + "." + typeName
}

// TypeNameFromURL extracts the bare type name from a type URL.
func TypeNameFromURL(typeURL string) string {
	if idx := strings.LastIndex(typeURL, "."); idx >= 0 {
		return typeURL[idx+1:]
	}
	if idx := strings.LastIndex(typeURL, "/"); idx >= 0 {
		return typeURL[idx+1:]
	}
	return typeURL
}

// TypeURLMatches checks if a type URL ends with the given suffix.
func TypeURLMatches(typeURL, suffix string) bool {
	return strings.HasSuffix(typeURL, suffix)
}

// DecodeEvent attempts to decode an event payload if the type URL matches.
func DecodeEvent(page EventPage, typeSuffix string, msg interface{ Unmarshal([]byte) error }) bool {
	if page.Event == nil {
		return false
	}
	if !TypeURLMatches(page.Event.TypeUrl, typeSuffix) {
		return false
	}
	return msg.Unmarshal(page.Event.Value) == nil
}

// NewEventPage builds an EventPage from an already-packed Any.
func NewEventPage(sequence uint32, createdAt *timestamppb.Timestamp, event *anypb.Any) EventPage {
	return EventPage{Sequence: sequence, CreatedAt: createdAt, Event: event}
}

// NewCommandPage creates a command page from a sequence and an already-packed Any.
func NewCommandPage(sequence uint32, command *anypb.Any) CommandPage {
	return CommandPage{Sequence: sequence, Command: command}
}

// NewCommandBook creates a CommandBook with the given pages.
func NewCommandBook(cover *Cover, pages ...CommandPage) *CommandBook {
	return &CommandBook{Cover: cover, Pages: pages}
}

// NewQuery creates a Query requesting the full current view.
func NewQuery(cover *Cover) *Query {
	return &Query{Cover: cover, CorrelationID: cover.CorrelationID, Selection: SelectionNone{}}
}

// NewQueryWithRange creates a Query with an inclusive wire-format range
// selection (spec §4.7); Upper nil means unbounded.
func NewQueryWithRange(cover *Cover, lower uint32, upper *uint32) *Query {
	return &Query{Cover: cover, CorrelationID: cover.CorrelationID, Selection: SelectionRange{Lower: lower, Upper: upper}}
}

// NewQueryWithSequences creates a Query selecting a pointwise set of
// sequences (spec §9: implemented as full-read + client-side filter).
func NewQueryWithSequences(cover *Cover, values []uint32) *Query {
	return &Query{Cover: cover, CorrelationID: cover.CorrelationID, Selection: SelectionSequences{Values: values}}
}

// NewQueryWithTemporal creates a Query with a temporal selection.
func NewQueryWithTemporal(cover *Cover, temporal SelectionTemporal) *Query {
	return &Query{Cover: cover, CorrelationID: cover.CorrelationID, Selection: temporal}
}

// RangeSelection creates a range selection.
func RangeSelection(lower uint32, upper *uint32) SelectionRange {
	return SelectionRange{Lower: lower, Upper: upper}
}

// TemporalSelectionBySequence creates a temporal selection as-of a sequence.
func TemporalSelectionBySequence(seq uint32) SelectionTemporal {
	return SelectionTemporal{AsOfSequence: &seq}
}

// TemporalSelectionByTime creates a temporal selection as-of a timestamp.
func TemporalSelectionByTime(ts *timestamppb.Timestamp) SelectionTemporal {
	return SelectionTemporal{AsOfTime: ts}
}

// Now returns the current time as a protobuf Timestamp.
func Now() *timestamppb.Timestamp { return timestamppb.Now() }

// ParseTimestamp parses an RFC3339 timestamp string into a protobuf
// Timestamp, wrapping parse failures as a ClientError.
func ParseTimestamp(rfc3339 string) (*timestamppb.Timestamp, error) {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return nil, InvalidTimestampError(err.Error())
	}
	return timestamppb.New(t), nil
}

// IsProjectionDomain reports whether domain names a synchronous-projection
// sink (spec glossary: "projection:" prefix).
func IsProjectionDomain(domain string) bool {
	return strings.HasPrefix(domain, ProjectionDomainPrefix)
}

// IsMetaDomain reports whether domain is the reserved "_angzarr" namespace
// or one of its sub-namespaces (e.g. the fallback saga-failure domain).
func IsMetaDomain(domain string) bool {
	return domain == MetaAngzarrDomain || strings.HasPrefix(domain, MetaAngzarrDomain+".")
}
