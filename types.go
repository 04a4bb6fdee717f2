// Package angzarr provides the core data model and client-logic SDK for the
// angzarr event-sourcing coordination runtime, along with a client for
// talking to a running coordinator/query/saga service.
package angzarr

import (
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Well-known names, matching the Rust source's proto_ext::constants.
const (
	UnknownDomain          = "unknown"
	WildcardDomain         = "*"
	DefaultEdition         = "angzarr"
	MetaAngzarrDomain      = "_angzarr"
	FallbackSagaFailureDom = "_angzarr.saga-failures"
	ProjectionDomainPrefix = "projection:"
	TypeURLPrefix          = "type.googleapis.com/"
)

// DomainDivergence records the sequence at which one domain's edition
// history diverges from the main timeline.
type DomainDivergence struct {
	Domain   string
	Sequence uint32
}

// Edition names a branch of an aggregate's history. The zero value (empty
// Name) and DefaultEdition both mean "main timeline".
type Edition struct {
	Name string

	// Divergences holds explicit AtSequence divergence points, one per
	// domain that has diverged under this edition name. Set by the caller
	// (ExplicitEdition); the repository does not fill it in, and computes
	// its divergence point from the edition's stored events instead.
	Divergences []DomainDivergence

	// AtTime records an AtTimestamp divergence point. The repository's
	// composite reads take the edition by name and do not consult AtTime:
	// main events are cut at the edition's first stored sequence, not at
	// this timestamp.
	AtTime *timestamppb.Timestamp
}

// IsMainTimeline reports whether e represents the main timeline.
func (e *Edition) IsMainTimeline() bool {
	return e == nil || e.Name == "" || e.Name == DefaultEdition
}

// DivergenceFor returns the divergence sequence recorded for domain, or -1
// if none is recorded (meaning: not yet diverged, or main timeline).
func (e *Edition) DivergenceFor(domain string) int64 {
	if e == nil {
		return -1
	}
	for _, d := range e.Divergences {
		if d.Domain == domain {
			return int64(d.Sequence)
		}
	}
	return -1
}

// EditionName returns the edition's name, defaulting to DefaultEdition.
func EditionName(e *Edition) string {
	if e == nil || e.Name == "" {
		return DefaultEdition
	}
	return e.Name
}

// Cover is the identity tuple (domain, root, correlation_id, edition) that
// names both a command and an event book (spec §3).
type Cover struct {
	Domain        string
	Root          uuid.UUID
	CorrelationID string
	Edition       *Edition
}

// NewCover builds a main-timeline Cover.
func NewCover(domain string, root uuid.UUID, correlationID string) *Cover {
	return &Cover{Domain: domain, Root: root, CorrelationID: correlationID}
}

// NewCoverWithEdition builds a Cover on a named edition.
func NewCoverWithEdition(domain string, root uuid.UUID, correlationID string, edition *Edition) *Cover {
	return &Cover{Domain: domain, Root: root, CorrelationID: correlationID, Edition: edition}
}

// EditionName returns c's edition name, defaulting to DefaultEdition.
func (c *Cover) EditionName() string {
	if c == nil {
		return DefaultEdition
	}
	return EditionName(c.Edition)
}

// EventPage is one unit of history for an aggregate (spec §3).
type EventPage struct {
	Sequence  uint32
	CreatedAt *timestamppb.Timestamp
	Event     *anypb.Any
}

// SnapshotRetention controls how a SnapshotStore treats replacement.
type SnapshotRetention int

const (
	// RetentionDefault keeps only one snapshot per aggregate.
	RetentionDefault SnapshotRetention = iota
	// RetentionTransient supersedes only prior transient snapshots.
	RetentionTransient
)

// Snapshot is cached aggregate state at a sequence (spec §3).
type Snapshot struct {
	Sequence  uint32
	State     *anypb.Any
	Retention SnapshotRetention
}

// EventBook is the transport carrier for one aggregate's history slice
// (spec §3): a Cover, ordered Pages, an optional Snapshot used to
// accelerate replay, an optional SnapshotState candidate produced by client
// logic for the coordinator to persist, and the computed NextSequence.
type EventBook struct {
	Cover         *Cover
	Pages         []EventPage
	Snapshot      *Snapshot
	SnapshotState *anypb.Any
	NextSequence  uint32
}

// ComputeNextSequence recomputes NextSequence from Pages (max(seq)+1, or the
// snapshot-implied floor if Pages is empty).
func (b *EventBook) ComputeNextSequence() uint32 {
	if b == nil {
		return 0
	}
	if n := len(b.Pages); n > 0 {
		b.NextSequence = b.Pages[n-1].Sequence + 1
		return b.NextSequence
	}
	if b.Snapshot != nil {
		b.NextSequence = b.Snapshot.Sequence + 1
		return b.NextSequence
	}
	return b.NextSequence
}

// CommandPage is one command within a CommandBook. Synchronous marks a page
// that must complete before the issuer proceeds (spec's saga revoke
// commands set this so compensation doesn't race ahead of its own
// dispatch).
type CommandPage struct {
	Sequence    uint32
	Command     *anypb.Any
	Synchronous bool
}

// SagaCommandOrigin carries the compensation context for a command emitted
// by a saga or process manager (spec §3).
type SagaCommandOrigin struct {
	SagaName                string
	TriggeringAggregate     *Cover
	TriggeringEventSequence uint32
}

// CommandBook is a Cover plus ordered command pages, optionally stamped with
// a SagaCommandOrigin for compensation routing (spec §3). AutoResequence
// opts the coordinator into rebase-and-retry on a sequence conflict instead
// of failing the command outright (spec §4.4 step 4b). Fact marks a command
// that records something that has already happened (a saga's revoke
// command re-plays a rejection that already occurred), exempting it from
// whatever idempotent-intent checks apply to freshly-issued commands.
type CommandBook struct {
	Cover          *Cover
	Pages          []CommandPage
	SagaOrigin     *SagaCommandOrigin
	AutoResequence bool
	Fact           bool
}

// Position is the last-processed sequence for one (handler, domain,
// edition, root) tuple (spec §3).
type Position struct {
	Handler string
	Domain  string
	Edition string
	Root    uuid.UUID
	Seq     uint32
}

// RejectionNotification is sent to the aggregate that originated a saga
// command the target aggregate rejected (spec §4.6).
type RejectionNotification struct {
	IssuerName          string // saga or process-manager name
	IssuerType          string // "saga" | "process_manager"
	SourceEventSequence uint32
	RejectionReason     string
	RejectedCommand     *CommandBook
	SourceAggregate     *Cover
}

// Notification wraps a RejectionNotification as delivered to client logic.
type Notification struct {
	Payload *RejectionNotification
}

// RevocationResponse carries the flags governing saga compensation handling
// (spec §4.6).
type RevocationResponse struct {
	SendToDeadLetterQueue bool
	Escalate              bool
	Abort                 bool
	EmitSystemRevocation  bool
	Reason                string
}

// BusinessResponse is the reply from client logic to a command: exactly one
// of Events or Revocation is set (spec §4.4 step 3).
type BusinessResponse struct {
	Events     *EventBook
	Revocation *RevocationResponse
}

// CommandResponse is returned to the caller of Handle. SyncProjections
// carries any projection payloads the event bus collected from
// synchronous projectors during publish (spec §4.4 step 4f). Revocation is
// set instead of Events when client logic replied with a RevocationResponse
// rather than persisting anything — the saga package's compensation state
// machine is the only caller expected to act on it (spec §4.6).
type CommandResponse struct {
	Events          *EventBook
	SyncProjections []*Projection
	Revocation      *RevocationResponse
}

// Selection is the query selection kind (spec §4.7): exactly one of
// SelectionNone, SelectionRange, SelectionSequences, SelectionTemporal.
type Selection interface{ isSelection() }

// SelectionNone requests the full current view.
type SelectionNone struct{}

func (SelectionNone) isSelection() {}

// SelectionRange requests pages with Lower <= sequence <= *Upper
// (both ends inclusive on the wire; see query package for translation to
// storage's half-open convention). Upper nil means unbounded.
type SelectionRange struct {
	Lower uint32
	Upper *uint32
}

func (SelectionRange) isSelection() {}

// SelectionSequences requests a pointwise set of sequences. Per spec §9
// this is implemented as a full read + client-side filter.
type SelectionSequences struct {
	Values []uint32
}

func (SelectionSequences) isSelection() {}

// SelectionTemporal requests temporal reconstruction, bypassing snapshots.
// Exactly one of AsOfTime or AsOfSequence is set.
type SelectionTemporal struct {
	AsOfTime     *timestamppb.Timestamp
	AsOfSequence *uint32
}

func (SelectionTemporal) isSelection() {}

// Query is a read request against the event query service (spec §4.7).
type Query struct {
	Cover         *Cover
	CorrelationID string
	Selection     Selection
}

// ContextualCommand bundles an incoming CommandBook with the prior EventBook
// the coordinator loaded for it, as delivered to client logic's Handle
// (spec §4.4 step 2/3). Notification is set instead of Command when the
// coordinator is redelivering a saga rejection rather than dispatching an
// ordinary command (spec §4.6); Command.Pages[0] still carries a
// Notification-suffixed type URL for handlers that switch on it directly.
type ContextualCommand struct {
	Command      *CommandBook
	Events       *EventBook
	Notification *Notification
}
