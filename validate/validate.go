// Package validate implements the syntactic and resource-limit gates every
// external boundary runs before a Cover, CommandBook, or component name is
// accepted (spec §4.10). Violations map to InvalidArgument (syntax) or
// ResourceExhausted (quota), mirroring the teacher's CommandRejectedError /
// CoordinatorError split in errors.go.
package validate

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/benjaminabbitt/angzarr-sub000"
)

const (
	// DefaultMaxPagesPerBook bounds how many command pages one CommandBook
	// may carry.
	DefaultMaxPagesPerBook = 100
	// DefaultMaxPayloadBytes bounds one page's payload over a remote
	// transport.
	DefaultMaxPayloadBytes = 256 * 1024
	// SameHostMaxPayloadBytes is the relaxed bound for same-host IPC
	// transports (UDS).
	SameHostMaxPayloadBytes = 10 * 1024 * 1024
)

var (
	domainRE        = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	editionRE       = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	correlationRE   = regexp.MustCompile(`^[a-zA-Z0-9_-]*$`)
	componentNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Domain checks domain syntax: non-empty, <=64 bytes, [a-z_] followed by
// [a-z0-9_-]*. An underscore prefix denotes an internal domain (e.g.
// `_angzarr`) and is explicitly allowed by this class. A '.' is outside
// the class, so a name such as `_angzarr.saga-failures` is rejected.
func Domain(domain string) error {
	if domain == "" {
		return angzarr.NewInvalidArgument("domain must not be empty")
	}
	if len(domain) > 64 {
		return angzarr.NewInvalidArgument("domain exceeds 64 bytes")
	}
	if !domainRE.MatchString(domain) {
		return angzarr.NewInvalidArgument("domain must match [a-z_][a-z0-9_-]*")
	}
	return nil
}

// Edition checks edition syntax: empty or <=64 bytes, same class as Domain
// minus the underscore prefix (editions are never internal domains).
func Edition(edition string) error {
	if edition == "" || edition == angzarr.DefaultEdition {
		return nil
	}
	if len(edition) > 64 {
		return angzarr.NewInvalidArgument("edition exceeds 64 bytes")
	}
	if !editionRE.MatchString(edition) {
		return angzarr.NewInvalidArgument("edition must match [a-z][a-z0-9_-]*")
	}
	return nil
}

// CorrelationID checks correlation id syntax: empty or <=128 bytes,
// [a-zA-Z0-9_-]*.
func CorrelationID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > 128 {
		return angzarr.NewInvalidArgument("correlation_id exceeds 128 bytes")
	}
	if !correlationRE.MatchString(id) {
		return angzarr.NewInvalidArgument("correlation_id must match [a-zA-Z0-9_-]*")
	}
	return nil
}

// ComponentName checks component (projector/saga/process-manager) name
// syntax: non-empty, <=128 bytes, [a-z] followed by [a-z0-9_-]*.
func ComponentName(name string) error {
	if name == "" {
		return angzarr.NewInvalidArgument("component_name must not be empty")
	}
	if len(name) > 128 {
		return angzarr.NewInvalidArgument("component_name exceeds 128 bytes")
	}
	if !componentNameRE.MatchString(name) {
		return angzarr.NewInvalidArgument("component_name must match [a-z][a-z0-9_-]*")
	}
	return nil
}

// Limits bounds CommandBook page count and per-page payload size.
// MaxPayloadBytes should be SameHostMaxPayloadBytes for UDS transports,
// DefaultMaxPayloadBytes otherwise (spec §4.10).
type Limits struct {
	MaxPagesPerBook int
	MaxPayloadBytes int
}

// DefaultLimits returns the spec's default remote-transport limits.
func DefaultLimits() Limits {
	return Limits{MaxPagesPerBook: DefaultMaxPagesPerBook, MaxPayloadBytes: DefaultMaxPayloadBytes}
}

// Cover validates a Cover's domain, correlation id, and edition.
func Cover(c *angzarr.Cover) error {
	if c == nil {
		return &angzarr.CoordinatorError{Kind: angzarr.KindMissingCover, Message: "missing cover"}
	}
	if c.Root == uuid.Nil {
		return &angzarr.CoordinatorError{Kind: angzarr.KindMissingRoot, Message: "missing root"}
	}
	if err := Domain(c.Domain); err != nil {
		return err
	}
	if err := CorrelationID(c.CorrelationID); err != nil {
		return err
	}
	return Edition(c.EditionName())
}

// CommandBook runs Cover plus the page-count/payload-size resource gates.
// Page-count violations and payload violations surface as
// ResourceExhausted, per spec §4.10.
func CommandBook(cb *angzarr.CommandBook, limits Limits) error {
	if cb == nil {
		return &angzarr.CoordinatorError{Kind: angzarr.KindMissingCover, Message: "missing command book"}
	}
	if err := Cover(cb.Cover); err != nil {
		return err
	}
	if limits.MaxPagesPerBook > 0 && len(cb.Pages) > limits.MaxPagesPerBook {
		return angzarr.NewResourceExhausted("command book exceeds max_pages_per_book")
	}
	if limits.MaxPayloadBytes > 0 {
		for _, p := range cb.Pages {
			if p.Command != nil && len(p.Command.Value) > limits.MaxPayloadBytes {
				return angzarr.NewResourceExhausted("command payload exceeds max_payload_bytes")
			}
		}
	}
	return nil
}
