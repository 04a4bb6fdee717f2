// Package query implements the event query service (spec §4.7): unary and
// streaming reads over a Repository, dispatching on a Query's Selection
// (None/Range/Sequences/Temporal) and supporting a correlation-id lookup
// that scans across domains.
//
// Grounded on original_source's src/services/event_query.rs: the
// correlation-id-first branch, the inclusive-to-half-open Range
// conversion (saturating at u32::MAX), the Sequences selection's
// documented fallback to a full read, and the bounded-channel-of-32
// streaming shape.
package query

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
	"github.com/benjaminabbitt/angzarr-sub000/storage"
)

// StreamBufferSize is the bounded channel capacity every streaming read
// uses to backpressure producers (spec §4.7).
const StreamBufferSize = 32

// Service answers Query requests. Two repositories are held because
// temporal/range reads must force-bypass snapshots (spec §4.3) while the
// plain "current view" read should use whatever snapshot optimisation the
// deployment configured.
type Service struct {
	repo    *repository.Repository
	rawRepo *repository.Repository
	events  storage.EventStore
	logger  *zap.Logger
}

// NewService builds a query Service. repo is used for Selection{None} (and
// for the documented Sequences fallback); a second, snapshot-disabled
// repository is derived internally for Range and Temporal selections.
func NewService(repo *repository.Repository, events storage.EventStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		rawRepo: repository.NewRaw(events),
		events:  events,
		logger:  logger,
	}
}

// GetEventBook resolves one Query to a single EventBook (spec §4.7's unary
// get_event_book). A correlation_id on q short-circuits straight to the
// cross-domain correlation index and returns the first match (or an empty
// book if none), ignoring q.Cover/Selection entirely — matching
// original_source's precedence.
func (s *Service) GetEventBook(ctx context.Context, q *angzarr.Query) (*angzarr.EventBook, error) {
	if q.CorrelationID != "" {
		books, err := s.events.GetByCorrelation(ctx, q.CorrelationID)
		if err != nil {
			return nil, angzarr.NewBackendError(err)
		}
		if len(books) == 0 {
			return &angzarr.EventBook{}, nil
		}
		return books[0], nil
	}

	if q.Cover == nil {
		return nil, angzarr.NewInvalidArgument("query must have a cover with domain/root or correlation_id")
	}

	domain := q.Cover.Domain
	edition := q.Cover.EditionName()
	root := angzarr.RootIDHex(q.Cover)

	switch sel := q.Selection.(type) {
	case nil, angzarr.SelectionNone:
		return s.repo.Get(ctx, domain, edition, root)
	case angzarr.SelectionRange:
		lower, upper := rangeBounds(sel)
		return s.rawRepo.GetFromTo(ctx, domain, edition, root, lower, upper)
	case angzarr.SelectionSequences:
		// Per spec §9, pointwise sequence selection is implemented as a
		// full read filtered client-side, not a dedicated storage path.
		book, err := s.repo.Get(ctx, domain, edition, root)
		if err != nil {
			return nil, err
		}
		return filterSequences(book, sel.Values), nil
	case angzarr.SelectionTemporal:
		return s.getTemporal(ctx, domain, edition, root, sel)
	default:
		return s.repo.Get(ctx, domain, edition, root)
	}
}

func (s *Service) getTemporal(ctx context.Context, domain, edition, root string, sel angzarr.SelectionTemporal) (*angzarr.EventBook, error) {
	switch {
	case sel.AsOfSequence != nil:
		return s.rawRepo.GetTemporalBySequence(ctx, domain, edition, root, *sel.AsOfSequence)
	case sel.AsOfTime != nil:
		return s.rawRepo.GetTemporalByTime(ctx, domain, edition, root, sel.AsOfTime.AsTime())
	default:
		return nil, angzarr.NewInvalidArgument("temporal selection must specify as_of_time or as_of_sequence")
	}
}

// rangeBounds converts a wire-inclusive SelectionRange to storage's
// half-open [lower, upper) convention, saturating the exclusive upper
// bound at math.MaxUint32 instead of wrapping (spec §4.7).
func rangeBounds(sel angzarr.SelectionRange) (lower, upper uint32) {
	if sel.Upper == nil {
		return sel.Lower, math.MaxUint32
	}
	if *sel.Upper == math.MaxUint32 {
		return sel.Lower, math.MaxUint32
	}
	return sel.Lower, *sel.Upper + 1
}

func filterSequences(book *angzarr.EventBook, values []uint32) *angzarr.EventBook {
	if book == nil {
		return &angzarr.EventBook{}
	}
	wanted := make(map[uint32]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}
	filtered := &angzarr.EventBook{Cover: book.Cover, Snapshot: book.Snapshot, NextSequence: book.NextSequence}
	for _, page := range book.Pages {
		if _, ok := wanted[page.Sequence]; ok {
			filtered.Pages = append(filtered.Pages, page)
		}
	}
	return filtered
}

// GetEvents streams the result of one Query onto a bounded channel (spec
// §4.7's get_events). A correlation_id query streams every matching book
// across domains; a cover-based query streams the single resolved book.
// The returned channel is closed when the send goroutine finishes; ctx
// cancellation stops delivery early without leaking the goroutine.
func (s *Service) GetEvents(ctx context.Context, q *angzarr.Query) (<-chan Result, error) {
	out := make(chan Result, StreamBufferSize)

	if q.CorrelationID != "" {
		go func() {
			defer close(out)
			books, err := s.events.GetByCorrelation(ctx, q.CorrelationID)
			if err != nil {
				sendResult(ctx, out, Result{Err: angzarr.NewBackendError(err)})
				return
			}
			for _, book := range books {
				if !sendResult(ctx, out, Result{Book: book}) {
					return
				}
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		book, err := s.GetEventBook(ctx, q)
		if err != nil {
			sendResult(ctx, out, Result{Err: err})
			return
		}
		sendResult(ctx, out, Result{Book: book})
	}()
	return out, nil
}

// Result is one item of a GetEvents/Synchronize stream: exactly one of
// Book or Err is set.
type Result struct {
	Book *angzarr.EventBook
	Err  error
}

func sendResult(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Synchronize streams the current book of each caller-supplied root under
// domain, ordered by root, for a handler bootstrapping its read model from
// scratch (the broker-backed bus's equivalent of a catch-up subscription;
// spec §4.7/§4.8). It does not enumerate roots itself: roots is the
// complete list it reads.
func (s *Service) Synchronize(ctx context.Context, domain, edition string, roots []string) (<-chan Result, error) {
	out := make(chan Result, StreamBufferSize)
	sorted := append([]string(nil), roots...)
	sort.Strings(sorted)

	go func() {
		defer close(out)
		for _, root := range sorted {
			book, err := s.repo.Get(ctx, domain, edition, root)
			if err != nil {
				if !sendResult(ctx, out, Result{Err: err}) {
					return
				}
				continue
			}
			if !sendResult(ctx, out, Result{Book: book}) {
				return
			}
		}
	}()
	return out, nil
}
