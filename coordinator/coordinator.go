// Package coordinator implements the command-to-event pipeline (spec
// §4.4): validate, load prior state, invoke client logic, fence/resequence
// the reply's sequence, persist, publish, and drain any saga-emitted
// commands through the same pipeline up to the saga depth bound.
//
// It is grounded on the teacher's CommandRouter/AggregateHandler dispatch
// split in router.go/handler.go, generalized from a single in-process
// dispatch call into a full storage-backed pipeline, and on
// original_source's src/services/aggregate_coordinator.rs for the
// work-queue-not-recursion structure (spec §9).
package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
	"github.com/benjaminabbitt/angzarr-sub000/validate"
)

// MaxBooksPerCall bounds how many CommandBooks (the originating command
// plus every saga-emitted follow-up) one Handle call may process (spec I6).
const MaxBooksPerCall = 100

// ClientLogic is the boundary interface user aggregate code implements.
// *angzarr.AggregateHandler[S] and *angzarr.OOAggregateHandler[S,A] both
// satisfy it as-is.
type ClientLogic interface {
	Handle(ctx context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error)
}

// PublishResult is what a Bus implementation hands back after fanning an
// EventBook out to projectors and sagas (spec §4.5).
type PublishResult struct {
	Projections []*angzarr.Projection
	Commands    []*angzarr.CommandBook
}

// Bus is the narrow publish-only seam the coordinator needs. Declared here
// rather than imported from the bus package to avoid a coordinator<->bus
// import cycle (bus.InProcess and broker.Bus both satisfy it).
type Bus interface {
	Publish(ctx context.Context, book *angzarr.EventBook) (*PublishResult, error)
}

// Coordinator wires a Repository (which also answers NextSequence for
// sequence fencing), a ClientLogic implementation, and a Bus into the full
// pipeline.
type Coordinator struct {
	Repo   *repository.Repository
	Logic  ClientLogic
	Bus    Bus
	Limits validate.Limits
	Logger *zap.Logger
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLimits overrides the default validation limits (e.g.
// validate.SameHostMaxPayloadBytes for a UDS transport).
func WithLimits(limits validate.Limits) Option {
	return func(c *Coordinator) { c.Limits = limits }
}

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.Logger = logger }
}

// New constructs a Coordinator ready to Handle commands.
func New(repo *repository.Repository, logic ClientLogic, bus Bus, opts ...Option) *Coordinator {
	c := &Coordinator{Repo: repo, Logic: logic, Bus: bus, Limits: validate.DefaultLimits(), Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle runs the full pipeline for an incoming command and, as a side
// effect, drains every saga-emitted follow-up command through the same
// pipeline (work-queue, not recursion — spec §9). The response returned
// corresponds only to the originating command; follow-ups are processed
// for their publish/saga side effects.
func (c *Coordinator) Handle(ctx context.Context, cmd *angzarr.CommandBook) (*angzarr.CommandResponse, error) {
	if err := validate.CommandBook(cmd, c.Limits); err != nil {
		return nil, err
	}

	queue := []*angzarr.CommandBook{cmd}
	processed := 0
	var originating *angzarr.CommandResponse

	for len(queue) > 0 {
		if processed >= MaxBooksPerCall {
			return nil, angzarr.NewResourceExhausted("saga command chain exceeded max books per call")
		}
		current := queue[0]
		queue = queue[1:]
		processed++

		resp, follow, err := c.processOne(ctx, current)
		if err != nil {
			return nil, err
		}
		if originating == nil {
			originating = resp
		}
		queue = append(queue, follow...)
	}
	return originating, nil
}

// processOne runs one CommandBook through load -> invoke -> fence/resequence
// -> persist -> publish, returning the caller-facing response and any
// saga-emitted follow-up commands to enqueue.
func (c *Coordinator) processOne(ctx context.Context, cmd *angzarr.CommandBook) (*angzarr.CommandResponse, []*angzarr.CommandBook, error) {
	domain := cmd.Cover.Domain
	edition := cmd.Cover.EditionName()
	root := angzarr.RootIDHex(cmd.Cover)

	prior, err := c.Repo.Get(ctx, domain, edition, root)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.Logic.Handle(ctx, &angzarr.ContextualCommand{Command: cmd, Events: prior})
	if err != nil {
		return nil, nil, err
	}

	if resp.Revocation != nil {
		// Compensation-flow replies aren't persisted here; the saga
		// package interprets the flags and drives its own state machine.
		return &angzarr.CommandResponse{Revocation: resp.Revocation}, nil, nil
	}

	book := resp.Events
	if book == nil || len(book.Pages) == 0 {
		return &angzarr.CommandResponse{Events: book}, nil, nil
	}

	book, err = c.fenceAndPersist(ctx, domain, edition, root, cmd, book, prior)
	if err != nil {
		return nil, nil, err
	}

	result := &angzarr.CommandResponse{Events: book}
	if c.Bus == nil {
		return result, nil, nil
	}

	published, err := c.Bus.Publish(ctx, book)
	if err != nil {
		return nil, nil, err
	}
	result.SyncProjections = published.Projections
	return result, published.Commands, nil
}

// fenceAndPersist validates the reply's first sequence against live
// next_sequence, rebasing and re-invoking client logic up to
// MaxResequenceRetries times when auto_resequence is set (spec §4.4 step
// 4b/4c, I2), then persists events and any snapshot candidate.
func (c *Coordinator) fenceAndPersist(ctx context.Context, domain, edition, root string, cmd *angzarr.CommandBook, book *angzarr.EventBook, prior *angzarr.EventBook) (*angzarr.EventBook, error) {
	for attempt := 0; ; attempt++ {
		next, err := c.Repo.NextSequence(ctx, domain, edition, root)
		if err != nil {
			return nil, err
		}

		if book.Pages[0].Sequence == next {
			if err := c.Repo.Put(ctx, book); err != nil {
				if ce := angzarr.AsCoordinatorError(err); ce != nil && ce.Kind == angzarr.KindSequenceConflict {
					if !cmd.AutoResequence || attempt >= MaxResequenceRetries {
						return nil, angzarr.NewAborted(ce.Expected, ce.Actual, "sequence conflict on persist")
					}
					continue
				}
				return nil, err
			}
			if err := c.persistSnapshot(ctx, domain, edition, root, book); err != nil {
				return nil, err
			}
			return book, nil
		}

		if !cmd.AutoResequence {
			return nil, angzarr.NewAborted(next, book.Pages[0].Sequence, "sequence mismatch")
		}
		if attempt >= MaxResequenceRetries {
			return nil, angzarr.NewAborted(next, book.Pages[0].Sequence, "auto-resequence retries exhausted")
		}

		refreshed, err := c.Repo.Get(ctx, domain, edition, root)
		if err != nil {
			return nil, err
		}
		resp, err := c.Logic.Handle(ctx, &angzarr.ContextualCommand{Command: cmd, Events: refreshed})
		if err != nil {
			return nil, err
		}
		if resp.Events == nil || len(resp.Events.Pages) == 0 {
			return resp.Events, nil
		}
		// Deterministic correction: rebase the re-invoked reply onto the
		// live next_sequence even if client logic already guessed right
		// (delta is then zero and rebase is a no-op).
		book = resp.Events
		book.Pages = rebase(book.Pages, next)
	}
}

func (c *Coordinator) persistSnapshot(ctx context.Context, domain, edition, root string, book *angzarr.EventBook) error {
	if book.SnapshotState == nil || c.Repo.Snapshots == nil {
		return nil
	}
	last := book.Pages[len(book.Pages)-1]
	snap := &angzarr.Snapshot{Sequence: last.Sequence, State: book.SnapshotState}
	return c.Repo.Snapshots.Put(ctx, domain, edition, root, snap)
}
