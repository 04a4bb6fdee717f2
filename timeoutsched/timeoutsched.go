// Package timeoutsched implements the periodic process-manager timeout
// emitter (spec §4.11): on each tick, query a read model for process
// instances past their deadline and dispatch a ProcessTimeout fact-event
// for each one.
//
// Grounded on original_source's src/services/timeout_scheduler.rs: the
// StaleProcessQuery trait, the per-timeout-type interval loop, and the
// UUIDv5-from-fixed-namespace derivation for non-UUID workflow ids are all
// carried over. Where the original publishes a Force(true) EventPage
// straight to its bus (bypassing the normal sequence fence because the
// timeout domain owns no aggregate of its own), this module instead
// dispatches a Fact CommandBook through the same Dispatcher interface
// saga.Compensator uses — angzarr's EventPage has no forced-sequence
// variant, so a fact command that the coordinator sequences and persists
// normally is the idiomatic equivalent.
package timeoutsched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
)

// Namespace is the fixed UUID namespace timeout correlation ids are
// derived under when they aren't already valid UUIDs. Pinned to the same
// value original_source hardcodes, for cross-implementation determinism.
var Namespace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

// ProcessTimeoutTypeURL identifies the ProcessTimeout command on the wire.
const ProcessTimeoutTypeURL = "type.googleapis.com/angzarr.ProcessTimeout"

// StaleProcess is one process manager instance found past its deadline by
// a StaleProcessQuery.
type StaleProcess struct {
	CorrelationID string
	ProcessType   string
	TimeoutType   string
	Deadline      time.Time
}

// StaleProcessQuery looks up process manager instances past their
// deadline for one (processType, timeoutType) pair. Backed by whatever
// read model a deployment's process manager projector maintains.
type StaleProcessQuery interface {
	FindStale(ctx context.Context, processType, timeoutType string, maxAge time.Duration) ([]StaleProcess, error)
}

// Dispatcher accepts a fact CommandBook for normal sequencing and
// persistence. *coordinator.Coordinator satisfies this directly.
type Dispatcher interface {
	Handle(ctx context.Context, cmd *angzarr.CommandBook) (*angzarr.CommandResponse, error)
}

// TimeoutConfig configures one timeout type's staleness window.
type TimeoutConfig struct {
	TimeoutType     string
	DurationMinutes int
}

// Config configures one Scheduler instance.
type Config struct {
	ProcessType    string
	TimeoutDomain  string
	Timeouts       []TimeoutConfig
	CheckInterval  time.Duration
}

// DefaultCheckInterval matches original_source's deployment default.
const DefaultCheckInterval = 30 * time.Second

// Scheduler periodically queries for stale process manager instances and
// dispatches a ProcessTimeout fact command for each (spec §4.11).
type Scheduler struct {
	config     Config
	query      StaleProcessQuery
	dispatcher Dispatcher
	logger     *zap.Logger
}

// New builds a Scheduler. config.CheckInterval defaults to
// DefaultCheckInterval when zero.
func New(config Config, query StaleProcessQuery, dispatcher Dispatcher, logger *zap.Logger) *Scheduler {
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{config: config, query: query, dispatcher: dispatcher, logger: logger}
}

// Run blocks, checking for timeouts at config.CheckInterval until ctx is
// cancelled. Each timeout type is checked in sequence on every tick, as
// original_source's loop does; a query or dispatch failure for one
// timeout type is logged and does not abort the tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting timeout scheduler",
		zap.String("process_type", s.config.ProcessType),
		zap.Duration("check_interval", s.config.CheckInterval),
		zap.Int("timeout_types", len(s.config.Timeouts)))

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, tc := range s.config.Timeouts {
		maxAge := time.Duration(tc.DurationMinutes) * time.Minute

		stale, err := s.query.FindStale(ctx, s.config.ProcessType, tc.TimeoutType, maxAge)
		if err != nil {
			s.logger.Warn("failed to query stale processes",
				zap.String("process_type", s.config.ProcessType),
				zap.String("timeout_type", tc.TimeoutType),
				zap.Error(err))
			continue
		}
		if len(stale) > 0 {
			s.logger.Info("found stale processes",
				zap.String("process_type", s.config.ProcessType),
				zap.String("timeout_type", tc.TimeoutType),
				zap.Int("count", len(stale)))
		}

		for _, p := range stale {
			if err := s.emitTimeout(ctx, p); err != nil {
				s.logger.Error("failed to dispatch timeout command",
					zap.String("correlation_id", p.CorrelationID),
					zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) emitTimeout(ctx context.Context, p StaleProcess) error {
	cmd, err := buildTimeoutCommand(p)
	if err != nil {
		return err
	}
	root := CorrelationToUUID(p.CorrelationID)

	book := &angzarr.CommandBook{
		Cover: &angzarr.Cover{
			Domain:        s.config.TimeoutDomain,
			Root:          root,
			CorrelationID: p.CorrelationID,
		},
		Pages: []angzarr.CommandPage{{Command: cmd}},
		Fact:  true,
	}

	s.logger.Debug("dispatching ProcessTimeout command",
		zap.String("correlation_id", p.CorrelationID),
		zap.String("timeout_type", p.TimeoutType))

	_, err = s.dispatcher.Handle(ctx, book)
	return err
}

func buildTimeoutCommand(p StaleProcess) (*anypb.Any, error) {
	payload, err := json.Marshal(struct {
		CorrelationID string `json:"correlation_id"`
		ProcessType   string `json:"process_type"`
		TimeoutType   string `json:"timeout_type"`
		Deadline      string `json:"deadline"`
	}{
		CorrelationID: p.CorrelationID,
		ProcessType:   p.ProcessType,
		TimeoutType:   p.TimeoutType,
		Deadline:      p.Deadline.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return &anypb.Any{TypeUrl: ProcessTimeoutTypeURL, Value: payload}, nil
}

// CorrelationToUUID parses correlationID as a UUID if it already is one,
// else deterministically derives one via UUIDv5 under Namespace — the
// same fallback original_source's correlation_to_uuid performs, so the
// same correlation id always maps to the same event root.
func CorrelationToUUID(correlationID string) uuid.UUID {
	if id, err := uuid.Parse(correlationID); err == nil {
		return id
	}
	return uuid.NewSHA1(Namespace, []byte(correlationID))
}
