// Package saga implements the saga orchestrator and compensation state
// machine (spec §4.6): per-event saga invocation that computes
// destinations, fetches their state, executes to a set of CommandBooks,
// dispatches each, and on rejection runs a compensation state machine that
// classifies the rejection and either records the business's own
// compensation events, emits a SagaCompensationFailed event to a fallback
// domain, declines, or aborts the saga chain.
//
// Grounded on original_source's src/services/saga_compensation.rs and
// src/utils/saga_compensation/mod.rs: the CompensationContext/
// RevokeEventCommand/SagaCompensationFailed shapes, the abort-takes-
// precedence flag ordering in process_revocation_flags, and the
// currently-stub dead-letter/escalation sinks are carried over as-is,
// generalized from protobuf-generated types to the module's plain Go
// structs.
package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/coordinator"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
)

// Type URLs for the two payloads this package puts on the wire as
// anypb.Any values, JSON-encoded the same way bus/broker encodes EventBook
// pages (see that package's wireEventBook doc comment).
const (
	RevokeEventCommandTypeURL     = "type.angzarr/angzarr.RevokeEventCommand"
	SagaCompensationFailedTypeURL = "type.angzarr/angzarr.SagaCompensationFailed"
)

var errMissingTriggeringAggregate = errors.New("saga: rejected command's saga origin has no triggering aggregate")

// RevokeEventCommand is sent to the aggregate that originally triggered a
// saga, asking it to compensate for a saga-issued command that was
// rejected downstream.
type RevokeEventCommand struct {
	TriggeringEventSequence uint32
	SagaName                string
	RejectionReason         string
	RejectedCommand         *angzarr.CommandBook
}

// SagaCompensationFailed records that neither the triggering aggregate nor
// the saga itself could resolve a rejected saga command. Persisted to the
// fallback domain (spec §4.6).
type SagaCompensationFailed struct {
	TriggeringAggregate       *angzarr.Cover
	TriggeringEventSequence   uint32
	SagaName                  string
	RejectionReason           string
	CompensationFailureReason string
	RejectedCommand           *angzarr.CommandBook
	OccurredAt                *timestamppb.Timestamp
}

// CompensationConfig governs the fallback flags applied when the
// triggering aggregate's reply doesn't tell the saga what to do (an empty
// reply or a dispatch error), and where system-revocation events land.
type CompensationConfig struct {
	FallbackDomain               string
	FallbackEmitSystemRevocation bool
	FallbackSendToDLQ            bool
	FallbackEscalate             bool
}

// DefaultCompensationConfig targets the reserved saga-failures domain and
// leaves every fallback flag off — an unhandled rejection is declined and
// logged unless the deployment opts into stronger defaults.
func DefaultCompensationConfig() CompensationConfig {
	return CompensationConfig{FallbackDomain: angzarr.FallbackSagaFailureDom}
}

// CompensationContext carries everything needed to build a revoke command
// or a SagaCompensationFailed event for one rejected saga command.
type CompensationContext struct {
	SagaOrigin      *angzarr.SagaCommandOrigin
	RejectionReason string
	RejectedCommand *angzarr.CommandBook
	CorrelationID   string
}

// NewCompensationContext builds a CompensationContext from a rejected
// saga-issued command. ok is false when cmd carries no SagaCommandOrigin —
// it wasn't saga-issued, so the rejection is simply logged, not
// compensated (spec §4.6 "if no SagaCommandOrigin: log-only → END").
func NewCompensationContext(cmd *angzarr.CommandBook, rejectionReason string) (ctx *CompensationContext, ok bool) {
	if cmd == nil || cmd.SagaOrigin == nil {
		return nil, false
	}
	correlationID := ""
	if cmd.Cover != nil {
		correlationID = cmd.Cover.CorrelationID
	}
	return &CompensationContext{
		SagaOrigin:      cmd.SagaOrigin,
		RejectionReason: rejectionReason,
		RejectedCommand: cmd,
		CorrelationID:   correlationID,
	}, true
}

// BuildRevokeCommand builds the RevokeEventCommand payload for ctx.
func BuildRevokeCommand(ctx *CompensationContext) *RevokeEventCommand {
	return &RevokeEventCommand{
		TriggeringEventSequence: ctx.SagaOrigin.TriggeringEventSequence,
		SagaName:                ctx.SagaOrigin.SagaName,
		RejectionReason:         ctx.RejectionReason,
		RejectedCommand:         ctx.RejectedCommand,
	}
}

// BuildRevokeCommandBook wraps BuildRevokeCommand into a CommandBook
// targeting the triggering aggregate. The page is synchronous and the
// book auto-resequences and is marked Fact, since it replays a rejection
// that already happened rather than issuing a fresh intent.
func BuildRevokeCommandBook(ctx *CompensationContext) (*angzarr.CommandBook, error) {
	if ctx.SagaOrigin.TriggeringAggregate == nil {
		return nil, errMissingTriggeringAggregate
	}
	revoke := BuildRevokeCommand(ctx)
	payload, err := json.Marshal(revoke)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	cover := *ctx.SagaOrigin.TriggeringAggregate
	if cover.CorrelationID == "" {
		cover.CorrelationID = ctx.CorrelationID
	}

	return &angzarr.CommandBook{
		Cover: &cover,
		Pages: []angzarr.CommandPage{{
			Sequence:    0,
			Synchronous: true,
			Command:     &anypb.Any{TypeUrl: RevokeEventCommandTypeURL, Value: payload},
		}},
		AutoResequence: true,
		Fact:           true,
	}, nil
}

// BuildCompensationFailedEvent builds the SagaCompensationFailed payload
// for ctx, recording why the saga command was rejected and why
// compensation itself couldn't resolve it.
func BuildCompensationFailedEvent(ctx *CompensationContext, compensationFailureReason string) *SagaCompensationFailed {
	return &SagaCompensationFailed{
		TriggeringAggregate:       ctx.SagaOrigin.TriggeringAggregate,
		TriggeringEventSequence:   ctx.SagaOrigin.TriggeringEventSequence,
		SagaName:                  ctx.SagaOrigin.SagaName,
		RejectionReason:           ctx.RejectionReason,
		CompensationFailureReason: compensationFailureReason,
		RejectedCommand:           ctx.RejectedCommand,
		OccurredAt:                angzarr.Now(),
	}
}

// BuildCompensationFailedEventBook wraps BuildCompensationFailedEvent into
// an EventBook targeting cfg.FallbackDomain under a fresh root — there is
// no existing aggregate stream for a saga failure, so each one starts its
// own.
func BuildCompensationFailedEventBook(ctx *CompensationContext, compensationFailureReason string, cfg CompensationConfig) (*angzarr.EventBook, error) {
	event := BuildCompensationFailedEvent(ctx, compensationFailureReason)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, angzarr.NewBackendError(err)
	}

	return &angzarr.EventBook{
		Cover: &angzarr.Cover{
			Domain:        cfg.FallbackDomain,
			Root:          uuid.New(),
			CorrelationID: ctx.CorrelationID,
		},
		Pages: []angzarr.EventPage{{
			Sequence:  0,
			CreatedAt: angzarr.Now(),
			Event:     &anypb.Any{TypeUrl: SagaCompensationFailedTypeURL, Value: payload},
		}},
	}, nil
}

// OutcomeKind classifies how a rejected saga command's compensation
// resolved.
type OutcomeKind int

const (
	// OutcomeEvents: the triggering aggregate supplied its own
	// compensation events, already persisted by the dispatcher that sent
	// the revoke command.
	OutcomeEvents OutcomeKind = iota
	// OutcomeEmitSystemRevocation: a SagaCompensationFailed event was
	// built and needs recording under the fallback domain.
	OutcomeEmitSystemRevocation
	// OutcomeDeclined: no flag was set; the rejection is logged only.
	OutcomeDeclined
	// OutcomeAborted: the saga chain must abort; handle's error return
	// is the authoritative signal, this is for caller inspection only.
	OutcomeAborted
)

// CompensationOutcome is the result of running the compensation state
// machine for one rejected saga command.
type CompensationOutcome struct {
	Kind   OutcomeKind
	Events *angzarr.EventBook
	Reason string
}

// Dispatcher sends a CommandBook through the command-to-event pipeline.
// *coordinator.Coordinator satisfies this directly.
type Dispatcher interface {
	Handle(ctx context.Context, cmd *angzarr.CommandBook) (*angzarr.CommandResponse, error)
}

// Recorder persists and publishes an EventBook with no client-logic
// invocation — used for the fallback domain, which has no aggregate
// handler of its own.
type Recorder interface {
	Record(ctx context.Context, book *angzarr.EventBook) error
}

// StorageRecorder is the default Recorder: persist via Repo, then publish
// via Bus exactly like the coordinator does for a normal command (spec
// §4.4 steps 4d/4e), just without the intervening client-logic call.
type StorageRecorder struct {
	Repo *repository.Repository
	Bus  coordinator.Bus
}

// Record persists book and publishes it if a Bus is configured.
func (r *StorageRecorder) Record(ctx context.Context, book *angzarr.EventBook) error {
	if err := r.Repo.Put(ctx, book); err != nil {
		return err
	}
	if r.Bus == nil {
		return nil
	}
	_, err := r.Bus.Publish(ctx, book)
	return err
}

// DeadLetterSink routes a declined/failed compensation to a dead letter
// queue. The zero-value LoggingDeadLetterSink just logs, matching
// original_source's send_to_dead_letter_queue, which is "currently a stub"
// pending an AMQP-backed implementation.
type DeadLetterSink interface {
	Send(ctx context.Context, cctx *CompensationContext, reason string) error
}

// LoggingDeadLetterSink logs the DLQ intent without delivering anywhere.
type LoggingDeadLetterSink struct{ Logger *zap.Logger }

// Send logs the would-be DLQ delivery.
func (s *LoggingDeadLetterSink) Send(ctx context.Context, cctx *CompensationContext, reason string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("dead letter queue requested but no sink configured",
		zap.String("saga", cctx.SagaOrigin.SagaName), zap.String("reason", reason))
	return nil
}

// RawPublisher publishes an already-encoded message body under a routing
// key. bus/broker.Bus satisfies this via its PublishRaw method, letting
// BrokerDeadLetterSink route compensation failures onto the same
// exchange without this package importing amqp091-go directly.
type RawPublisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// BrokerDeadLetterSink publishes the rejected command's context onto a
// durable queue via RawPublisher (spec's "dlq_flag → send-to-DLQ"),
// replacing original_source's stub with a real AMQP-backed delivery.
type BrokerDeadLetterSink struct {
	Publisher  RawPublisher
	RoutingKey string
}

// Send JSON-encodes the compensation context and publishes it.
func (s *BrokerDeadLetterSink) Send(ctx context.Context, cctx *CompensationContext, reason string) error {
	payload, err := json.Marshal(struct {
		Saga            string
		CorrelationID   string
		RejectionReason string
		DLQReason       string
		RejectedCommand *angzarr.CommandBook
	}{
		Saga:            cctx.SagaOrigin.SagaName,
		CorrelationID:   cctx.CorrelationID,
		RejectionReason: cctx.RejectionReason,
		DLQReason:       reason,
		RejectedCommand: cctx.RejectedCommand,
	})
	if err != nil {
		return err
	}
	return s.Publisher.PublishRaw(ctx, s.RoutingKey, payload)
}

// EscalationSink raises a compensation failure to human attention.
type EscalationSink interface {
	Escalate(ctx context.Context, cctx *CompensationContext, reason string) error
}

// LoggingEscalationSink always logs at error level; when WebhookURL is
// set it additionally POSTs a JSON payload, best-effort (errors are
// returned to the caller, who logs and continues per spec §4.6).
type LoggingEscalationSink struct {
	Logger     *zap.Logger
	WebhookURL string
	HTTPClient *http.Client
}

// Escalate logs the failure and, if configured, posts it to a webhook.
func (s *LoggingEscalationSink) Escalate(ctx context.Context, cctx *CompensationContext, reason string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("ESCALATION: saga compensation failed",
		zap.String("saga", cctx.SagaOrigin.SagaName),
		zap.Uint32("triggering_sequence", cctx.SagaOrigin.TriggeringEventSequence),
		zap.String("rejection_reason", cctx.RejectionReason),
		zap.String("compensation_reason", reason))

	if s.WebhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(struct {
		Saga                string
		RejectionReason     string
		CompensationReason  string
		TriggeringSequence  uint32
	}{
		Saga:               cctx.SagaOrigin.SagaName,
		RejectionReason:    cctx.RejectionReason,
		CompensationReason: reason,
		TriggeringSequence: cctx.SagaOrigin.TriggeringEventSequence,
	})
	if err != nil {
		return err
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Compensator runs the compensation state machine for one rejected saga
// command (spec §4.6's diagram).
type Compensator struct {
	Config     CompensationConfig
	Dispatcher Dispatcher
	Recorder   Recorder
	DLQ        DeadLetterSink
	Escalation EscalationSink
	Logger     *zap.Logger
}

// CompensatorOption configures a Compensator at construction time.
type CompensatorOption func(*Compensator)

// WithConfig overrides the default compensation config.
func WithConfig(cfg CompensationConfig) CompensatorOption {
	return func(c *Compensator) { c.Config = cfg }
}

// WithDeadLetterSink sets the DLQ sink used when the revocation flags
// request it.
func WithDeadLetterSink(sink DeadLetterSink) CompensatorOption {
	return func(c *Compensator) { c.DLQ = sink }
}

// WithEscalationSink sets the escalation sink used when the revocation
// flags request it.
func WithEscalationSink(sink EscalationSink) CompensatorOption {
	return func(c *Compensator) { c.Escalation = sink }
}

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(logger *zap.Logger) CompensatorOption {
	return func(c *Compensator) { c.Logger = logger }
}

// NewCompensator builds a Compensator with the default fallback-domain
// config and log-only DLQ/escalation sinks.
func NewCompensator(dispatcher Dispatcher, recorder Recorder, opts ...CompensatorOption) *Compensator {
	c := &Compensator{
		Config:     DefaultCompensationConfig(),
		Dispatcher: dispatcher,
		Recorder:   recorder,
		Logger:     zap.NewNop(),
	}
	c.DLQ = &LoggingDeadLetterSink{Logger: c.Logger}
	c.Escalation = &LoggingEscalationSink{Logger: c.Logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle sends ctx's revoke command to the triggering aggregate and drives
// the compensation state machine off the reply (spec §4.6). A non-nil
// error means the saga chain must abort.
func (c *Compensator) Handle(ctx context.Context, cctx *CompensationContext) error {
	book, err := BuildRevokeCommandBook(cctx)
	if err != nil {
		c.Logger.Error("failed to build revoke command", zap.Error(err))
		return err
	}

	resp, dispatchErr := c.Dispatcher.Handle(ctx, book)
	outcome, err := c.classify(ctx, resp, dispatchErr, cctx)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case OutcomeEvents:
		c.Logger.Info("triggering aggregate supplied its own compensation events",
			zap.String("saga", cctx.SagaOrigin.SagaName))
	case OutcomeEmitSystemRevocation:
		if err := c.Recorder.Record(ctx, outcome.Events); err != nil {
			c.Logger.Error("failed to record SagaCompensationFailed event", zap.Error(err))
			return err
		}
	case OutcomeDeclined:
		c.Logger.Info("saga compensation declined",
			zap.String("saga", cctx.SagaOrigin.SagaName), zap.String("reason", outcome.Reason))
	}
	return nil
}

// classify implements spec §4.6's BusinessResponse dispatch: events with
// pages win outright, a RevocationResponse is processed for its flags, and
// an empty reply or dispatch error falls back to config defaults.
func (c *Compensator) classify(ctx context.Context, resp *angzarr.CommandResponse, dispatchErr error, cctx *CompensationContext) (*CompensationOutcome, error) {
	var revocation *angzarr.RevocationResponse
	switch {
	case dispatchErr == nil && resp != nil && resp.Events != nil && len(resp.Events.Pages) > 0:
		return &CompensationOutcome{Kind: OutcomeEvents, Events: resp.Events}, nil
	case dispatchErr == nil && resp != nil && resp.Revocation != nil:
		revocation = resp.Revocation
	case dispatchErr != nil:
		c.Logger.Error("dispatch of revoke command failed, using fallback flags",
			zap.String("saga", cctx.SagaOrigin.SagaName), zap.Error(dispatchErr))
		revocation = c.fallbackRevocation(fmt.Sprintf("dispatch error: %v", dispatchErr))
	default:
		c.Logger.Warn("triggering aggregate returned an empty reply, using fallback flags",
			zap.String("saga", cctx.SagaOrigin.SagaName))
		revocation = c.fallbackRevocation("triggering aggregate returned empty response")
	}
	return c.processRevocationFlags(ctx, revocation, cctx)
}

func (c *Compensator) fallbackRevocation(reason string) *angzarr.RevocationResponse {
	return &angzarr.RevocationResponse{
		EmitSystemRevocation:  c.Config.FallbackEmitSystemRevocation,
		SendToDeadLetterQueue: c.Config.FallbackSendToDLQ,
		Escalate:              c.Config.FallbackEscalate,
		Abort:                 false,
		Reason:                reason,
	}
}

// processRevocationFlags checks abort first since it takes precedence over
// every other flag (spec §4.6), otherwise best-effort runs DLQ/escalation
// (logged, never aborting the state machine on their own failure), then
// emits system revocation or declines.
func (c *Compensator) processRevocationFlags(ctx context.Context, revocation *angzarr.RevocationResponse, cctx *CompensationContext) (*CompensationOutcome, error) {
	c.Logger.Info("processing revocation response",
		zap.String("saga", cctx.SagaOrigin.SagaName),
		zap.Bool("dlq", revocation.SendToDeadLetterQueue),
		zap.Bool("escalate", revocation.Escalate),
		zap.Bool("abort", revocation.Abort),
		zap.Bool("emit_system_revocation", revocation.EmitSystemRevocation),
		zap.String("reason", revocation.Reason))

	if revocation.SendToDeadLetterQueue && c.DLQ != nil {
		if err := c.DLQ.Send(ctx, cctx, revocation.Reason); err != nil {
			c.Logger.Error("failed to send to dead letter queue", zap.Error(err))
		}
	}
	if revocation.Escalate && c.Escalation != nil {
		if err := c.Escalation.Escalate(ctx, cctx, revocation.Reason); err != nil {
			c.Logger.Error("failed to trigger escalation", zap.Error(err))
		}
	}

	if revocation.Abort {
		return &CompensationOutcome{Kind: OutcomeAborted, Reason: revocation.Reason},
			angzarr.NewAborted(0, 0, "saga compensation aborted: "+revocation.Reason)
	}

	if revocation.EmitSystemRevocation {
		book, err := BuildCompensationFailedEventBook(cctx, revocation.Reason, c.Config)
		if err != nil {
			return nil, err
		}
		return &CompensationOutcome{Kind: OutcomeEmitSystemRevocation, Events: book}, nil
	}

	return &CompensationOutcome{Kind: OutcomeDeclined, Reason: revocation.Reason}, nil
}
