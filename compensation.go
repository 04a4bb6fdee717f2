// Package angzarr provides compensation flow helpers for saga revocation handling.
//
// When a saga/PM command is rejected by a target aggregate, the framework sends
// a Notification with RejectionNotification payload to the triggering aggregate.
// These helpers make it easy to implement compensation logic.
//
// Example in aggregate:
//
//	router := NewCommandRouter("order", rebuildState).
//	    On("CreateOrder", handleCreateOrder).
//	    OnRejected("fulfillment", "CreateShipment", handleRevocation)
//
//	func handleRevocation(notification *angzarr.Notification, state OrderState) *angzarr.BusinessResponse {
//	    ctx := NewCompensationContext(notification)
//
//	    // Option 1: Emit compensation events
//	    return EmitCompensationEvents(cancelOrder(state, ctx.RejectionReason))
//
//	    // Option 2: Delegate to framework
//	    return DelegateToFramework("no custom compensation for " + ctx.IssuerName)
//	}
package angzarr

import "strings"

// NotificationSuffix is used to detect rejection notifications by type name.
const NotificationSuffix = "Notification"

// CompensationContext provides easy access to rejection details.
type CompensationContext struct {
	// IssuerName is the name of the saga/PM that issued the rejected command.
	IssuerName string

	// IssuerType is "saga" or "process_manager".
	IssuerType string

	// SourceEventSequence is the sequence of the event that triggered the saga/PM.
	SourceEventSequence uint32

	// RejectionReason is why the command was rejected.
	RejectionReason string

	// RejectedCommand is the command that was rejected (may be nil).
	RejectedCommand *CommandBook

	// SourceAggregate is the cover of the aggregate that triggered the flow.
	SourceAggregate *Cover
}

// NewCompensationContext extracts context from a Notification.
func NewCompensationContext(notification *Notification) *CompensationContext {
	ctx := &CompensationContext{}
	if notification == nil || notification.Payload == nil {
		return ctx
	}
	rejection := notification.Payload
	ctx.IssuerName = rejection.IssuerName
	ctx.IssuerType = rejection.IssuerType
	ctx.SourceEventSequence = rejection.SourceEventSequence
	ctx.RejectionReason = rejection.RejectionReason
	ctx.RejectedCommand = rejection.RejectedCommand
	ctx.SourceAggregate = rejection.SourceAggregate
	return ctx
}

// RejectedCommandType returns the type URL of the rejected command, if available.
func (c *CompensationContext) RejectedCommandType() string {
	if c.RejectedCommand != nil && len(c.RejectedCommand.Pages) > 0 {
		page := c.RejectedCommand.Pages[0]
		if page.Command != nil {
			return page.Command.TypeUrl
		}
	}
	return ""
}

// --- Aggregate helpers ---

// DelegateToFramework creates a response that delegates compensation to the
// framework. Use when the aggregate doesn't have custom compensation logic
// for a saga; the coordinator emits a system revocation to the fallback
// saga-failure domain (spec §4.6).
func DelegateToFramework(reason string) *BusinessResponse {
	return &BusinessResponse{
		Revocation: &RevocationResponse{EmitSystemRevocation: true, Reason: reason},
	}
}

// DelegateToFrameworkWithOptions creates a response with custom revocation flags.
func DelegateToFrameworkWithOptions(reason string, emitSystemEvent, sendToDLQ, escalate, abort bool) *BusinessResponse {
	return &BusinessResponse{
		Revocation: &RevocationResponse{
			EmitSystemRevocation:  emitSystemEvent,
			SendToDeadLetterQueue: sendToDLQ,
			Escalate:              escalate,
			Abort:                 abort,
			Reason:                reason,
		},
	}
}

// EmitCompensationEvents creates a response containing compensation events.
//
// Use when the aggregate emits events to record compensation. The
// coordinator persists these events and does not emit a system event.
func EmitCompensationEvents(events *EventBook) *BusinessResponse {
	return &BusinessResponse{Events: events}
}

// --- Process Manager helpers ---

// PMRevocationResponse holds PM compensation results.
type PMRevocationResponse struct {
	// ProcessEvents contains PM events to persist (may be nil).
	ProcessEvents *EventBook

	// Revocation contains framework action flags.
	Revocation *RevocationResponse
}

// PMDelegateToFramework creates a PM response that delegates compensation.
//
// Use when the PM doesn't have custom compensation logic.
func PMDelegateToFramework(reason string) *PMRevocationResponse {
	return &PMRevocationResponse{
		Revocation: &RevocationResponse{EmitSystemRevocation: true, Reason: reason},
	}
}

// PMEmitCompensationEvents creates a PM response with compensation events.
//
// Use when the PM emits events to record the failure in its state.
func PMEmitCompensationEvents(events *EventBook, alsoEmitSystemEvent bool, reason string) *PMRevocationResponse {
	return &PMRevocationResponse{
		ProcessEvents: events,
		Revocation:    &RevocationResponse{EmitSystemRevocation: alsoEmitSystemEvent, Reason: reason},
	}
}

// RejectionHandlerResponse holds the result of a process manager's
// OnRejected handler: compensation events to persist against the PM's own
// stream, an upstream notification to forward, or both.
type RejectionHandlerResponse struct {
	// Events are PM events to persist (may be nil).
	Events *EventBook

	// Notification is forwarded upstream if the PM itself cannot absorb
	// the rejection (may be nil).
	Notification *Notification
}

// --- Helper functions ---

// IsNotification checks if a type name is a rejection Notification.
func IsNotification(typeURL string) bool {
	return strings.HasSuffix(typeURL, NotificationSuffix)
}
