package angzarr

import (
	"testing"

	"google.golang.org/protobuf/types/known/anypb"
)

// =============================================================================
// RejectionHandlerResponse Tests
// =============================================================================

func TestRejectionHandlerResponse_EmptyResponse(t *testing.T) {
	response := &RejectionHandlerResponse{}

	if response.Events != nil {
		t.Error("empty response should have nil events")
	}
	if response.Notification != nil {
		t.Error("empty response should have nil notification")
	}
}

func TestRejectionHandlerResponse_EventsOnly(t *testing.T) {
	eventBook := &EventBook{
		Pages: []EventPage{
			{Event: &anypb.Any{TypeUrl: "type.googleapis.com/test.CompensationEvent"}},
		},
	}

	response := &RejectionHandlerResponse{Events: eventBook}

	if response.Events == nil {
		t.Error("response should have events")
	}
	if len(response.Events.Pages) != 1 {
		t.Errorf("expected 1 event page, got %d", len(response.Events.Pages))
	}
	if response.Notification != nil {
		t.Error("response should have nil notification")
	}
}

func TestRejectionHandlerResponse_NotificationOnly(t *testing.T) {
	notification := &Notification{
		Payload: &RejectionNotification{IssuerName: "saga-test"},
	}

	response := &RejectionHandlerResponse{Notification: notification}

	if response.Events != nil {
		t.Error("response should have nil events")
	}
	if response.Notification == nil {
		t.Error("response should have notification")
	}
}

func TestRejectionHandlerResponse_BothEventsAndNotification(t *testing.T) {
	eventBook := &EventBook{
		Pages: []EventPage{
			{Event: &anypb.Any{TypeUrl: "type.googleapis.com/test.CompensationEvent"}},
		},
	}
	notification := &Notification{
		Payload: &RejectionNotification{IssuerName: "saga-test"},
	}

	response := &RejectionHandlerResponse{
		Events:       eventBook,
		Notification: notification,
	}

	if response.Events == nil {
		t.Error("response should have events")
	}
	if response.Notification == nil {
		t.Error("response should have notification")
	}
}

// =============================================================================
// Additional RejectionHandlerResponse Tests
// =============================================================================

func TestRejectionHandlerResponse_MultipleEvents(t *testing.T) {
	eventBook := &EventBook{
		Pages: []EventPage{
			{Event: &anypb.Any{TypeUrl: "type.googleapis.com/test.Event1"}},
			{Event: &anypb.Any{TypeUrl: "type.googleapis.com/test.Event2"}},
		},
	}

	response := &RejectionHandlerResponse{Events: eventBook}

	if response.Events == nil {
		t.Error("response should have events")
	}
	if len(response.Events.Pages) != 2 {
		t.Errorf("expected 2 event pages, got %d", len(response.Events.Pages))
	}
}

func TestRejectionHandlerResponse_NotificationPayloadAccessible(t *testing.T) {
	notification := &Notification{
		Payload: &RejectionNotification{
			IssuerName:      "test-saga",
			IssuerType:      "saga",
			RejectionReason: "test reason",
		},
	}

	response := &RejectionHandlerResponse{Notification: notification}

	if response.Notification == nil {
		t.Error("response should have notification")
	}
	if response.Notification.Payload == nil {
		t.Error("notification should have payload")
	}
}

// =============================================================================
// Helper Function Tests
// =============================================================================

func TestIsNotification(t *testing.T) {
	tests := []struct {
		typeURL  string
		expected bool
	}{
		{"type.googleapis.com/angzarr.Notification", true},
		{"type.googleapis.com/test.SomeNotification", true},
		{"type.googleapis.com/test.SomeCommand", false},
		{"type.googleapis.com/test.SomeEvent", false},
		{"Notification", true},
		{"NotificationEvent", false},
	}

	for _, tc := range tests {
		result := IsNotification(tc.typeURL)
		if result != tc.expected {
			t.Errorf("IsNotification(%q) = %v, expected %v", tc.typeURL, result, tc.expected)
		}
	}
}

func TestCompensationContext(t *testing.T) {
	rejectedCmd := &CommandBook{
		Cover: &Cover{Domain: "inventory"},
		Pages: []CommandPage{
			{Command: &anypb.Any{TypeUrl: "type.googleapis.com/test.ReserveStock"}},
		},
	}
	rejection := &RejectionNotification{
		IssuerName:          "saga-order-inventory",
		IssuerType:          "saga",
		SourceEventSequence: 5,
		RejectionReason:     "insufficient stock",
		RejectedCommand:     rejectedCmd,
		SourceAggregate:     &Cover{Domain: "order"},
	}

	notification := &Notification{Payload: rejection}

	ctx := NewCompensationContext(notification)

	if ctx.IssuerName != "saga-order-inventory" {
		t.Errorf("expected issuer name 'saga-order-inventory', got %q", ctx.IssuerName)
	}
	if ctx.IssuerType != "saga" {
		t.Errorf("expected issuer type 'saga', got %q", ctx.IssuerType)
	}
	if ctx.SourceEventSequence != 5 {
		t.Errorf("expected source event sequence 5, got %d", ctx.SourceEventSequence)
	}
	if ctx.RejectionReason != "insufficient stock" {
		t.Errorf("expected rejection reason 'insufficient stock', got %q", ctx.RejectionReason)
	}
	if ctx.RejectedCommandType() != "type.googleapis.com/test.ReserveStock" {
		t.Errorf("expected rejected command type, got %q", ctx.RejectedCommandType())
	}
}

func TestDelegateToFramework(t *testing.T) {
	resp := DelegateToFramework("no custom compensation")
	if resp.Revocation == nil || !resp.Revocation.EmitSystemRevocation {
		t.Fatalf("expected system revocation, got %+v", resp)
	}
	if resp.Revocation.Reason != "no custom compensation" {
		t.Errorf("expected reason preserved, got %q", resp.Revocation.Reason)
	}
}

func TestEmitCompensationEvents(t *testing.T) {
	events := &EventBook{Pages: []EventPage{{Sequence: 0}}}
	resp := EmitCompensationEvents(events)
	if resp.Events != events {
		t.Fatalf("expected events preserved, got %+v", resp)
	}
	if resp.Revocation != nil {
		t.Errorf("expected nil revocation, got %+v", resp.Revocation)
	}
}

func TestPMDelegateToFramework(t *testing.T) {
	resp := PMDelegateToFramework("no custom compensation")
	if resp.Revocation == nil || !resp.Revocation.EmitSystemRevocation {
		t.Fatalf("expected system revocation, got %+v", resp)
	}
}

func TestPMEmitCompensationEvents(t *testing.T) {
	events := &EventBook{Pages: []EventPage{{Sequence: 0}}}
	resp := PMEmitCompensationEvents(events, true, "partial compensation")
	if resp.ProcessEvents != events {
		t.Fatalf("expected process events preserved, got %+v", resp)
	}
	if resp.Revocation == nil || !resp.Revocation.EmitSystemRevocation {
		t.Fatalf("expected system revocation flag set, got %+v", resp.Revocation)
	}
}
