package validate

import (
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
)

func TestDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid", "order", false},
		{"internal prefix allowed", "_angzarr", false},
		{"with digits and dash", "order-v2_x", false},
		{"empty", "", true},
		{"starts with digit", "1order", true},
		{"uppercase", "Order", true},
		{"too long", string(make([]byte, 65)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Domain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("Domain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestEdition(t *testing.T) {
	tests := []struct {
		name    string
		edition string
		wantErr bool
	}{
		{"empty is main", "", false},
		{"default name is main", angzarr.DefaultEdition, false},
		{"valid custom", "v2", false},
		{"underscore prefix rejected", "_v2", true},
		{"uppercase rejected", "V2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Edition(tt.edition)
			if (err != nil) != tt.wantErr {
				t.Errorf("Edition(%q) error = %v, wantErr %v", tt.edition, err, tt.wantErr)
			}
		})
	}
}

func TestCorrelationID(t *testing.T) {
	if err := CorrelationID(""); err != nil {
		t.Errorf("empty should be valid, got %v", err)
	}
	if err := CorrelationID("trace-123_ABC"); err != nil {
		t.Errorf("valid id rejected: %v", err)
	}
	if err := CorrelationID("has space"); err == nil {
		t.Error("expected error for id with space")
	}
}

func TestComponentName(t *testing.T) {
	if err := ComponentName(""); err == nil {
		t.Error("expected error for empty name")
	}
	if err := ComponentName("saga-fulfillment"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := ComponentName("1bad"); err == nil {
		t.Error("expected error for name starting with digit")
	}
}

func TestCover_MissingCover(t *testing.T) {
	err := Cover(nil)
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindMissingCover {
		t.Fatalf("expected KindMissingCover, got %v", err)
	}
}

func TestCover_MissingRoot(t *testing.T) {
	err := Cover(&angzarr.Cover{Domain: "order"})
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindMissingRoot {
		t.Fatalf("expected KindMissingRoot, got %v", err)
	}
}

func TestCover_Valid(t *testing.T) {
	c := &angzarr.Cover{Domain: "order", Root: uuid.New(), CorrelationID: "trace-1"}
	if err := Cover(c); err != nil {
		t.Errorf("valid cover rejected: %v", err)
	}
}

func TestCommandBook_PageCountExceeded(t *testing.T) {
	pages := make([]angzarr.CommandPage, 5)
	cb := &angzarr.CommandBook{Cover: &angzarr.Cover{Domain: "order", Root: uuid.New()}, Pages: pages}

	err := CommandBook(cb, Limits{MaxPagesPerBook: 3, MaxPayloadBytes: 0})
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestCommandBook_PayloadExceeded(t *testing.T) {
	cb := &angzarr.CommandBook{
		Cover: &angzarr.Cover{Domain: "order", Root: uuid.New()},
		Pages: []angzarr.CommandPage{{Command: &anypb.Any{Value: make([]byte, 10)}}},
	}

	err := CommandBook(cb, Limits{MaxPagesPerBook: 100, MaxPayloadBytes: 5})
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestCommandBook_WithinLimits(t *testing.T) {
	cb := &angzarr.CommandBook{
		Cover: &angzarr.Cover{Domain: "order", Root: uuid.New()},
		Pages: []angzarr.CommandPage{{Command: &anypb.Any{Value: make([]byte, 5)}}},
	}
	if err := CommandBook(cb, DefaultLimits()); err != nil {
		t.Errorf("within-limits book rejected: %v", err)
	}
}
