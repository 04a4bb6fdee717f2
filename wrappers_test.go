package angzarr

import (
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
)

func TestEventBook_Domain(t *testing.T) {
	tests := []struct {
		name  string
		cover *Cover
		want  string
	}{
		{"with domain", &Cover{Domain: "orders"}, "orders"},
		{"empty domain", &Cover{Domain: ""}, UnknownDomain},
		{"nil cover", nil, UnknownDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			book := &EventBook{Cover: tt.cover}
			if got := book.Domain(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("nil book", func(t *testing.T) {
		var book *EventBook
		if got := book.Domain(); got != UnknownDomain {
			t.Errorf("got %q, want %q", got, UnknownDomain)
		}
	})
}

func TestEventBook_RoutingKey(t *testing.T) {
	book := &EventBook{Cover: &Cover{Domain: "inventory"}}
	if got := book.RoutingKey(); got != "inventory" {
		t.Errorf("got %q, want %q", got, "inventory")
	}
}

func TestEventBook_CacheKey(t *testing.T) {
	id := uuid.New()
	book := &EventBook{Cover: &Cover{Domain: "orders", Root: id}}
	got := book.CacheKey()
	if got == "" {
		t.Error("expected non-empty cache key")
	}

	t.Run("nil book", func(t *testing.T) {
		var nilBook *EventBook
		if got := nilBook.CacheKey(); got != CacheKey(nil) {
			t.Errorf("got %q, want %q", got, CacheKey(nil))
		}
	})
}

func TestCommandBook_Domain(t *testing.T) {
	book := &CommandBook{Cover: &Cover{Domain: "fulfillment"}}
	if got := book.Domain(); got != "fulfillment" {
		t.Errorf("got %q, want %q", got, "fulfillment")
	}

	t.Run("nil cover", func(t *testing.T) {
		book := &CommandBook{}
		if got := book.Domain(); got != UnknownDomain {
			t.Errorf("got %q, want %q", got, UnknownDomain)
		}
	})
}

func TestCommandBook_RoutingKey(t *testing.T) {
	book := &CommandBook{Cover: &Cover{Domain: "payments"}}
	if got := book.RoutingKey(); got != "payments" {
		t.Errorf("got %q, want %q", got, "payments")
	}
}

func TestCommandBook_CacheKey(t *testing.T) {
	id := uuid.New()
	book := &CommandBook{Cover: &Cover{Domain: "inventory", Root: id}}
	got := book.CacheKey()
	if got == "" {
		t.Error("expected non-empty cache key")
	}

	t.Run("nil book", func(t *testing.T) {
		var nilBook *CommandBook
		if got := nilBook.CacheKey(); got != CacheKey(nil) {
			t.Errorf("got %q, want %q", got, CacheKey(nil))
		}
	})
}

func TestQuery_Domain(t *testing.T) {
	q := &Query{Cover: &Cover{Domain: "shipping"}}
	if got := q.Domain(); got != "shipping" {
		t.Errorf("got %q, want %q", got, "shipping")
	}

	t.Run("nil cover", func(t *testing.T) {
		q := &Query{}
		if got := q.Domain(); got != UnknownDomain {
			t.Errorf("got %q, want %q", got, UnknownDomain)
		}
	})
}

func TestQuery_RoutingKey(t *testing.T) {
	q := &Query{Cover: &Cover{Domain: "shipping"}}
	if got := q.RoutingKey(); got != "shipping" {
		t.Errorf("got %q, want %q", got, "shipping")
	}
}

func TestEventPage_Decode(t *testing.T) {
	t.Run("successful decode", func(t *testing.T) {
		page := EventPage{
			Event: &anypb.Any{TypeUrl: "type.googleapis.com/examples.CreateCart", Value: []byte{}},
		}
		msg := &mockUnmarshaler{shouldSucceed: true}
		if !page.Decode("CreateCart", msg) {
			t.Error("expected true for successful decode")
		}
	})

	t.Run("type mismatch", func(t *testing.T) {
		page := EventPage{
			Event: &anypb.Any{TypeUrl: "type.googleapis.com/examples.Other"},
		}
		msg := &mockUnmarshaler{shouldSucceed: true}
		if page.Decode("CreateCart", msg) {
			t.Error("expected false for type mismatch")
		}
	})

	t.Run("nil event", func(t *testing.T) {
		page := EventPage{}
		msg := &mockUnmarshaler{shouldSucceed: true}
		if page.Decode("Test", msg) {
			t.Error("expected false for nil event")
		}
	})
}

func TestCommandResponse_EventsBook(t *testing.T) {
	t.Run("returns events", func(t *testing.T) {
		resp := &CommandResponse{Events: &EventBook{NextSequence: 5, Pages: []EventPage{{}}}}
		book := resp.EventsBook()
		if book == nil {
			t.Fatal("expected non-nil EventBook")
		}
		if book.NextSequence != 5 {
			t.Errorf("expected next_sequence 5, got %d", book.NextSequence)
		}
	})

	t.Run("nil response", func(t *testing.T) {
		var resp *CommandResponse
		if resp.EventsBook() != nil {
			t.Error("expected nil")
		}
	})
}

func TestCommandResponse_EventPages(t *testing.T) {
	t.Run("returns pages", func(t *testing.T) {
		resp := &CommandResponse{Events: &EventBook{Pages: []EventPage{{}, {}}}}
		pages := resp.EventPages()
		if len(pages) != 2 {
			t.Errorf("expected 2 pages, got %d", len(pages))
		}
	})

	t.Run("nil events", func(t *testing.T) {
		resp := &CommandResponse{}
		if len(resp.EventPages()) != 0 {
			t.Error("expected empty slice")
		}
	})
}
