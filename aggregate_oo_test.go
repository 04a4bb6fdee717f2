package angzarr

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// counterState backs a tiny OO aggregate that opens once and then only
// accepts positive increments, exercising RequireNotExists/RequireExists/
// RequirePositive as real command-handler preconditions (the pattern
// aggregate_oo.go's own doc comment sketches) rather than in isolation.
type counterState struct {
	opened bool
	total  int64
}

type counterAggregate struct {
	AggregateBase[counterState]
}

func newCounterAggregate(book *EventBook) *counterAggregate {
	c := &counterAggregate{}
	c.Init(book, func() counterState { return counterState{} })
	// Suffix match is against the wire type_url, so the wrapper types
	// double as the command/event discriminator: StringValue for
	// open, Int64Value for increment.
	c.Applies("StringValue", c.applyOpened)
	c.Applies("Int64Value", c.applyIncremented)
	c.Handles("StringValue", c.open)
	c.Handles("Int64Value", c.increment)
	return c
}

func (c *counterAggregate) applyOpened(state *counterState, _ *wrapperspb.StringValue) {
	state.opened = true
}

func (c *counterAggregate) applyIncremented(state *counterState, event *wrapperspb.Int64Value) {
	state.total += event.Value
}

func (c *counterAggregate) open(_ *wrapperspb.StringValue) (proto.Message, error) {
	if err := RequireNotExists(c.Exists(), "counter already opened"); err != nil {
		return nil, err
	}
	return &wrapperspb.StringValue{Value: "opened"}, nil
}

func (c *counterAggregate) increment(cmd *wrapperspb.Int64Value) (proto.Message, error) {
	if err := RequireExists(c.Exists(), "counter must be opened before it can be incremented"); err != nil {
		return nil, err
	}
	if err := RequirePositive(cmd.Value, "amount"); err != nil {
		return nil, err
	}
	return &wrapperspb.Int64Value{Value: cmd.Value}, nil
}

func TestAggregateBase_RequireHelpers_GateHandlerDispatch(t *testing.T) {
	openCmd, err := anypb.New(&wrapperspb.StringValue{Value: "go"})
	if err != nil {
		t.Fatalf("pack open cmd: %v", err)
	}
	incCmd, err := anypb.New(&wrapperspb.Int64Value{Value: 5})
	if err != nil {
		t.Fatalf("pack increment cmd: %v", err)
	}

	t.Run("RequireExists rejects increment before open", func(t *testing.T) {
		fresh := newCounterAggregate(&EventBook{})
		err := fresh.Dispatch(incCmd)
		var rejected CommandRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("expected CommandRejectedError, got %v", err)
		}
	})

	c := newCounterAggregate(&EventBook{})
	if err := c.Dispatch(openCmd); err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Run("RequireNotExists rejects a second open", func(t *testing.T) {
		err := c.Dispatch(openCmd)
		var rejected CommandRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("expected CommandRejectedError, got %v", err)
		}
	})

	t.Run("RequirePositive rejects non-positive amounts", func(t *testing.T) {
		zero, err := anypb.New(&wrapperspb.Int64Value{Value: 0})
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		if err := c.Dispatch(zero); err == nil {
			t.Fatal("expected a rejection for a non-positive amount")
		} else {
			var rejected CommandRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected CommandRejectedError, got %v", err)
			}
		}
	})

	if err := c.Dispatch(incCmd); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got := c.State().total; got != 5 {
		t.Fatalf("expected total 5 after a valid increment, got %d", got)
	}
}
