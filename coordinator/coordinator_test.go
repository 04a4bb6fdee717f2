package coordinator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
	"github.com/benjaminabbitt/angzarr-sub000/storage/memstore"
)

// echoLogic appends one event per command, sequenced off the prior book's
// NextSequence — mimicking a well-behaved aggregate handler.
type echoLogic struct {
	calls int
}

func (l *echoLogic) Handle(ctx context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error) {
	l.calls++
	seq := uint32(0)
	if req.Events != nil {
		seq = req.Events.NextSequence
	}
	return &angzarr.BusinessResponse{
		Events: &angzarr.EventBook{
			Cover: req.Command.Cover,
			Pages: []angzarr.EventPage{{Sequence: seq, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Echoed"}}},
		},
	}, nil
}

// stubBus records published books and returns no fan-out commands.
type stubBus struct {
	published []*angzarr.EventBook
	commands  []*angzarr.CommandBook
}

func (b *stubBus) Publish(ctx context.Context, book *angzarr.EventBook) (*PublishResult, error) {
	b.published = append(b.published, book)
	cmds := b.commands
	b.commands = nil
	return &PublishResult{Commands: cmds}, nil
}

func newCoordinator() (*Coordinator, *echoLogic, *stubBus) {
	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	logic := &echoLogic{}
	bus := &stubBus{}
	return New(repo, logic, bus), logic, bus
}

func cmd(domain string, root uuid.UUID) *angzarr.CommandBook {
	return &angzarr.CommandBook{
		Cover: &angzarr.Cover{Domain: domain, Root: root},
		Pages: []angzarr.CommandPage{{Command: &anypb.Any{TypeUrl: "test.Do"}}},
	}
}

func TestCoordinator_Handle_PersistsAndPublishes(t *testing.T) {
	c, _, bus := newCoordinator()
	root := uuid.New()

	resp, err := c.Handle(context.Background(), cmd("order", root))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Events == nil || len(resp.Events.Pages) != 1 || resp.Events.Pages[0].Sequence != 0 {
		t.Fatalf("expected one page at sequence 0, got %+v", resp.Events)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(bus.published))
	}
}

func TestCoordinator_Handle_SequenceMismatchWithoutAutoResequenceAborts(t *testing.T) {
	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	root := uuid.New()

	// Seed one event so next_sequence is 1, while fixedSeqLogic always emits
	// sequence 0, simulating a writer that lost a race.
	if err := events.Add(context.Background(), "order", "angzarr", angzarr.RootIDHex(&angzarr.Cover{Domain: "order", Root: root}), []angzarr.EventPage{
		{Sequence: 0, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Seed"}},
	}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	logic := &fixedSeqLogic{seq: 0}
	bus := &stubBus{}
	c := New(repo, logic, bus)

	_, err := c.Handle(context.Background(), cmd("order", root))
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindAborted {
		t.Fatalf("expected Aborted, got %v", err)
	}
}

// fixedSeqLogic always replies with a page at a fixed sequence, regardless
// of prior state, to force a sequence mismatch deterministically.
type fixedSeqLogic struct{ seq uint32 }

func (l *fixedSeqLogic) Handle(ctx context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error) {
	return &angzarr.BusinessResponse{
		Events: &angzarr.EventBook{
			Cover: req.Command.Cover,
			Pages: []angzarr.EventPage{{Sequence: l.seq, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Fixed"}}},
		},
	}, nil
}

func TestCoordinator_Handle_AutoResequenceRebasesOnConflict(t *testing.T) {
	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	root := uuid.New()
	rootHex := angzarr.RootIDHex(&angzarr.Cover{Domain: "order", Root: root})

	if err := events.Add(context.Background(), "order", "angzarr", rootHex, []angzarr.EventPage{
		{Sequence: 0, CreatedAt: angzarr.Now(), Event: &anypb.Any{TypeUrl: "test.Seed"}},
	}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	logic := &fixedSeqLogic{seq: 0}
	bus := &stubBus{}
	c := New(repo, logic, bus)

	c2 := cmd("order", root)
	c2.AutoResequence = true

	resp, err := c.Handle(context.Background(), c2)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.Events.Pages) != 1 || resp.Events.Pages[0].Sequence != 1 {
		t.Fatalf("expected rebased page at sequence 1, got %+v", resp.Events.Pages)
	}
}

func TestCoordinator_Handle_DrainsSagaEmittedCommands(t *testing.T) {
	c, _, bus := newCoordinator()
	follow := cmd("inventory", uuid.New())
	bus.commands = []*angzarr.CommandBook{follow}

	_, err := c.Handle(context.Background(), cmd("order", uuid.New()))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(bus.published) != 2 {
		t.Fatalf("expected originating + follow-up publish, got %d", len(bus.published))
	}
}

func TestCoordinator_Handle_EmptyPagesYieldsBookmark(t *testing.T) {
	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	bus := &stubBus{}
	c := New(repo, &emptyLogic{}, bus)

	resp, err := c.Handle(context.Background(), cmd("order", uuid.New()))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Events == nil || len(resp.Events.Pages) != 0 {
		t.Fatalf("expected empty-pages bookmark, got %+v", resp.Events)
	}
	if len(bus.published) != 0 {
		t.Errorf("expected no publish for empty-pages reply, got %d", len(bus.published))
	}
}

type emptyLogic struct{}

func (emptyLogic) Handle(ctx context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error) {
	return &angzarr.BusinessResponse{Events: &angzarr.EventBook{Cover: req.Command.Cover}}, nil
}
