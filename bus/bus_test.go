package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/benjaminabbitt/angzarr-sub000"
)

func book(domain string) *angzarr.EventBook {
	return &angzarr.EventBook{
		Cover: &angzarr.Cover{Domain: domain, Root: uuid.New()},
		Pages: []angzarr.EventPage{{Sequence: 0, CreatedAt: angzarr.Now()}},
	}
}

func TestInProcess_Publish_FiltersByDomainInterest(t *testing.T) {
	b := NewInProcess(nil)
	orderProjector := NewCollectingProjector("order-only", "order")
	allProjector := NewCollectingProjector("all-domains")
	b.AddProjector(orderProjector)
	b.AddProjector(allProjector)

	if _, err := b.Publish(context.Background(), book("inventory")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(orderProjector.Projections) != 0 {
		t.Errorf("expected order-only projector to skip inventory domain, got %d calls", len(orderProjector.Projections))
	}
	if len(allProjector.Projections) != 1 {
		t.Errorf("expected all-domains projector to see inventory domain, got %d calls", len(allProjector.Projections))
	}
}

func TestInProcess_Publish_CollectsProjectionsAndCommands(t *testing.T) {
	b := NewInProcess(nil)
	collector := NewCollectingProjector("collector")
	b.AddProjector(collector)

	emitted := []*angzarr.CommandBook{{Cover: &angzarr.Cover{Domain: "inventory", Root: uuid.New()}}}
	b.AddSaga(&SagaFunc{
		SagaName:      "fulfillment",
		IsSynchronous: true,
		Fn: func(ctx context.Context, eb *angzarr.EventBook) ([]*angzarr.CommandBook, error) {
			return emitted, nil
		},
	})

	result, err := b.Publish(context.Background(), book("order"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(result.Projections) != 1 {
		t.Errorf("expected 1 projection, got %d", len(result.Projections))
	}
	if len(result.Commands) != 1 || result.Commands[0].Cover.Domain != "inventory" {
		t.Errorf("expected 1 emitted command targeting inventory, got %+v", result.Commands)
	}
}

func TestInProcess_Publish_SynchronousProjectorFailureAbortsPublish(t *testing.T) {
	b := NewInProcess(nil)
	b.AddProjector(&ProjectorFunc{
		ProjectorName: "broken",
		IsSynchronous: true,
		Fn: func(ctx context.Context, eb *angzarr.EventBook) (*angzarr.Projection, error) {
			return nil, errors.New("boom")
		},
	})
	sagaCalled := false
	b.AddSaga(&SagaFunc{
		SagaName:      "never-reached",
		IsSynchronous: true,
		Fn: func(ctx context.Context, eb *angzarr.EventBook) ([]*angzarr.CommandBook, error) {
			sagaCalled = true
			return nil, nil
		},
	})

	_, err := b.Publish(context.Background(), book("order"))
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindProjectorFailed {
		t.Fatalf("expected ProjectorFailed, got %v", err)
	}
	if sagaCalled {
		t.Error("saga should not run after a synchronous projector aborts the publish")
	}
}

func TestInProcess_Publish_AsyncSagaFailureIsLoggedOnly(t *testing.T) {
	b := NewInProcess(nil)
	b.AddSaga(&SagaFunc{
		SagaName: "flaky",
		Fn: func(ctx context.Context, eb *angzarr.EventBook) ([]*angzarr.CommandBook, error) {
			return nil, errors.New("transient")
		},
	})

	if _, err := b.Publish(context.Background(), book("order")); err != nil {
		t.Fatalf("expected async saga failure to be swallowed, got %v", err)
	}
}

func TestInProcess_Subscribe_Unsupported(t *testing.T) {
	b := NewInProcess(nil)
	err := b.Subscribe(context.Background(), func(ctx context.Context, eb *angzarr.EventBook) error { return nil })
	ce := angzarr.AsCoordinatorError(err)
	if ce == nil || ce.Kind != angzarr.KindSubscribeNotSupported {
		t.Fatalf("expected SubscribeNotSupported, got %v", err)
	}
}
