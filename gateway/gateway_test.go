package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/coordinator"
	"github.com/benjaminabbitt/angzarr-sub000/query"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
	"github.com/benjaminabbitt/angzarr-sub000/storage/memstore"
)

// echoLogic appends one event per command, mirroring
// coordinator_test.go's fixture: a well-behaved aggregate handler that
// sequences off the prior book's NextSequence.
type echoLogic struct{}

func (echoLogic) Handle(ctx context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error) {
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

type stubBus struct{}

func (stubBus) Publish(ctx context.Context, book *angzarr.EventBook) (*coordinator.PublishResult, error) {
	return &coordinator.PublishResult{}, nil
}

func newTestMux() http.Handler {
	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	coord := coordinator.New(repo, echoLogic{}, stubBus{})
	qsvc := query.NewService(repo, events, zap.NewNop())
	return NewMux(coord, qsvc, zap.NewNop())
}

func TestGateway_PostCommand_ThenGetEventBook(t *testing.T) {
	mux := newTestMux()
	root := uuid.New()

	reqBody, err := json.Marshal(commandRequest{TypeURL: "test.Do"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := "/v1/order/angzarr/" + root.String() + "/commands"
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var postResp commandResponseDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &postResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if postResp.Events == nil || len(postResp.Events.Pages) != 1 {
		t.Fatalf("expected 1 page in the response, got %+v", postResp.Events)
	}

	getPath := "/v1/order/angzarr/" + root.String()
	getReq := httptest.NewRequest(http.MethodGet, getPath, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
	var book eventBookDTO
	if err := json.Unmarshal(getRec.Body.Bytes(), &book); err != nil {
		t.Fatalf("decode book: %v", err)
	}
	if book.Domain != "order" || len(book.Pages) != 1 {
		t.Fatalf("expected 1 persisted page for order/%s, got %+v", root, book)
	}
}

func TestGateway_GetEventBook_MalformedRootIsInvalidArgument(t *testing.T) {
	mux := newTestMux()

	req := httptest.NewRequest(http.MethodGet, "/v1/order/angzarr/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed root, got %d: %s", rec.Code, rec.Body.String())
	}
}
