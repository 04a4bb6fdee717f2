// Package gateway REST-transcodes the query/coordinator RPC surface (spec
// §4.7/§4.4) over HTTP, so a caller that can't hold a gRPC connection open
// (a browser, a curl-only operator script) can still read event books and
// submit commands. Grounded on SPEC_FULL.md's DOMAIN STACK entry for
// benjaminabbitt-angzarr/gateway, which ships only an empty go.mod
// declaring grpc-gateway/v2 — no generated pb.gw.go transcoder exists to
// adapt, since this module has no protoc-generated gRPC service stubs
// either (out of scope, same as client.go's Transport). Routes are
// hand-registered via runtime.ServeMux.HandlePath, the same mechanism
// grpc-gateway's own code generator targets, so a later generated
// transcoder can be dropped in alongside these without restructuring.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/coordinator"
	"github.com/benjaminabbitt/angzarr-sub000/query"
)

// eventPageDTO is EventPage's wire shape: CreatedAt as RFC3339 instead of
// a raw protobuf Timestamp, Event left as *anypb.Any (already a plain
// TypeUrl/Value struct json.Marshal handles directly).
type eventPageDTO struct {
	Sequence  uint32 `json:"sequence"`
	CreatedAt string `json:"created_at,omitempty"`
	TypeURL   string `json:"type_url"`
	Payload   []byte `json:"payload"`
}

type eventBookDTO struct {
	Domain       string         `json:"domain"`
	Edition      string         `json:"edition"`
	Root         string         `json:"root"`
	Pages        []eventPageDTO `json:"pages"`
	NextSequence uint32         `json:"next_sequence"`
}

func toEventBookDTO(book *angzarr.EventBook) eventBookDTO {
	dto := eventBookDTO{NextSequence: book.NextSequence}
	if book.Cover != nil {
		dto.Domain = book.Cover.Domain
		dto.Root = book.Cover.Root.String()
		if book.Cover.Edition != nil {
			dto.Edition = book.Cover.Edition.Name
		}
	}
	dto.Pages = make([]eventPageDTO, 0, len(book.Pages))
	for _, p := range book.Pages {
		page := eventPageDTO{Sequence: p.Sequence}
		if p.CreatedAt != nil {
			page.CreatedAt = p.CreatedAt.AsTime().Format("2006-01-02T15:04:05.999999999Z07:00")
		}
		if p.Event != nil {
			page.TypeURL = p.Event.TypeUrl
			page.Payload = p.Event.Value
		}
		dto.Pages = append(dto.Pages, page)
	}
	return dto
}

// commandRequest is the REST submission shape for a single-page command.
// Multi-page CommandBooks (batch submission) are out of scope for the
// REST surface; the gRPC path remains the way to submit those.
type commandRequest struct {
	TypeURL       string `json:"type_url"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type commandResponseDTO struct {
	Events *eventBookDTO `json:"events,omitempty"`
}

// NewMux builds an http.Handler exposing coord and qsvc over REST, using
// runtime.ServeMux for path-parameter extraction and grpc-gateway's
// status-to-HTTP mapping on errors.
func NewMux(coord *coordinator.Coordinator, qsvc *query.Service, logger *zap.Logger) http.Handler {
	mux := runtime.NewServeMux()

	mustHandle(mux, http.MethodGet, "/v1/{domain}/{edition}/{root}", getEventBook(qsvc, logger))
	mustHandle(mux, http.MethodPost, "/v1/{domain}/{edition}/{root}/commands", postCommand(coord, logger))

	return mux
}

func mustHandle(mux *runtime.ServeMux, method, pattern string, handler runtime.HandlerFunc) {
	if err := mux.HandlePath(method, pattern, handler); err != nil {
		// Only a malformed literal pattern above could cause this.
		panic(err)
	}
}

func getEventBook(qsvc *query.Service, logger *zap.Logger) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		root, err := uuid.Parse(pathParams["root"])
		if err != nil {
			writeError(w, r, angzarr.NewInvalidArgument("malformed root: "+err.Error()))
			return
		}
		cover := &angzarr.Cover{
			Domain:  pathParams["domain"],
			Root:    root,
			Edition: angzarr.ImplicitEdition(pathParams["edition"]),
		}
		book, err := qsvc.GetEventBook(r.Context(), angzarr.NewQuery(cover))
		if err != nil {
			logger.Warn("GetEventBook failed", zap.String("domain", cover.Domain), zap.Error(err))
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEventBookDTO(book))
	}
}

func postCommand(coord *coordinator.Coordinator, logger *zap.Logger) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		root, err := uuid.Parse(pathParams["root"])
		if err != nil {
			writeError(w, r, angzarr.NewInvalidArgument("malformed root: "+err.Error()))
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, angzarr.NewInvalidArgument("reading request body: "+err.Error()))
			return
		}
		var req commandRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, angzarr.NewInvalidArgument("decoding request body: "+err.Error()))
			return
		}

		cover := &angzarr.Cover{
			Domain:        pathParams["domain"],
			Root:          root,
			Edition:       angzarr.ImplicitEdition(pathParams["edition"]),
			CorrelationID: req.CorrelationID,
		}
		cmd := angzarr.NewCommandBook(cover, angzarr.CommandPage{
			Command: &anypb.Any{TypeUrl: req.TypeURL, Value: req.Payload},
		})

		resp, err := coord.Handle(r.Context(), cmd)
		if err != nil {
			logger.Warn("Handle failed", zap.String("domain", cover.Domain), zap.Error(err))
			writeError(w, r, err)
			return
		}

		dto := commandResponseDTO{}
		if resp.Events != nil {
			eb := toEventBookDTO(resp.Events)
			dto.Events = &eb
		}
		writeJSON(w, http.StatusAccepted, dto)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a CoordinatorError or CommandRejectedError to its gRPC
// status (errors.go's ToGRPCStatus; any other error becomes InvalidArgument)
// and then to the equivalent HTTP status via
// grpc-gateway's own code table, so a REST caller sees the same
// precondition-failed/not-found/etc. distinctions a gRPC caller would.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	st, _ := status.FromError(angzarr.ToGRPCStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{"error": st.Message()})
}
