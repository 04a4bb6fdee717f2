// Command gateway runs the REST transcoding surface (spec §4.7/§4.4,
// SPEC_FULL.md's DOMAIN STACK entry for grpc-gateway/v2) standalone: an
// HTTP server fronting an in-process coordinator/query stack.
//
// The ClientLogic wired in here is a minimal echo handler suitable for
// smoke-testing the REST surface itself; a real deployment links its own
// ClientLogic (an AggregateHandler/OOAggregateHandler implementation)
// through gateway.NewMux directly rather than running this binary, the
// same way client.go's Transport is a contract callers satisfy themselves
// rather than something this module generates.
package main

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/bus"
	"github.com/benjaminabbitt/angzarr-sub000/coordinator"
	"github.com/benjaminabbitt/angzarr-sub000/gateway"
	"github.com/benjaminabbitt/angzarr-sub000/query"
	"github.com/benjaminabbitt/angzarr-sub000/repository"
	"github.com/benjaminabbitt/angzarr-sub000/storage/memstore"
)

// echoLogic records every submitted command verbatim as an event,
// appended at the book's next sequence. It exists only so this binary is
// runnable out of the box; it has no business rules of its own.
type echoLogic struct{}

func (echoLogic) Handle(_ context.Context, req *angzarr.ContextualCommand) (*angzarr.BusinessResponse, error) {
	seq := uint32(0)
	if req.Events != nil {
		seq = req.Events.NextSequence
	}
	page := angzarr.EventPage{Sequence: seq, CreatedAt: angzarr.Now()}
	if len(req.Command.Pages) > 0 {
		page.Event = req.Command.Pages[0].Command
	} else {
		page.Event = &anypb.Any{}
	}
	return &angzarr.BusinessResponse{
		Events: &angzarr.EventBook{Cover: req.Command.Cover, Pages: []angzarr.EventPage{page}},
	}, nil
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	events, snaps, _ := memstore.New()
	repo := repository.New(events, snaps)
	busImpl := bus.NewInProcess(logger)
	coord := coordinator.New(repo, echoLogic{}, busImpl, coordinator.WithLogger(logger))
	qsvc := query.NewService(repo, events, logger)

	mux := gateway.NewMux(coord, qsvc, logger)

	addr := os.Getenv("ANGZARR_GATEWAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("gateway listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("gateway server error", zap.Error(err))
	}
}
