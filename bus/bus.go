// Package bus implements the event bus fan-out (spec §4.5): an in-process
// bus that dispatches an EventBook to registered projectors and sagas
// synchronously, collecting projections and saga-emitted commands for the
// coordinator to process and drain.
//
// Grounded on original_source's src/bus/in_process.rs: snapshot the
// projector/saga lists under a read lock, release it before running
// handlers, let a synchronous handler's error abort the publish while an
// asynchronous one is only logged.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/benjaminabbitt/angzarr-sub000"
	"github.com/benjaminabbitt/angzarr-sub000/coordinator"
)

// Projector reacts to a published EventBook and may produce a Projection.
// A synchronous projector's error aborts the publish (ProjectorFailed); an
// asynchronous one's error is logged only.
type Projector interface {
	Name() string
	Domains() []string
	Synchronous() bool
	Project(ctx context.Context, book *angzarr.EventBook) (*angzarr.Projection, error)
}

// Saga reacts to a published EventBook and may emit follow-up commands.
// A synchronous saga's error aborts the publish (SagaFailed); an
// asynchronous one's error is logged only.
type Saga interface {
	Name() string
	Domains() []string
	Synchronous() bool
	Handle(ctx context.Context, book *angzarr.EventBook) ([]*angzarr.CommandBook, error)
}

// ProjectorFunc adapts a plain function to a Projector with a fixed
// name/domain/synchronous declaration.
type ProjectorFunc struct {
	ProjectorName    string
	ProjectorDomains []string
	IsSynchronous    bool
	Fn               func(ctx context.Context, book *angzarr.EventBook) (*angzarr.Projection, error)
}

func (p *ProjectorFunc) Name() string         { return p.ProjectorName }
func (p *ProjectorFunc) Domains() []string     { return p.ProjectorDomains }
func (p *ProjectorFunc) Synchronous() bool     { return p.IsSynchronous }
func (p *ProjectorFunc) Project(ctx context.Context, book *angzarr.EventBook) (*angzarr.Projection, error) {
	return p.Fn(ctx, book)
}

// SagaFunc adapts a plain function to a Saga with a fixed
// name/domain/synchronous declaration.
type SagaFunc struct {
	SagaName      string
	SagaDomains   []string
	IsSynchronous bool
	Fn            func(ctx context.Context, book *angzarr.EventBook) ([]*angzarr.CommandBook, error)
}

func (s *SagaFunc) Name() string     { return s.SagaName }
func (s *SagaFunc) Domains() []string { return s.SagaDomains }
func (s *SagaFunc) Synchronous() bool { return s.IsSynchronous }
func (s *SagaFunc) Handle(ctx context.Context, book *angzarr.EventBook) ([]*angzarr.CommandBook, error) {
	return s.Fn(ctx, book)
}

// InProcess is the RWLock-protected, direct-dispatch event bus (spec
// §4.5). It satisfies coordinator.Bus.
type InProcess struct {
	mu         sync.RWMutex
	projectors []Projector
	sagas      []Saga
	logger     *zap.Logger
}

// NewInProcess creates an empty in-process bus.
func NewInProcess(logger *zap.Logger) *InProcess {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcess{logger: logger}
}

// AddProjector registers a projector. Safe to call concurrently with Publish.
func (b *InProcess) AddProjector(p Projector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projectors = append(b.projectors, p)
	b.logger.Info("registered in-process projector", zap.String("name", p.Name()), zap.Strings("domains", p.Domains()))
}

// AddSaga registers a saga. Safe to call concurrently with Publish.
func (b *InProcess) AddSaga(s Saga) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sagas = append(b.sagas, s)
	b.logger.Info("registered in-process saga", zap.String("name", s.Name()), zap.Strings("domains", s.Domains()))
}

func isInterested(domains []string, domain string) bool {
	if len(domains) == 0 {
		return true
	}
	for _, d := range domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Publish fans an EventBook out to interested projectors, then interested
// sagas, both run sequentially within one publish call so a synchronous
// handler can fail-fast before any saga-emitted command is collected (spec
// §4.5, §5 "Bus fan-out within a single publish is sequential").
func (b *InProcess) Publish(ctx context.Context, book *angzarr.EventBook) (*coordinator.PublishResult, error) {
	domain := angzarr.RoutingKey(book.Cover)

	b.mu.RLock()
	projectors := make([]Projector, len(b.projectors))
	copy(projectors, b.projectors)
	sagas := make([]Saga, len(b.sagas))
	copy(sagas, b.sagas)
	b.mu.RUnlock()

	result := &coordinator.PublishResult{}

	for _, p := range projectors {
		if !isInterested(p.Domains(), domain) {
			continue
		}
		projection, err := p.Project(ctx, book)
		if err != nil {
			if p.Synchronous() {
				b.logger.Error("synchronous projector failed", zap.String("name", p.Name()), zap.Error(err))
				return nil, angzarr.NewProjectorFailed(err)
			}
			b.logger.Warn("async projector failed", zap.String("name", p.Name()), zap.Error(err))
			continue
		}
		if projection != nil {
			result.Projections = append(result.Projections, projection)
		}
	}

	for _, s := range sagas {
		if !isInterested(s.Domains(), domain) {
			continue
		}
		commands, err := s.Handle(ctx, book)
		if err != nil {
			if s.Synchronous() {
				b.logger.Error("synchronous saga failed", zap.String("name", s.Name()), zap.Error(err))
				return nil, angzarr.NewSagaFailed(err)
			}
			b.logger.Warn("async saga failed", zap.String("name", s.Name()), zap.Error(err))
			continue
		}
		if len(commands) > 0 {
			b.logger.Info("saga produced commands", zap.String("name", s.Name()), zap.Int("count", len(commands)))
			result.Commands = append(result.Commands, commands...)
		}
	}

	return result, nil
}

// Subscribe is unsupported: the in-process bus is direct-dispatch only
// (spec §4.5; broker.Bus supports durable subscription instead).
func (b *InProcess) Subscribe(ctx context.Context, handler func(ctx context.Context, book *angzarr.EventBook) error) error {
	return angzarr.NewSubscribeNotSupported()
}

var _ coordinator.Bus = (*InProcess)(nil)

// CollectingProjector is a reference projector that buffers every
// projection it's handed, for tests and tools that need to inspect bus
// fan-out without standing up a real read model.
type CollectingProjector struct {
	mu          sync.Mutex
	name        string
	domains     []string
	Projections []*angzarr.Projection
}

// NewCollectingProjector creates a synchronous CollectingProjector.
func NewCollectingProjector(name string, domains ...string) *CollectingProjector {
	return &CollectingProjector{name: name, domains: domains}
}

func (p *CollectingProjector) Name() string     { return p.name }
func (p *CollectingProjector) Domains() []string { return p.domains }
func (p *CollectingProjector) Synchronous() bool { return true }

func (p *CollectingProjector) Project(ctx context.Context, book *angzarr.EventBook) (*angzarr.Projection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	projection := &angzarr.Projection{}
	if book.SnapshotState != nil {
		projection.Payload = book.SnapshotState
	}
	p.Projections = append(p.Projections, projection)
	return projection, nil
}

// LoggingProjector is a reference asynchronous projector that just logs
// each book it sees, useful as a smoke-test subscriber wired into new
// deployments before a real read model exists.
type LoggingProjector struct {
	name    string
	domains []string
	logger  *zap.Logger
}

// NewLoggingProjector creates an asynchronous LoggingProjector.
func NewLoggingProjector(name string, logger *zap.Logger, domains ...string) *LoggingProjector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingProjector{name: name, domains: domains, logger: logger}
}

func (p *LoggingProjector) Name() string     { return p.name }
func (p *LoggingProjector) Domains() []string { return p.domains }
func (p *LoggingProjector) Synchronous() bool { return false }

func (p *LoggingProjector) Project(ctx context.Context, book *angzarr.EventBook) (*angzarr.Projection, error) {
	p.logger.Info("event book published",
		zap.String("projector", p.name),
		zap.String("domain", angzarr.RoutingKey(book.Cover)),
		zap.Int("pages", len(book.Pages)),
	)
	return nil, nil
}
