package angzarr

import (
	"context"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// formatEndpoint converts an endpoint to gRPC target format.
// Supports both TCP (host:port) and Unix Domain Sockets (file paths).
// UDS paths are detected by leading '/' or './' and converted to unix:// URIs.
func formatEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "./") {
		return "unix://" + endpoint
	}
	if strings.HasPrefix(endpoint, "unix://") {
		return endpoint
	}
	return endpoint
}

// DialGRPC opens an insecure gRPC connection to endpoint, resolving TCP
// host:port or Unix domain socket paths alike. Callers layer their own
// generated service stub over the returned connection and adapt it to
// Transport; wiring that stub is out of scope here (see Non-goals).
func DialGRPC(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(formatEndpoint(endpoint), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, TransportError(err)
	}
	return conn, nil
}

// DefaultConnPoolSize bounds how many distinct endpoints ConnPool keeps a
// live connection open to before closing the least-recently-dialed one.
const DefaultConnPoolSize = 64

// ConnPool caches one *grpc.ClientConn per endpoint so a process that
// builds many short-lived clients against the same handful of endpoints
// (a saga compensator dialing several domains, a gateway fanning out to
// every service) doesn't redial on every request. It's a backstop, not a
// tuning knob: the bound exists so a process that legitimately talks to
// thousands of distinct endpoints over its lifetime doesn't accumulate an
// unbounded number of idle connections.
type ConnPool struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *grpc.ClientConn]
}

// NewConnPool builds a ConnPool holding up to size live connections,
// closing the least-recently-dialed one once that bound is reached.
func NewConnPool(size int) *ConnPool {
	pool := &ConnPool{}
	cache, err := lru.NewWithEvict[string, *grpc.ClientConn](size, func(_ string, conn *grpc.ClientConn) {
		conn.Close()
	})
	if err != nil {
		// size <= 0 is the only failure mode and is a programming error.
		panic(err)
	}
	pool.cache = cache
	return pool
}

// Dial returns the pooled connection for endpoint, dialing and caching
// one if this is the first request for it.
func (p *ConnPool) Dial(endpoint string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.cache.Get(endpoint); ok {
		return conn, nil
	}
	conn, err := DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	p.cache.Add(endpoint, conn)
	return conn, nil
}

// Close closes every pooled connection.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Purge runs the evict callback (conn.Close) for every entry.
	p.cache.Purge()
	return nil
}

// Transport is the Go-native contract the client SDK dials against (spec
// §6's RPC surface). LocalTransport is the in-process implementation used
// by tests and single-process deployments; a networked implementation
// wraps a generated gRPC stub around a *grpc.ClientConn from DialGRPC.
type Transport interface {
	GetEventBook(ctx context.Context, query *Query) (*EventBook, error)
	GetEvents(ctx context.Context, query *Query) ([]*EventBook, error)

	Handle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	HandleSync(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	DryRunHandle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)

	SpeculateProjector(ctx context.Context, events *EventBook) (*Projection, error)
	SpeculateSaga(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error)
	SpeculateProcessManager(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error)

	Close() error
}

// QueryClient wraps a Transport for event retrieval.
type QueryClient struct {
	transport Transport
}

// NewQueryClient wraps an existing Transport as a QueryClient.
func NewQueryClient(transport Transport) *QueryClient {
	return &QueryClient{transport: transport}
}

// QueryClientFromEnv reads an endpoint from envVar (falling back to
// defaultEndpoint) and dials it, handing the raw connection to build.
func QueryClientFromEnv(envVar, defaultEndpoint string, build func(*grpc.ClientConn) Transport) (*QueryClient, error) {
	endpoint := os.Getenv(envVar)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	conn, err := DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	return NewQueryClient(build(conn)), nil
}

// GetEventBook retrieves a single EventBook for the query.
func (c *QueryClient) GetEventBook(ctx context.Context, query *Query) (*EventBook, error) {
	book, err := c.transport.GetEventBook(ctx, query)
	if err != nil {
		return nil, GRPCError(err)
	}
	return book, nil
}

// GetEvents retrieves all EventBooks matching the query.
func (c *QueryClient) GetEvents(ctx context.Context, query *Query) ([]*EventBook, error) {
	books, err := c.transport.GetEvents(ctx, query)
	if err != nil {
		return nil, GRPCError(err)
	}
	return books, nil
}

// Close closes the underlying transport.
func (c *QueryClient) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// AggregateClient wraps a Transport for command execution.
type AggregateClient struct {
	transport Transport
}

// NewAggregateClient wraps an existing Transport as an AggregateClient.
func NewAggregateClient(transport Transport) *AggregateClient {
	return &AggregateClient{transport: transport}
}

// AggregateClientFromEnv reads an endpoint from envVar (falling back to
// defaultEndpoint) and dials it, handing the raw connection to build.
func AggregateClientFromEnv(envVar, defaultEndpoint string, build func(*grpc.ClientConn) Transport) (*AggregateClient, error) {
	endpoint := os.Getenv(envVar)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	conn, err := DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	return NewAggregateClient(build(conn)), nil
}

// Handle executes a command asynchronously.
func (c *AggregateClient) Handle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	resp, err := c.transport.Handle(ctx, cmd)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// HandleSync executes a command synchronously, waiting for synchronous
// projector/saga fan-out to complete before returning (spec §4.4).
func (c *AggregateClient) HandleSync(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	resp, err := c.transport.HandleSync(ctx, cmd)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// DryRunHandle executes a command in dry-run mode (no persistence).
func (c *AggregateClient) DryRunHandle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	resp, err := c.transport.DryRunHandle(ctx, cmd)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// Close closes the underlying transport.
func (c *AggregateClient) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// SpeculativeClient wraps a Transport for what-if scenarios.
type SpeculativeClient struct {
	transport Transport
}

// NewSpeculativeClient wraps an existing Transport as a SpeculativeClient.
func NewSpeculativeClient(transport Transport) *SpeculativeClient {
	return &SpeculativeClient{transport: transport}
}

// SpeculativeClientFromEnv reads an endpoint from envVar (falling back to
// defaultEndpoint) and dials it, handing the raw connection to build.
func SpeculativeClientFromEnv(envVar, defaultEndpoint string, build func(*grpc.ClientConn) Transport) (*SpeculativeClient, error) {
	endpoint := os.Getenv(envVar)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	conn, err := DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	return NewSpeculativeClient(build(conn)), nil
}

// DryRun executes a command without persistence.
func (c *SpeculativeClient) DryRun(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	resp, err := c.transport.DryRunHandle(ctx, cmd)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// Projector speculatively executes a projector against events.
func (c *SpeculativeClient) Projector(ctx context.Context, events *EventBook) (*Projection, error) {
	resp, err := c.transport.SpeculateProjector(ctx, events)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// Saga speculatively executes a saga against events.
func (c *SpeculativeClient) Saga(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error) {
	resp, err := c.transport.SpeculateSaga(ctx, source, destinations)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// ProcessManager speculatively executes a process manager.
func (c *SpeculativeClient) ProcessManager(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error) {
	resp, err := c.transport.SpeculateProcessManager(ctx, trigger, processState, destinations)
	if err != nil {
		return nil, GRPCError(err)
	}
	return resp, nil
}

// Close closes the underlying transport.
func (c *SpeculativeClient) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// DomainClient combines aggregate and query clients for a single domain.
type DomainClient struct {
	Aggregate *AggregateClient
	Query     *QueryClient
	transport Transport
}

// NewDomainClient wraps a shared Transport as a DomainClient.
func NewDomainClient(transport Transport) *DomainClient {
	return &DomainClient{
		Aggregate: NewAggregateClient(transport),
		Query:     NewQueryClient(transport),
		transport: transport,
	}
}

// Execute is a convenience method that delegates to Aggregate.Handle.
func (c *DomainClient) Execute(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	return c.Aggregate.Handle(ctx, cmd)
}

// Close closes the underlying transport.
func (c *DomainClient) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// Client combines aggregate, query, and speculative clients over one Transport.
type Client struct {
	Aggregate   *AggregateClient
	Query       *QueryClient
	Speculative *SpeculativeClient
	transport   Transport
}

// NewClient wraps a shared Transport as a Client providing all services.
func NewClient(transport Transport) *Client {
	return &Client{
		Aggregate:   NewAggregateClient(transport),
		Query:       NewQueryClient(transport),
		Speculative: NewSpeculativeClient(transport),
		transport:   transport,
	}
}

// ClientFromEnv reads an endpoint from envVar (falling back to
// defaultEndpoint), dials it, and hands the raw connection to build.
func ClientFromEnv(envVar, defaultEndpoint string, build func(*grpc.ClientConn) Transport) (*Client, error) {
	endpoint := os.Getenv(envVar)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	conn, err := DialGRPC(endpoint)
	if err != nil {
		return nil, err
	}
	return NewClient(build(conn)), nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}
