package angzarr

import (
	"context"
	"os"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mockTransport implements Transport for client-layer unit tests, without
// requiring a real network connection or generated gRPC stub.
type mockTransport struct {
	getEventBookFn func(ctx context.Context, query *Query) (*EventBook, error)
	getEventsFn    func(ctx context.Context, query *Query) ([]*EventBook, error)

	handleFn       func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	handleSyncFn   func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)
	dryRunHandleFn func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error)

	speculateProjectorFn     func(ctx context.Context, events *EventBook) (*Projection, error)
	speculateSagaFn          func(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error)
	speculateProcessManagerFn func(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error)

	closeErr error
}

func (m *mockTransport) GetEventBook(ctx context.Context, query *Query) (*EventBook, error) {
	if m.getEventBookFn != nil {
		return m.getEventBookFn(ctx, query)
	}
	return &EventBook{}, nil
}

func (m *mockTransport) GetEvents(ctx context.Context, query *Query) ([]*EventBook, error) {
	if m.getEventsFn != nil {
		return m.getEventsFn(ctx, query)
	}
	return nil, nil
}

func (m *mockTransport) Handle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if m.handleFn != nil {
		return m.handleFn(ctx, cmd)
	}
	return &CommandResponse{}, nil
}

func (m *mockTransport) HandleSync(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if m.handleSyncFn != nil {
		return m.handleSyncFn(ctx, cmd)
	}
	return &CommandResponse{}, nil
}

func (m *mockTransport) DryRunHandle(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
	if m.dryRunHandleFn != nil {
		return m.dryRunHandleFn(ctx, cmd)
	}
	return &CommandResponse{}, nil
}

func (m *mockTransport) SpeculateProjector(ctx context.Context, events *EventBook) (*Projection, error) {
	if m.speculateProjectorFn != nil {
		return m.speculateProjectorFn(ctx, events)
	}
	return &Projection{}, nil
}

func (m *mockTransport) SpeculateSaga(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error) {
	if m.speculateSagaFn != nil {
		return m.speculateSagaFn(ctx, source, destinations)
	}
	return &SagaResponse{}, nil
}

func (m *mockTransport) SpeculateProcessManager(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error) {
	if m.speculateProcessManagerFn != nil {
		return m.speculateProcessManagerFn(ctx, trigger, processState, destinations)
	}
	return &ProcessManagerHandleResponse{}, nil
}

func (m *mockTransport) Close() error { return m.closeErr }

// QueryClient tests

func TestQueryClient_GetEventBook(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		expected := &EventBook{NextSequence: 5}
		mock := &mockTransport{
			getEventBookFn: func(ctx context.Context, query *Query) (*EventBook, error) {
				return expected, nil
			},
		}
		client := NewQueryClient(mock)

		result, err := client.GetEventBook(context.Background(), &Query{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.NextSequence != 5 {
			t.Errorf("got NextSequence %d, want 5", result.NextSequence)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			getEventBookFn: func(ctx context.Context, query *Query) (*EventBook, error) {
				return nil, status.Error(codes.NotFound, "not found")
			},
		}
		client := NewQueryClient(mock)

		_, err := client.GetEventBook(context.Background(), &Query{})
		if err == nil {
			t.Fatal("expected error")
		}
		clientErr := AsClientError(err)
		if clientErr == nil {
			t.Fatal("expected ClientError")
		}
		if clientErr.Kind != ErrGRPC {
			t.Errorf("got kind %v, want ErrGRPC", clientErr.Kind)
		}
	})
}

func TestQueryClient_GetEvents(t *testing.T) {
	t.Run("grpc error on stream creation", func(t *testing.T) {
		mock := &mockTransport{
			getEventsFn: func(ctx context.Context, query *Query) ([]*EventBook, error) {
				return nil, status.Error(codes.Internal, "internal error")
			},
		}
		client := NewQueryClient(mock)

		_, err := client.GetEvents(context.Background(), &Query{})
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("successful response", func(t *testing.T) {
		expected := []*EventBook{{NextSequence: 1}, {NextSequence: 2}}
		mock := &mockTransport{
			getEventsFn: func(ctx context.Context, query *Query) ([]*EventBook, error) {
				return expected, nil
			},
		}
		client := NewQueryClient(mock)

		result, err := client.GetEvents(context.Background(), &Query{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result) != 2 {
			t.Fatalf("expected 2 books, got %d", len(result))
		}
	})
}

func TestQueryClient_Close(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		client := &QueryClient{}
		err := client.Close()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("delegates to transport", func(t *testing.T) {
		mock := &mockTransport{}
		client := NewQueryClient(mock)
		if err := client.Close(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

// AggregateClient tests

func TestAggregateClient_Handle(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		expected := &CommandResponse{Events: &EventBook{NextSequence: 10}}
		mock := &mockTransport{
			handleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return expected, nil
			},
		}
		client := NewAggregateClient(mock)

		result, err := client.Handle(context.Background(), &CommandBook{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Events.NextSequence != 10 {
			t.Errorf("got NextSequence %d, want 10", result.Events.NextSequence)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			handleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return nil, status.Error(codes.FailedPrecondition, "sequence mismatch")
			},
		}
		client := NewAggregateClient(mock)

		_, err := client.Handle(context.Background(), &CommandBook{})
		if err == nil {
			t.Fatal("expected error")
		}
		clientErr := AsClientError(err)
		if clientErr == nil || !clientErr.IsPreconditionFailed() {
			t.Error("expected precondition failed error")
		}
	})
}

func TestAggregateClient_HandleSync(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			handleSyncFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return &CommandResponse{}, nil
			},
		}
		client := NewAggregateClient(mock)

		_, err := client.HandleSync(context.Background(), &CommandBook{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			handleSyncFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return nil, status.Error(codes.Internal, "internal error")
			},
		}
		client := NewAggregateClient(mock)

		_, err := client.HandleSync(context.Background(), &CommandBook{})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestAggregateClient_DryRunHandle(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			dryRunHandleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return &CommandResponse{}, nil
			},
		}
		client := NewAggregateClient(mock)

		_, err := client.DryRunHandle(context.Background(), &CommandBook{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			dryRunHandleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return nil, status.Error(codes.InvalidArgument, "invalid")
			},
		}
		client := NewAggregateClient(mock)

		_, err := client.DryRunHandle(context.Background(), &CommandBook{})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestAggregateClient_Close(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		client := &AggregateClient{}
		err := client.Close()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

// SpeculativeClient tests

func TestSpeculativeClient_DryRun(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			dryRunHandleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return &CommandResponse{}, nil
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.DryRun(context.Background(), &CommandBook{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			dryRunHandleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
				return nil, status.Error(codes.Internal, "error")
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.DryRun(context.Background(), &CommandBook{})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSpeculativeClient_Projector(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			speculateProjectorFn: func(ctx context.Context, events *EventBook) (*Projection, error) {
				return &Projection{}, nil
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.Projector(context.Background(), &EventBook{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			speculateProjectorFn: func(ctx context.Context, events *EventBook) (*Projection, error) {
				return nil, status.Error(codes.Internal, "error")
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.Projector(context.Background(), &EventBook{})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSpeculativeClient_Saga(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			speculateSagaFn: func(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error) {
				return &SagaResponse{}, nil
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.Saga(context.Background(), &EventBook{}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			speculateSagaFn: func(ctx context.Context, source *EventBook, destinations []*EventBook) (*SagaResponse, error) {
				return nil, status.Error(codes.Internal, "error")
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.Saga(context.Background(), &EventBook{}, nil)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSpeculativeClient_ProcessManager(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		mock := &mockTransport{
			speculateProcessManagerFn: func(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error) {
				return &ProcessManagerHandleResponse{}, nil
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.ProcessManager(context.Background(), &EventBook{}, &EventBook{}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("grpc error", func(t *testing.T) {
		mock := &mockTransport{
			speculateProcessManagerFn: func(ctx context.Context, trigger, processState *EventBook, destinations []*EventBook) (*ProcessManagerHandleResponse, error) {
				return nil, status.Error(codes.Internal, "error")
			},
		}
		client := NewSpeculativeClient(mock)

		_, err := client.ProcessManager(context.Background(), &EventBook{}, &EventBook{}, nil)
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSpeculativeClient_Close(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		client := &SpeculativeClient{}
		err := client.Close()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

// DomainClient tests

func TestDomainClient_Execute(t *testing.T) {
	expected := &CommandResponse{}
	mock := &mockTransport{
		handleFn: func(ctx context.Context, cmd *CommandBook) (*CommandResponse, error) {
			return expected, nil
		},
	}
	client := NewDomainClient(mock)

	result, err := client.Execute(context.Background(), &CommandBook{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != expected {
		t.Error("expected same response")
	}
}

func TestDomainClient_Close(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		client := &DomainClient{}
		err := client.Close()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestNewDomainClient(t *testing.T) {
	mock := &mockTransport{}
	client := NewDomainClient(mock)
	if client.Aggregate == nil {
		t.Error("expected non-nil Aggregate")
	}
	if client.Query == nil {
		t.Error("expected non-nil Query")
	}
}

// Client tests

func TestClient_Close(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		client := &Client{}
		err := client.Close()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestNewClient(t *testing.T) {
	mock := &mockTransport{}
	client := NewClient(mock)
	if client.Aggregate == nil {
		t.Error("expected non-nil Aggregate")
	}
	if client.Query == nil {
		t.Error("expected non-nil Query")
	}
	if client.Speculative == nil {
		t.Error("expected non-nil Speculative")
	}
}

// formatEndpoint / DialGRPC tests

func TestFormatEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"localhost:8080", "localhost:8080"},
		{"/var/run/angzarr.sock", "unix:///var/run/angzarr.sock"},
		{"./angzarr.sock", "unix://./angzarr.sock"},
		{"unix:///already/prefixed", "unix:///already/prefixed"},
	}
	for _, tc := range tests {
		if got := formatEndpoint(tc.in); got != tc.want {
			t.Errorf("formatEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func buildNoop(conn *grpc.ClientConn) Transport { return &mockTransport{} }

// FromEnv tests

func TestQueryClientFromEnv(t *testing.T) {
	t.Run("uses env var when set", func(t *testing.T) {
		os.Setenv("TEST_QUERY_ENDPOINT_12345", "localhost:99999")
		defer os.Unsetenv("TEST_QUERY_ENDPOINT_12345")

		// Will fail to connect or succeed lazily depending on grpc.NewClient's
		// lazy-dial behavior; either way it should not panic.
		_, err := QueryClientFromEnv("TEST_QUERY_ENDPOINT_12345", "default:8000", buildNoop)
		_ = err
	})

	t.Run("uses default when env not set", func(t *testing.T) {
		os.Unsetenv("NONEXISTENT_VAR_12345")

		_, err := QueryClientFromEnv("NONEXISTENT_VAR_12345", "localhost:99999", buildNoop)
		_ = err
	})
}

func TestAggregateClientFromEnv(t *testing.T) {
	t.Run("uses env var when set", func(t *testing.T) {
		os.Setenv("TEST_AGG_ENDPOINT_12345", "localhost:99999")
		defer os.Unsetenv("TEST_AGG_ENDPOINT_12345")

		_, err := AggregateClientFromEnv("TEST_AGG_ENDPOINT_12345", "default:8000", buildNoop)
		_ = err
	})

	t.Run("uses default when env not set", func(t *testing.T) {
		os.Unsetenv("NONEXISTENT_VAR_12345")

		_, err := AggregateClientFromEnv("NONEXISTENT_VAR_12345", "localhost:99999", buildNoop)
		_ = err
	})
}

func TestSpeculativeClientFromEnv(t *testing.T) {
	t.Run("uses env var when set", func(t *testing.T) {
		os.Setenv("TEST_SPEC_ENDPOINT_12345", "localhost:99999")
		defer os.Unsetenv("TEST_SPEC_ENDPOINT_12345")

		_, err := SpeculativeClientFromEnv("TEST_SPEC_ENDPOINT_12345", "default:8000", buildNoop)
		_ = err
	})
}

func TestClientFromEnv(t *testing.T) {
	t.Run("uses env var when set", func(t *testing.T) {
		os.Setenv("TEST_CLIENT_ENDPOINT_12345", "localhost:99999")
		defer os.Unsetenv("TEST_CLIENT_ENDPOINT_12345")

		_, err := ClientFromEnv("TEST_CLIENT_ENDPOINT_12345", "default:8000", buildNoop)
		_ = err
	})
}

func TestConnPool_Dial_ReusesCachedConnection(t *testing.T) {
	pool := NewConnPool(DefaultConnPoolSize)
	defer pool.Close()

	first, err := pool.Dial("localhost:99999")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	second, err := pool.Dial("localhost:99999")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same pooled *grpc.ClientConn for repeated dials of the same endpoint")
	}
}

func TestConnPool_Dial_EvictsAndClosesLeastRecentlyUsed(t *testing.T) {
	pool := NewConnPool(1)
	defer pool.Close()

	evicted, err := pool.Dial("localhost:99998")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := pool.Dial("localhost:99997"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	// evicted's connection should already be closed; a state query on a
	// closed *grpc.ClientConn returns connectivity.Shutdown.
	if got := evicted.GetState().String(); got != "SHUTDOWN" {
		t.Fatalf("expected the evicted connection to be closed (SHUTDOWN), got %s", got)
	}
}

func TestConnPool_Close_ClosesAllPooledConnections(t *testing.T) {
	pool := NewConnPool(DefaultConnPoolSize)

	conn, err := pool.Dial("localhost:99996")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := conn.GetState().String(); got != "SHUTDOWN" {
		t.Fatalf("expected Close to shut down every pooled connection, got %s", got)
	}
}
