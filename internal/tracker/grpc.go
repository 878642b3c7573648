package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	collectorService = "stat.Collector"
	pushMethod       = "/" + collectorService + "/Push"
)

// CollectorServer is the server side of the collector push RPC.
type CollectorServer interface {
	Push(ctx context.Context, request *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterCollectorServer registers srv on s.
// Params: s gRPC server; srv push handler.
// Returns: none.
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&collectorServiceDesc, srv)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: collectorService,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Push",
			Handler:    pushHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

// pushHandler decodes one push request and dispatches it to the server.
func pushHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).Push(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).Push(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport pushes payloads to collector addresses in failover order.
type GRPCTransport struct {
	addrs   []string
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a gRPC transport.
// Params: addrs host:port list tried in order; timeout per attempt; logger diagnostics.
// Returns: transport.
func NewGRPCTransport(addrs []string, timeout time.Duration, logger *slog.Logger) *GRPCTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCTransport{
		addrs:   addrs,
		timeout: timeout,
		logger:  logger,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

// Deliver pushes one payload to the first address that accepts it.
// Params: ctx lifecycle context; payload URL and fields.
// Returns: nil on first success, last error when all addresses fail.
func (t *GRPCTransport) Deliver(ctx context.Context, payload Payload) error {
	request, err := encodePush(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for _, address := range t.addrs {
		addr := strings.TrimSpace(address)
		if addr == "" {
			continue
		}

		sendCtx, cancel := ctx, context.CancelFunc(func() {})
		if t.timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, t.timeout)
		}
		err := t.pushOne(sendCtx, addr, request)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		t.logger.Warn("push attempt failed", slog.String("address", addr), slog.String("error", err.Error()))
	}

	if lastErr == nil {
		return fmt.Errorf("no collector addresses configured")
	}
	return lastErr
}

// pushOne invokes the push RPC on one address.
func (t *GRPCTransport) pushOne(ctx context.Context, addr string, request *structpb.Struct) error {
	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, pushMethod, request, &emptypb.Empty{}); err != nil {
		t.dropAddress(addr)
		return fmt.Errorf("push %s: %w", addr, err)
	}
	return nil
}

// encodePush converts a payload into the push request struct.
func encodePush(payload Payload) (*structpb.Struct, error) {
	fields := make(map[string]any, len(payload.Fields))
	for key, value := range payload.Fields {
		fields[key] = value
	}
	request, err := structpb.NewStruct(map[string]any{
		"url":    payload.URL,
		"fields": fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}
	return request, nil
}

// connFor returns a cached client connection or creates one.
func (t *GRPCTransport) connFor(addr string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[addr]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	created, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns == nil {
		_ = created.Close()
		return nil, fmt.Errorf("dial %s: transport closed", addr)
	}
	if cached, exists := t.conns[addr]; exists {
		_ = created.Close()
		return cached, nil
	}
	t.conns[addr] = created
	return created, nil
}

// dropAddress closes and forgets the cached connection for addr.
func (t *GRPCTransport) dropAddress(addr string) {
	t.mu.Lock()
	conn, exists := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()
	if exists {
		_ = conn.Close()
	}
}

// Close closes every cached connection.
// Returns: first close error.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
