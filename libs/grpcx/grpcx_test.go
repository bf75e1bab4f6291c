package grpcx

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestServerRequestIDAdoptsIncoming(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDMetadataKey, "req-7"))
	var seen string
	_, err := UnaryServerRequestIDInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"}, func(ctx context.Context, _ any) (any, error) {
		seen = RequestIDFromContext(ctx)
		return nil, nil
	})
	if err != nil || seen != "req-7" {
		t.Fatalf("expected incoming id, got %q (%v)", seen, err)
	}
}

func TestLogInterceptorLevels(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ic := UnaryServerLogInterceptor(logger)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return "ok", nil })
	if logs.Len() != 0 {
		t.Fatalf("expected OK below warn, got %s", logs.String())
	}
	_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "draining")
	})
	if status.Code(err) != codes.Unavailable || !strings.Contains(logs.String(), `"code":"Unavailable"`) {
		t.Fatalf("expected unavailable to be logged, got %s", logs.String())
	}
}

func TestDialReachesHealthServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := Dial(context.Background(), lis.Addr().String(), DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var header metadata.MD
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.Header(&header))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING || len(header.Get(RequestIDMetadataKey)) != 1 {
		t.Fatalf("unexpected response %v header %v", resp.GetStatus(), header)
	}
}

func TestDialTimesOut(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	if _, err := Dial(context.Background(), addr, DialOptions{Timeout: 300 * time.Millisecond}); err == nil {
		t.Fatalf("expected dial to a closed port to fail")
	}
}
