package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer exposes the process readiness over the standard gRPC health
// protocol so orchestrators that only speak gRPC can check it.
type GRPCServer struct {
	health *grpchealth.Server
	server *grpc.Server
	logger *slog.Logger
}

// NewGRPCServer creates a health server that follows m. The overall status
// is served under the empty service name and under service.
func NewGRPCServer(m *Monitor, service string, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	g := &GRPCServer{health: hs, server: srv, logger: logger.With("component", "grpc_health")}
	if last, ok := m.Last(); ok {
		g.set(service, last.Ready)
	}
	m.OnChange(func(_ context.Context, _ *ReadinessResponse, current ReadinessResponse) {
		g.set(service, current.Ready)
	})
	return g
}

func (g *GRPCServer) set(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(service, status)
}

// Serve listens on addr until ctx is done.
func (g *GRPCServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		g.health.Shutdown()
		g.server.GracefulStop()
	}()
	g.logger.Info("grpc health server listening", "addr", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil {
		return fmt.Errorf("grpc health serve: %w", err)
	}
	return nil
}
