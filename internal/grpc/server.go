package grpc

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"classroom-chat/internal/logging"
	"classroom-chat/internal/observability"
)

// ServiceName is the health-check service name reported for the chat core.
const ServiceName = "classroom.chat"

// Pinger is anything whose liveness can be probed, such as the database pool.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the gRPC side server used by orchestration for health checks.
type Server struct {
	srv    *grpclib.Server
	health *health.Server
}

func NewServer() *Server {
	srv := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{srv: srv, health: hs}
}

func (s *Server) Serve(lis net.Listener) error {
	return s.srv.Serve(lis)
}

func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}

// SetServing flips the chat service health status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Watch probes p every interval and reports the result as the chat service
// health until ctx is done.
func (s *Server) Watch(ctx context.Context, p Pinger, interval time.Duration) error {
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := p.PingContext(pctx)
		if err != nil {
			logger := logging.L()
			logger.Warn().Err(err).Msg("health probe failed")
		}
		s.SetServing(err == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probe()
		}
	}
}
