package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"vendorverify.io/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer publishes store readiness through the standard gRPC health
// service, for both the overall server ("") and serviceName.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	log       *zap.Logger
}

// NewGRPCServer creates the health reporter. It starts NOT_SERVING until the
// first Refresh.
func NewGRPCServer(r readinessChecker, log *zap.Logger) *GRPCServer {
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		log:       obs.OrNop(log),
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Refresh probes readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.readiness.Check(ctx); err != nil {
		s.log.Warn("readiness check failed", zap.Error(err))
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return healthpb.HealthCheckResponse_SERVING
}

// Run refreshes readiness every interval until ctx ends, then marks the
// server as shutting down so watchers drain.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}
