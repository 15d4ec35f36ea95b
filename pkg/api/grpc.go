package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the manager
const ServiceName = "strata.Manager"

// GRPCServer serves the standard gRPC health service. The serving status
// follows the manager's readiness.
type GRPCServer struct {
	manager  Readiness
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	logger   zerolog.Logger
}

// NewGRPCServer creates a gRPC server exposing grpc.health.v1.Health
func NewGRPCServer(mgr Readiness) *GRPCServer {
	s := &GRPCServer{
		manager:  mgr,
		grpc:     grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor())),
		health:   health.NewServer(),
		interval: time.Second,
		logger:   log.WithComponent("grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.update()
	return s
}

// Start listens on addr and serves until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return s.grpc.Serve(lis)
}

// Run keeps the serving status in line with the manager until ctx is done
func (s *GRPCServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.update()
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *GRPCServer) update() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.manager != nil && s.manager.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
