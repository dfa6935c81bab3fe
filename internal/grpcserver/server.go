// Package grpcserver serves the standard gRPC health service. Its status
// follows the scheduler: NOT_SERVING while runs cannot reach the store.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"bidwatch/internal/logger"
)

// Server wraps a grpc.Server with the health service registered.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	service string
	log     logger.Logger
}

// New builds a Server reporting SERVING for "" and service.
func New(service string, log logger.Logger) *Server {
	l := log.With(logger.String("component", "grpc"))
	s := &Server{
		health:  health.NewServer(),
		service: service,
		log:     l,
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(true)
	return s
}

// SetServing flips the overall and per-service health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(s.service, st)
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC listening", logger.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on :port and serves.
func (s *Server) ListenAndServe(port string) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return fmt.Errorf("grpc listen on :%s: %w", port, err)
	}
	return s.Serve(lis)
}

// GracefulStop marks the service as shutting down and drains connections.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("gRPC call",
		logger.String("method", info.FullMethod),
		logger.String("code", status.Code(err).String()),
		logger.Duration("duration", time.Since(start)),
	)
	return resp, err
}
