package grpcserver

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the standard gRPC health service for fleet probes.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
	port       string
}

// New creates the server with the health service registered and serving.
func New(port string, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger,
		port:       port,
	}
}

// Start blocks serving gRPC on the configured port.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.port)
	if err != nil {
		return fmt.Errorf("grpcserver: listen: %w", err)
	}

	s.logger.Info("grpc health server listening", zap.String("port", s.port))
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpcserver: serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpcServer.GracefulStop()
}
