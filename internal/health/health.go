// Package health serves the standard gRPC health protocol for a running
// recorder or replay process.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Service is the name reported alongside the overall ("") status.
const Service = "keelson"

// Server wraps a gRPC server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
	lis    net.Listener
}

// New creates a server that reports NOT_SERVING until SetServing(true).
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			loggingInterceptor(logger),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	s := &Server{grpc: srv, health: hs, logger: logger}
	s.SetServing(false)
	return s
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	s.lis = lis
	go func() {
		s.logger.Info("health server listening", "addr", lis.Addr().String())
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error("health server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// SetServing flips the reported status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(Service, st)
}

// Stop marks the process as not serving and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("rpc completed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		} else {
			logger.Debug("rpc completed", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered in gRPC handler",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
