// Package health serves the gRPC health checking protocol for the relay.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server reports SERVING for the relay service while its front door is bound.
type Server struct {
	service string
	logger  *slog.Logger

	grpcServer *grpc.Server
	health     *grpchealth.Server
	listener   net.Listener

	stopOnce sync.Once
	done     chan struct{}
}

// Start listens on addr and serves health checks in the background.
// Params: addr host:port; service name reported to clients; logger.
// Returns: running server, initially NOT_SERVING, or listen error.
func Start(addr, service string, logger *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen health %s: %w", addr, err)
	}

	s := &Server{
		service:    service,
		logger:     logger.With(slog.String("component", "health")),
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
		listener:   listener,
		done:       make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	go func() {
		defer close(s.done)
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("health server stopped", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("health server started", slog.String("listen", listener.Addr().String()))
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// SetServing flips the reported status for the overall server and the relay service.
// Params: serving true for SERVING.
// Returns: none.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
// Params: ctx bounds graceful stop.
// Returns: none.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.health.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
		<-s.done
	})
}
