// Package api exposes the operational gRPC endpoint: the standard health
// service with one entry per subsystem, plus reflection for probe tooling.
package api

import (
	"context"
	"fmt"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/opsforge/sentinel/internal/config"
)

// Subsystem names reported through the health service.
const (
	SubsystemCloud     = "cloud"
	SubsystemOracle    = "oracle"
	SubsystemKnowledge = "knowledge"
	SubsystemMonitor   = "monitor"
	SubsystemAudit     = "audit"
)

// subsystems lists every per-component health entry the server publishes.
// Each starts NOT_SERVING until the owning component reports readiness.
var subsystems = []string{
	SubsystemCloud,
	SubsystemOracle,
	SubsystemKnowledge,
	SubsystemMonitor,
	SubsystemAudit,
}

// Server owns the gRPC listener, the registered health service, and the
// shutdown sequence.
type Server struct {
	cfg      config.ServerConfig
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
}

// NewServer binds the configured address and assembles a gRPC server with
// Prometheus interceptors, the health service, and reflection registered.
// The caller must invoke Start to begin serving.
func NewServer(cfg config.ServerConfig, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address, err)
	}

	srv := &Server{
		cfg:      cfg,
		grpc:     newGRPCServer(opts),
		health:   health.NewServer(),
		listener: lis,
	}

	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range subsystems {
		srv.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	reflection.Register(srv.grpc)

	return srv, nil
}

func newGRPCServer(extra []grpc.ServerOption) *grpc.Server {
	grpc_prometheus.EnableHandlingTimeHistogram()
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}, extra...)

	s := grpc.NewServer(opts...)
	grpc_prometheus.Register(s)
	return s
}

// SetServing flips one subsystem's health status.
func (s *Server) SetServing(subsystem string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(subsystem, status)
}

// Start blocks serving gRPC traffic until shutdown.
func (s *Server) Start() error {
	if s.grpc == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpc.Serve(s.listener)
}

// Shutdown marks every health entry NOT_SERVING, then drains in-flight RPCs.
// If ctx expires before the drain completes the server is stopped hard.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpc == nil {
		return
	}
	s.health.Shutdown()

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

// Address reports the bound listener address, which is how tests using
// ":0" discover the assigned port.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns how long Shutdown should wait before stopping hard.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
