// Package grpcserver serves a store's public surface on one address: the
// KV API for clients, the raft and snapshot services for sibling stores,
// and the standard health service.
package grpcserver

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rangekv/internal/snapshot"
	"rangekv/internal/store"
	"rangekv/internal/transport"
	"rangekv/pkg/api"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// Server wraps the gRPC services exposed by a store.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
}

// New constructs a Server over a running store. snaps must be the same
// manager the store installs snapshots from, since inbound snapshot streams
// land there.
func New(cfg Config, st *store.Store, snaps *snapshot.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(grpc.ForceServerCodec(api.JSONCodec{})),
		health: health.NewServer(),
	}
	api.RegisterKVServer(s.srv, NewKVService(st))
	transport.NewServer(st, snaps, nil).Register(s.srv)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start begins listening on the configured address and serves until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.setServing(true)
	go func() {
		<-ctx.Done()
		s.setServing(false)
		s.srv.GracefulStop()
		_ = lis.Close()
	}()
	go func() {
		_ = s.srv.Serve(lis)
	}()
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.srv != nil {
		s.setServing(false)
		s.srv.GracefulStop()
	}
}

func (s *Server) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}
