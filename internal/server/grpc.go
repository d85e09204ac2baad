package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"PerpRecon/internal/channel"
	"PerpRecon/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// UserServicePrefix names the per-user health services, e.g.
// "perprecon.user/dydx1abc/0".
const UserServicePrefix = "perprecon.user/"

// SubscriptionSource reports the state of every user subscription.
type SubscriptionSource interface {
	Subscriptions() []observability.SubscriptionHealth
}

// GRPCServer serves the standard gRPC health protocol with one service per
// attached user plus reflection for grpcurl.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	subs       SubscriptionSource
	interval   time.Duration
	logger     zerolog.Logger
	known      map[string]bool
}

func NewGRPCServer(addr string, subs SubscriptionSource, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		subs:       subs,
		interval:   2 * time.Second,
		logger:     logger,
		known:      make(map[string]bool),
	}
}

// SetReady flips the overall ("") service status.
func (s *GRPCServer) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// SyncStatuses maps each subscription onto its health service. Halted
// users are NOT_SERVING; users that went away are reported SERVICE_UNKNOWN.
func (s *GRPCServer) SyncStatuses() {
	if s.subs == nil {
		return
	}
	seen := make(map[string]bool)
	for _, sub := range s.subs.Subscriptions() {
		name := UserServicePrefix + sub.UserID
		seen[name] = true
		st := healthpb.HealthCheckResponse_SERVING
		if sub.Health == channel.HealthHalted.String() {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, st)
	}
	for name := range s.known {
		if !seen[name] {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
}

// Start serves gRPC until ctx is cancelled.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("gRPC server shutting down")
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.SyncStatuses()
			}
		}
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}
