package grpc

import (
	"context"
	"errors"

	"github.com/bookstore/services/storefront/internal/events"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping() error
}

// BucketProbe reports whether object storage is reachable.
type BucketProbe interface {
	Healthy(ctx context.Context) bool
}

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db    Pinger
	bus   events.Bus
	store BucketProbe
	log   *zap.Logger
}

// NewHealthServer creates a new health check server. store may be nil.
func NewHealthServer(database Pinger, bus events.Bus, store BucketProbe, log *zap.Logger) *HealthServer {
	return &HealthServer{
		db:    database,
		bus:   bus,
		store: store,
		log:   log,
	}
}

// Status returns the first failing dependency, or nil. The HTTP /healthz
// endpoint uses it too.
func (h *HealthServer) Status(ctx context.Context) error {
	if err := h.db.Ping(); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return err
	}
	if h.bus != nil && !h.bus.IsHealthy() {
		h.log.Error("RabbitMQ health check failed")
		return errors.New("event bus unavailable")
	}
	if h.store != nil && !h.store.Healthy(ctx) {
		h.log.Error("Object storage health check failed")
		return errors.New("object storage unavailable")
	}
	return nil
}

func (h *HealthServer) current(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if h.Status(ctx) != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.current(ctx)}, nil
}

// Watch sends the current status once and returns.
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.current(server.Context())})
}
