package ops

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported over grpc.health.v1.
const HealthService = "sessionsync.Directory"

// Health publishes the directory's serving state over the gRPC health protocol.
type Health struct {
	dir      Directory
	interval time.Duration
	logger   *zap.Logger

	health *health.Server
	grpc   *grpc.Server
	addr   string
}

// NewHealth creates a gRPC server exposing health for dir, refreshed every interval.
//
// Precondition: dir and logger must be non-nil; interval > 0.
func NewHealth(addr string, dir Directory, interval time.Duration, logger *zap.Logger) *Health {
	h := &Health{
		dir:      dir,
		interval: interval,
		logger:   logger,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		addr:     addr,
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.refresh()
	return h
}

// refresh copies the directory's state into the health server.
func (h *Health) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if !h.dir.Serving() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
	h.health.SetServingStatus("", status)
}

// Serve answers health checks on listener and refreshes the status until Stop.
func (h *Health) Serve(listener net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.refresh()
			}
		}
	}()

	h.logger.Info("gRPC health listening", zap.String("addr", listener.Addr().String()))
	return h.grpc.Serve(listener)
}

// ListenAndServe listens on the configured address and calls Serve.
func (h *Health) ListenAndServe() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	return h.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
