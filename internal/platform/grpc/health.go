// Package grpc hosts the gRPC health endpoint shared by the idproof processes.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves grpc.health.v1 for a process and the named services it hosts.
type HealthServer struct {
	listener net.Listener
	server   *gogrpc.Server
	health   *health.Server
	services []string
}

// NewHealthServer listens on addr and reports SERVING for the overall server
// and each named service.
func NewHealthServer(addr string, services ...string) (*HealthServer, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("health address is required")
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	h := &HealthServer{listener: listener, server: server, health: healthServer}
	for _, service := range append([]string{""}, services...) {
		service = strings.TrimSpace(service)
		h.services = append(h.services, service)
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return h, nil
}

// Addr returns the bound listener address.
func (h *HealthServer) Addr() string {
	if h == nil || h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// SetServing flips the status of one service.
func (h *HealthServer) SetServing(service string, serving bool) {
	if h == nil || h.health == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(strings.TrimSpace(service), status)
}

// Serve blocks until ctx ends or the server fails, then stops gracefully.
func (h *HealthServer) Serve(ctx context.Context) error {
	if h == nil || h.server == nil {
		return errors.New("health server is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.server.Serve(h.listener)
	}()

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		err := <-serveErr
		if err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	}
}

// WaitForHealth dials addr and blocks until the named service reports
// SERVING or the context ends.
func WaitForHealth(ctx context.Context, addr, service string, logf func(string, ...any)) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("health address is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("%s health is SERVING", addr)
			}
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for %s health: %v", addr, err)
			} else {
				logf("waiting for %s health: status %s", addr, response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for health: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}
