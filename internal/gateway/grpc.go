// ABOUTME: gRPC server exposing the standard grpc.health.v1 service
// ABOUTME: Reports NOT_SERVING until persisted subagent runs have been resumed

package gateway

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "agentrun.Gateway"

func newHealthGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	setServing(hs, false)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

func setServing(hs *health.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(HealthService, status)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func shutdownGRPCServer(ctx context.Context, server *grpc.Server) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		server.Stop()
	}
}
