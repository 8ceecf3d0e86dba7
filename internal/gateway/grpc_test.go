// ABOUTME: Tests for the gRPC health service
// ABOUTME: Status flips from NOT_SERVING to SERVING once the gateway is ready

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServerStatus(t *testing.T) {
	server, hs := newHealthGRPCServer()
	defer server.Stop()

	for _, service := range []string{"", HealthService} {
		res, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, res.GetStatus(), service)
	}

	setServing(hs, true)
	res, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())
}

func TestStartMarksGRPCServing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	require.NotNil(t, gw.healthServer)
	gw.Start(context.Background())

	res, err := gw.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.GetStatus())
}
