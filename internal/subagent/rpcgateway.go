// ABOUTME: Gateway port implemented with one-shot RPC calls to a running gateway
// ABOUTME: Used when the registry talks to the gateway over its WebSocket endpoint

package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/rpcclient"
)

// RPCGateway calls the gateway through rpcclient.Call.
type RPCGateway struct {
	Settings rpcclient.Settings
	// URL overrides target resolution when set.
	URL    string
	Client protocol.ClientInfo
	Logger *slog.Logger
}

func (g *RPCGateway) call(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	return rpcclient.CallInto(ctx, rpcclient.CallOptions{
		Method:   method,
		Params:   params,
		Timeout:  timeout,
		URL:      g.URL,
		Settings: g.Settings,
		Client:   g.Client,
		Logger:   g.Logger,
	}, out)
}

// WaitForRun calls agent.wait. The RPC deadline is the wait timeout plus a
// grace period so the server answers "timeout" before the call gives up.
func (g *RPCGateway) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (protocol.AgentWaitResult, error) {
	ms := timeout.Milliseconds()
	var res protocol.AgentWaitResult
	err := g.call(ctx, protocol.MethodAgentWait, protocol.AgentWaitParams{RunID: runID, TimeoutMs: &ms}, timeout+waitGrace, &res)
	if err != nil {
		return protocol.AgentWaitResult{}, fmt.Errorf("waiting for run %s: %w", runID, err)
	}
	return res, nil
}

// Agent submits an agent request without waiting for the final result.
func (g *RPCGateway) Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (protocol.AgentAccepted, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.New().String()
	}
	var res protocol.AgentAccepted
	if err := g.call(ctx, protocol.MethodAgent, params, timeout, &res); err != nil {
		return protocol.AgentAccepted{}, fmt.Errorf("submitting agent run: %w", err)
	}
	return res, nil
}

// DeleteSession calls sessions.delete.
func (g *RPCGateway) DeleteSession(ctx context.Context, key string, deleteTranscript bool, timeout time.Duration) error {
	params := protocol.SessionsDeleteParams{Key: key, DeleteTranscript: &deleteTranscript}
	if err := g.call(ctx, protocol.MethodSessionsDelete, params, timeout, nil); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}
