// ABOUTME: RPC method handlers served over the WebSocket endpoint
// ABOUTME: Bridges agent, session and subagent methods to their components

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/agentrun-gateway/internal/agent"
	"github.com/2389/agentrun-gateway/internal/lanes"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/store"
	"github.com/2389/agentrun-gateway/internal/subagent"
)

// SubagentsListResult is the response of subagents.list.
type SubagentsListResult struct {
	Runs []*store.RunEntry `json:"runs"`
}

// HealthResult is the response of the health method.
type HealthResult struct {
	OK          bool          `json:"ok"`
	Ready       bool          `json:"ready"`
	ServerID    string        `json:"serverId"`
	UptimeMs    int64         `json:"uptimeMs"`
	Lanes       []lanes.Stats `json:"lanes"`
	TrackedRuns int           `json:"trackedRuns"`
	Connections int           `json:"connections"`
}

func (g *Gateway) newRouter() *Router {
	r := NewRouter()

	r.Handle(protocol.MethodAgent, func(_ context.Context, req *protocol.RequestFrame, respond agent.Responder) {
		g.handler.Agent(req.ID, req.Params, respond)
	})
	r.HandleUnary(protocol.MethodAgentWait, func(ctx context.Context, params json.RawMessage) (any, *protocol.ErrorShape) {
		return g.handler.WaitRequest(ctx, params)
	})
	r.HandleUnary(protocol.MethodAgentIdentity, func(_ context.Context, params json.RawMessage) (any, *protocol.ErrorShape) {
		return g.handler.Identity(params)
	})
	r.HandleUnary(protocol.MethodSessionsDelete, g.sessionsDelete)
	r.HandleUnary(protocol.MethodSessionsSpawn, g.sessionsSpawn)
	r.HandleUnary(protocol.MethodSubagentsList, g.subagentsList)
	r.HandleUnary(protocol.MethodHealth, func(context.Context, json.RawMessage) (any, *protocol.ErrorShape) {
		return g.health(), nil
	})

	r.RequireOperator(protocol.MethodSessionsDelete)
	r.RequireOperator(protocol.MethodSessionsSpawn)
	return r
}

func (g *Gateway) sessionsDelete(ctx context.Context, raw json.RawMessage) (any, *protocol.ErrorShape) {
	var params protocol.SessionsDeleteParams
	if shape := protocol.DecodeParams(protocol.MethodSessionsDelete, raw, &params); shape != nil {
		return nil, shape
	}
	deleteTranscript := true
	if params.DeleteTranscript != nil {
		deleteTranscript = *params.DeleteTranscript
	}

	deleted, err := g.sessions.Delete(ctx, params.Key, deleteTranscript)
	if err != nil {
		g.logger.Warn("deleting session failed", "key", params.Key, "error", err)
		return nil, protocol.AsErrorShape(err)
	}
	return protocol.SessionsDeleteResult{OK: true, Key: params.Key, Deleted: deleted}, nil
}

func (g *Gateway) sessionsSpawn(ctx context.Context, raw json.RawMessage) (any, *protocol.ErrorShape) {
	var params protocol.SpawnParams
	if shape := protocol.DecodeParams(protocol.MethodSessionsSpawn, raw, &params); shape != nil {
		return nil, shape
	}

	res, err := g.spawner.Spawn(ctx, params)
	switch {
	case errors.Is(err, subagent.ErrNestedSpawn):
		return nil, protocol.InvalidRequest("%v", err)
	case err != nil:
		return nil, protocol.AsErrorShape(err)
	}
	return res, nil
}

func (g *Gateway) subagentsList(_ context.Context, raw json.RawMessage) (any, *protocol.ErrorShape) {
	var params protocol.SubagentsListParams
	if shape := protocol.DecodeParams(protocol.MethodSubagentsList, raw, &params); shape != nil {
		return nil, shape
	}
	return SubagentsListResult{Runs: g.registry.List(params.RequesterSessionKey)}, nil
}

func (g *Gateway) health() HealthResult {
	g.connsMu.RLock()
	conns := len(g.conns)
	g.connsMu.RUnlock()

	return HealthResult{
		OK:          true,
		Ready:       g.ready.Load(),
		ServerID:    g.serverID,
		UptimeMs:    time.Since(g.startedAt).Milliseconds(),
		Lanes:       g.lanes.Lanes(),
		TrackedRuns: g.registry.Len(),
		Connections: conns,
	}
}
