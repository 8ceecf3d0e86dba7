// ABOUTME: Spawns subagent runs: submits the child agent request and registers the run
// ABOUTME: Serves sessions.spawn

package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/lanes"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/store"
)

// DefaultSpawnTimeout bounds the agent submission made by Spawn.
const DefaultSpawnTimeout = 10 * time.Second

// ErrNestedSpawn is returned when a subagent session tries to spawn.
var ErrNestedSpawn = errors.New("sessions.spawn is not allowed from subagent sessions")

// Spawner starts subagent runs.
type Spawner struct {
	Registry       *Registry
	Gateway        Gateway
	DefaultAgentID string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Spawn submits the task on a fresh child session in the subagent lane and
// registers the resulting run.
func (s *Spawner) Spawn(ctx context.Context, p protocol.SpawnParams) (*protocol.SpawnResult, error) {
	if protocol.IsSubagentSessionKey(p.RequesterSessionKey) {
		return nil, ErrNestedSpawn
	}

	agentID := protocol.NormalizeAgentID(p.AgentID)
	if agentID == "" {
		if fromKey, _, ok := protocol.ParseAgentSessionKey(p.RequesterSessionKey); ok {
			agentID = fromKey
		}
	}
	if agentID == "" {
		agentID = protocol.NormalizeAgentID(s.DefaultAgentID)
	}
	if agentID == "" {
		agentID = protocol.DefaultAgentID
	}

	childKey := fmt.Sprintf("agent:%s:subagent:%s", agentID, uuid.New().String())
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultSpawnTimeout
	}

	accepted, err := s.Gateway.Agent(ctx, protocol.AgentParams{
		Message:           p.Task,
		AgentID:           agentID,
		SessionKey:        childKey,
		Lane:              lanes.Subagent,
		ExtraSystemPrompt: subagentPrompt(p),
		Timeout:           p.RunTimeoutSeconds,
		Label:             p.Label,
		SpawnedBy:         p.RequesterSessionKey,
		IdempotencyKey:    uuid.New().String(),
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("spawning subagent: %w", err)
	}

	err = s.Registry.Register(RegisterParams{
		RunID:               accepted.RunID,
		ChildSessionKey:     childKey,
		RequesterSessionKey: p.RequesterSessionKey,
		RequesterOrigin:     p.RequesterOrigin,
		Task:                p.Task,
		Cleanup:             store.ParseCleanupMode(p.Cleanup),
		Label:               p.Label,
		RunTimeout:          time.Duration(p.RunTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("registering subagent run: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info("subagent spawned", "run_id", accepted.RunID, "child_session_key", childKey, "agent_id", agentID)
	}
	return &protocol.SpawnResult{
		Status:          protocol.StatusAccepted,
		RunID:           accepted.RunID,
		ChildSessionKey: childKey,
	}, nil
}

func subagentPrompt(p protocol.SpawnParams) string {
	prompt := "You are a subagent spawned by " + p.RequesterSessionKey + " to complete one task.\n" +
		"Task: " + p.Task + "\n" +
		"Work only on this task. Your final reply is reported back to the requester."
	if p.Label != "" {
		prompt += "\nLabel: " + p.Label
	}
	return prompt
}
