// ABOUTME: In-process implementation of the subagent gateway port
// ABOUTME: Calls the agent handler and session store directly instead of dialing the WebSocket endpoint

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/agent"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/sessions"
)

// errNoAck means the handler returned without answering.
var errNoAck = errors.New("agent handler returned no response")

// LocalGateway serves the subagent registry from inside the gateway process.
type LocalGateway struct {
	Handler  *agent.Handler
	Sessions *sessions.Store
}

// WaitForRun waits on the handler's run snapshots.
func (l *LocalGateway) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (protocol.AgentWaitResult, error) {
	return l.Handler.Wait(ctx, runID, timeout), nil
}

// Agent submits params and returns the accepted ack. The final result is
// observed through lifecycle events, not here.
func (l *LocalGateway) Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (protocol.AgentAccepted, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.New().String()
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return protocol.AgentAccepted{}, fmt.Errorf("marshaling agent params: %w", err)
	}

	var (
		mu    sync.Mutex
		first *protocol.ResponseFrame
	)
	l.Handler.Agent(uuid.New().String(), raw, func(res *protocol.ResponseFrame) {
		mu.Lock()
		defer mu.Unlock()
		if first == nil {
			first = res
		}
	})

	// The handler answers synchronously with the ack, a cached result or an error.
	mu.Lock()
	res := first
	mu.Unlock()
	if res == nil {
		return protocol.AgentAccepted{}, errNoAck
	}
	if !res.OK {
		shape := res.Error
		if shape == nil {
			shape = protocol.Errorf(protocol.CodeUnavailable, "agent request failed")
		}
		return protocol.AgentAccepted{}, fmt.Errorf("submitting agent run: %w", shape)
	}
	var accepted protocol.AgentAccepted
	if err := json.Unmarshal(res.Payload, &accepted); err != nil {
		return protocol.AgentAccepted{}, fmt.Errorf("decoding agent ack: %w", err)
	}
	return accepted, nil
}

// DeleteSession removes a session from the store.
func (l *LocalGateway) DeleteSession(ctx context.Context, key string, deleteTranscript bool, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := l.Sessions.Delete(ctx, key, deleteTranscript); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}
