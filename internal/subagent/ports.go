// ABOUTME: Ports the registry uses to reach the gateway and announce results
// ABOUTME: Implemented over RPC (RPCGateway) or in-process by the gateway server

package subagent

import (
	"context"
	"time"

	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/store"
)

// Gateway is the subset of gateway methods the registry calls.
type Gateway interface {
	// WaitForRun blocks until runID is terminal or timeout passes.
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (protocol.AgentWaitResult, error)
	// Agent submits an agent request and returns its accepted ack.
	Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (protocol.AgentAccepted, error)
	// DeleteSession removes a session and optionally its transcript.
	DeleteSession(ctx context.Context, key string, deleteTranscript bool, timeout time.Duration) error
}

// AnnounceParams describes a finished run to the announce flow.
type AnnounceParams struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterDisplayKey string
	RequesterOrigin     *protocol.DeliveryContext
	Task                string
	Label               string
	Cleanup             store.CleanupMode
	StartedAt           int64
	EndedAt             int64
	Outcome             *store.Outcome
	Timeout             time.Duration
}

// Announcer reports a finished run back to its requester. didAnnounce is
// false when nothing was delivered and a later attempt may retry.
type Announcer interface {
	Announce(ctx context.Context, p AnnounceParams) (didAnnounce bool, err error)
}

// AnnouncerFunc adapts a function to Announcer.
type AnnouncerFunc func(ctx context.Context, p AnnounceParams) (bool, error)

// Announce calls f.
func (f AnnouncerFunc) Announce(ctx context.Context, p AnnounceParams) (bool, error) {
	return f(ctx, p)
}
