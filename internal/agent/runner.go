// ABOUTME: Runner port that performs the work of an agent run
// ABOUTME: TranscriptRunner is the default and only records the request in the session

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/sessions"
)

// Request is what a Runner receives for one run.
type Request struct {
	RunID             string
	AgentID           string
	SessionKey        string
	Message           string
	ExtraSystemPrompt string
	Thinking          string
	Lane              string
	Label             string
	SpawnedBy         string
	Deliver           bool
	Delivery          protocol.DeliveryContext
}

// Result is what a finished run reports.
type Result struct {
	Summary string
	Payload json.RawMessage
}

// Runner executes agent runs.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req *Request) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

// TranscriptRunner appends the request message to the session transcript
// and completes immediately.
type TranscriptRunner struct {
	Sessions *sessions.Store
}

// Run implements Runner.
func (r *TranscriptRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := r.Sessions.Ensure(ctx, &sessions.Session{
		Key:       req.SessionKey,
		AgentID:   req.AgentID,
		Label:     req.Label,
		SpawnedBy: req.SpawnedBy,
	}); err != nil {
		return nil, fmt.Errorf("preparing session: %w", err)
	}
	if err := r.Sessions.Append(ctx, &sessions.Message{
		SessionKey: req.SessionKey,
		Role:       sessions.RoleUser,
		Content:    req.Message,
		RunID:      req.RunID,
	}); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	return &Result{Summary: "completed"}, nil
}
