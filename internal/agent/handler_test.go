// ABOUTME: Tests for the agent request handler
// ABOUTME: Covers idempotent replay, validation, agent.wait and identity lookup

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentrun-gateway/internal/events"
	"github.com/2389/agentrun-gateway/internal/lanes"
	"github.com/2389/agentrun-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	frames []*protocol.ResponseFrame
	ch     chan *protocol.ResponseFrame
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *protocol.ResponseFrame, 16)}
}

func (r *recorder) respond(f *protocol.ResponseFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.ch <- f
}

func (r *recorder) next(t *testing.T) *protocol.ResponseFrame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func newTestHandler(t *testing.T, runner Runner) *Handler {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(logger)
	sched := lanes.New(nil, logger)
	dir := NewDirectory("main", []Identity{
		{ID: "main", Name: "Main", Emoji: "🤖"},
		{ID: "ops", Name: "Ops"},
	})
	h := NewHandler(Options{Directory: dir, Runner: runner, Lanes: sched, Bus: bus, Logger: logger})
	t.Cleanup(func() {
		h.Close()
		sched.Close()
		bus.Close()
	})
	return h
}

func agentParams(t *testing.T, p protocol.AgentParams) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestAgentAcceptsThenFinishes(t *testing.T) {
	var got *Request
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		got = req
		return &Result{Summary: "done"}, nil
	}))

	rec := newRecorder()
	h.Agent("req-1", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "run-1"}), rec.respond)

	ack := rec.next(t)
	require.True(t, ack.OK)
	var accepted protocol.AgentAccepted
	require.NoError(t, json.Unmarshal(ack.Payload, &accepted))
	assert.Equal(t, "run-1", accepted.RunID)
	assert.Equal(t, protocol.StatusAccepted, accepted.Status)
	assert.NotZero(t, accepted.AcceptedAt)

	final := rec.next(t)
	require.True(t, final.OK)
	assert.Equal(t, "req-1", final.ID)
	var fin protocol.AgentFinal
	require.NoError(t, json.Unmarshal(final.Payload, &fin))
	assert.Equal(t, protocol.StatusOK, fin.Status)
	assert.Equal(t, "done", fin.Summary)

	require.NotNil(t, got)
	assert.Equal(t, "agent:main:main", got.SessionKey)
	assert.Equal(t, lanes.Main, got.Lane)
	assert.Equal(t, "main", got.AgentID)
}

func TestAgentDuplicateIdempotencyKeyRunsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		calls.Add(1)
		<-release
		return &Result{Summary: "once"}, nil
	}))

	first := newRecorder()
	h.Agent("a", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "same"}), first.respond)
	ack := first.next(t)
	require.True(t, ack.OK)

	second := newRecorder()
	h.Agent("b", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "same"}), second.respond)
	replay := second.next(t)
	assert.True(t, replay.Cached)
	assert.Equal(t, "b", replay.ID)
	var accepted protocol.AgentAccepted
	require.NoError(t, json.Unmarshal(replay.Payload, &accepted))
	assert.Equal(t, "same", accepted.RunID)

	close(release)
	first.next(t)

	third := newRecorder()
	h.Agent("c", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "same"}), third.respond)
	cached := third.next(t)
	assert.True(t, cached.Cached)
	var fin protocol.AgentFinal
	require.NoError(t, json.Unmarshal(cached.Payload, &fin))
	assert.Equal(t, protocol.StatusOK, fin.Status)

	assert.Equal(t, int32(1), calls.Load())
}

func TestAgentValidation(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}))

	tests := []struct {
		name   string
		params json.RawMessage
		want   string
	}{
		{"missing message", json.RawMessage(`{"idempotencyKey":"k"}`), "message"},
		{"missing idempotency key", json.RawMessage(`{"message":"hi"}`), "idempotencyKey"},
		{"unknown agent", agentParams(t, protocol.AgentParams{Message: "hi", AgentID: "ghost", IdempotencyKey: "k1"}), "unknown agent id"},
		{"agent mismatch", agentParams(t, protocol.AgentParams{Message: "hi", AgentID: "ops", SessionKey: "agent:main:x", IdempotencyKey: "k2"}), "does not match"},
		{"unknown channel", agentParams(t, protocol.AgentParams{Message: "hi", Channel: "carrier-pigeon", IdempotencyKey: "k3"}), "unknown channel: carrier-pigeon"},
		{"timeout too large", json.RawMessage(`{"message":"hi","idempotencyKey":"k4","timeout":9300000000}`), "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			h.Agent("r", tt.params, rec.respond)
			f := rec.next(t)
			require.False(t, f.OK)
			require.NotNil(t, f.Error)
			assert.Equal(t, protocol.CodeInvalidRequest, f.Error.Code)
			assert.Contains(t, f.Error.Message, tt.want)
		})
	}
}

func TestAgentRunnerErrorIsUnavailable(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return nil, errors.New("model exploded")
	}))

	rec := newRecorder()
	h.Agent("r", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "bad"}), rec.respond)
	require.True(t, rec.next(t).OK)

	final := rec.next(t)
	require.False(t, final.OK)
	assert.Equal(t, protocol.CodeUnavailable, final.Error.Code)
	var fin protocol.AgentFinal
	require.NoError(t, json.Unmarshal(final.Payload, &fin))
	assert.Equal(t, protocol.StatusError, fin.Status)
	assert.Equal(t, "bad", fin.RunID)

	res := h.Wait(context.Background(), "bad", time.Second)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, "model exploded", res.Error)
}

func TestAgentHonoursLaneAndTimeout(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	rec := newRecorder()
	h.Agent("r", agentParams(t, protocol.AgentParams{Message: "hi", Lane: lanes.Subagent, Timeout: 1, IdempotencyKey: "slow"}), rec.respond)
	require.True(t, rec.next(t).OK)

	final := rec.next(t)
	require.False(t, final.OK)
	assert.Contains(t, final.Error.Message, "timed out")
}

func TestWaitReturnsTerminalSnapshot(t *testing.T) {
	release := make(chan struct{})
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		<-release
		return &Result{}, nil
	}))

	rec := newRecorder()
	h.Agent("r", agentParams(t, protocol.AgentParams{Message: "hi", IdempotencyKey: "w1"}), rec.respond)
	rec.next(t)

	done := make(chan protocol.AgentWaitResult, 1)
	go func() { done <- h.Wait(context.Background(), "w1", 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case res := <-done:
		assert.Equal(t, protocol.StatusOK, res.Status)
		assert.Equal(t, "w1", res.RunID)
		assert.NotZero(t, res.StartedAt)
		assert.GreaterOrEqual(t, res.EndedAt, res.StartedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}

	// A later wait is served from the snapshot.
	again := h.Wait(context.Background(), "w1", 0)
	assert.Equal(t, protocol.StatusOK, again.Status)
}

func TestWaitTimesOut(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}))

	start := time.Now()
	res := h.Wait(context.Background(), "never", 30*time.Millisecond)
	assert.Equal(t, protocol.StatusTimeout, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitRequestDecodesParams(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}))

	res, shape := h.WaitRequest(context.Background(), json.RawMessage(`{"runId":"nope","timeoutMs":10}`))
	require.Nil(t, shape)
	assert.Equal(t, protocol.StatusTimeout, res.Status)

	_, shape = h.WaitRequest(context.Background(), json.RawMessage(`{}`))
	require.NotNil(t, shape)
	assert.Equal(t, protocol.CodeInvalidRequest, shape.Code)

	_, shape = h.WaitRequest(context.Background(), json.RawMessage(`{"runId":"nope","timeoutMs":9000000000000000}`))
	require.NotNil(t, shape)
	assert.Equal(t, protocol.CodeInvalidRequest, shape.Code)
}

func TestIdentity(t *testing.T) {
	h := newTestHandler(t, RunnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return &Result{}, nil
	}))

	res, shape := h.Identity(json.RawMessage(`{}`))
	require.Nil(t, shape)
	assert.Equal(t, "main", res.AgentID)
	assert.Equal(t, "Main", res.Name)

	res, shape = h.Identity(json.RawMessage(`{"sessionKey":"agent:ops:main"}`))
	require.Nil(t, shape)
	assert.Equal(t, "ops", res.AgentID)

	_, shape = h.Identity(json.RawMessage(`{"agentId":"ghost"}`))
	require.NotNil(t, shape)
	assert.Equal(t, protocol.CodeInvalidRequest, shape.Code)

	_, shape = h.Identity(json.RawMessage(`{"agentId":"ops","sessionKey":"agent:main:main"}`))
	require.NotNil(t, shape)
}
