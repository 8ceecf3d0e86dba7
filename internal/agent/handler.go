// ABOUTME: Agent request handler: validation, idempotent acceptance, lane execution, final response
// ABOUTME: Terminal run snapshots are kept for agent.wait and replayed to retried requests

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agentrun-gateway/internal/dedupe"
	"github.com/2389/agentrun-gateway/internal/events"
	"github.com/2389/agentrun-gateway/internal/lanes"
	"github.com/2389/agentrun-gateway/internal/protocol"
)

// Defaults for the handler caches.
const (
	DefaultDedupeTTL   = 5 * time.Minute
	DefaultDedupeMax   = 1000
	DefaultSnapshotTTL = 10 * time.Minute
	DefaultWaitTimeout = 30 * time.Second
)

// Responder writes a response frame back to the caller. It may be called
// twice for one agent request: the ack and the final result.
type Responder func(*protocol.ResponseFrame)

// DedupeEntry is the cached response for an idempotency key.
type DedupeEntry struct {
	OK      bool
	Payload json.RawMessage
	Error   *protocol.ErrorShape
	At      time.Time
}

// Options configures a Handler.
type Options struct {
	Directory   *Directory
	Runner      Runner
	Lanes       *lanes.Scheduler
	Bus         *events.Bus
	Logger      *slog.Logger
	DedupeTTL   time.Duration
	DedupeMax   int
	SnapshotTTL time.Duration
	Now         func() time.Time
}

// Handler serves agent, agent.wait and agent.identity.get.
type Handler struct {
	directory *Directory
	runner    Runner
	lanes     *lanes.Scheduler
	bus       *events.Bus
	dedupe    *dedupe.Cache[DedupeEntry]
	snapshots *dedupe.Cache[protocol.AgentWaitResult]
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	starts   map[string]int64
	waiters  map[string][]chan protocol.AgentWaitResult
	unlisten func()

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewHandler creates a handler and subscribes it to lifecycle events on the bus.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.DedupeMax <= 0 {
		opts.DedupeMax = DefaultDedupeMax
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.Directory == nil {
		opts.Directory = NewDirectory("", nil)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		directory: opts.Directory,
		runner:    opts.Runner,
		lanes:     opts.Lanes,
		bus:       opts.Bus,
		dedupe:    dedupe.New[DedupeEntry](opts.DedupeTTL, opts.DedupeMax, dedupe.WithClock(now)),
		snapshots: dedupe.New[protocol.AgentWaitResult](opts.SnapshotTTL, 0, dedupe.WithClock(now)),
		now:       now,
		logger:    logger.With("component", "agent"),
		starts:    make(map[string]int64),
		waiters:   make(map[string][]chan protocol.AgentWaitResult),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	h.unlisten = h.bus.Listen(h.onEvent)
	return h
}

// Directory returns the agent directory.
func (h *Handler) Directory() *Directory {
	return h.directory
}

// Agent handles an agent request. respond is called with the ack (or the
// cached response) before Agent returns, and again with the final result
// once the run completes.
func (h *Handler) Agent(reqID string, raw json.RawMessage, respond Responder) {
	var params protocol.AgentParams
	if shape := protocol.DecodeParams(protocol.MethodAgent, raw, &params); shape != nil {
		respond(protocol.NewErrorResponse(reqID, shape))
		return
	}

	identity, sessionKey, shape := h.validate(&params)
	if shape != nil {
		respond(protocol.NewErrorResponse(reqID, shape))
		return
	}

	runID := params.IdempotencyKey
	acceptedAt := h.now().UnixMilli()
	ack, err := json.Marshal(protocol.AgentAccepted{RunID: runID, Status: protocol.StatusAccepted, AcceptedAt: acceptedAt})
	if err != nil {
		respond(protocol.NewErrorResponse(reqID, protocol.AsErrorShape(err)))
		return
	}

	dedupeKey := "agent:" + params.IdempotencyKey
	cached, loaded := h.dedupe.LoadOrStore(dedupeKey, DedupeEntry{OK: true, Payload: ack, At: h.now()})
	if loaded {
		h.logger.Debug("agent request replayed from dedupe cache", "run_id", runID)
		respond(&protocol.ResponseFrame{
			Type:    protocol.FrameResponse,
			ID:      reqID,
			OK:      cached.OK,
			Payload: cached.Payload,
			Error:   cached.Error,
			Cached:  true,
		})
		return
	}

	respond(&protocol.ResponseFrame{Type: protocol.FrameResponse, ID: reqID, OK: true, Payload: ack})

	lane := params.Lane
	if lane == "" {
		lane = lanes.Main
	}
	req := &Request{
		RunID:             runID,
		AgentID:           identity.ID,
		SessionKey:        sessionKey,
		Message:           params.Message,
		ExtraSystemPrompt: params.ExtraSystemPrompt,
		Thinking:          params.Thinking,
		Lane:              lane,
		Label:             params.Label,
		SpawnedBy:         params.SpawnedBy,
		Deliver:           params.Deliver,
		Delivery: protocol.DeliveryContext{
			Channel:   params.Channel,
			To:        params.To,
			AccountID: params.AccountID,
			ThreadID:  params.ThreadID,
		},
	}
	timeout := time.Duration(params.Timeout) * time.Second

	h.logger.Info("agent run accepted", "run_id", runID, "agent_id", identity.ID, "session_key", sessionKey, "lane", lane)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.execute(req, timeout, dedupeKey, reqID, respond)
	}()
}

// validate checks params beyond the schema and resolves the agent and session key.
func (h *Handler) validate(p *protocol.AgentParams) (Identity, string, *protocol.ErrorShape) {
	if p.AgentID != "" {
		if _, ok := h.directory.Get(p.AgentID); !ok {
			return Identity{}, "", protocol.InvalidRequest("invalid agent params: unknown agent id %q", p.AgentID)
		}
	}
	if p.SessionKey != "" && p.AgentID != "" {
		if keyAgent, _, ok := protocol.ParseAgentSessionKey(p.SessionKey); ok && keyAgent != protocol.NormalizeAgentID(p.AgentID) {
			return Identity{}, "", protocol.InvalidRequest("invalid agent params: agent %q does not match session key %q", p.AgentID, p.SessionKey)
		}
	}
	if p.Channel != "" && !protocol.IsKnownChannel(p.Channel) {
		return Identity{}, "", protocol.InvalidRequest("invalid agent params: unknown channel: %s", p.Channel)
	}

	identity, err := h.directory.Resolve(p.AgentID, p.SessionKey)
	if err != nil {
		return Identity{}, "", protocol.InvalidRequest("invalid agent params: unknown agent id %q", p.AgentID)
	}

	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:main", identity.ID)
	}
	return identity, sessionKey, nil
}

func (h *Handler) execute(req *Request, timeout time.Duration, dedupeKey, reqID string, respond Responder) {
	v, err := h.lanes.Submit(h.runCtx, req.Lane, func(ctx context.Context) (any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		startedAt := h.now().UnixMilli()
		h.bus.EmitLifecycle(req.RunID, req.SessionKey, protocol.LifecycleEvent{Phase: protocol.PhaseStart, StartedAt: startedAt})

		res, err := h.runner.Run(ctx, req)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("agent run timed out after %s", timeout)
		}

		endedAt := h.now().UnixMilli()
		if err != nil {
			h.bus.EmitLifecycle(req.RunID, req.SessionKey, protocol.LifecycleEvent{
				Phase: protocol.PhaseError, StartedAt: startedAt, EndedAt: endedAt, Error: err.Error(),
			})
			return nil, err
		}
		h.bus.EmitLifecycle(req.RunID, req.SessionKey, protocol.LifecycleEvent{
			Phase: protocol.PhaseEnd, StartedAt: startedAt, EndedAt: endedAt,
		})
		return res, nil
	})

	var final *protocol.ResponseFrame
	if err != nil {
		h.logger.Warn("agent run failed", "run_id", req.RunID, "error", err)
		payload, _ := json.Marshal(protocol.AgentFinal{RunID: req.RunID, Status: protocol.StatusError, Summary: err.Error()})
		shape := protocol.Errorf(protocol.CodeUnavailable, "%s", err.Error())
		final = &protocol.ResponseFrame{Type: protocol.FrameResponse, ID: reqID, OK: false, Payload: payload, Error: shape}
		h.dedupe.Set(dedupeKey, DedupeEntry{OK: false, Payload: payload, Error: shape, At: h.now()})
	} else {
		res, _ := v.(*Result)
		if res == nil {
			res = &Result{}
		}
		summary := res.Summary
		if summary == "" {
			summary = "completed"
		}
		payload, _ := json.Marshal(protocol.AgentFinal{RunID: req.RunID, Status: protocol.StatusOK, Summary: summary, Result: res.Payload})
		final = &protocol.ResponseFrame{Type: protocol.FrameResponse, ID: reqID, OK: true, Payload: payload}
		h.dedupe.Set(dedupeKey, DedupeEntry{OK: true, Payload: payload, At: h.now()})
		h.logger.Info("agent run finished", "run_id", req.RunID, "agent_id", req.AgentID)
	}
	respond(final)
}

// onEvent records lifecycle transitions for agent.wait.
func (h *Handler) onEvent(ev protocol.AgentEvent) {
	if ev.Stream != protocol.StreamLifecycle {
		return
	}
	switch ev.Data.Phase {
	case protocol.PhaseStart:
		startedAt := ev.Data.StartedAt
		if startedAt == 0 {
			startedAt = ev.Ts
		}
		h.mu.Lock()
		h.starts[ev.RunID] = startedAt
		h.mu.Unlock()

	case protocol.PhaseEnd, protocol.PhaseError:
		h.mu.Lock()
		startedAt := ev.Data.StartedAt
		if startedAt == 0 {
			startedAt = h.starts[ev.RunID]
		}
		delete(h.starts, ev.RunID)
		endedAt := ev.Data.EndedAt
		if endedAt == 0 {
			endedAt = ev.Ts
		}
		snap := protocol.AgentWaitResult{RunID: ev.RunID, Status: protocol.StatusOK, StartedAt: startedAt, EndedAt: endedAt}
		if ev.Data.Phase == protocol.PhaseError {
			snap.Status = protocol.StatusError
			snap.Error = ev.Data.Error
		}
		h.snapshots.Set(ev.RunID, snap)
		waiters := h.waiters[ev.RunID]
		delete(h.waiters, ev.RunID)
		h.mu.Unlock()

		for _, ch := range waiters {
			ch <- snap
		}
	}
}

// Wait blocks until runID reaches a terminal state, timeout passes or ctx
// ends. It never occupies a lane slot. A timeout yields status "timeout".
func (h *Handler) Wait(ctx context.Context, runID string, timeout time.Duration) protocol.AgentWaitResult {
	if snap, ok := h.snapshots.Get(runID); ok {
		return snap
	}

	ch := make(chan protocol.AgentWaitResult, 1)
	h.mu.Lock()
	// Checked again under the lock so an event between the first check and
	// registration cannot be missed.
	if snap, ok := h.snapshots.Get(runID); ok {
		h.mu.Unlock()
		return snap
	}
	h.waiters[runID] = append(h.waiters[runID], ch)
	h.mu.Unlock()

	if timeout < 0 {
		timeout = 0
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snap := <-ch:
		return snap
	case <-timer.C:
	case <-ctx.Done():
	}

	h.removeWaiter(runID, ch)
	// The run may have finished while we were giving up.
	select {
	case snap := <-ch:
		return snap
	default:
	}
	return protocol.AgentWaitResult{RunID: runID, Status: protocol.StatusTimeout}
}

func (h *Handler) removeWaiter(runID string, ch chan protocol.AgentWaitResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.waiters[runID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.waiters, runID)
	} else {
		h.waiters[runID] = list
	}
}

// WaitRequest decodes agent.wait params and waits.
func (h *Handler) WaitRequest(ctx context.Context, raw json.RawMessage) (protocol.AgentWaitResult, *protocol.ErrorShape) {
	var params protocol.AgentWaitParams
	if shape := protocol.DecodeParams(protocol.MethodAgentWait, raw, &params); shape != nil {
		return protocol.AgentWaitResult{}, shape
	}
	timeout := DefaultWaitTimeout
	if params.TimeoutMs != nil {
		timeout = time.Duration(*params.TimeoutMs) * time.Millisecond
	}
	return h.Wait(ctx, params.RunID, timeout), nil
}

// Identity serves agent.identity.get.
func (h *Handler) Identity(raw json.RawMessage) (*protocol.IdentityResult, *protocol.ErrorShape) {
	var params protocol.IdentityParams
	if shape := protocol.DecodeParams(protocol.MethodAgentIdentity, raw, &params); shape != nil {
		return nil, shape
	}
	if params.AgentID != "" && params.SessionKey != "" {
		if keyAgent, _, ok := protocol.ParseAgentSessionKey(params.SessionKey); ok && keyAgent != protocol.NormalizeAgentID(params.AgentID) {
			return nil, protocol.InvalidRequest("invalid agent.identity.get params: agent %q does not match session key %q", params.AgentID, params.SessionKey)
		}
	}
	identity, err := h.directory.Resolve(params.AgentID, params.SessionKey)
	if err != nil {
		return nil, protocol.InvalidRequest("invalid agent.identity.get params: unknown agent id %q", params.AgentID)
	}
	return &protocol.IdentityResult{
		AgentID: identity.ID,
		Name:    identity.Name,
		Emoji:   identity.Emoji,
		Avatar:  identity.Avatar,
	}, nil
}

// Close stops accepting lifecycle events, cancels running jobs and waits for them.
func (h *Handler) Close() {
	h.unlisten()
	h.cancelRun()
	h.wg.Wait()
	h.dedupe.Close()
	h.snapshots.Close()
}
