// ABOUTME: Completion detection for subagent runs and the announce/finalize flow
// ABOUTME: Event path and poll path both converge on BeginCleanup

package subagent

import (
	"context"
	"errors"
	"time"

	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/store"
)

// HandleLifecycle applies a lifecycle event to its run. Events for unknown
// runs and non-lifecycle streams are ignored.
func (r *Registry) HandleLifecycle(ev protocol.AgentEvent) {
	if ev.Stream != protocol.StreamLifecycle {
		return
	}

	switch ev.Data.Phase {
	case protocol.PhaseStart:
		r.mu.Lock()
		entry, ok := r.runs[ev.RunID]
		if !ok {
			r.mu.Unlock()
			return
		}
		if ev.Data.StartedAt > 0 {
			entry.StartedAt = ev.Data.StartedAt
		}
		r.mu.Unlock()
		r.persist()

	case protocol.PhaseEnd, protocol.PhaseError:
		endedAt := ev.Data.EndedAt
		if endedAt == 0 {
			endedAt = ev.Ts
		}
		if endedAt == 0 {
			endedAt = r.nowMs()
		}
		outcome := &store.Outcome{Status: store.OutcomeOK}
		if ev.Data.Phase == protocol.PhaseError {
			outcome = &store.Outcome{Status: store.OutcomeError, Error: ev.Data.Error}
		}
		if !r.recordEnd(ev.RunID, 0, endedAt, outcome) {
			return
		}
		r.startCleanup(ev.RunID, r.announceTimeout)
	}
}

// recordEnd stores the terminal timing and outcome and persists. endedAt and
// outcome are only written the first time; later signals leave them alone.
// It reports whether the run is tracked.
func (r *Registry) recordEnd(runID string, startedAt, endedAt int64, outcome *store.Outcome) bool {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if startedAt > 0 {
		entry.StartedAt = startedAt
	}
	if entry.EndedAt == 0 {
		entry.EndedAt = endedAt
		entry.Outcome = outcome
	}
	r.mu.Unlock()

	r.persist()
	return true
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// startWait runs the poll path for runID in the background.
func (r *Registry) startWait(runID string, timeout time.Duration) {
	if r.gateway == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		r.waitForRun(runID, timeout)
	}()
}

func (r *Registry) waitForRun(runID string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.ctx, timeout+waitGrace)
	defer cancel()

	res, err := r.gateway.WaitForRun(ctx, runID, timeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Debug("subagent wait failed", "run_id", runID, "error", err)
		}
		return
	}

	var outcome *store.Outcome
	switch res.Status {
	case protocol.StatusOK:
		outcome = &store.Outcome{Status: store.OutcomeOK}
	case protocol.StatusError:
		outcome = &store.Outcome{Status: store.OutcomeError, Error: res.Error}
	default:
		return
	}

	endedAt := res.EndedAt
	if endedAt == 0 {
		endedAt = r.nowMs()
	}
	if !r.recordEnd(runID, res.StartedAt, endedAt, outcome) {
		return
	}
	r.startCleanup(runID, r.announceTimeout)
}

// startCleanup passes the gate and runs the announce flow in the background.
func (r *Registry) startCleanup(runID string, timeout time.Duration) {
	if r.isClosed() || !r.BeginCleanup(runID) {
		return
	}

	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if r.closed {
		// Closed between the gate and here: reopen the gate for the next process.
		entry.CleanupHandled = false
		r.mu.Unlock()
		r.persist()
		return
	}
	params := AnnounceParams{
		RunID:               entry.RunID,
		ChildSessionKey:     entry.ChildSessionKey,
		RequesterSessionKey: entry.RequesterSessionKey,
		RequesterDisplayKey: entry.RequesterDisplayKey,
		RequesterOrigin:     normalizeOrigin(entry.RequesterOrigin),
		Task:                entry.Task,
		Label:               entry.Label,
		Cleanup:             entry.Cleanup,
		StartedAt:           entry.StartedAt,
		EndedAt:             entry.EndedAt,
		Timeout:             timeout,
	}
	if entry.Outcome != nil {
		outcome := *entry.Outcome
		params.Outcome = &outcome
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.announce(params)
	}()
}

func (r *Registry) announce(p AnnounceParams) {
	didAnnounce := false
	if r.announcer != nil {
		ctx, cancel := context.WithTimeout(r.ctx, p.Timeout)
		ok, err := r.announcer.Announce(ctx, p)
		cancel()
		if err != nil {
			r.logger.Warn("subagent announce failed", "run_id", p.RunID, "error", err)
		}
		didAnnounce = ok && err == nil
	}
	r.finalize(p.RunID, didAnnounce)
}

// finalize settles the run after the announce flow. delete removes the run;
// otherwise a failed announce reopens the gate and a delivered one stamps
// cleanupCompletedAt.
func (r *Registry) finalize(runID string, didAnnounce bool) {
	r.mu.Lock()
	entry, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	switch {
	case entry.Cleanup == store.CleanupDelete:
		delete(r.runs, runID)
		r.stopSweeperIfIdleLocked()
	case !didAnnounce:
		entry.CleanupHandled = false
	default:
		entry.CleanupCompletedAt = r.nowMs()
	}
	cleanup := entry.Cleanup
	r.mu.Unlock()

	r.persist()
	if r.bus != nil && cleanup == store.CleanupDelete {
		r.bus.ForgetRun(runID)
	}
	r.logger.Info("subagent cleanup finished", "run_id", runID, "announced", didAnnounce, "cleanup", cleanup)
}
