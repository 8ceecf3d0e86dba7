// ABOUTME: Periodic archival of subagent runs past their archive deadline
// ABOUTME: Runs as a robfig/cron entry that exists only while runs are tracked

package subagent

import (
	"context"
)

// ensureSweeperLocked schedules the sweep when any run has an archive
// deadline. Must be called with mu held.
func (r *Registry) ensureSweeperLocked() {
	if r.sweepID != 0 {
		return
	}
	needed := false
	for _, entry := range r.runs {
		if entry.ArchiveAtMs > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	id, err := r.cron.AddFunc(r.sweepSchedule, func() {
		r.Sweep(r.ctx)
	})
	if err != nil {
		r.logger.Error("scheduling subagent sweeper failed", "schedule", r.sweepSchedule, "error", err)
		return
	}
	r.sweepID = id
	r.logger.Debug("subagent sweeper started", "schedule", r.sweepSchedule)
}

// stopSweeperIfIdleLocked removes the sweep once no runs remain. Must be
// called with mu held.
func (r *Registry) stopSweeperIfIdleLocked() {
	if r.sweepID == 0 || len(r.runs) > 0 {
		return
	}
	r.cron.Remove(r.sweepID)
	r.sweepID = 0
	r.logger.Debug("subagent sweeper stopped")
}

// sweeperActive reports whether the sweep is scheduled.
func (r *Registry) sweeperActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepID != 0
}

// Sweep removes runs whose archive deadline has passed, persists, and
// deletes their child sessions. Delete failures are logged and ignored.
// It returns the number of runs removed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.nowMs()

	r.mu.Lock()
	var archived []string
	var children []string
	for id, entry := range r.runs {
		if entry.ArchiveAtMs == 0 || entry.ArchiveAtMs > now {
			continue
		}
		archived = append(archived, id)
		children = append(children, entry.ChildSessionKey)
		delete(r.runs, id)
	}
	r.stopSweeperIfIdleLocked()
	r.mu.Unlock()

	if len(archived) == 0 {
		return 0
	}
	r.persist()
	r.logger.Info("subagent runs archived", "count", len(archived))

	for i, id := range archived {
		if r.bus != nil {
			r.bus.ForgetRun(id)
		}
		if r.gateway == nil || children[i] == "" {
			continue
		}
		if err := r.gateway.DeleteSession(ctx, children[i], true, SweepDeleteTimeout); err != nil {
			r.logger.Warn("deleting archived subagent session failed",
				"run_id", id,
				"child_session_key", children[i],
				"error", err)
		}
	}
	return len(archived)
}
