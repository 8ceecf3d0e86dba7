// ABOUTME: Restart recovery: reload persisted runs and re-drive interrupted lifecycles
// ABOUTME: Each run is resumed at most once per process

package subagent

import (
	"context"
	"fmt"
)

// Resume loads persisted runs, merges those not already tracked and re-drives
// each run once: finished runs re-enter the announce flow, unfinished runs
// get a fresh poll wait. A load failure is returned after logging; runs
// already in memory are still resumed.
func (r *Registry) Resume(ctx context.Context) error {
	loaded, loadErr := r.store.Load(ctx)
	if loadErr != nil {
		r.logger.Warn("loading persisted subagent runs failed", "error", loadErr)
		loadErr = fmt.Errorf("loading subagent runs: %w", loadErr)
	}

	type pendingRun struct {
		id    string
		ended bool
	}

	r.mu.Lock()
	merged := 0
	for id, entry := range loaded {
		if _, exists := r.runs[id]; exists {
			continue
		}
		r.runs[id] = entry
		merged++
	}
	r.ensureSweeperLocked()

	var todo []pendingRun
	for id, entry := range r.runs {
		if r.resumed[id] {
			continue
		}
		r.resumed[id] = true
		if entry.CleanupCompletedAt > 0 {
			continue
		}
		todo = append(todo, pendingRun{id: id, ended: entry.EndedAt > 0})
	}
	r.mu.Unlock()

	r.logger.Info("subagent runs resumed", "loaded", len(loaded), "merged", merged, "redriven", len(todo))

	for _, run := range todo {
		if run.ended {
			r.startCleanup(run.id, ResumeAnnounceTimeout)
			continue
		}
		r.startWait(run.id, r.waitTimeout)
	}
	return loadErr
}
