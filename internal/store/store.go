// ABOUTME: RunStore interface and the RunEntry record persisted for each subagent run
// ABOUTME: Timestamps are Unix milliseconds; zero means not yet known

package store

import (
	"context"
	"errors"
	"maps"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// CurrentVersion is the on-disk schema version written by this build.
const CurrentVersion = 2

// CleanupMode says what happens to the child session after the announce.
type CleanupMode string

const (
	CleanupDelete CleanupMode = "delete"
	CleanupKeep   CleanupMode = "keep"
)

// ParseCleanupMode maps anything other than "delete" to keep.
func ParseCleanupMode(s string) CleanupMode {
	if s == string(CleanupDelete) {
		return CleanupDelete
	}
	return CleanupKeep
}

// Outcome statuses.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Outcome is the terminal result of a run.
type Outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RunEntry is the tracked record of one spawned subagent run.
type RunEntry struct {
	RunID               string                    `json:"runId"`
	ChildSessionKey     string                    `json:"childSessionKey"`
	RequesterSessionKey string                    `json:"requesterSessionKey"`
	RequesterDisplayKey string                    `json:"requesterDisplayKey,omitempty"`
	RequesterOrigin     *protocol.DeliveryContext `json:"requesterOrigin,omitempty"`
	Task                string                    `json:"task"`
	Cleanup             CleanupMode               `json:"cleanup"`
	Label               string                    `json:"label,omitempty"`
	CreatedAt           int64                     `json:"createdAt"`
	StartedAt           int64                     `json:"startedAt,omitempty"`
	EndedAt             int64                     `json:"endedAt,omitempty"`
	ArchiveAtMs         int64                     `json:"archiveAtMs,omitempty"`
	Outcome             *Outcome                  `json:"outcome,omitempty"`
	CleanupHandled      bool                      `json:"cleanupHandled,omitempty"`
	CleanupCompletedAt  int64                     `json:"cleanupCompletedAt,omitempty"`
}

// Clone returns a deep copy.
func (e *RunEntry) Clone() *RunEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.RequesterOrigin != nil {
		origin := *e.RequesterOrigin
		c.RequesterOrigin = &origin
	}
	if e.Outcome != nil {
		outcome := *e.Outcome
		c.Outcome = &outcome
	}
	return &c
}

// CloneRuns deep-copies a run map.
func CloneRuns(runs map[string]*RunEntry) map[string]*RunEntry {
	out := make(map[string]*RunEntry, len(runs))
	for id, entry := range runs {
		out[id] = entry.Clone()
	}
	return out
}

// RunStore loads and saves the whole run map. Save replaces everything
// previously stored.
type RunStore interface {
	Load(ctx context.Context) (map[string]*RunEntry, error)
	Save(ctx context.Context, runs map[string]*RunEntry) error
	Close() error
}

// runsDocument is the versioned on-disk shape.
type runsDocument struct {
	Version int                  `json:"version"`
	Runs    map[string]*RunEntry `json:"runs"`
}

func newDocument(runs map[string]*RunEntry) runsDocument {
	doc := runsDocument{Version: CurrentVersion, Runs: make(map[string]*RunEntry, len(runs))}
	maps.Copy(doc.Runs, runs)
	return doc
}
