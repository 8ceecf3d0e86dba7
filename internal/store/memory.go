// ABOUTME: In-memory RunStore for tests
// ABOUTME: Stores deep copies and can be told to fail saves

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory RunStore for testing.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]*RunEntry
	saves   int
	saveErr error
}

// NewMemoryStore creates a MemoryStore holding a copy of runs.
func NewMemoryStore(runs map[string]*RunEntry) *MemoryStore {
	if runs == nil {
		runs = map[string]*RunEntry{}
	}
	return &MemoryStore{runs: CloneRuns(runs)}
}

// Load returns a copy of the stored runs.
func (m *MemoryStore) Load(ctx context.Context) (map[string]*RunEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CloneRuns(m.runs), nil
}

// Save replaces the stored runs with a copy of runs.
func (m *MemoryStore) Save(ctx context.Context, runs map[string]*RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.runs = CloneRuns(runs)
	return nil
}

// FailSaves makes every later Save return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves returns how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Snapshot returns one stored entry.
func (m *MemoryStore) Snapshot(runID string) (*RunEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runs[runID]
	return e.Clone(), ok
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
