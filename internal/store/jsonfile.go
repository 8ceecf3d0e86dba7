// ABOUTME: JSON file RunStore with atomic rewrites and version 1 migration
// ABOUTME: Owns <stateDir>/subagents/runs.json; assumes a single writing process

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// RunsFileName is the registry file name under the subagents directory.
const RunsFileName = "runs.json"

// DefaultRunsPath returns <stateDir>/subagents/runs.json.
func DefaultRunsPath(stateDir string) string {
	return filepath.Join(stateDir, "subagents", RunsFileName)
}

// JSONFileStore keeps the run map in one JSON document.
type JSONFileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewJSONFileStore creates a store for path. The file is not touched until
// the first Load or Save.
func NewJSONFileStore(path string, logger *slog.Logger) *JSONFileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONFileStore{
		path:   path,
		logger: logger.With("component", "store", "backend", "json"),
	}
}

// Path returns the file location.
func (s *JSONFileStore) Path() string {
	return s.path
}

// v1Entry holds the fields a version 1 document used before they were
// renamed or restructured.
type v1Entry struct {
	RunEntry
	RequesterChannel    string `json:"requesterChannel,omitempty"`
	RequesterAccountID  string `json:"requesterAccountId,omitempty"`
	AnnounceHandled     *bool  `json:"announceHandled,omitempty"`
	AnnounceCompletedAt int64  `json:"announceCompletedAt,omitempty"`
}

func (v v1Entry) migrate() *RunEntry {
	entry := v.RunEntry
	if entry.RequesterOrigin.IsZero() {
		origin := &protocol.DeliveryContext{Channel: v.RequesterChannel, AccountID: v.RequesterAccountID}
		if !origin.IsZero() {
			entry.RequesterOrigin = origin
		} else {
			entry.RequesterOrigin = nil
		}
	}
	if v.AnnounceHandled != nil {
		entry.CleanupHandled = *v.AnnounceHandled
	}
	if v.AnnounceCompletedAt != 0 {
		entry.CleanupCompletedAt = v.AnnounceCompletedAt
	}
	return &entry
}

// Load reads the run map. A missing file yields an empty map. Version 1
// documents are migrated and the file is rewritten as the current version.
func (s *JSONFileStore) Load(ctx context.Context) (map[string]*RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*RunEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading runs file: %w", err)
	}

	var head struct {
		Version int                        `json:"version"`
		Runs    map[string]json.RawMessage `json:"runs"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing runs file: %w", err)
	}

	runs := make(map[string]*RunEntry, len(head.Runs))
	switch head.Version {
	case CurrentVersion:
		for id, raw := range head.Runs {
			var entry RunEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				s.logger.Warn("skipping unreadable run entry", "run_id", id, "error", err)
				continue
			}
			if entry.RunID == "" {
				entry.RunID = id
			}
			runs[id] = &entry
		}
		return runs, nil

	case 1:
		for id, raw := range head.Runs {
			var legacy v1Entry
			if err := json.Unmarshal(raw, &legacy); err != nil {
				s.logger.Warn("skipping unreadable run entry", "run_id", id, "error", err)
				continue
			}
			entry := legacy.migrate()
			if entry.RunID == "" {
				entry.RunID = id
			}
			runs[id] = entry
		}
		// The rewrite is best effort; the next save writes the current version.
		if err := s.writeLocked(runs); err != nil {
			s.logger.Warn("rewriting migrated runs file failed", "path", s.path, "runs", len(runs), "error", err)
			return runs, nil
		}
		s.logger.Info("migrated runs file", "from_version", 1, "to_version", CurrentVersion, "runs", len(runs))
		return runs, nil

	default:
		s.logger.Warn("ignoring runs file with unknown version", "version", head.Version, "path", s.path)
		return runs, nil
	}
}

// createTemp is swapped in tests to make rewrites fail.
var createTemp = os.CreateTemp

// Save atomically replaces the file with runs.
func (s *JSONFileStore) Save(ctx context.Context, runs map[string]*RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(runs)
}

func (s *JSONFileStore) writeLocked(runs map[string]*RunEntry) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating runs directory: %w", err)
	}

	data, err := json.MarshalIndent(newDocument(runs), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding runs: %w", err)
	}
	data = append(data, '\n')

	tmp, err := createTemp(dir, "."+RunsFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp runs file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting runs file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing runs file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing runs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing runs file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing runs file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *JSONFileStore) Close() error {
	return nil
}
