// ABOUTME: Backend selection for the run store from configuration
// ABOUTME: "json" (default) or "sqlite"; sqlite imports an existing runs.json once

package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open returns the run store for backend rooted at stateDir.
func Open(ctx context.Context, backend, stateDir string, logger *slog.Logger) (RunStore, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONFileStore(DefaultRunsPath(stateDir), logger), nil
	case BackendSQLite:
		s, err := NewSQLiteStore(DefaultRunsDBPath(stateDir), logger)
		if err != nil {
			return nil, err
		}
		legacy := NewJSONFileStore(DefaultRunsPath(stateDir), logger)
		if _, err := s.ImportFrom(ctx, legacy); err != nil {
			s.Close()
			return nil, fmt.Errorf("importing %s: %w", legacy.Path(), err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown run store backend %q", backend)
	}
}
