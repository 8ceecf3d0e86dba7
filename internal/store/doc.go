// Package store persists the subagent run registry.
//
// # Backends
//
//   - JSONFileStore: a single JSON document at <stateDir>/subagents/runs.json,
//     rewritten in full on every save. Single writer only.
//   - SQLiteStore: one row per run in an embedded SQLite database
//     (modernc.org/sqlite, WAL mode). Safe for several processes reading
//     and writing the same state directory.
//   - MemoryStore: in-memory implementation for tests.
//
// # File format
//
// The JSON document carries an explicit version:
//
//	{"version": 2, "runs": {"<runId>": {...RunEntry...}}}
//
// Version 1 documents are migrated on load and immediately rewritten as
// version 2. A missing file is an empty registry.
package store
