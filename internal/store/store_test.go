// ABOUTME: Tests for the run store backends
// ABOUTME: Covers JSON round-trips, version 1 migration, atomic rewrites and the SQLite backend

package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRuns() map[string]*RunEntry {
	return map[string]*RunEntry{
		"run-1": {
			RunID:               "run-1",
			ChildSessionKey:     "agent:main:subagent:aaa",
			RequesterSessionKey: "agent:main:main",
			RequesterOrigin: &protocol.DeliveryContext{
				Channel:   "telegram",
				To:        "chat-42",
				AccountID: "acct-1",
				ThreadID:  "99",
			},
			Task:        "summarise the logs",
			Cleanup:     CleanupDelete,
			Label:       "logs",
			CreatedAt:   1_700_000_000_000,
			StartedAt:   1_700_000_000_500,
			EndedAt:     1_700_000_009_000,
			ArchiveAtMs: 1_700_003_600_000,
			Outcome:     &Outcome{Status: OutcomeError, Error: "boom"},
		},
		"run-2": {
			RunID:               "run-2",
			ChildSessionKey:     "agent:ops:subagent:bbb",
			RequesterSessionKey: "agent:ops:main",
			Task:                "check disk",
			Cleanup:             CleanupKeep,
			CreatedAt:           1_700_000_001_000,
			CleanupHandled:      true,
			CleanupCompletedAt:  1_700_000_020_000,
			Outcome:             &Outcome{Status: OutcomeOK},
		},
	}
}

func TestJSONFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewJSONFileStore(filepath.Join(t.TempDir(), "subagents", "runs.json"), testLogger())

	runs, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestJSONFileStore_RoundTrip(t *testing.T) {
	path := DefaultRunsPath(t.TempDir())
	s := NewJSONFileStore(path, testLogger())
	ctx := context.Background()

	want := sampleRuns()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var doc struct {
		Version int `json:"version"`
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, CurrentVersion, doc.Version)
}

func TestJSONFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewJSONFileStore(filepath.Join(dir, RunsFileName), testLogger())

	require.NoError(t, s.Save(context.Background(), sampleRuns()))
	require.NoError(t, s.Save(context.Background(), map[string]*RunEntry{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RunsFileName, entries[0].Name())
}

func TestJSONFileStore_MigratesVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), RunsFileName)
	v1 := `{
		"version": 1,
		"runs": {
			"old-1": {
				"runId": "old-1",
				"childSessionKey": "agent:main:subagent:x",
				"requesterSessionKey": "agent:main:main",
				"requesterChannel": "discord",
				"requesterAccountId": "bot-7",
				"task": "legacy task",
				"cleanup": "keep",
				"createdAt": 1000,
				"endedAt": 2000,
				"announceHandled": true,
				"announceCompletedAt": 3000
			},
			"old-2": {
				"childSessionKey": "agent:main:subagent:y",
				"requesterSessionKey": "agent:main:main",
				"task": "no origin",
				"cleanup": "delete",
				"createdAt": 1500
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o600))

	s := NewJSONFileStore(path, testLogger())
	runs, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	old1 := runs["old-1"]
	require.NotNil(t, old1.RequesterOrigin)
	assert.Equal(t, protocol.DeliveryContext{Channel: "discord", AccountID: "bot-7"}, *old1.RequesterOrigin)
	assert.True(t, old1.CleanupHandled)
	assert.Equal(t, int64(3000), old1.CleanupCompletedAt)
	assert.Equal(t, int64(2000), old1.EndedAt)

	old2 := runs["old-2"]
	assert.Equal(t, "old-2", old2.RunID)
	assert.Nil(t, old2.RequesterOrigin)
	assert.False(t, old2.CleanupHandled)

	// The file is rewritten as the current version without legacy keys.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, "2", string(doc["version"]))
	assert.NotContains(t, string(data), "requesterChannel")
	assert.NotContains(t, string(data), "announceHandled")

	again, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runs, again)
}

func TestJSONFileStore_MigrationKeepsRunsWhenRewriteFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subagents", RunsFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	v1 := `{"version":1,"runs":{"old":{"runId":"old","childSessionKey":"agent:main:subagent:x","requesterSessionKey":"agent:main:main","task":"pending announce","cleanup":"keep","createdAt":1000,"endedAt":2000}}}`
	require.NoError(t, os.WriteFile(path, []byte(v1), 0o600))

	createTemp = func(string, string) (*os.File, error) {
		return nil, os.ErrPermission
	}
	t.Cleanup(func() { createTemp = os.CreateTemp })

	s := NewJSONFileStore(path, testLogger())
	runs, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, runs, "old")
	assert.Equal(t, "pending announce", runs["old"].Task)
	assert.Equal(t, int64(2000), runs["old"].EndedAt)

	// The legacy file is untouched and a later save still fails loudly.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, v1, string(data))
	assert.ErrorIs(t, s.Save(context.Background(), runs), os.ErrPermission)

	// Once writes work again the next save carries the migrated runs forward.
	createTemp = os.CreateTemp
	runs["new"] = &RunEntry{RunID: "new", ChildSessionKey: "agent:main:subagent:y", RequesterSessionKey: "agent:main:main"}
	require.NoError(t, s.Save(context.Background(), runs))
	again, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, again, "old")
	assert.Contains(t, again, "new")
}

func TestJSONFileStore_UnknownVersionIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), RunsFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"runs":{"x":{}}}`), 0o600))

	runs, err := NewJSONFileStore(path, testLogger()).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestJSONFileStore_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), RunsFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := NewJSONFileStore(path, testLogger()).Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", RunsDBName), testLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	want := sampleRuns()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	delete(want, "run-1")
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestSQLiteStore_ImportFrom(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore(sampleRuns())

	s, err := NewSQLiteStore(":memory:", testLogger())
	require.NoError(t, err)
	defer s.Close()

	n, err := s.ImportFrom(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second import is skipped because the store is no longer empty.
	n, err = s.ImportFrom(ctx, NewMemoryStore(map[string]*RunEntry{"other": {RunID: "other"}}))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleRuns(), got)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	js, err := Open(ctx, "", dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, js.Save(ctx, sampleRuns()))
	assert.IsType(t, &JSONFileStore{}, js)

	sq, err := Open(ctx, BackendSQLite, dir, testLogger())
	require.NoError(t, err)
	defer sq.Close()
	got, err := sq.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2, "existing runs.json is imported")

	_, err = Open(ctx, "etcd", dir, testLogger())
	assert.Error(t, err)
}

func TestRunEntry_Clone(t *testing.T) {
	orig := sampleRuns()["run-1"]
	c := orig.Clone()
	c.RequesterOrigin.Channel = "slack"
	c.Outcome.Error = "changed"

	assert.Equal(t, "telegram", orig.RequesterOrigin.Channel)
	assert.Equal(t, "boom", orig.Outcome.Error)
	assert.Nil(t, (*RunEntry)(nil).Clone())
}

func TestParseCleanupMode(t *testing.T) {
	assert.Equal(t, CleanupDelete, ParseCleanupMode("delete"))
	assert.Equal(t, CleanupKeep, ParseCleanupMode("keep"))
	assert.Equal(t, CleanupKeep, ParseCleanupMode(""))
}
