// ABOUTME: End-to-end tests for the gateway over a real WebSocket connection
// ABOUTME: Drives the server with the rpcclient package against an httptest listener

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentrun-gateway/internal/agent"
	"github.com/2389/agentrun-gateway/internal/config"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/rpcclient"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a config rooted in a temp state dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Metrics.Enabled = true
	cfg.Agents.List = []config.AgentConfig{{ID: "main", Name: "Main", Emoji: "🤖"}}
	return cfg
}

// recordingRunner remembers every request it ran.
type recordingRunner struct {
	mu   sync.Mutex
	reqs []agent.Request
}

func (r *recordingRunner) Run(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, *req)
	r.mu.Unlock()
	return &agent.Result{Summary: "done"}, nil
}

func (r *recordingRunner) requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.reqs...)
}

type testServer struct {
	gw      *Gateway
	wsURL   string
	httpURL string
}

func startTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *testServer {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	gw.Start(context.Background())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{
		gw:      gw,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		httpURL: srv.URL,
	}
}

func (s *testServer) call(t *testing.T, method string, params any, extra ...func(*rpcclient.CallOptions)) (json.RawMessage, error) {
	t.Helper()
	opts := rpcclient.CallOptions{
		URL:     s.wsURL,
		Method:  method,
		Params:  params,
		Timeout: 5 * time.Second,
		Logger:  testLogger(),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	return rpcclient.Call(context.Background(), opts)
}

func expectFinal(o *rpcclient.CallOptions) { o.ExpectFinal = true }

func remoteCode(t *testing.T, err error) string {
	t.Helper()
	var remote *rpcclient.RemoteError
	require.True(t, errors.As(err, &remote), "expected RemoteError, got %v", err)
	return remote.Code()
}

func TestAgentRoundTrip(t *testing.T) {
	runner := &recordingRunner{}
	s := startTestGateway(t, testConfig(t), WithRunner(runner))

	payload, err := s.call(t, protocol.MethodAgent, protocol.AgentParams{Message: "hello", IdempotencyKey: "run-1"}, expectFinal)
	require.NoError(t, err)

	var final protocol.AgentFinal
	require.NoError(t, json.Unmarshal(payload, &final))
	assert.Equal(t, "run-1", final.RunID)
	assert.Equal(t, protocol.StatusOK, final.Status)
	assert.Equal(t, "done", final.Summary)

	reqs := runner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "agent:main:main", reqs[0].SessionKey)

	payload, err = s.call(t, protocol.MethodAgentWait, protocol.AgentWaitParams{RunID: "run-1"})
	require.NoError(t, err)
	var waited protocol.AgentWaitResult
	require.NoError(t, json.Unmarshal(payload, &waited))
	assert.Equal(t, protocol.StatusOK, waited.Status)
}

func TestAgentAckWithoutExpectFinal(t *testing.T) {
	s := startTestGateway(t, testConfig(t), WithRunner(&recordingRunner{}))

	payload, err := s.call(t, protocol.MethodAgent, protocol.AgentParams{Message: "hello", IdempotencyKey: "run-ack"})
	require.NoError(t, err)

	var ack protocol.AgentAccepted
	require.NoError(t, json.Unmarshal(payload, &ack))
	assert.Equal(t, "run-ack", ack.RunID)
	assert.Equal(t, protocol.StatusAccepted, ack.Status)
}

func TestAgentValidationError(t *testing.T) {
	s := startTestGateway(t, testConfig(t))

	_, err := s.call(t, protocol.MethodAgent, protocol.AgentParams{Message: "hi", AgentID: "ghost", IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidRequest, remoteCode(t, err))
}

func TestUnknownMethod(t *testing.T) {
	s := startTestGateway(t, testConfig(t))

	_, err := s.call(t, "bogus.method", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeMethodNotFound, remoteCode(t, err))
}

func TestHandshakeAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = "s3cret"
	s := startTestGateway(t, cfg)

	_, err := s.call(t, protocol.MethodHealth, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, remoteCode(t, err))

	_, err = s.call(t, protocol.MethodHealth, nil, func(o *rpcclient.CallOptions) { o.Token = "s3cret" })
	require.NoError(t, err)
}

func TestHandshakeProtocolMismatch(t *testing.T) {
	s := startTestGateway(t, testConfig(t))

	_, err := s.call(t, protocol.MethodHealth, nil, func(o *rpcclient.CallOptions) {
		o.MinProtocol = protocol.MaxProtocol + 1
		o.MaxProtocol = protocol.MaxProtocol + 2
	})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidRequest, remoteCode(t, err))
}

func TestHealthMethod(t *testing.T) {
	s := startTestGateway(t, testConfig(t))

	payload, err := s.call(t, protocol.MethodHealth, nil)
	require.NoError(t, err)

	var health HealthResult
	require.NoError(t, json.Unmarshal(payload, &health))
	assert.True(t, health.OK)
	assert.True(t, health.Ready)
	assert.Equal(t, 0, health.TrackedRuns)
	assert.NotEmpty(t, health.Lanes)
	assert.Equal(t, 1, health.Connections)
}

func TestSpawnAnnouncesAndDeletes(t *testing.T) {
	runner := &recordingRunner{}
	s := startTestGateway(t, testConfig(t), WithRunner(runner))

	payload, err := s.call(t, protocol.MethodSessionsSpawn, protocol.SpawnParams{
		Task:                "summarise the logs",
		RequesterSessionKey: "agent:main:main",
		Cleanup:             "delete",
	})
	require.NoError(t, err)

	var spawned protocol.SpawnResult
	require.NoError(t, json.Unmarshal(payload, &spawned))
	assert.Equal(t, protocol.StatusAccepted, spawned.Status)
	assert.True(t, strings.HasPrefix(spawned.ChildSessionKey, "agent:main:subagent:"))

	require.Eventually(t, func() bool {
		for _, req := range runner.requests() {
			if req.SessionKey == "agent:main:main" && strings.Contains(req.Message, `"summarise the logs" just completed successfully`) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "requester never received the announcement")

	require.Eventually(t, func() bool {
		return s.gw.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond, "delete cleanup should drop the run")
}

func TestSpawnFromSubagentIsRejected(t *testing.T) {
	s := startTestGateway(t, testConfig(t), WithRunner(&recordingRunner{}))

	_, err := s.call(t, protocol.MethodSessionsSpawn, protocol.SpawnParams{
		Task:                "recurse",
		RequesterSessionKey: "agent:main:subagent:abc",
	})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidRequest, remoteCode(t, err))
}

func TestSubagentsListAndHTTPAPI(t *testing.T) {
	s := startTestGateway(t, testConfig(t), WithRunner(&recordingRunner{}))

	_, err := s.call(t, protocol.MethodSessionsSpawn, protocol.SpawnParams{
		Task:                "keep me",
		Label:               "keeper",
		RequesterSessionKey: "agent:main:main",
		Cleanup:             "keep",
	})
	require.NoError(t, err)

	payload, err := s.call(t, protocol.MethodSubagentsList, protocol.SubagentsListParams{RequesterSessionKey: "agent:main:main"})
	require.NoError(t, err)
	var list SubagentsListResult
	require.NoError(t, json.Unmarshal(payload, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "keeper", list.Runs[0].Label)

	resp, err := http.Get(s.httpURL + "/api/subagents?requester=agent:main:other")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered SubagentsListResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&filtered))
	assert.Empty(t, filtered.Runs)
}

func TestSessionsDelete(t *testing.T) {
	// The default transcript runner records the message in the session store.
	s := startTestGateway(t, testConfig(t))

	_, err := s.call(t, protocol.MethodAgent, protocol.AgentParams{Message: "remember me", SessionKey: "agent:main:scratch", IdempotencyKey: "d-1"}, expectFinal)
	require.NoError(t, err)

	payload, err := s.call(t, protocol.MethodSessionsDelete, protocol.SessionsDeleteParams{Key: "agent:main:scratch"})
	require.NoError(t, err)
	var res protocol.SessionsDeleteResult
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.True(t, res.OK)
	assert.True(t, res.Deleted)

	payload, err = s.call(t, protocol.MethodSessionsDelete, protocol.SessionsDeleteParams{Key: "agent:main:scratch"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.False(t, res.Deleted)
}

func TestAgentEventsAreBroadcast(t *testing.T) {
	s := startTestGateway(t, testConfig(t), WithRunner(&recordingRunner{}))

	var (
		mu     sync.Mutex
		phases []string
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := rpcclient.Dial(ctx, rpcclient.Options{
		URL:    s.wsURL,
		Logger: testLogger(),
		OnEvent: func(ev protocol.EventFrame) {
			if ev.Event != protocol.EventAgent {
				return
			}
			var payload protocol.AgentEvent
			if json.Unmarshal(ev.Payload, &payload) == nil && payload.RunID == "ev-1" {
				mu.Lock()
				phases = append(phases, payload.Data.Phase)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(ctx, protocol.MethodAgent, protocol.AgentParams{Message: "hi", IdempotencyKey: "ev-1"}, rpcclient.ExpectFinal())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{protocol.PhaseStart, protocol.PhaseEnd}, phases)
	mu.Unlock()
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	s := startTestGateway(t, testConfig(t), WithRunner(&recordingRunner{}))

	_, err := s.call(t, protocol.MethodAgent, protocol.AgentParams{Message: "tick", IdempotencyKey: "m-1"}, expectFinal)
	require.NoError(t, err)

	for path, want := range map[string]string{
		"/health":       "OK",
		"/health/ready": "ready (0 runs tracked)",
		"/metrics":      "agentrun_lane_jobs_total",
	} {
		resp, err := http.Get(s.httpURL + path)
		require.NoError(t, err, path)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestReadyBeforeStart(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPAPIRequiresAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = "s3cret"
	s := startTestGateway(t, cfg)

	resp, err := http.Get(s.httpURL + "/api/lanes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.httpURL+"/api/lanes", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var lanesResp LanesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lanesResp))
	assert.NotEmpty(t, lanesResp.Lanes)
}
