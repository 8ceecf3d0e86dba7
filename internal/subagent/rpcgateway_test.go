// ABOUTME: Tests for the RPC-backed gateway port against an in-process WebSocket server
// ABOUTME: Checks the method names and params the registry sends

package subagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

type recordingServer struct {
	mu       sync.Mutex
	requests []protocol.RequestFrame
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	var connect protocol.RequestFrame
	if err := wsjson.Read(ctx, conn, &connect); err != nil {
		return
	}
	hello, _ := protocol.NewResponse(connect.ID, protocol.HelloOK{Type: "hello-ok", Protocol: protocol.MaxProtocol})
	_ = wsjson.Write(ctx, conn, hello)

	for {
		var req protocol.RequestFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		var payload any
		switch req.Method {
		case protocol.MethodAgentWait:
			var p protocol.AgentWaitParams
			_ = json.Unmarshal(req.Params, &p)
			payload = protocol.AgentWaitResult{RunID: p.RunID, Status: protocol.StatusError, Error: "boom", EndedAt: 42}
		case protocol.MethodAgent:
			var p protocol.AgentParams
			_ = json.Unmarshal(req.Params, &p)
			payload = protocol.AgentAccepted{RunID: p.IdempotencyKey, Status: protocol.StatusAccepted}
		case protocol.MethodSessionsDelete:
			payload = protocol.SessionsDeleteResult{OK: true, Deleted: true}
		}
		res, _ := protocol.NewResponse(req.ID, payload)
		_ = wsjson.Write(ctx, conn, res)
	}
}

func (s *recordingServer) last() protocol.RequestFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func startRecordingServer(t *testing.T) (*recordingServer, *RPCGateway) {
	t.Helper()
	s := &recordingServer{}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, &RPCGateway{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Logger: testLogger()}
}

func TestRPCGatewayWaitForRun(t *testing.T) {
	srv, gw := startRecordingServer(t)

	res, err := gw.WaitForRun(context.Background(), "run-9", 250*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, "boom", res.Error)

	req := srv.last()
	assert.Equal(t, protocol.MethodAgentWait, req.Method)
	var p protocol.AgentWaitParams
	require.NoError(t, json.Unmarshal(req.Params, &p))
	require.NotNil(t, p.TimeoutMs)
	assert.Equal(t, int64(250), *p.TimeoutMs)
}

func TestRPCGatewayAgentAndDelete(t *testing.T) {
	srv, gw := startRecordingServer(t)

	acc, err := gw.Agent(context.Background(), protocol.AgentParams{Message: "hi", SessionKey: "agent:main:main"}, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, acc.RunID, "idempotency key is generated and echoed as runId")

	require.NoError(t, gw.DeleteSession(context.Background(), "agent:main:subagent:x", true, time.Second))
	req := srv.last()
	assert.Equal(t, protocol.MethodSessionsDelete, req.Method)
	var p protocol.SessionsDeleteParams
	require.NoError(t, json.Unmarshal(req.Params, &p))
	assert.Equal(t, "agent:main:subagent:x", p.Key)
	require.NotNil(t, p.DeleteTranscript)
	assert.True(t, *p.DeleteTranscript)
}

func TestRPCGatewayUnreachable(t *testing.T) {
	gw := &RPCGateway{URL: "ws://127.0.0.1:1/ws", Logger: testLogger()}
	err := gw.DeleteSession(context.Background(), "k", true, 200*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deleting session k")
}
