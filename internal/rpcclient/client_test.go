// ABOUTME: Tests for the RPC client against an in-process WebSocket gateway.
// ABOUTME: Covers handshake, ExpectFinal, timeouts, close codes and target resolution.

package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway speaks just enough of the protocol for client tests.
type fakeGateway struct {
	token    string
	requests atomic.Int32
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	var params protocol.ConnectParams
	_ = json.Unmarshal(connect.Params, &params)

	if g.token != "" && (params.Auth == nil || params.Auth.Token != g.token) {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(connect.ID, protocol.Errorf(protocol.CodeUnauthorized, "bad token")))
		conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	version, err := protocol.Negotiate(params.MinProtocol, params.MaxProtocol, protocol.MinProtocol, protocol.MaxProtocol)
	if err != nil {
		_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(connect.ID, protocol.InvalidRequest("protocol mismatch")))
		conn.Close(websocket.StatusProtocolError, "protocol mismatch")
		return
	}
	_ = wsjson.Write(ctx, conn, protocol.EventFrame{Type: protocol.FrameEvent, Event: "connect.challenge"})
	hello, _ := protocol.NewResponse(connect.ID, protocol.HelloOK{Type: "hello-ok", Protocol: version, Server: protocol.ServerInfo{Version: "test", ConnID: "c1"}})
	_ = wsjson.Write(ctx, conn, hello)

	for {
		var req protocol.RequestFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		g.requests.Add(1)
		switch req.Method {
		case "echo":
			res := &protocol.ResponseFrame{Type: protocol.FrameResponse, ID: req.ID, OK: true, Payload: req.Params}
			_ = wsjson.Write(ctx, conn, res)
		case protocol.MethodAgent:
			var p protocol.AgentParams
			_ = json.Unmarshal(req.Params, &p)
			_ = wsjson.Write(ctx, conn, protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventAgent})
			ack, _ := protocol.NewResponse(req.ID, protocol.AgentAccepted{RunID: p.IdempotencyKey, Status: protocol.StatusAccepted})
			_ = wsjson.Write(ctx, conn, ack)
			final, _ := protocol.NewResponse(req.ID, protocol.AgentFinal{RunID: p.IdempotencyKey, Status: protocol.StatusOK, Summary: "done"})
			_ = wsjson.Write(ctx, conn, final)
		case "fail":
			_ = wsjson.Write(ctx, conn, protocol.NewErrorResponse(req.ID, protocol.InvalidRequest("nope")))
		case "bye":
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case "drop":
			conn.CloseNow()
			return
		case "hang":
			// never answer
		}
	}
}

func startGateway(t *testing.T, g *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func callOpts(url, method string, params any) CallOptions {
	return CallOptions{Method: method, Params: params, URL: url, Timeout: 2 * time.Second, Logger: testLogger()}
}

func TestCall_Echo(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	payload, err := Call(context.Background(), callOpts(url, "echo", map[string]string{"hello": "world"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(payload))
}

func TestCall_InjectsIdempotencyKey(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	opts := callOpts(url, "echo", map[string]string{"message": "hi"})
	opts.IdempotencyKey = "idem-1"
	payload, err := Call(context.Background(), opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"hi","idempotencyKey":"idem-1"}`, string(payload))

	opts = callOpts(url, "echo", map[string]string{"idempotencyKey": "mine"})
	opts.IdempotencyKey = "ignored"
	payload, err = Call(context.Background(), opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"idempotencyKey":"mine"}`, string(payload))
}

func TestCall_ExpectFinalSkipsAccepted(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	var events atomic.Int32
	opts := callOpts(url, protocol.MethodAgent, protocol.AgentParams{Message: "hi", IdempotencyKey: "run-1"})
	opts.ExpectFinal = true
	opts.OnEvent = func(protocol.EventFrame) { events.Add(1) }

	var final protocol.AgentFinal
	require.NoError(t, CallInto(context.Background(), opts, &final))
	assert.Equal(t, protocol.StatusOK, final.Status)
	assert.Equal(t, "run-1", final.RunID)
	assert.Equal(t, int32(1), events.Load())

	opts.ExpectFinal = false
	var ack protocol.AgentAccepted
	require.NoError(t, CallInto(context.Background(), opts, &ack))
	assert.Equal(t, protocol.StatusAccepted, ack.Status)
}

func TestCall_RemoteError(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	_, err := Call(context.Background(), callOpts(url, "fail", nil))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeInvalidRequest, remote.Code())

	var shape *protocol.ErrorShape
	assert.ErrorAs(t, err, &shape)
}

func TestCall_Timeout(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	opts := callOpts(url, "hang", nil)
	opts.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := Call(context.Background(), opts)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, err.Error(), "gateway timeout after 100ms")
	assert.Contains(t, err.Error(), "Gateway target: "+url)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCall_NormalClose(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	_, err := Call(context.Background(), callOpts(url, "bye", nil))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1000, ce.Code)
	assert.Contains(t, err.Error(), "gateway closed (1000 normal closure): bye")
	assert.Contains(t, err.Error(), "Source: cli --url")
}

func TestCall_AbnormalClose(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	_, err := Call(context.Background(), callOpts(url, "drop", nil))
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1006, ce.Code)
	assert.Contains(t, err.Error(), "1006 abnormal closure (no close frame)")
}

func TestCall_Unauthorized(t *testing.T) {
	url := startGateway(t, &fakeGateway{token: "s3cret"})

	_, err := Call(context.Background(), callOpts(url, "echo", nil))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeUnauthorized, remote.Code())
	assert.Equal(t, protocol.MethodConnect, remote.Method)

	opts := callOpts(url, "echo", map[string]int{"n": 1})
	opts.Token = "s3cret"
	_, err = Call(context.Background(), opts)
	assert.NoError(t, err)
}

func TestCall_ProtocolMismatch(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	opts := callOpts(url, "echo", nil)
	opts.MinProtocol, opts.MaxProtocol = 9, 10
	_, err := Call(context.Background(), opts)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Error(), "protocol mismatch")
}

func TestCall_RemoteMisconfiguredFailsBeforeDial(t *testing.T) {
	g := &fakeGateway{}
	startGateway(t, g)

	_, err := Call(context.Background(), CallOptions{
		Method:   "echo",
		Settings: Settings{Mode: ModeRemote, ConfigPath: "/etc/agentrun.yaml"},
	})
	require.ErrorIs(t, err, ErrRemoteMisconfigured)
	assert.Contains(t, err.Error(), "/etc/agentrun.yaml")
	assert.Zero(t, g.requests.Load())
}

func TestClient_RequestsShareConnection(t *testing.T) {
	g := &fakeGateway{}
	url := startGateway(t, g)

	c, err := Dial(context.Background(), Options{URL: url, Logger: testLogger()})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, protocol.MaxProtocol, c.Hello().Protocol)

	for i := 0; i < 3; i++ {
		payload, err := c.Request(context.Background(), "echo", map[string]int{"i": i})
		require.NoError(t, err)
		var got map[string]int
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, i, got["i"])
	}
	assert.Equal(t, int32(3), g.requests.Load())
}

func TestClient_PendingSettledOnceByClose(t *testing.T) {
	url := startGateway(t, &fakeGateway{})

	var closes atomic.Int32
	c, err := Dial(context.Background(), Options{URL: url, Logger: testLogger(), OnClose: func(error) { closes.Add(1) }})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = c.Request(context.Background(), "drop", nil)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)

	select {
	case err := <-errCh:
		assert.ErrorAs(t, err, &ce)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not settled by close")
	}

	_ = c.Close()
	assert.Equal(t, int32(1), closes.Load())

	_, err = c.Request(context.Background(), "echo", nil)
	assert.Error(t, err)
}

func TestResolveTarget(t *testing.T) {
	local, err := ResolveTarget("", Settings{Port: 9000, LocalToken: "lt"})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/ws", local.URL)
	assert.Equal(t, "local loopback", local.Source)
	assert.Equal(t, "lt", local.Token)

	def, err := ResolveTarget("", Settings{})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:18789/ws", def.URL)

	remote, err := ResolveTarget("", Settings{Mode: ModeRemote, RemoteURL: "wss://gw.example", RemoteToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "config gateway.remote.url", remote.Source)
	assert.Equal(t, "rt", remote.Token)

	override, err := ResolveTarget("ws://other/ws", Settings{Mode: ModeRemote})
	require.NoError(t, err)
	assert.Equal(t, "cli --url", override.Source)

	_, err = ResolveTarget("", Settings{Mode: ModeRemote})
	assert.True(t, errors.Is(err, ErrRemoteMisconfigured))
}

func TestConnectionDetails(t *testing.T) {
	details := ConnectionDetails(Target{URL: "ws://127.0.0.1:1/ws", Source: "local loopback"}, Settings{ConfigPath: "/c.yaml", Bind: "tailnet"})
	assert.Equal(t, "Gateway target: ws://127.0.0.1:1/ws\nSource: local loopback\nConfig: /c.yaml\nBind: tailnet", details)
}

func TestDescribeCloseCode(t *testing.T) {
	assert.Equal(t, "normal closure", DescribeCloseCode(1000))
	assert.Equal(t, "abnormal closure (no close frame)", DescribeCloseCode(1006))
	assert.Equal(t, "", DescribeCloseCode(4000))
	assert.Equal(t, "gateway closed (4000): custom", (&CloseError{Code: 4000, Reason: "custom"}).Error())
}
