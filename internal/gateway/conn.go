// ABOUTME: WebSocket connection handling: connect handshake, request loop and event delivery
// ABOUTME: Each request is dispatched on its own goroutine so agent.wait never blocks the reader

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/auth"
	"github.com/2389/agentrun-gateway/internal/protocol"
)

// Connection limits advertised in hello-ok.
const (
	MaxPayload       = 25 << 20
	TickInterval     = 30 * time.Second
	HandshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// wsConn is one authenticated client connection.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	auth   *auth.AuthContext
	events chan protocol.EventFrame
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// write sends one frame. websocket.Conn allows concurrent writers.
func (c *wsConn) write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// enqueue hands an event to the writer without blocking. Events for slow
// clients are dropped.
func (c *wsConn) enqueue(ev protocol.EventFrame) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("dropping event for slow client", "event", ev.Event, "seq", ev.Seq)
	}
}

// handleWS upgrades the request and serves the connection until it closes.
// Protocol flow:
// 1. Client sends a connect request
// 2. Server negotiates the version, authenticates and answers hello-ok
// 3. Client sends requests; server answers and pushes events
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxPayload)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c, ok := g.handshake(ctx, conn)
	if !ok {
		return
	}
	c.cancel = cancel

	g.addConn(c)
	defer g.removeConn(c)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pump(ctx)
	}()

	g.serveRequests(ctx, c)
	cancel()
	c.wg.Wait()
}

func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (*wsConn, bool) {
	hsCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	var req protocol.RequestFrame
	if err := wsjson.Read(hsCtx, conn, &req); err != nil {
		g.logger.Debug("handshake read failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		return nil, false
	}

	reject := func(shape *protocol.ErrorShape, code websocket.StatusCode) (*wsConn, bool) {
		_ = wsjson.Write(hsCtx, conn, protocol.NewErrorResponse(req.ID, shape))
		conn.Close(code, closeReason(shape.Message))
		return nil, false
	}

	if req.Type != protocol.FrameRequest || req.Method != protocol.MethodConnect {
		return reject(protocol.InvalidRequest("first request must be connect"), websocket.StatusProtocolError)
	}

	var params protocol.ConnectParams
	if shape := protocol.DecodeParams(protocol.MethodConnect, req.Params, &params); shape != nil {
		return reject(shape, websocket.StatusProtocolError)
	}

	version, err := protocol.Negotiate(params.MinProtocol, params.MaxProtocol, protocol.MinProtocol, protocol.MaxProtocol)
	if err != nil {
		g.logger.Info("rejecting client", "client_id", params.Client.ID, "reason", err)
		return reject(protocol.InvalidRequest("protocol mismatch: %v", err), websocket.StatusProtocolError)
	}

	authCtx, err := g.authn.Authenticate(params.Auth, params.Client, params.Role)
	if err != nil {
		g.logger.Info("rejecting client", "client_id", params.Client.ID, "reason", err)
		return reject(protocol.Errorf(protocol.CodeUnauthorized, "unauthorized"), websocket.StatusPolicyViolation)
	}

	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		auth:   authCtx,
		events: make(chan protocol.EventFrame, eventBufferSize),
	}
	c.logger = g.logger.With("conn_id", c.id, "client_id", params.Client.ID)

	hello, err := protocol.NewResponse(req.ID, protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: version,
		Server:   protocol.ServerInfo{Version: Version, ConnID: c.id},
		Features: protocol.Features{
			Methods: g.router.Methods(),
			Events:  []string{protocol.EventAgent, protocol.EventTick},
		},
		Policy: protocol.Policy{
			MaxPayload:     MaxPayload,
			TickIntervalMs: TickInterval.Milliseconds(),
		},
	})
	if err != nil {
		return reject(protocol.AsErrorShape(err), websocket.StatusInternalError)
	}
	if err := wsjson.Write(hsCtx, conn, hello); err != nil {
		g.logger.Debug("writing hello-ok failed", "error", err)
		return nil, false
	}

	c.logger.Info("client connected", "protocol", version, "role", authCtx.Role, "auth", authCtx.Method)
	return c, true
}

// closeReason trims msg to fit a close frame.
func closeReason(msg string) string {
	const maxReason = 120
	if len(msg) > maxReason {
		return msg[:maxReason]
	}
	return msg
}

func (g *Gateway) serveRequests(ctx context.Context, c *wsConn) {
	reqCtx := auth.WithAuth(ctx, c.auth)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				c.logger.Info("client disconnected")
			} else {
				c.logger.Debug("client read ended", "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil || req.Type != protocol.FrameRequest || req.ID == "" {
			c.logger.Warn("ignoring malformed frame")
			continue
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			g.router.Dispatch(reqCtx, &req, func(res *protocol.ResponseFrame) {
				if err := c.write(ctx, res); err != nil {
					c.logger.Debug("writing response failed", "id", res.ID, "error", err)
				}
			})
		}()
	}
}

// pump writes queued events and periodic ticks until ctx ends.
func (c *wsConn) pump(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			if err := c.write(ctx, ev); err != nil {
				c.logger.Debug("writing event failed", "error", err)
			}
		case t := <-ticker.C:
			payload, _ := json.Marshal(map[string]int64{"ts": t.UnixMilli()})
			if err := c.write(ctx, protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventTick, Payload: payload}); err != nil {
				c.logger.Debug("writing tick failed", "error", err)
			}
		}
	}
}

func (g *Gateway) addConn(c *wsConn) {
	g.connsMu.Lock()
	g.conns[c.id] = c
	g.connsMu.Unlock()
}

func (g *Gateway) removeConn(c *wsConn) {
	g.connsMu.Lock()
	delete(g.conns, c.id)
	g.connsMu.Unlock()
}

// closeConnections tells every client the gateway is going away.
func (g *Gateway) closeConnections() {
	g.connsMu.RLock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.RUnlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "gateway shutting down")
		c.cancel()
	}
}
