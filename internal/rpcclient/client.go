// ABOUTME: Long-lived WebSocket RPC client with connect handshake and id-matched responses
// ABOUTME: Each pending request settles exactly once; a close after settlement is ignored

package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// Version is reported in the connect handshake.
var Version = "dev"

const defaultReadLimit = 25 << 20

// Options configures Dial.
type Options struct {
	URL         string
	Token       string
	Password    string
	Client      protocol.ClientInfo
	MinProtocol int
	MaxProtocol int

	// OnEvent receives server events. It runs on the read goroutine and must not block.
	OnEvent func(protocol.EventFrame)
	// OnClose is called once when the connection ends.
	OnClose func(error)

	Logger *slog.Logger
}

// Client is a connected, handshaken gateway connection.
type Client struct {
	conn    *websocket.Conn
	hello   protocol.HelloOK
	opts    Options
	logger  *slog.Logger
	cancel  context.CancelFunc
	readEnd chan struct{}

	mu       sync.Mutex
	pending  map[string]*pendingCall
	closed   bool
	closeErr error
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method      string
	expectFinal bool
	once        sync.Once
	ch          chan callResult
}

// settle resolves the call. Only the first settlement wins.
func (p *pendingCall) settle(r callResult) {
	p.once.Do(func() {
		p.ch <- r
	})
}

// Dial connects to opts.URL and performs the connect handshake.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rpcclient")
	if opts.MinProtocol == 0 {
		opts.MinProtocol = protocol.MinProtocol
	}
	if opts.MaxProtocol == 0 {
		opts.MaxProtocol = protocol.MaxProtocol
	}
	opts.Client = defaultClientInfo(opts.Client)

	conn, _, err := websocket.Dial(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)

	c := &Client{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]*pendingCall),
		readEnd: make(chan struct{}),
	}

	if err := c.handshake(ctx); err != nil {
		conn.CloseNow()
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(readCtx)

	logger.Debug("connected to gateway", "url", opts.URL, "protocol", c.hello.Protocol, "conn_id", c.hello.Server.ConnID)
	return c, nil
}

func defaultClientInfo(info protocol.ClientInfo) protocol.ClientInfo {
	if info.ID == "" {
		info.ID = "agentrun-cli"
	}
	if info.Version == "" {
		info.Version = Version
	}
	if info.Platform == "" {
		info.Platform = runtime.GOOS
	}
	if info.Mode == "" {
		info.Mode = "cli"
	}
	if info.InstanceID == "" {
		info.InstanceID = uuid.New().String()
	}
	return info
}

func (c *Client) handshake(ctx context.Context) error {
	params := protocol.ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client:      c.opts.Client,
		Role:        "operator",
	}
	if c.opts.Token != "" || c.opts.Password != "" {
		params.Auth = &protocol.AuthParams{Token: c.opts.Token, Password: c.opts.Password}
	}

	id := uuid.New().String()
	frame, err := protocol.NewRequest(id, protocol.MethodConnect, params)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return closeErrorFrom(err)
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return closeErrorFrom(err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decoding handshake frame: %w", err)
		}
		if env.Type != protocol.FrameResponse {
			// Events before hello-ok are not interesting.
			continue
		}
		var res protocol.ResponseFrame
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("decoding handshake response: %w", err)
		}
		if res.ID != id {
			continue
		}
		if !res.OK {
			shape := res.Error
			if shape == nil {
				shape = protocol.Errorf(protocol.CodeUnavailable, "connect rejected")
			}
			return &RemoteError{Method: protocol.MethodConnect, Shape: shape}
		}
		if err := json.Unmarshal(res.Payload, &c.hello); err != nil {
			return fmt.Errorf("decoding hello-ok: %w", err)
		}
		return nil
	}
}

// Hello returns the server's handshake response.
func (c *Client) Hello() protocol.HelloOK {
	return c.hello
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.readEnd)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			c.fail(closeErrorFrom(err))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.FrameResponse:
			var res protocol.ResponseFrame
			if err := json.Unmarshal(raw, &res); err != nil {
				c.logger.Warn("dropping undecodable response", "error", err)
				continue
			}
			c.dispatchResponse(&res)
		case protocol.FrameEvent:
			var ev protocol.EventFrame
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(ev)
			}
		}
	}
}

func (c *Client) dispatchResponse(res *protocol.ResponseFrame) {
	c.mu.Lock()
	p, ok := c.pending[res.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if p.expectFinal && res.OK && payloadStatus(res.Payload) == protocol.StatusAccepted {
		c.mu.Unlock()
		return
	}
	delete(c.pending, res.ID)
	c.mu.Unlock()

	if !res.OK {
		shape := res.Error
		if shape == nil {
			shape = protocol.Errorf(protocol.CodeUnavailable, "request failed")
		}
		p.settle(callResult{err: &RemoteError{Method: p.method, Shape: shape}})
		return
	}
	p.settle(callResult{payload: res.Payload})
}

func payloadStatus(payload json.RawMessage) string {
	var peek struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.Status
}

// fail settles every pending call with err and marks the client closed.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.settle(callResult{err: err})
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(err)
	}
}

// RequestOption tunes a single request.
type RequestOption func(*pendingCall)

// ExpectFinal skips interim responses whose payload status is "accepted".
func ExpectFinal() RequestOption {
	return func(p *pendingCall) { p.expectFinal = true }
}

// Request sends method with params and waits for its response.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	id := uuid.New().String()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{method: method, ch: make(chan callResult, 1)}
	for _, opt := range opts {
		opt(p)
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return nil, err
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		c.forget(id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, closeErrorFrom(err)
	}

	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close sends a normal closure and waits for the read loop to end.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.shutdown()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Abort drops the connection without a close handshake.
func (c *Client) Abort() {
	c.conn.CloseNow()
	c.shutdown()
}

func (c *Client) shutdown() {
	c.fail(ErrClientClosed)
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.readEnd:
	case <-time.After(time.Second):
	}
}
