// ABOUTME: One-shot gateway call: resolve target, dial, request, tear down
// ABOUTME: Maps deadline expiry to TimeoutError and connection loss to CloseError

package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// DefaultCallTimeout applies when CallOptions.Timeout is zero.
const DefaultCallTimeout = 10 * time.Second

// CallOptions describes one gateway call.
type CallOptions struct {
	Method         string
	Params         any
	Timeout        time.Duration
	IdempotencyKey string
	ExpectFinal    bool

	// URL overrides target resolution. Token and Password override the
	// configured credentials.
	URL      string
	Token    string
	Password string

	Settings    Settings
	Client      protocol.ClientInfo
	MinProtocol int
	MaxProtocol int
	OnEvent     func(protocol.EventFrame)
	Logger      *slog.Logger
}

// Call performs a single request against the gateway and returns the
// response payload.
func Call(ctx context.Context, opts CallOptions) (json.RawMessage, error) {
	target, err := ResolveTarget(opts.URL, opts.Settings)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		target.Token = opts.Token
	}
	if opts.Password != "" {
		target.Password = opts.Password
	}
	details := ConnectionDetails(target, opts.Settings)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params, err := withIdempotencyKey(opts.Params, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, Options{
		URL:         target.URL,
		Token:       target.Token,
		Password:    target.Password,
		Client:      opts.Client,
		MinProtocol: opts.MinProtocol,
		MaxProtocol: opts.MaxProtocol,
		OnEvent:     opts.OnEvent,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, decorate(ctx, err, timeout, details)
	}

	var reqOpts []RequestOption
	if opts.ExpectFinal {
		reqOpts = append(reqOpts, ExpectFinal())
	}
	payload, err := client.Request(ctx, opts.Method, params, reqOpts...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			client.Abort()
		} else {
			_ = client.Close()
		}
		return nil, decorate(ctx, err, timeout, details)
	}
	_ = client.Close()
	return payload, nil
}

// CallInto performs Call and decodes the payload into out.
func CallInto(ctx context.Context, opts CallOptions, out any) error {
	payload, err := Call(ctx, opts)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", opts.Method, err)
	}
	return nil
}

func decorate(ctx context.Context, err error, timeout time.Duration, details string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Details: details}
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		ce.Details = details
		return ce
	}
	return fmt.Errorf("%w\n%s", err, details)
}

// withIdempotencyKey adds idempotencyKey to object params that lack one.
func withIdempotencyKey(params any, key string) (any, error) {
	if key == "" {
		return params, nil
	}
	m := map[string]any{}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("params must be a JSON object to carry an idempotency key: %w", err)
		}
	}
	if existing, ok := m["idempotencyKey"].(string); !ok || existing == "" {
		m["idempotencyKey"] = key
	}
	return m, nil
}
