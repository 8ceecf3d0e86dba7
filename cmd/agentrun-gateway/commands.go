// ABOUTME: Subcommands of agentrun-gateway
// ABOUTME: serve runs the gateway; call, health and runs talk to one over RPC

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/agentrun-gateway/internal/auth"
	"github.com/2389/agentrun-gateway/internal/config"
	"github.com/2389/agentrun-gateway/internal/gateway"
	"github.com/2389/agentrun-gateway/internal/protocol"
	"github.com/2389/agentrun-gateway/internal/rpcclient"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			printStartup(cmd.OutOrStdout(), cfg)
			logger := setupLogger(cfg.Logging)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

// rpcFlags are shared by every command that dials a gateway.
type rpcFlags struct {
	url      string
	token    string
	password string
	timeout  time.Duration
}

func (f *rpcFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "gateway WebSocket URL (overrides config)")
	cmd.Flags().StringVar(&f.token, "token", "", "auth token (overrides config)")
	cmd.Flags().StringVar(&f.password, "password", "", "auth password (overrides config)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "request timeout (default: rpc.call_timeout)")
}

func (f *rpcFlags) options(cfg *config.Config, method string, params any) rpcclient.CallOptions {
	timeout := f.timeout
	if timeout <= 0 {
		timeout = cfg.RPC.CallTimeout
	}
	return rpcclient.CallOptions{
		Method:   method,
		Params:   params,
		Timeout:  timeout,
		URL:      f.url,
		Token:    f.token,
		Password: f.password,
		Settings: cfg.RPCSettings(),
		Client:   cliClientInfo(),
	}
}

func cliClientInfo() protocol.ClientInfo {
	return protocol.ClientInfo{ID: "agentrun-cli", Version: version, Mode: "cli"}
}

func newCallCmd() *cobra.Command {
	var (
		flags          rpcFlags
		expectFinal    bool
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a gateway RPC method and print the JSON result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var params any
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = raw
			}

			opts := flags.options(cfg, args[0], params)
			opts.ExpectFinal = expectFinal
			opts.IdempotencyKey = idempotencyKey
			if opts.IdempotencyKey == "" && args[0] == protocol.MethodAgent {
				opts.IdempotencyKey = uuid.New().String()
			}
			if expectFinal && flags.timeout <= 0 {
				opts.Timeout = cfg.Subagents.WaitTimeout
			}

			payload, err := rpcclient.Call(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), payload)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&expectFinal, "expect-final", false, "wait past an accepted ack for the final response")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for agent calls (default: generated)")
	return cmd
}

func newHealthCmd() *cobra.Command {
	var (
		flags   rpcFlags
		useHTTP bool
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if useHTTP {
				return checkHTTPReady(cmd.Context(), cmd.OutOrStdout(), cfg)
			}

			var res gateway.HealthResult
			if err := rpcclient.CallInto(cmd.Context(), flags.options(cfg, protocol.MethodHealth, nil), &res); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if !res.OK {
				return errors.New("unhealthy")
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "healthy (server %s, up %s)\n", res.ServerID, (time.Duration(res.UptimeMs) * time.Millisecond).Round(time.Second))
			_, _ = fmt.Fprintf(out, "  tracked runs: %d\n  connections:  %d\n", res.TrackedRuns, res.Connections)
			for _, l := range res.Lanes {
				_, _ = fmt.Fprintf(out, "  lane %-10s active %d/%d queued %d\n", l.Lane, l.Active, l.MaxConcurrent, l.Queued)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&useHTTP, "http", false, "check the HTTP readiness endpoint instead of the RPC health method")
	return cmd
}

// checkHTTPReady checks /health/ready on the configured HTTP listener.
func checkHTTPReady(ctx context.Context, out io.Writer, cfg *config.Config) error {
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server.http_addr %q: %w", cfg.Server.HTTPAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/health/ready", net.JoinHostPort(host, port))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = fmt.Fprintln(out, strings.TrimSpace(string(body)))
	return nil
}

func newRunsCmd() *cobra.Command {
	var (
		flags     rpcFlags
		requester string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List tracked subagent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var params any
			if requester != "" {
				params = protocol.SubagentsListParams{RequesterSessionKey: requester}
			}

			payload, err := rpcclient.Call(cmd.Context(), flags.options(cfg, protocol.MethodSubagentsList, params))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), payload)
			}

			var res gateway.SubagentsListResult
			if err := json.Unmarshal(payload, &res); err != nil {
				return fmt.Errorf("decoding runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(res.Runs) == 0 {
				_, _ = fmt.Fprintln(out, "no tracked subagent runs")
				return nil
			}
			for _, r := range res.Runs {
				status := "running"
				if r.Outcome != nil {
					status = r.Outcome.Status
				}
				_, _ = fmt.Fprintf(out, "%s  %-8s  %s  %s\n", r.RunID, status, r.ChildSessionKey, r.Label)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&requester, "requester", "", "only runs spawned by this session key")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON result")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for auth.password_hash",
		Long:  "Hashes the given password, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password is empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newIssueTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a JWT for clients of a gateway in jwt auth mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			authn, err := auth.NewAuthenticator(auth.Settings{
				Mode:         cfg.Auth.Mode,
				Token:        cfg.Auth.Token,
				PasswordHash: cfg.Auth.PasswordHash,
				JWTSecret:    cfg.Auth.JWTSecret,
			})
			if err != nil {
				return err
			}
			token, err := authn.IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (sub claim)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	if len(payload) == 0 {
		_, _ = fmt.Fprintln(w, "null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return fmt.Errorf("formatting result: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
