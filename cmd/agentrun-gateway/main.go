// ABOUTME: Entry point for the agentrun-gateway binary
// ABOUTME: Cobra root command wiring serve, call, health, runs, hash-password and issue-token

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/agentrun-gateway/internal/config"
	"github.com/2389/agentrun-gateway/internal/gateway"
	"github.com/2389/agentrun-gateway/internal/rpcclient"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	gateway.Version = version
	rpcclient.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentrun-gateway",
		Short: "Agent run orchestration gateway",
		Long: `agentrun-gateway accepts agent runs over a WebSocket RPC protocol,
schedules them on concurrency-limited lanes and tracks spawned subagent
runs until their results are announced back to the requester.

Examples:
  agentrun-gateway serve
  agentrun-gateway call health
  agentrun-gateway call agent '{"message":"hi","agentId":"main"}' --expect-final
  agentrun-gateway runs --requester agent:main:main`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to the config file (default: $AGENTRUN_CONFIG, ./agentrun.yaml)")

	root.AddCommand(
		newServeCmd(),
		newCallCmd(),
		newHealthCmd(),
		newRunsCmd(),
		newHashPasswordCmd(),
		newIssueTokenCmd(),
	)
	return root
}

// loadConfig resolves and loads the config named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
