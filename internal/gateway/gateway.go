// ABOUTME: Gateway orchestrator wiring the agent handler, lanes, subagent registry and servers
// ABOUTME: Manages the WebSocket/HTTP listener, gRPC health server and tailnet node lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agentrun-gateway/internal/agent"
	"github.com/2389/agentrun-gateway/internal/auth"
	"github.com/2389/agentrun-gateway/internal/config"
	"github.com/2389/agentrun-gateway/internal/events"
	"github.com/2389/agentrun-gateway/internal/lanes"
	"github.com/2389/agentrun-gateway/internal/sessions"
	"github.com/2389/agentrun-gateway/internal/store"
	"github.com/2389/agentrun-gateway/internal/subagent"
)

// Version is reported in hello-ok.
var Version = "dev"

// Gateway owns every long-lived component of a running gateway.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	authn     *auth.Authenticator
	sessions  *sessions.Store
	runStore  store.RunStore
	lanes     *lanes.Scheduler
	bus       *events.Bus
	handler   *agent.Handler
	registry  *subagent.Registry
	spawner   *subagent.Spawner
	router    *Router
	metrics   *prometheus.Registry
	subagents subagent.Gateway

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server

	// serverID identifies this gateway instance
	serverID  string
	startedAt time.Time
	ready     atomic.Bool

	connsMu sync.RWMutex
	conns   map[string]*wsConn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises New.
type Option func(*options)

type options struct {
	runner  agent.Runner
	metrics *prometheus.Registry
}

// WithRunner replaces the default transcript runner.
func WithRunner(r agent.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithMetricsRegistry registers collectors on reg instead of a fresh registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// New creates a gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	authn, err := auth.NewAuthenticator(auth.Settings{
		Mode:         cfg.Auth.Mode,
		Token:        cfg.Auth.Token,
		PasswordHash: cfg.Auth.PasswordHash,
		JWTSecret:    cfg.Auth.JWTSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	sess, err := sessions.Open(sessions.DefaultPath(cfg.StateDir), logger)
	if err != nil {
		return nil, fmt.Errorf("opening sessions: %w", err)
	}

	runStore, err := store.Open(context.Background(), cfg.Subagents.Store, cfg.StateDir, logger)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	reg := o.metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	gw := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		authn:     authn,
		sessions:  sess,
		runStore:  runStore,
		metrics:   reg,
		serverID:  "agentrun-" + uuid.New().String()[:8],
		startedAt: time.Now(),
		conns:     make(map[string]*wsConn),
	}

	limits := lanes.DefaultConcurrency()
	maps.Copy(limits, cfg.LaneLimits())
	gw.lanes = lanes.New(limits, logger, lanes.WithMetrics(lanes.NewMetrics(reg)))
	gw.bus = events.NewBus(logger)

	runner := o.runner
	if runner == nil {
		runner = &agent.TranscriptRunner{Sessions: sess}
	}
	gw.handler = agent.NewHandler(agent.Options{
		Directory: agent.NewDirectory(cfg.Agents.Default, identities(cfg.Agents.List)),
		Runner:    runner,
		Lanes:     gw.lanes,
		Bus:       gw.bus,
		Logger:    logger,
	})

	gw.subagents = &LocalGateway{Handler: gw.handler, Sessions: sess}
	if cfg.Subagents.LoopbackRPC {
		gw.subagents = &subagent.RPCGateway{Settings: cfg.RPCSettings(), Logger: logger}
	}

	gw.registry = subagent.New(subagent.Options{
		Store:           runStore,
		Gateway:         gw.subagents,
		Announcer:       subagent.NewGatewayAnnouncer(gw.subagents, sess, logger),
		Bus:             gw.bus,
		ArchiveAfter:    cfg.Subagents.ArchiveAfter(),
		WaitTimeout:     cfg.Subagents.WaitTimeout,
		AnnounceTimeout: cfg.Subagents.AnnounceTimeout,
		Logger:          logger,
	})
	gw.spawner = &subagent.Spawner{
		Registry:       gw.registry,
		Gateway:        gw.subagents,
		DefaultAgentID: cfg.Agents.Default,
		Timeout:        cfg.RPC.CallTimeout,
		Logger:         logger,
	}

	gw.router = gw.newRouter()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.healthServer = newHealthGRPCServer()
	}

	return gw, nil
}

func identities(list []config.AgentConfig) []agent.Identity {
	out := make([]agent.Identity, 0, len(list))
	for _, a := range list {
		out = append(out, agent.Identity{ID: a.ID, Name: a.Name, Emoji: a.Emoji, Avatar: a.Avatar})
	}
	return out
}

// Handler returns the HTTP handler serving /ws, health, metrics and the API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", g.handleWS)

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.metrics, promhttp.HandlerOpts{Registry: g.metrics}))
	}

	requireAuth := auth.RequireHTTP(g.authn)
	mux.Handle("/api/subagents", requireAuth(http.HandlerFunc(g.handleListSubagents)))
	mux.Handle("/api/lanes", requireAuth(http.HandlerFunc(g.handleLanes)))
	return mux
}

// Start resumes persisted subagent runs and begins broadcasting agent
// events to connected clients. Run calls it; tests serving Handler
// directly call it themselves.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.broadcastEvents(ctx)
	}()

	if err := g.registry.Resume(ctx); err != nil {
		g.logger.Warn("resume finished with errors", "error", err)
	}
	g.ready.Store(true)
	if g.healthServer != nil {
		setServing(g.healthServer, true)
	}
	g.logger.Info("gateway ready", "server_id", g.serverID, "tracked_runs", g.registry.Len())
}

// setupTCPListeners creates standard TCP listeners for HTTP and, if configured, gRPC.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"bind", g.config.Server.Bind,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on the bind mode.
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Server.Bind == config.BindTailnet {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the HTTP and gRPC servers in goroutines, returning an error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpLn, grpcLn)
	g.Start(ctx)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	// The run context is already canceled, so shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupTailscaleListeners starts a tsnet node and listens on the tailnet.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := g.config.Tailscale
	if err := os.MkdirAll(tsCfg.StateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       tsCfg.StateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", tsCfg.StateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		_, port, splitErr := net.SplitHostPort(g.config.Server.GRPCAddr)
		if splitErr != nil {
			port = "50051"
		}
		grpcLn, err = g.tsnetServer.Listen("tcp", ":"+port)
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes client connections and releases
// every component in dependency order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.closeConnections()

	if g.grpcServer != nil {
		g.healthServer.Shutdown()
		shutdownGRPCServer(ctx, g.grpcServer)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if g.cancel != nil {
		g.cancel()
	}
	g.registry.Close()
	g.handler.Close()
	g.lanes.Close()
	g.bus.Close()
	g.wg.Wait()

	errs = appendCloseError(errs, "run store close", g.runStore.Close())
	errs = appendCloseError(errs, "sessions close", g.sessions.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
