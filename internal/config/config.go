// ABOUTME: Configuration loading and parsing for agentrun-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/agentrun-gateway/internal/rpcclient"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultPort                = 18789
	DefaultBind                = BindLoopback
	DefaultCallTimeout         = 10 * time.Second
	DefaultWaitTimeout         = 10 * time.Minute
	DefaultAnnounceTimeout     = 30 * time.Second
	DefaultArchiveAfterMinutes = 60
	DefaultMetricsPath         = "/metrics"
)

// Bind modes for the HTTP listener.
const (
	BindLoopback = "loopback"
	BindLAN      = "lan"
	BindTailnet  = "tailnet"
)

// Config represents the complete agentrun-gateway configuration
type Config struct {
	StateDir  string          `yaml:"state_dir" toml:"state_dir"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	RPC       RPCConfig       `yaml:"rpc" toml:"rpc"`
	Lanes     LanesConfig     `yaml:"lanes" toml:"lanes"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Subagents SubagentsConfig `yaml:"subagents" toml:"subagents"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`

	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-" toml:"-"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Port     int    `yaml:"port" toml:"port"`
	Bind     string `yaml:"bind" toml:"bind"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"` // overrides port/bind when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration used by bind: tailnet
type TailscaleConfig struct {
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds connect-handshake authentication configuration
type AuthConfig struct {
	Mode         string `yaml:"mode" toml:"mode"` // none | token | password | jwt
	Token        string `yaml:"token" toml:"token"`
	Password     string `yaml:"password" toml:"password"` // used by clients only
	PasswordHash string `yaml:"password_hash" toml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// GatewayConfig says how clients reach the gateway
type GatewayConfig struct {
	Mode   string       `yaml:"mode" toml:"mode"` // local | remote
	Remote RemoteConfig `yaml:"remote" toml:"remote"`
}

// RemoteConfig holds the remote gateway endpoint and credentials
type RemoteConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Token    string `yaml:"token" toml:"token"`
	Password string `yaml:"password" toml:"password"`
}

// RPCConfig holds RPC client timing
type RPCConfig struct {
	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout" toml:"call_timeout"`
}

// LanesConfig holds per-lane concurrency limits. Zero means the default.
type LanesConfig struct {
	Main     int `yaml:"main" toml:"main"`
	Subagent int `yaml:"subagent" toml:"subagent"`
	Cron     int `yaml:"cron" toml:"cron"`
	Nested   int `yaml:"nested" toml:"nested"`
}

// AgentsConfig lists the configured agents
type AgentsConfig struct {
	Default string        `yaml:"default" toml:"default"`
	List    []AgentConfig `yaml:"list" toml:"list"`
}

// AgentConfig is one agent's display identity
type AgentConfig struct {
	ID     string `yaml:"id" toml:"id"`
	Name   string `yaml:"name" toml:"name"`
	Emoji  string `yaml:"emoji" toml:"emoji"`
	Avatar string `yaml:"avatar" toml:"avatar"`
}

// SubagentsConfig holds subagent registry configuration
type SubagentsConfig struct {
	// ArchiveAfterMinutes of 0 (or absent) disables archival. A pointer
	// distinguishes absent from an explicit 0 so the default can apply.
	ArchiveAfterMinutes *int   `yaml:"archive_after_minutes" toml:"archive_after_minutes"`
	Store               string `yaml:"store" toml:"store"` // json | sqlite
	LoopbackRPC         bool   `yaml:"loopback_rpc" toml:"loopback_rpc"`

	WaitTimeout     time.Duration `yaml:"-" toml:"-"`
	AnnounceTimeout time.Duration `yaml:"-" toml:"-"`

	WaitTimeoutRaw     string `yaml:"wait_timeout" toml:"wait_timeout"`
	AnnounceTimeoutRaw string `yaml:"announce_timeout" toml:"announce_timeout"`
}

// ArchiveAfter returns the archive delay; zero disables archival.
func (s SubagentsConfig) ArchiveAfter() time.Duration {
	if s.ArchiveAfterMinutes == nil || *s.ArchiveAfterMinutes <= 0 {
		return 0
	}
	return time.Duration(*s.ArchiveAfterMinutes) * time.Minute
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Path = path

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Resolve returns the config path to use: the explicit path, then
// AGENTRUN_CONFIG, then ./agentrun.yaml, then ~/.config/agentrun/gateway.yaml.
// An empty result means no file was found and defaults apply.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("AGENTRUN_CONFIG"); env != "" {
		return env
	}
	candidates := []string{"agentrun.yaml", "agentrun.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "agentrun", "gateway.yaml"),
			filepath.Join(home, ".config", "agentrun", "gateway.toml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// LoadOrDefault loads the resolved config file, or returns defaults when none exists.
func LoadOrDefault(explicit string) (*Config, error) {
	path := Resolve(explicit)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, ".agentrun")
		} else {
			c.StateDir = ".agentrun"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Server.HTTPAddr == "" && c.Server.Bind != BindTailnet {
		host := "127.0.0.1"
		if c.Server.Bind == BindLAN {
			host = "0.0.0.0"
		}
		c.Server.HTTPAddr = fmt.Sprintf("%s:%d", host, c.Server.Port)
	}
	if c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(c.StateDir, "tsnet")
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = "local"
	}
	if c.RPC.CallTimeout == 0 {
		c.RPC.CallTimeout = DefaultCallTimeout
	}
	if c.Agents.Default == "" {
		c.Agents.Default = "main"
	}
	if c.Subagents.ArchiveAfterMinutes == nil {
		n := DefaultArchiveAfterMinutes
		c.Subagents.ArchiveAfterMinutes = &n
	}
	if c.Subagents.Store == "" {
		c.Subagents.Store = "json"
	}
	if c.Subagents.WaitTimeout == 0 {
		c.Subagents.WaitTimeout = DefaultWaitTimeout
	}
	if c.Subagents.AnnounceTimeout == 0 {
		c.Subagents.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Server.Bind {
	case BindLoopback, BindLAN:
	case BindTailnet:
		if c.Tailscale.Hostname == "" {
			return fmt.Errorf("tailscale.hostname is required when server.bind is tailnet")
		}
	default:
		return fmt.Errorf("server.bind must be loopback, lan or tailnet, got %q", c.Server.Bind)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Auth.Mode {
	case "none":
		if c.Server.Bind != BindLoopback {
			return fmt.Errorf("auth.mode none is only allowed with server.bind loopback")
		}
	case "token":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when auth.mode is token")
		}
	case "password":
		if c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.password_hash is required when auth.mode is password")
		}
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 bytes when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be none, token, password or jwt, got %q", c.Auth.Mode)
	}

	switch c.Gateway.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("gateway.mode must be local or remote, got %q", c.Gateway.Mode)
	}

	for name, n := range c.LaneLimits() {
		if n < 0 {
			return fmt.Errorf("lanes.%s must not be negative", name)
		}
	}

	seen := map[string]bool{}
	for i, a := range c.Agents.List {
		id := strings.ToLower(strings.TrimSpace(a.ID))
		if id == "" {
			return fmt.Errorf("agents.list[%d].id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("agents.list has duplicate id %q", id)
		}
		seen[id] = true
	}

	switch c.Subagents.Store {
	case "json", "sqlite":
	default:
		return fmt.Errorf("subagents.store must be json or sqlite, got %q", c.Subagents.Store)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// LaneLimits returns the configured lane limits, leaving out unset lanes.
func (c *Config) LaneLimits() map[string]int {
	out := map[string]int{}
	for name, n := range map[string]int{
		"main":     c.Lanes.Main,
		"subagent": c.Lanes.Subagent,
		"cron":     c.Lanes.Cron,
		"nested":   c.Lanes.Nested,
	} {
		if n != 0 {
			out[name] = n
		}
	}
	return out
}

// RPCSettings returns what the RPC client needs to reach this gateway.
func (c *Config) RPCSettings() rpcclient.Settings {
	return rpcclient.Settings{
		Mode:           c.Gateway.Mode,
		RemoteURL:      c.Gateway.Remote.URL,
		RemoteToken:    c.Gateway.Remote.Token,
		RemotePassword: c.Gateway.Remote.Password,
		LocalToken:     c.Auth.Token,
		LocalPassword:  c.Auth.Password,
		Port:           c.Server.Port,
		Bind:           c.Server.Bind,
		ConfigPath:     c.Path,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rpc.call_timeout", cfg.RPC.CallTimeoutRaw, &cfg.RPC.CallTimeout},
		{"subagents.wait_timeout", cfg.Subagents.WaitTimeoutRaw, &cfg.Subagents.WaitTimeout},
		{"subagents.announce_timeout", cfg.Subagents.AnnounceTimeoutRaw, &cfg.Subagents.AnnounceTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
