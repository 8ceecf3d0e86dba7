// Package config handles configuration loading for agentrun-gateway.
//
// # Configuration File
//
// Resolution order:
//
//  1. The --config flag
//  2. AGENTRUN_CONFIG environment variable
//  3. ./agentrun.yaml or ./agentrun.toml
//  4. ~/.config/agentrun/gateway.yaml (or .toml)
//
// When no file exists the defaults are used. Files ending in .toml are
// parsed as TOML; anything else is YAML. Both use the same key names.
//
// # Environment Variable Expansion
//
//	auth:
//	  token: "${AGENTRUN_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	state_dir: ~/.agentrun
//	server:
//	  port: 18789
//	  bind: loopback          # loopback | lan | tailnet
//	  grpc_addr: ""           # gRPC health service, empty disables
//	tailscale:
//	  hostname: agentrun      # required for bind: tailnet
//	auth:
//	  mode: token             # none | token | password | jwt
//	  token: "${AGENTRUN_TOKEN}"
//	gateway:
//	  mode: local             # local | remote
//	  remote:
//	    url: wss://gw.example.ts.net/ws
//	rpc:
//	  call_timeout: 10s
//	lanes:
//	  main: 4
//	  subagent: 8
//	  cron: 1
//	  nested: 1
//	agents:
//	  default: main
//	  list:
//	    - id: main
//	      name: Main
//	subagents:
//	  archive_after_minutes: 60   # 0 disables archival
//	  wait_timeout: 10m
//	  announce_timeout: 30s
//	  store: json                 # json | sqlite
//	logging:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  path: /metrics
//
// # Validation
//
// auth.mode none is only accepted with bind loopback. Token, password and
// jwt modes require their secret.
package config
