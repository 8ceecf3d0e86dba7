// Package gateway is the composition root of agentrun-gateway.
//
// # Overview
//
// A Gateway wires together the agent request handler, the lane scheduler,
// the event bus and the subagent registry, and serves them over:
//
//   - a WebSocket RPC endpoint at /ws
//   - plain HTTP health, metrics and JSON API endpoints
//   - an optional gRPC server carrying the standard health service
//
// # WebSocket Protocol
//
// Every connection starts with a connect request. The server negotiates
// the highest common protocol version and authenticates the client:
//
//	Client                              Gateway
//	  |                                    |
//	  |---- req connect ------------------>|
//	  |<--- res hello-ok ------------------|
//	  |---- req agent -------------------->|
//	  |<--- res {status: accepted} --------|
//	  |<--- event agent (lifecycle) -------|
//	  |<--- res {status: ok} --------------|
//
// A version mismatch is answered with INVALID_REQUEST and close code 1002.
// Failed authentication is answered with UNAUTHORIZED and close code 1008.
//
// # Methods
//
//   - agent: submit a run (ack, then final result)
//   - agent.wait: wait for a run's terminal snapshot
//   - agent.identity.get: resolve an agent's display identity
//   - sessions.delete: delete a session (operator only)
//   - sessions.spawn: spawn a tracked subagent run (operator only)
//   - subagents.list: list tracked subagent runs
//   - health: lane stats and tracked run count
//
// Unknown methods are answered with METHOD_NOT_FOUND.
//
// # HTTP Endpoints
//
//   - GET /health: liveness
//   - GET /health/ready: 200 once persisted runs have been resumed
//   - GET /metrics (metrics.path): Prometheus exposition, when enabled
//   - GET /api/subagents, GET /api/lanes: JSON, behind the configured auth
//
// # Subagent Gateway Port
//
// The registry reaches the agent handler through LocalGateway by default.
// With subagents.loopback_rpc it dials the gateway's own /ws endpoint
// instead, exactly as an external process would.
//
// # Tailnet
//
// With server.bind set to tailnet the listeners are opened on a tsnet
// node instead of the host network.
package gateway
