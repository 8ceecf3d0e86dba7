// Package rpcclient talks to the gateway over its WebSocket RPC protocol.
//
// Client is a long-lived connection: Dial performs the connect handshake,
// Request sends calls and matches responses by id, and server events are
// handed to an optional callback. Call is the one-shot form used by the CLI
// and by the subagent registry: resolve the target, dial, make one request,
// tear down. Every call settles exactly once with a response, a close error
// or a timeout.
package rpcclient
