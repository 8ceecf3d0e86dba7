// Package agent implements the gateway's agent request handling.
//
// Handler serves three methods:
//
//   - agent: validate, deduplicate by idempotency key, acknowledge with
//     status "accepted", then run the job in its lane and send a second,
//     final response on the same request id.
//   - agent.wait: block until a run reaches ok/error or the timeout passes.
//   - agent.identity.get: resolve an agent's display identity.
//
// Runs are executed by a Runner. The work itself is pluggable; the default
// TranscriptRunner only records the request in the session transcript.
package agent
