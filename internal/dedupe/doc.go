// Package dedupe provides a TTL and size bounded keyed cache. The gateway
// uses it to remember idempotency keys of agent requests so retries replay
// the original response instead of starting a second run.
package dedupe
