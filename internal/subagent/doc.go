// ABOUTME: Package subagent tracks spawned child runs until they announce and are archived
// ABOUTME: The Registry is crash-recoverable and triggers the announce flow at most once per run

// Package subagent owns the authoritative record of every spawned subagent
// run.
//
// Completion is detected on two independent paths that race each other:
// lifecycle events published on the events.Bus, and an agent.wait poll
// issued at registration. Both converge on BeginCleanup, a compare-and-set
// on the run's cleanupHandled flag, so the announce flow starts once.
//
// Every mutation is persisted through a store.RunStore. Persistence
// failures are logged and the registry keeps operating in memory; the next
// mutation writes the full map again.
//
// Resume reloads persisted runs after a restart and re-drives any run whose
// lifecycle was interrupted. A robfig/cron entry sweeps runs whose archive
// deadline has passed and deletes their child session transcripts.
package subagent
