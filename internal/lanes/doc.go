// Package lanes schedules jobs into named lanes, each with its own bounded
// concurrency and FIFO queue. Lanes do not share slots, so a saturated
// subagent lane never delays main, cron or nested jobs.
package lanes
