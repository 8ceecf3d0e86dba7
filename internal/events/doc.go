// Package events is the in-process bus for agent run events. Runs publish
// lifecycle transitions here; the subagent registry listens synchronously,
// and WebSocket connections subscribe through buffered channels.
package events
