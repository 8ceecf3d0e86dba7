// ABOUTME: Fans agent lifecycle events from the bus out to connected clients
// ABOUTME: Delivery is best effort; slow clients drop events rather than stall the bus

package gateway

import (
	"context"
	"encoding/json"

	"github.com/2389/agentrun-gateway/internal/events"
	"github.com/2389/agentrun-gateway/internal/protocol"
)

// broadcastEvents forwards every agent event to every connection until ctx ends.
func (g *Gateway) broadcastEvents(ctx context.Context) {
	sub := g.bus.Subscribe(ctx, events.AllRuns)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			g.broadcast(ev)
		}
	}
}

func (g *Gateway) broadcast(ev protocol.AgentEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		g.logger.Error("encoding agent event", "run_id", ev.RunID, "error", err)
		return
	}
	frame := protocol.EventFrame{Type: protocol.FrameEvent, Event: protocol.EventAgent, Payload: payload, Seq: ev.Seq}

	g.connsMu.RLock()
	defer g.connsMu.RUnlock()
	for _, c := range g.conns {
		c.enqueue(frame)
	}
}
