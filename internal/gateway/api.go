// ABOUTME: HTTP handlers for health checks and the read-only JSON API
// ABOUTME: /api/subagents lists tracked runs; /api/lanes reports lane occupancy

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/agentrun-gateway/internal/lanes"
)

// LanesResponse is the JSON response for GET /api/lanes.
type LanesResponse struct {
	Lanes []lanes.Stats `json:"lanes"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once persisted runs have been resumed.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("resuming subagent runs"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d runs tracked)", g.registry.Len())
}

// handleListSubagents handles GET /api/subagents.
// Supports optional ?requester=KEY to filter by requester session.
func (g *Gateway) handleListSubagents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, SubagentsListResult{Runs: g.registry.List(r.URL.Query().Get("requester"))})
}

// handleLanes handles GET /api/lanes.
func (g *Gateway) handleLanes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.writeJSON(w, LanesResponse{Lanes: g.lanes.Lanes()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("encoding response", "error", err)
	}
}
