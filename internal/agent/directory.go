// ABOUTME: Directory of configured agents and their display identities
// ABOUTME: Resolves the agent for a request from its agentId, its session key, or the default

package agent

import (
	"errors"
	"sort"
	"sync"

	"github.com/2389/agentrun-gateway/internal/protocol"
)

// ErrAgentNotFound indicates the specified agent is not configured.
var ErrAgentNotFound = errors.New("agent not found")

// Identity is how an agent presents itself.
type Identity struct {
	ID     string `json:"agentId"`
	Name   string `json:"name,omitempty"`
	Emoji  string `json:"emoji,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Directory holds the configured agents.
type Directory struct {
	mu        sync.RWMutex
	agents    map[string]Identity
	defaultID string
}

// NewDirectory builds a directory. When identities is empty the default
// agent is the only entry. An empty defaultID means "main".
func NewDirectory(defaultID string, identities []Identity) *Directory {
	d := &Directory{
		agents:    make(map[string]Identity),
		defaultID: protocol.NormalizeAgentID(defaultID),
	}
	if d.defaultID == "" {
		d.defaultID = protocol.DefaultAgentID
	}
	for _, id := range identities {
		d.Add(id)
	}
	if _, ok := d.agents[d.defaultID]; !ok {
		d.agents[d.defaultID] = Identity{ID: d.defaultID, Name: d.defaultID}
	}
	return d
}

// Add registers or replaces an agent.
func (d *Directory) Add(id Identity) {
	id.ID = protocol.NormalizeAgentID(id.ID)
	if id.ID == "" {
		return
	}
	if id.Name == "" {
		id.Name = id.ID
	}
	d.mu.Lock()
	d.agents[id.ID] = id
	d.mu.Unlock()
}

// Get looks up an agent by id.
func (d *Directory) Get(agentID string) (Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.agents[protocol.NormalizeAgentID(agentID)]
	return id, ok
}

// DefaultID returns the agent used when nothing else names one.
func (d *Directory) DefaultID() string {
	return d.defaultID
}

// List returns all agents sorted by id.
func (d *Directory) List() []Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Identity, 0, len(d.agents))
	for _, id := range d.agents {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve picks the agent for a request: explicit agentID, then the agent
// named by sessionKey, then the default.
func (d *Directory) Resolve(agentID, sessionKey string) (Identity, error) {
	id := protocol.NormalizeAgentID(agentID)
	if id == "" {
		if fromKey, _, ok := protocol.ParseAgentSessionKey(sessionKey); ok {
			id = fromKey
		}
	}
	if id == "" {
		id = d.defaultID
	}
	identity, ok := d.Get(id)
	if !ok {
		return Identity{}, ErrAgentNotFound
	}
	return identity, nil
}
