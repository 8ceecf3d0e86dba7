// ABOUTME: Session key parsing and channel name validation
// ABOUTME: Session keys look like agent:<agentId>:<rest>

package protocol

import (
	"slices"
	"strings"
)

// DefaultAgentID is used when neither the request nor the session key names an agent.
const DefaultAgentID = "main"

// ChannelLast means "reply on whatever channel the session last used".
const ChannelLast = "last"

// KnownChannels lists the delivery channels the gateway accepts.
var KnownChannels = []string{
	"webchat",
	"telegram",
	"whatsapp",
	"discord",
	"slack",
	"signal",
	"imessage",
	"bluebubbles",
	"line",
	"googlechat",
	"msteams",
	"matrix",
}

// IsKnownChannel reports whether name is "last" or a known delivery channel.
func IsKnownChannel(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	return name == ChannelLast || slices.Contains(KnownChannels, name)
}

// NormalizeAgentID lowercases and trims an agent id.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ParseAgentSessionKey splits "agent:<id>:<rest>". ok is false for keys that
// do not carry an agent id.
func ParseAgentSessionKey(key string) (agentID, rest string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(key), ":", 3)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return NormalizeAgentID(parts[1]), parts[2], true
}

// IsSubagentSessionKey reports whether key names a spawned subagent session.
func IsSubagentSessionKey(key string) bool {
	_, rest, ok := ParseAgentSessionKey(key)
	return ok && strings.HasPrefix(rest, "subagent:")
}
