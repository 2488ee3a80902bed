package peer

import "strings"

// Manifest is a peer's self-declared capability record, exchanged on
// handshake and re-broadcast on any local change (spec.md §3).
type Manifest struct {
	Role    string   `json:"role"`
	Skills  []string `json:"skills"`
	AgentID string   `json:"agent_id"`
	Specs   any      `json:"specs,omitempty"`
}

// matchesAgentID reports whether target names this manifest's owning
// peer by case-insensitive agent_id (short-id matching happens in Table).
func (m Manifest) matchesAgentID(target string) bool {
	return strings.EqualFold(m.AgentID, target)
}
