package protocol

import "time"

// System command names handled by the orchestrator.
const (
	CommandRegisterAgent   = "register_agent"
	CommandUnregisterAgent = "unregister_agent"
	CommandListAgents      = "list_agents"
	CommandListMods        = "list_mods"
	CommandGetNetworkInfo  = "get_network_info"
)

// Node-to-node commands used by the decentralized topology. Agent clients
// never send these; nodes exchange them over their peer links.
const (
	CommandNodeHello      = "node_hello"
	CommandPresenceDigest = "presence_digest"
	CommandLocateAgent    = "locate_agent"
)

// Network modes.
const (
	ModeCentralized   = "centralized"
	ModeDecentralized = "decentralized"
)

// AgentInfo is one directory entry as returned by list_agents. NodeID names
// the agent's home node; it differs from the local node only in decentralized
// mode.
type AgentInfo struct {
	AgentID      string            `json:"agent_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	NodeID       string            `json:"node_id,omitempty"`
}

// RegisterAgentRequest is the content of a register_agent system_request.
type RegisterAgentRequest struct {
	AgentID        string            `json:"agent_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	ForceReconnect bool              `json:"force_reconnect,omitempty"`
}

// RegisterAgentResponse is the content of the matching system_response.
type RegisterAgentResponse struct {
	Success     bool   `json:"success"`
	NetworkName string `json:"network_name,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UnregisterAgentRequest is the content of an unregister_agent system_request.
type UnregisterAgentRequest struct {
	AgentID string `json:"agent_id"`
}

// ListAgentsRequest optionally filters the directory by capability tags.
type ListAgentsRequest struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// ListAgentsResponse carries a directory snapshot.
type ListAgentsResponse struct {
	Success bool        `json:"success"`
	Agents  []AgentInfo `json:"agents"`
}

// ListModsResponse names the mods enabled on the node.
type ListModsResponse struct {
	Success bool     `json:"success"`
	Mods    []string `json:"mods"`
}

// NetworkInfo describes the node for get_network_info.
type NetworkInfo struct {
	Name       string   `json:"name"`
	NodeID     string   `json:"node_id"`
	Mode       string   `json:"mode"`
	Mods       []string `json:"mods"`
	AgentCount int      `json:"agent_count"`
}

// GetNetworkInfoResponse wraps NetworkInfo.
type GetNetworkInfoResponse struct {
	Success     bool        `json:"success"`
	NetworkInfo NetworkInfo `json:"network_info"`
}

// AckResponse is the content of a system_response that carries no data.
type AckResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NodeHello introduces one node to another when a node link is established.
type NodeHello struct {
	NodeID string `json:"node_id"`
}

// PresenceEntry is one agent attribution inside a presence digest.
type PresenceEntry struct {
	AgentID      string    `json:"agent_id"`
	NodeID       string    `json:"node_id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// PresenceDigest is the periodic gossip payload exchanged between
// decentralized nodes: the sender's current view of who lives where.
type PresenceDigest struct {
	NodeID string          `json:"node_id"`
	Agents []PresenceEntry `json:"agents"`
}

// LocateAgentRequest is the one-hop query sent when a target agent is not in
// the local view.
type LocateAgentRequest struct {
	AgentID    string `json:"agent_id"`
	OriginNode string `json:"origin_node"`
}
