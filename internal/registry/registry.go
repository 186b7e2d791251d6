// Package registry is the single source of truth for which local peer
// implements which agent. All routing decisions flow through it.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

var (
	// ErrDuplicateAgent is returned by Bind when the agent id is already
	// bound and force was not set.
	ErrDuplicateAgent = errors.New("agent already connected")
	// ErrNotFound is returned by lookups for unknown agents or peers.
	ErrNotFound = errors.New("not found")
)

// Entry is one directory record. PeerID is a non-owning handle into the peer
// slab; holders resolve it lazily and treat a miss as peer-gone.
type Entry struct {
	AgentID      string
	Metadata     map[string]string
	Capabilities []string
	LastSeen     time.Time
	PeerID       string
	NodeID       string
}

// Registry maps peer handles to live peers and agent ids to directory
// entries. All operations are safe for concurrent use; readers never observe
// a half-updated entry.
type Registry struct {
	nodeID string

	mu     sync.RWMutex
	peers  map[string]*transport.Peer     // peer handle → peer
	agents map[string]*Entry              // agent id → entry
	byPeer map[string]map[string]struct{} // peer handle → bound agent ids
}

// New creates an empty registry for the given node.
func New(nodeID string) *Registry {
	return &Registry{
		nodeID: nodeID,
		peers:  map[string]*transport.Peer{},
		agents: map[string]*Entry{},
		byPeer: map[string]map[string]struct{}{},
	}
}

// AddPeer records a live peer before registration.
func (r *Registry) AddPeer(p *transport.Peer) {
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
}

// RemovePeer drops a peer and every directory entry bound to it, returning
// the unbound agent ids. A node link proxying several agents carries one
// binding per agent, so a single peer loss can unbind many.
func (r *Registry) RemovePeer(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
	bound, ok := r.byPeer[peerID]
	if !ok {
		return nil
	}
	delete(r.byPeer, peerID)
	out := make([]string, 0, len(bound))
	for agentID := range bound {
		delete(r.agents, agentID)
		out = append(out, agentID)
	}
	sort.Strings(out)
	return out
}

// Peer resolves a peer handle.
func (r *Registry) Peer(peerID string) (*transport.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// Peers returns a snapshot of all live peers.
func (r *Registry) Peers() []*transport.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*transport.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Bind associates a peer with an agent id. One peer may carry any number of
// bindings: a node link proxies every agent behind it over the same
// connection. A duplicate id fails with ErrDuplicateAgent unless force is
// set, in which case the prior binding is dropped atomically before Bind
// returns and its peer is reported as displaced. The displaced peer is
// closed only once it has no bindings left.
func (r *Registry) Bind(p *transport.Peer, agentID string, metadata map[string]string, capabilities []string, force bool) (displaced *transport.Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.agents[agentID]; ok && old.PeerID != p.ID {
		if !force {
			return nil, ErrDuplicateAgent
		}
		displaced = r.peers[old.PeerID]
		if set, ok := r.byPeer[old.PeerID]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(r.byPeer, old.PeerID)
				if displaced != nil {
					displaced.Close()
					delete(r.peers, old.PeerID)
				}
			}
		}
	}

	r.peers[p.ID] = p
	set := r.byPeer[p.ID]
	if set == nil {
		set = map[string]struct{}{}
		r.byPeer[p.ID] = set
	}
	set[agentID] = struct{}{}
	r.agents[agentID] = &Entry{
		AgentID:      agentID,
		Metadata:     copyMap(metadata),
		Capabilities: append([]string(nil), capabilities...),
		LastSeen:     time.Now(),
		PeerID:       p.ID,
		NodeID:       r.nodeID,
	}
	p.SetAgentID(agentID)
	return displaced, nil
}

// Unbind removes the directory entry for an agent id, keeping the peer open.
func (r *Registry) Unbind(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	delete(r.agents, agentID)
	if set, ok := r.byPeer[entry.PeerID]; ok {
		delete(set, agentID)
		if len(set) == 0 {
			delete(r.byPeer, entry.PeerID)
			if p, ok := r.peers[entry.PeerID]; ok {
				p.SetAgentID("")
			}
		}
	}
	return nil
}

// Lookup resolves the peer currently implementing an agent.
func (r *Registry) Lookup(agentID string) (*transport.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := r.peers[entry.PeerID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Info returns the directory entry for an agent.
func (r *Registry) Info(agentID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

// Touch stamps last-seen for every agent bound to a peer.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for agentID := range r.byPeer[peerID] {
		if entry, ok := r.agents[agentID]; ok {
			entry.LastSeen = now
		}
	}
	if p, ok := r.peers[peerID]; ok {
		p.Touch()
	}
}

// List returns directory entries matching the capability filter (all when the
// filter is empty), sorted by agent id for stable output.
func (r *Registry) List(capabilityFilter []string) []protocol.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		if !hasAllCapabilities(e.Capabilities, capabilityFilter) {
			continue
		}
		out = append(out, protocol.AgentInfo{
			AgentID:      e.AgentID,
			Metadata:     copyMap(e.Metadata),
			Capabilities: append([]string(nil), e.Capabilities...),
			LastSeen:     e.LastSeen,
			NodeID:       e.NodeID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func hasAllCapabilities(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
