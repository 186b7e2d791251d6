package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/registry"
	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// maxForwardHops bounds how many node-to-node forwards one envelope may take
// when home attributions are stale.
const maxForwardHops = 3

type remoteEntry struct {
	nodeID       string
	capabilities []string
	lastSeen     time.Time
}

type pendingEnv struct {
	env      *protocol.Envelope
	deadline time.Time
}

// Decentralized keeps a local directory seeded by bootstrap peers and
// refreshed by periodic presence digests. Remote agents carry their home node
// attribution; merges are most-recent-timestamp-wins with the node id as
// tiebreak.
type Decentralized struct {
	reg           *registry.Registry
	dialer        Dialer
	nodeID        string
	bootstrap     []string
	interval      time.Duration
	queueTTL      time.Duration
	retryAttempts int

	mu         sync.Mutex
	links      map[string]*transport.Peer // node id → link peer
	linkByPeer map[string]string          // peer handle → node id
	remote     map[string]remoteEntry     // agent id → attribution
	pending    []pendingEnv

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecentralized creates the mesh topology. interval is the presence
// exchange period; queueTTL bounds how long an envelope waits for discovery.
func NewDecentralized(nodeID string, reg *registry.Registry, dialer Dialer, bootstrap []string, interval, queueTTL time.Duration, retryAttempts int) *Decentralized {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if queueTTL <= 0 {
		queueTTL = 30 * time.Second
	}
	return &Decentralized{
		reg:           reg,
		dialer:        dialer,
		nodeID:        nodeID,
		bootstrap:     bootstrap,
		interval:      interval,
		queueTTL:      queueTTL,
		retryAttempts: retryAttempts,
		links:         map[string]*transport.Peer{},
		linkByPeer:    map[string]string{},
		remote:        map[string]remoteEntry{},
	}
}

// Mode implements Topology.
func (d *Decentralized) Mode() string { return protocol.ModeDecentralized }

// Start implements Topology: dial bootstrap nodes (best effort) and run the
// gossip ticker.
func (d *Decentralized) Start(ctx context.Context) error {
	for _, addr := range d.bootstrap {
		if err := d.dialBootstrap(ctx, addr); err != nil {
			slog.Warn("bootstrap node unreachable", "addr", addr, "error", err)
		}
	}
	tickCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.gossipLoop(tickCtx)
	return nil
}

func (d *Decentralized) dialBootstrap(ctx context.Context, addr string) error {
	var lastErr error
	attempts := d.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		peer, err := d.dialer.Dial(ctx, addr, map[string]string{"role": "node", "node_id": d.nodeID})
		if err != nil {
			lastErr = err
			continue
		}
		return d.sendHello(peer)
	}
	return lastErr
}

func (d *Decentralized) sendHello(peer *transport.Peer) error {
	env, err := protocol.NewSystemRequest(protocol.CommandNodeHello, "", d.nodeID, protocol.NodeHello{NodeID: d.nodeID})
	if err != nil {
		return err
	}
	return peer.Send(env)
}

// Shutdown implements Topology.
func (d *Decentralized) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.links {
		p.Close()
	}
	d.links = map[string]*transport.Peer{}
	d.linkByPeer = map[string]string{}
	return nil
}

// RegisterAgent implements Topology: binding is local; the next presence
// digest announces it to the mesh.
func (d *Decentralized) RegisterAgent(p *transport.Peer, req protocol.RegisterAgentRequest) error {
	_, err := d.reg.Bind(p, req.AgentID, req.Metadata, req.Capabilities, req.ForceReconnect)
	return err
}

// UnregisterAgent implements Topology.
func (d *Decentralized) UnregisterAgent(agentID string) error {
	return d.reg.Unbind(agentID)
}

// DiscoverAgents implements Topology: the local registry plus the remote
// view. Capability tags travel in the presence digests, so the filter applies
// to remote agents too.
func (d *Decentralized) DiscoverAgents(capabilities []string) ([]protocol.AgentInfo, error) {
	out := d.reg.List(capabilities)
	d.mu.Lock()
	defer d.mu.Unlock()
	for agentID, e := range d.remote {
		if !capabilitiesMatch(e.capabilities, capabilities) {
			continue
		}
		out = append(out, protocol.AgentInfo{
			AgentID:      agentID,
			Capabilities: append([]string(nil), e.capabilities...),
			LastSeen:     e.lastSeen,
			NodeID:       e.nodeID,
		})
	}
	return out, nil
}

func capabilitiesMatch(have, want []string) bool {
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

// Route implements Topology. Local targets are delivered; remote targets are
// forwarded to their attributed home node with a bounded hop budget; unknown
// targets trigger a one-hop locate query and the envelope is queued until
// the discovery deadline.
func (d *Decentralized) Route(env *protocol.Envelope) (Result, error) {
	if env.Type == protocol.TypeBroadcast {
		return d.broadcast(env)
	}
	target := env.TargetID
	if target == "" {
		return NotFound, fmt.Errorf("%w: envelope has no target", ErrTargetUnreachable)
	}
	res, err := d.routeKnown(env)
	if res == Delivered {
		return Delivered, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}

	// Unknown (or home node link is down): ask the mesh and park the
	// envelope.
	d.locate(target)
	d.mu.Lock()
	d.pending = append(d.pending, pendingEnv{env: env, deadline: time.Now().Add(d.queueTTL)})
	d.mu.Unlock()
	return Queued, nil
}

func (d *Decentralized) broadcast(env *protocol.Envelope) (Result, error) {
	for _, info := range d.reg.List(nil) {
		if info.AgentID == env.SenderID {
			continue
		}
		if peer, err := d.reg.Lookup(info.AgentID); err == nil {
			peer.Send(env)
		}
	}
	// Forward once into the mesh; receiving nodes deliver locally only.
	if env.Hops == 0 {
		env.Hops = 1
		d.mu.Lock()
		for _, link := range d.links {
			link.Send(env)
		}
		d.mu.Unlock()
	}
	return Delivered, nil
}

func (d *Decentralized) locate(agentID string) {
	env, err := protocol.NewSystemRequest(protocol.CommandLocateAgent, "", d.nodeID,
		protocol.LocateAgentRequest{AgentID: agentID, OriginNode: d.nodeID})
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, link := range d.links {
		link.Send(env)
	}
}

// HandleNodeEnvelope consumes node_hello, presence_digest and locate_agent
// envelopes arriving on node links.
func (d *Decentralized) HandleNodeEnvelope(p *transport.Peer, env *protocol.Envelope) bool {
	if env.Type != protocol.TypeSystemRequest {
		return false
	}
	switch env.Command {
	case protocol.CommandNodeHello:
		var hello protocol.NodeHello
		if err := env.DecodeContent(&hello); err != nil || hello.NodeID == "" {
			return true
		}
		d.addLink(hello.NodeID, p)
		// Inbound link: introduce ourselves and share our view right away.
		if !p.Outbound {
			d.sendHello(p)
		}
		p.Send(d.digestEnvelope())
		return true

	case protocol.CommandPresenceDigest:
		var digest protocol.PresenceDigest
		if err := env.DecodeContent(&digest); err != nil {
			return true
		}
		d.merge(digest)
		if digest.NodeID != "" {
			d.addLink(digest.NodeID, p)
		}
		d.flushPending()
		return true

	case protocol.CommandLocateAgent:
		var req protocol.LocateAgentRequest
		if err := env.DecodeContent(&req); err != nil {
			return true
		}
		if info, err := d.reg.Info(req.AgentID); err == nil {
			reply, err := protocol.NewSystemRequest(protocol.CommandPresenceDigest, "", d.nodeID,
				protocol.PresenceDigest{
					NodeID: d.nodeID,
					Agents: []protocol.PresenceEntry{{
						AgentID:      info.AgentID,
						NodeID:       d.nodeID,
						Capabilities: info.Capabilities,
						LastSeen:     time.Now(),
					}},
				})
			if err == nil {
				p.Send(reply)
			}
		}
		return true
	}
	return false
}

// PeerClosed drops the node link owning the closed peer. Remote attributions
// survive; they age out if the node never comes back.
func (d *Decentralized) PeerClosed(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodeID, ok := d.linkByPeer[peerID]
	if !ok {
		return
	}
	delete(d.linkByPeer, peerID)
	delete(d.links, nodeID)
	slog.Info("node link lost", "node", nodeID, "peer", peerID)
}

// IsNodeLink reports whether a peer handle belongs to a node link.
func (d *Decentralized) IsNodeLink(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.linkByPeer[peerID]
	return ok
}

func (d *Decentralized) addLink(nodeID string, p *transport.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.links[nodeID]; ok && old.ID != p.ID {
		delete(d.linkByPeer, old.ID)
	}
	d.links[nodeID] = p
	d.linkByPeer[p.ID] = nodeID
}

// merge applies a presence digest: most-recent-timestamp-wins, home node id
// as tiebreak. Locally registered agents always win over remote claims.
func (d *Decentralized) merge(digest protocol.PresenceDigest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range digest.Agents {
		if e.NodeID == d.nodeID {
			continue
		}
		if _, err := d.reg.Info(e.AgentID); err == nil {
			continue
		}
		cur, ok := d.remote[e.AgentID]
		if ok {
			if e.LastSeen.Before(cur.lastSeen) {
				continue
			}
			if e.LastSeen.Equal(cur.lastSeen) && e.NodeID <= cur.nodeID {
				continue
			}
		}
		d.remote[e.AgentID] = remoteEntry{
			nodeID:       e.NodeID,
			capabilities: append([]string(nil), e.Capabilities...),
			lastSeen:     e.LastSeen,
		}
	}
}

func (d *Decentralized) gossipLoop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Decentralized) tick() {
	env := d.digestEnvelope()
	d.mu.Lock()
	links := make([]*transport.Peer, 0, len(d.links))
	for _, l := range d.links {
		links = append(links, l)
	}
	// Age out attributions that have not been refreshed for several rounds.
	staleBefore := time.Now().Add(-4 * d.interval)
	for agentID, e := range d.remote {
		if e.lastSeen.Before(staleBefore) {
			delete(d.remote, agentID)
		}
	}
	d.mu.Unlock()

	for _, link := range links {
		link.Send(env)
	}
	d.expirePending()
}

// digestEnvelope builds the presence digest: our connected agents stamped
// now, plus our remote view for transitive propagation.
func (d *Decentralized) digestEnvelope() *protocol.Envelope {
	now := time.Now()
	digest := protocol.PresenceDigest{NodeID: d.nodeID}
	for _, info := range d.reg.List(nil) {
		digest.Agents = append(digest.Agents, protocol.PresenceEntry{
			AgentID: info.AgentID, NodeID: d.nodeID, Capabilities: info.Capabilities, LastSeen: now,
		})
	}
	d.mu.Lock()
	for agentID, e := range d.remote {
		digest.Agents = append(digest.Agents, protocol.PresenceEntry{
			AgentID: agentID, NodeID: e.nodeID, Capabilities: e.capabilities, LastSeen: e.lastSeen,
		})
	}
	d.mu.Unlock()
	env, _ := protocol.NewSystemRequest(protocol.CommandPresenceDigest, "", d.nodeID, digest)
	return env
}

// flushPending retries queued envelopes whose targets became known. Still
// unknown targets are requeued with their original deadline; the wait never
// extends.
func (d *Decentralized) flushPending() {
	d.mu.Lock()
	queued := d.pending
	d.pending = nil
	d.mu.Unlock()

	var requeue []pendingEnv
	for _, pe := range queued {
		if time.Now().After(pe.deadline) {
			slog.Debug("dropping queued envelope past deadline", "target", pe.env.TargetID)
			continue
		}
		res, err := d.routeKnown(pe.env)
		if res == Delivered && err == nil {
			continue
		}
		requeue = append(requeue, pe)
	}
	if len(requeue) > 0 {
		d.mu.Lock()
		d.pending = append(d.pending, requeue...)
		d.mu.Unlock()
	}
}

// routeKnown attempts local delivery or a mesh forward without queueing.
func (d *Decentralized) routeKnown(env *protocol.Envelope) (Result, error) {
	target := env.TargetID
	if peer, err := d.reg.Lookup(target); err == nil {
		if err := peer.Send(env); err != nil {
			return NotFound, err
		}
		return Delivered, nil
	}
	d.mu.Lock()
	entry, known := d.remote[target]
	var link *transport.Peer
	if known {
		link = d.links[entry.nodeID]
	}
	d.mu.Unlock()
	if !known || link == nil {
		return NotFound, nil
	}
	if env.Hops >= maxForwardHops {
		return NotFound, fmt.Errorf("%w: hop budget exhausted for %q", ErrTargetUnreachable, target)
	}
	env.Hops++
	env.RelevantAgentID = target
	if err := link.Send(env); err != nil {
		return NotFound, err
	}
	return Delivered, nil
}

func (d *Decentralized) expirePending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[:0]
	now := time.Now()
	for _, pe := range d.pending {
		if now.After(pe.deadline) {
			slog.Debug("dropping queued envelope past deadline", "target", pe.env.TargetID)
			continue
		}
		kept = append(kept, pe)
	}
	d.pending = kept
}
