package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmesh/internal/registry"
	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Client is the centralized topology in the client role: it holds a single
// peer to the coordinator, proxies registration and discovery to it, and
// hands off routing for any target not connected locally.
type Client struct {
	reg            *registry.Registry
	dialer         Dialer
	coordinatorURL string
	nodeID         string
	timeout        time.Duration
	retryAttempts  int

	mu      sync.Mutex
	coord   *transport.Peer
	pending map[string]chan *protocol.Envelope
}

// NewClient creates the client topology. The coordinator link is established
// on Start.
func NewClient(nodeID string, reg *registry.Registry, dialer Dialer, coordinatorURL string, timeout time.Duration, retryAttempts int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		reg:            reg,
		dialer:         dialer,
		coordinatorURL: coordinatorURL,
		nodeID:         nodeID,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		pending:        map[string]chan *protocol.Envelope{},
	}
}

// Mode implements Topology.
func (c *Client) Mode() string { return protocol.ModeCentralized }

// Start implements Topology: dial the coordinator, retrying up to the
// configured attempt count.
func (c *Client) Start(ctx context.Context) error {
	var lastErr error
	attempts := c.retryAttempts
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
		peer, err := c.dialer.Dial(ctx, c.coordinatorURL, map[string]string{"role": "node"})
		if err != nil {
			lastErr = err
			slog.Warn("coordinator dial failed", "url", c.coordinatorURL, "attempt", i+1, "error", err)
			continue
		}
		c.mu.Lock()
		c.coord = peer
		c.mu.Unlock()
		slog.Info("connected to coordinator", "url", c.coordinatorURL, "peer", peer.ID)
		return nil
	}
	return fmt.Errorf("connect coordinator %s: %w", c.coordinatorURL, lastErr)
}

// Shutdown implements Topology.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord != nil {
		c.coord.Close()
		c.coord = nil
	}
	return nil
}

// RegisterAgent implements Topology: the registration is proxied to the
// coordinator; on success the agent is also bound locally so envelopes
// arriving back over the coordinator link can be delivered.
func (c *Client) RegisterAgent(p *transport.Peer, req protocol.RegisterAgentRequest) error {
	var resp protocol.RegisterAgentResponse
	if err := c.roundTrip(protocol.CommandRegisterAgent, req.AgentID, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.ErrorKind == protocol.ErrKindDuplicateAgent {
			return registry.ErrDuplicateAgent
		}
		return fmt.Errorf("coordinator rejected registration: %s", resp.Error)
	}
	_, err := c.reg.Bind(p, req.AgentID, req.Metadata, req.Capabilities, true)
	return err
}

// UnregisterAgent implements Topology.
func (c *Client) UnregisterAgent(agentID string) error {
	var resp protocol.ErrorPayload
	req := protocol.UnregisterAgentRequest{AgentID: agentID}
	if err := c.roundTrip(protocol.CommandUnregisterAgent, agentID, req, &resp); err != nil {
		return err
	}
	return c.reg.Unbind(agentID)
}

// DiscoverAgents implements Topology: translated to a remote list_agents.
func (c *Client) DiscoverAgents(capabilities []string) ([]protocol.AgentInfo, error) {
	var resp protocol.ListAgentsResponse
	req := protocol.ListAgentsRequest{Capabilities: capabilities}
	if err := c.roundTrip(protocol.CommandListAgents, c.nodeID, req, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Route implements Topology: local targets are delivered directly, anything
// else is handed off to the coordinator.
func (c *Client) Route(env *protocol.Envelope) (Result, error) {
	if env.Type != protocol.TypeBroadcast && env.TargetID != "" {
		if peer, err := c.reg.Lookup(env.TargetID); err == nil {
			if err := peer.Send(env); err != nil {
				return NotFound, fmt.Errorf("%w: send to %q: %v", ErrTargetUnreachable, env.TargetID, err)
			}
			return Delivered, nil
		}
	}
	coord := c.coordinator()
	if coord == nil {
		return NotFound, fmt.Errorf("%w: no coordinator link", ErrTargetUnreachable)
	}
	if err := coord.Send(env); err != nil {
		return NotFound, fmt.Errorf("%w: coordinator handoff: %v", ErrTargetUnreachable, err)
	}
	return Delivered, nil
}

// HandleNodeEnvelope consumes system responses arriving on the coordinator
// link and completes the matching pending round-trip.
func (c *Client) HandleNodeEnvelope(p *transport.Peer, env *protocol.Envelope) bool {
	if env.Type != protocol.TypeSystemResponse || env.RequestID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

// PeerClosed drops the coordinator link when it goes away; subsequent
// operations fail until a caller restarts the topology.
func (c *Client) PeerClosed(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord != nil && c.coord.ID == peerID {
		slog.Warn("coordinator link lost", "peer", peerID)
		c.coord = nil
	}
}

// IsCoordinatorPeer reports whether the given peer handle is the coordinator
// link.
func (c *Client) IsCoordinatorPeer(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord != nil && c.coord.ID == peerID
}

func (c *Client) coordinator() *transport.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord
}

// roundTrip sends a system request on the coordinator link and waits for the
// correlated response.
func (c *Client) roundTrip(command, senderID string, payload, out any) error {
	coord := c.coordinator()
	if coord == nil {
		return fmt.Errorf("no coordinator link")
	}
	requestID := uuid.NewString()
	env, err := protocol.NewSystemRequest(command, requestID, senderID, payload)
	if err != nil {
		return err
	}
	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := coord.Send(env); err != nil {
		return fmt.Errorf("send %s to coordinator: %w", command, err)
	}
	select {
	case resp := <-ch:
		return resp.DecodeContent(out)
	case <-time.After(c.timeout):
		return fmt.Errorf("%s: coordinator did not respond within %s", command, c.timeout)
	}
}
