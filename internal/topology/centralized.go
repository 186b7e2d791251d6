package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentmesh/internal/registry"
	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Coordinator is the centralized topology in the coordinator role: it owns
// the authoritative registry and routes every envelope through it.
type Coordinator struct {
	reg    *registry.Registry
	nodeID string
}

// NewCoordinator creates the coordinator topology over the node's registry.
func NewCoordinator(nodeID string, reg *registry.Registry) *Coordinator {
	return &Coordinator{reg: reg, nodeID: nodeID}
}

// Mode implements Topology.
func (c *Coordinator) Mode() string { return protocol.ModeCentralized }

// Start implements Topology. The coordinator has no background work; the
// transport's listener is owned by the orchestrator.
func (c *Coordinator) Start(ctx context.Context) error { return nil }

// Shutdown implements Topology.
func (c *Coordinator) Shutdown(ctx context.Context) error { return nil }

// RegisterAgent implements Topology: registration is local.
func (c *Coordinator) RegisterAgent(p *transport.Peer, req protocol.RegisterAgentRequest) error {
	displaced, err := c.reg.Bind(p, req.AgentID, req.Metadata, req.Capabilities, req.ForceReconnect)
	if err != nil {
		return err
	}
	if displaced != nil {
		slog.Info("agent rebound, prior peer displaced",
			"agent", req.AgentID, "old_peer", displaced.ID, "new_peer", p.ID)
	}
	return nil
}

// UnregisterAgent implements Topology.
func (c *Coordinator) UnregisterAgent(agentID string) error {
	return c.reg.Unbind(agentID)
}

// DiscoverAgents implements Topology.
func (c *Coordinator) DiscoverAgents(capabilities []string) ([]protocol.AgentInfo, error) {
	return c.reg.List(capabilities), nil
}

// Route implements Topology. Direct envelopes are delivered to the target's
// peer; broadcasts fan out to every registered agent except the sender. Send
// failures are surfaced to the caller, which decides whether to notify the
// sender.
func (c *Coordinator) Route(env *protocol.Envelope) (Result, error) {
	if env.Type == protocol.TypeBroadcast {
		return c.broadcast(env)
	}
	target := env.TargetID
	if target == "" {
		return NotFound, fmt.Errorf("%w: envelope has no target", ErrTargetUnreachable)
	}
	peer, err := c.reg.Lookup(target)
	if err != nil {
		return NotFound, fmt.Errorf("%w: agent %q not registered", ErrTargetUnreachable, target)
	}
	if err := peer.Send(env); err != nil {
		return NotFound, fmt.Errorf("%w: send to %q: %v", ErrTargetUnreachable, target, err)
	}
	return Delivered, nil
}

func (c *Coordinator) broadcast(env *protocol.Envelope) (Result, error) {
	var errs []error
	for _, info := range c.reg.List(nil) {
		if info.AgentID == env.SenderID {
			continue
		}
		peer, err := c.reg.Lookup(info.AgentID)
		if err != nil {
			continue // unbound between snapshot and send
		}
		if err := peer.Send(env); err != nil {
			errs = append(errs, fmt.Errorf("broadcast to %q: %w", info.AgentID, err))
		}
	}
	return Delivered, errors.Join(errs...)
}
