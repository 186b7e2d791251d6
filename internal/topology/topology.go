// Package topology implements agent registration, directory and routing for
// the two network modes: a centralized hub (coordinator or client role) and a
// decentralized peer mesh seeded by bootstrap nodes.
package topology

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Result reports the outcome of a route operation.
type Result int

const (
	// Delivered means the envelope was handed to the target's peer (or all
	// broadcast targets).
	Delivered Result = iota
	// Queued means the target is unknown and the envelope waits for
	// discovery up to a deadline.
	Queued
	// NotFound means the target could not be resolved.
	NotFound
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "not-found"
	}
}

// ErrTargetUnreachable wraps routing failures surfaced to the originating
// mod.
var ErrTargetUnreachable = errors.New("target unreachable")

// Topology is the contract both network modes implement.
type Topology interface {
	// Mode returns "centralized" or "decentralized".
	Mode() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// RegisterAgent binds a peer to an agent id. In centralized-client role
	// the binding is proxied to the coordinator first.
	RegisterAgent(p *transport.Peer, req protocol.RegisterAgentRequest) error
	// UnregisterAgent removes an agent from the directory.
	UnregisterAgent(agentID string) error
	// DiscoverAgents returns the directory view, optionally filtered by
	// capability tags.
	DiscoverAgents(capabilities []string) ([]protocol.AgentInfo, error)
	// Route delivers an envelope toward its target agent (or all agents for
	// a broadcast).
	Route(env *protocol.Envelope) (Result, error)
}

// Dialer opens outbound peers; the websocket transport satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string, metadata map[string]string) (*transport.Peer, error)
}

// NodeEnvelopeHandler is implemented by topologies that consume node-to-node
// envelopes (presence digests, locate queries, proxied system responses).
// HandleNodeEnvelope returns true when the envelope was consumed.
type NodeEnvelopeHandler interface {
	HandleNodeEnvelope(p *transport.Peer, env *protocol.Envelope) bool
}

// PeerClosedObserver is implemented by topologies that track node links and
// need to clean up when one drops.
type PeerClosedObserver interface {
	PeerClosed(peerID string)
}
