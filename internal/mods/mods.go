// Package mods defines the contract between the orchestrator and pluggable
// application modules. Mods are a static registry built at startup from
// configuration; each mod is a concrete type implementing Mod.
package mods

import (
	"context"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Runtime is the orchestrator surface exposed to mods. Implemented by
// *network.Network.
type Runtime interface {
	NodeID() string
	NetworkName() string
	Mode() string

	// SendToAgent routes an envelope to a single agent, local or remote.
	SendToAgent(agentID string, env *protocol.Envelope) error
	// HasAgent reports whether an agent id is in the node's directory view.
	HasAgent(agentID string) bool
	// ListAgents returns the node's directory view, optionally filtered by
	// capability tags.
	ListAgents(capabilities []string) []protocol.AgentInfo
}

// Mod is the capability set every module implements. The mod host guarantees
// a mod sees its inbound envelopes as a serialized sequence; different mods
// may run concurrently.
type Mod interface {
	// Name is the mod name envelopes are addressed to.
	Name() string
	// OnStart is called once before the node starts listening.
	OnStart(rt Runtime) error
	// OnEnvelope handles one inbound envelope addressed to this mod.
	// senderPeer is the handle of the peer the envelope arrived on.
	OnEnvelope(senderPeer string, env *protocol.Envelope) error
	// OnShutdown is given a bounded drain window.
	OnShutdown(ctx context.Context) error
}

// DirectoryObserver is implemented by mods that track agent arrivals and
// departures. Events are delivered on the mod's own queue, so they never
// race the mod's envelopes.
type DirectoryObserver interface {
	OnDirectoryUpdated(agentID string, joined bool)
}

// Snapshotter is implemented by mods whose state participates in the
// optional node snapshot.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreState(data []byte) error
}
