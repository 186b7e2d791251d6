// Package transport provides the framing and connection layer: a codec that
// turns envelopes into self-delimited frames, peers with bounded outbound
// queues and read/write pumps, and the WebSocket reference binding.
package transport

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Errors surfaced by transport operations. They are never retried inside the
// transport; the orchestrator decides what to do.
var (
	ErrPeerGone        = errors.New("peer is closed")
	ErrBackpressure    = errors.New("peer outbound queue is full")
	ErrPayloadTooLarge = errors.New("frame exceeds max message size")
	ErrInvalidPayload  = errors.New("frame is not a valid envelope")
)

// Handler receives transport callbacks. All methods may be called from
// concurrent peer goroutines.
type Handler interface {
	// HandlePeer is called once for each accepted or dialed peer.
	HandlePeer(p *Peer)
	// HandleEnvelope is called for every decoded inbound frame.
	HandleEnvelope(p *Peer, env *protocol.Envelope)
	// HandlePeerClosed is called exactly once when a peer's read pump ends.
	// err is nil on clean close.
	HandlePeerClosed(p *Peer, err error)
}

// Transport is the uniform contract every transport variant presents. Only
// the WebSocket duplex-stream variant is implemented.
type Transport interface {
	// Name identifies the transport variant ("websocket").
	Name() string
	// Listen binds addr and accepts inbound peers until ctx is cancelled.
	// It blocks; errors other than a clean shutdown are returned.
	Listen(ctx context.Context, addr string) error
	// Dial opens an outbound peer to addr.
	Dial(ctx context.Context, addr string, metadata map[string]string) (*Peer, error)
	// Close tears down the listener and all peers.
	Close(ctx context.Context) error
}
