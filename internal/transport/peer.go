package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Conn is the duplex stream a peer wraps. *websocket.Conn satisfies it; tests
// substitute in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

const (
	defaultDrainTimeout = 3 * time.Second
	writeTimeout        = 10 * time.Second
)

// Peer is one live connection. It owns a bounded outbound queue drained by a
// single writer goroutine, which gives per-stream FIFO delivery. The rest of
// the system holds only the peer handle (ID) and resolves it through the
// registry, so a reaped peer is observed as not-found rather than dangling.
type Peer struct {
	ID       string
	Outbound bool // true when this side dialed

	conn  Conn
	codec *Codec
	out   chan *protocol.Envelope

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	agentID  string
	metadata map[string]string

	lastSeen atomic.Int64 // unix nanos

	drainTimeout time.Duration
}

// NewPeer wraps a connection. queueSize is the outbound high-water mark.
func NewPeer(conn Conn, codec *Codec, queueSize int, outbound bool) *Peer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Peer{
		ID:           uuid.NewString(),
		Outbound:     outbound,
		conn:         conn,
		codec:        codec,
		out:          make(chan *protocol.Envelope, queueSize),
		closed:       make(chan struct{}),
		metadata:     map[string]string{},
		drainTimeout: defaultDrainTimeout,
	}
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

// Send enqueues one envelope for the writer. It fails with ErrPeerGone if the
// peer is closed and ErrBackpressure if the queue is saturated.
func (p *Peer) Send(env *protocol.Envelope) error {
	select {
	case <-p.closed:
		return ErrPeerGone
	default:
	}
	select {
	case p.out <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close marks the peer closed. The writer drains in-flight envelopes up to
// the drain deadline, then tears down the stream. Safe to call repeatedly.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// SetAgentID binds the peer to an agent identifier.
func (p *Peer) SetAgentID(id string) {
	p.mu.Lock()
	p.agentID = id
	p.mu.Unlock()
}

// AgentID returns the bound agent identifier, empty until registration.
func (p *Peer) AgentID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.agentID
}

// SetMetadata replaces the peer metadata map.
func (p *Peer) SetMetadata(md map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata = map[string]string{}
	for k, v := range md {
		p.metadata[k] = v
	}
}

// Metadata returns a copy of the peer metadata.
func (p *Peer) Metadata() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// Touch updates the peer's last-seen timestamp.
func (p *Peer) Touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the last time a frame or heartbeat reply was observed.
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Run starts the read and write pumps and blocks until the read pump ends.
// The handler's HandlePeerClosed is invoked exactly once on exit.
func (p *Peer) Run(h Handler) {
	go p.writePump()
	err := p.readPump(h)
	p.Close()
	h.HandlePeerClosed(p, err)
}

func (p *Peer) readPump(h Handler) error {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closed:
				return nil
			default:
			}
			return err
		}
		env, err := p.codec.Decode(data)
		if err != nil {
			// Oversized or malformed frames are protocol violations: reply
			// with an error envelope and close the stream. The reply is
			// enqueued, never written here; the writer pump is the only
			// goroutine allowed to touch the conn, and drain flushes the
			// queue on close.
			kind := protocol.ErrKindInvalidPayload
			if errors.Is(err, ErrPayloadTooLarge) {
				kind = protocol.ErrKindPayloadTooLarge
			}
			p.Send(protocol.NewErrorEnvelope(&protocol.Envelope{Type: protocol.TypeModMessage}, kind, err.Error()))
			return fmt.Errorf("protocol violation from peer %s: %w", p.ID, err)
		}
		p.Touch()
		h.HandleEnvelope(p, env)
	}
}

func (p *Peer) writePump() {
	defer p.conn.Close()
	for {
		select {
		case env := <-p.out:
			if !p.writeFrame(env) {
				return
			}
		case <-p.closed:
			p.drain()
			return
		}
	}
}

// drain flushes queued envelopes up to the drain deadline, then sends a close
// frame.
func (p *Peer) drain() {
	deadline := time.Now().Add(p.drainTimeout)
	for {
		if time.Now().After(deadline) {
			break
		}
		select {
		case env := <-p.out:
			if !p.writeFrame(env) {
				return
			}
		default:
			p.conn.SetWriteDeadline(time.Now().Add(time.Second))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (p *Peer) writeFrame(env *protocol.Envelope) bool {
	data, err := p.codec.Encode(env)
	if err != nil {
		slog.Warn("dropping unencodable envelope", "peer", p.ID, "error", err)
		return true
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("peer write failed", "peer", p.ID, "error", err)
		p.Close()
		return false
	}
	return true
}
