package network

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentmesh/internal/mods"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

const modQueueSize = 256

type delivery struct {
	peerID string
	env    *protocol.Envelope
	dir    *dirEvent
}

type dirEvent struct {
	agentID string
	joined  bool
}

// modHost runs one goroutine per mod draining a bounded queue, so each mod
// sees its envelopes as a serialized sequence while distinct mods proceed
// concurrently.
type modHost struct {
	n      *Network
	queues map[string]chan delivery
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newModHost(n *Network) *modHost {
	h := &modHost{n: n, queues: map[string]chan delivery{}}
	for _, mod := range n.modList {
		h.queues[mod.Name()] = make(chan delivery, modQueueSize)
	}
	return h
}

func (h *modHost) start() {
	for _, mod := range h.n.modList {
		h.wg.Add(1)
		go h.run(mod, h.queues[mod.Name()])
	}
}

func (h *modHost) run(mod mods.Mod, queue chan delivery) {
	defer h.wg.Done()
	for d := range queue {
		if d.dir != nil {
			if obs, ok := mod.(mods.DirectoryObserver); ok {
				obs.OnDirectoryUpdated(d.dir.agentID, d.dir.joined)
			}
			continue
		}
		_, span := h.n.tracer.Start(context.Background(), "mod.handle",
			trace.WithAttributes(
				attribute.String("mod", mod.Name()),
				attribute.String("envelope.sender", d.env.SenderID),
			))
		if err := mod.OnEnvelope(d.peerID, d.env); err != nil {
			slog.Warn("mod handler failed", "mod", mod.Name(), "error", err)
			if p, ok := h.n.reg.Peer(d.peerID); ok {
				p.Send(protocol.NewErrorEnvelope(d.env, protocol.ErrKindInvalidPayload, err.Error()))
			}
		}
		span.End()
	}
}

// deliver enqueues one envelope for a mod. A saturated queue sheds the
// envelope with a backpressure error to the sender rather than stalling the
// read pump.
func (h *modHost) deliver(mod mods.Mod, peerID string, env *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	queue, ok := h.queues[mod.Name()]
	if !ok || h.stopped {
		return
	}
	select {
	case queue <- delivery{peerID: peerID, env: env}:
	default:
		slog.Warn("mod queue saturated, dropping envelope", "mod", mod.Name(), "sender", env.SenderID)
		if p, ok := h.n.reg.Peer(peerID); ok {
			p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindBackpressure, "mod queue saturated"))
		}
	}
}

// notifyDirectory fans a registry change out to every observing mod, on the
// same queues as envelopes. Saturation drops the event; the next list_agents
// reflects the truth anyway.
func (h *modHost) notifyDirectory(agentID string, joined bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	for _, mod := range h.n.modList {
		if _, ok := mod.(mods.DirectoryObserver); !ok {
			continue
		}
		select {
		case h.queues[mod.Name()] <- delivery{dir: &dirEvent{agentID: agentID, joined: joined}}:
		default:
			slog.Warn("mod queue saturated, dropping directory event", "mod", mod.Name(), "agent", agentID)
		}
	}
}

// stop closes the queues and waits for in-flight handlers up to the context
// deadline.
func (h *modHost) stop(ctx context.Context) {
	h.mu.Lock()
	h.stopped = true
	for _, queue := range h.queues {
		close(queue)
	}
	h.mu.Unlock()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("mod drain window expired")
	}
}
