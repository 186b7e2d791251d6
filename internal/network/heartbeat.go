package network

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// backgroundLoops runs the liveness machinery: a heartbeat emitter and a
// reaper that closes peers that stayed silent for two full intervals. The
// reaper ticks twice per interval so removal trails the cutoff by at most
// half an interval.
func (n *Network) backgroundLoops(ctx context.Context) {
	defer close(n.bgDone)

	interval := n.cfg.Network.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	reap := time.NewTicker(interval / 2)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			n.emitHeartbeats()
		case <-reap.C:
			n.reapStale(2 * interval)
		}
	}
}

func (n *Network) emitHeartbeats() {
	for _, p := range n.reg.Peers() {
		if err := p.Send(protocol.NewHeartbeat(n.cfg.Network.NodeID)); err != nil {
			slog.Debug("heartbeat dropped", "peer", p.ID, "error", err)
		}
	}
}

// reapStale closes every peer whose last activity predates the cutoff. The
// transport's close path then unbinds the agent and notifies the topology, so
// a reaped agent disappears from the directory.
func (n *Network) reapStale(maxSilence time.Duration) {
	cutoff := time.Now().Add(-maxSilence)
	for _, p := range n.reg.Peers() {
		if !p.LastSeen().After(cutoff) {
			slog.Info("reaping stale peer",
				"peer", p.ID,
				"agent", p.AgentID(),
				"last_seen", p.LastSeen())
			p.Close()
		}
	}
}
