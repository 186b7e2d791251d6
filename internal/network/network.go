// Package network is the node orchestrator: it owns the transports, the
// topology, the peer registry and the mod host, dispatches every inbound
// envelope, and runs the liveness machinery.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentmesh/internal/config"
	"github.com/nextlevelbuilder/agentmesh/internal/mods"
	"github.com/nextlevelbuilder/agentmesh/internal/mods/thread"
	"github.com/nextlevelbuilder/agentmesh/internal/registry"
	"github.com/nextlevelbuilder/agentmesh/internal/topology"
	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Network ties the transport, topology and mods together. It implements
// transport.Handler for inbound traffic and mods.Runtime for mod callbacks.
type Network struct {
	cfg  *config.Config
	reg  *registry.Registry
	ws   *transport.WebSocket
	topo topology.Topology

	modList []mods.Mod
	modsByN map[string]mods.Mod
	host    *modHost

	msgID  atomic.Uint64
	tracer trace.Tracer

	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// New builds a node from its configuration. Unknown enabled mods are a fatal
// startup error.
func New(cfg *config.Config) (*Network, error) {
	n := &Network{
		cfg:     cfg,
		reg:     registry.New(cfg.Network.NodeID),
		modsByN: map[string]mods.Mod{},
		tracer:  otel.Tracer("agentmesh/network"),
	}

	n.ws = transport.NewWebSocket(transport.Options{
		MaxMessageSize:   cfg.Network.MaxMessageSize,
		MaxConnections:   cfg.Network.MaxConnections,
		OutboundQueue:    cfg.Network.OutboundQueue,
		ConnectRateLimit: cfg.Network.ConnectRateLimit,
		TLSCertFile:      cfg.Network.TLSCertFile,
		TLSKeyFile:       cfg.Network.TLSKeyFile,
	}, n)

	switch {
	case cfg.Network.Mode == protocol.ModeDecentralized:
		n.topo = topology.NewDecentralized(cfg.Network.NodeID, n.reg, n.ws,
			cfg.Network.BootstrapNodes, cfg.Network.DiscoveryInterval,
			cfg.Network.ConnectionTimeout, cfg.Network.RetryAttempts)
	case cfg.Network.CoordinatorURL != "":
		n.topo = topology.NewClient(cfg.Network.NodeID, n.reg, n.ws,
			cfg.Network.CoordinatorURL, cfg.Network.ConnectionTimeout,
			cfg.Network.RetryAttempts)
	default:
		n.topo = topology.NewCoordinator(cfg.Network.NodeID, n.reg)
	}

	for _, mc := range cfg.EnabledMods() {
		mod, err := buildMod(mc)
		if err != nil {
			return nil, err
		}
		n.modList = append(n.modList, mod)
		n.modsByN[mod.Name()] = mod
	}
	n.host = newModHost(n)
	return n, nil
}

func buildMod(mc config.ModConfig) (mods.Mod, error) {
	switch mc.Name {
	case thread.ModName:
		return thread.New(mc.Config)
	default:
		return nil, fmt.Errorf("unknown mod %q", mc.Name)
	}
}

// Registry exposes the peer registry; used by tests.
func (n *Network) Registry() *registry.Registry { return n.reg }

// Topology exposes the active topology; used by tests.
func (n *Network) Topology() topology.Topology { return n.topo }

// Mod returns an enabled mod by name.
func (n *Network) Mod(name string) (mods.Mod, bool) {
	m, ok := n.modsByN[name]
	return m, ok
}

// Start brings the node up in order (snapshot, topology, mods, listeners and
// background tasks) and then blocks serving the transport until ctx is
// cancelled. The returned error is nil on clean shutdown.
func (n *Network) Start(ctx context.Context) error {
	if n.cfg.Snapshot.Enabled {
		if err := n.loadSnapshot(); err != nil {
			slog.Warn("snapshot not restored", "path", n.cfg.Snapshot.Path, "error", err)
		}
	}

	if err := n.topo.Start(ctx); err != nil {
		return fmt.Errorf("start topology: %w", err)
	}
	for _, mod := range n.modList {
		if err := mod.OnStart(n); err != nil {
			return fmt.Errorf("start mod %q: %w", mod.Name(), err)
		}
	}
	n.host.start()

	bgCtx, cancel := context.WithCancel(context.Background())
	n.bgCancel = cancel
	n.bgDone = make(chan struct{})
	go n.backgroundLoops(bgCtx)

	addr := fmt.Sprintf("%s:%d", n.cfg.Network.Host, n.cfg.Network.Port)
	slog.Info("node starting",
		"network", n.cfg.Network.Name,
		"node", n.cfg.Network.NodeID,
		"mode", n.topo.Mode(),
		"addr", addr,
		"mods", len(n.modList))
	return n.ws.Listen(ctx, addr)
}

// Shutdown reverses the startup order: transports stop accepting, mods get a
// bounded drain window, the topology closes its links, and the optional
// snapshot is written.
func (n *Network) Shutdown(ctx context.Context) error {
	if n.bgCancel != nil {
		n.bgCancel()
		select {
		case <-n.bgDone:
		case <-ctx.Done():
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n.host.stop(drainCtx)
	for i := len(n.modList) - 1; i >= 0; i-- {
		if err := n.modList[i].OnShutdown(drainCtx); err != nil {
			slog.Warn("mod shutdown", "mod", n.modList[i].Name(), "error", err)
		}
	}

	if err := n.topo.Shutdown(ctx); err != nil {
		slog.Warn("topology shutdown", "error", err)
	}
	if err := n.ws.Close(ctx); err != nil {
		slog.Warn("transport close", "error", err)
	}

	if n.cfg.Snapshot.Enabled {
		if err := n.writeSnapshot(); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}

// ---- transport.Handler ----

// HandlePeer implements transport.Handler.
func (n *Network) HandlePeer(p *transport.Peer) {
	n.reg.AddPeer(p)
}

// HandlePeerClosed implements transport.Handler.
func (n *Network) HandlePeerClosed(p *transport.Peer, err error) {
	unbound := n.reg.RemovePeer(p.ID)
	if obs, ok := n.topo.(topology.PeerClosedObserver); ok {
		obs.PeerClosed(p.ID)
	}
	if len(unbound) == 0 {
		slog.Debug("peer closed", "peer", p.ID, "error", err)
		return
	}
	for _, agentID := range unbound {
		slog.Info("agent disconnected", "agent", agentID, "peer", p.ID, "error", err)
		n.host.notifyDirectory(agentID, false)
	}
}

// HandleEnvelope implements transport.Handler: the inbound dispatch path.
func (n *Network) HandleEnvelope(p *transport.Peer, env *protocol.Envelope) {
	if env.MessageID == 0 {
		env.MessageID = n.msgID.Add(1)
	}
	n.reg.Touch(p.ID)

	_, span := n.tracer.Start(context.Background(), "network.dispatch",
		trace.WithAttributes(
			attribute.String("envelope.type", string(env.Type)),
			attribute.String("envelope.sender", env.SenderID),
		))
	defer span.End()

	switch env.Type {
	case protocol.TypeSystemRequest:
		if h, ok := n.topo.(topology.NodeEnvelopeHandler); ok && h.HandleNodeEnvelope(p, env) {
			return
		}
		n.handleSystemRequest(p, env)

	case protocol.TypeSystemResponse:
		if h, ok := n.topo.(topology.NodeEnvelopeHandler); ok && h.HandleNodeEnvelope(p, env) {
			return
		}
		slog.Debug("unsolicited system response", "peer", p.ID, "command", env.Command)

	case protocol.TypeHeartbeat:
		p.Send(protocol.NewHeartbeatResponse(p.AgentID()))

	case protocol.TypeHeartbeatResponse:
		// Touch above already stamped last-seen.

	case protocol.TypeModMessage:
		mod, ok := n.modsByN[env.Mod]
		if !ok {
			p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindUnknownMod,
				fmt.Sprintf("mod %q is not enabled", env.Mod)))
			return
		}
		n.host.deliver(mod, p.ID, env)

	case protocol.TypeMessage, protocol.TypeBroadcast:
		res, err := n.topo.Route(env)
		if err != nil || res == topology.NotFound {
			msg := "target not found"
			if err != nil {
				msg = err.Error()
			}
			p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindTargetUnreachable, msg))
		}
	}
}

// ---- mods.Runtime ----

// NodeID implements mods.Runtime.
func (n *Network) NodeID() string { return n.cfg.Network.NodeID }

// NetworkName implements mods.Runtime.
func (n *Network) NetworkName() string { return n.cfg.Network.Name }

// Mode implements mods.Runtime.
func (n *Network) Mode() string { return n.topo.Mode() }

// HasAgent implements mods.Runtime: checks the full directory view,
// including remote agents in decentralized mode.
func (n *Network) HasAgent(agentID string) bool {
	if _, err := n.reg.Info(agentID); err == nil {
		return true
	}
	infos, err := n.topo.DiscoverAgents(nil)
	if err != nil {
		return false
	}
	for _, info := range infos {
		if info.AgentID == agentID {
			return true
		}
	}
	return false
}

// ListAgents implements mods.Runtime.
func (n *Network) ListAgents(capabilities []string) []protocol.AgentInfo {
	infos, err := n.topo.DiscoverAgents(capabilities)
	if err != nil {
		slog.Warn("discover agents", "error", err)
		return nil
	}
	return infos
}

// SendToAgent implements mods.Runtime: route one envelope toward an agent.
func (n *Network) SendToAgent(agentID string, env *protocol.Envelope) error {
	env.TargetID = agentID
	if env.MessageID == 0 {
		env.MessageID = n.msgID.Add(1)
	}
	res, err := n.topo.Route(env)
	if err != nil {
		return err
	}
	if res == topology.NotFound {
		return fmt.Errorf("%w: agent %q", topology.ErrTargetUnreachable, agentID)
	}
	return nil
}

// ---- system requests ----

func (n *Network) handleSystemRequest(p *transport.Peer, env *protocol.Envelope) {
	switch env.Command {
	case protocol.CommandRegisterAgent:
		n.handleRegisterAgent(p, env)
	case protocol.CommandUnregisterAgent:
		n.handleUnregisterAgent(p, env)
	case protocol.CommandListAgents:
		n.handleListAgents(p, env)
	case protocol.CommandListMods:
		n.reply(p, env, protocol.ListModsResponse{Success: true, Mods: n.modNames()})
	case protocol.CommandGetNetworkInfo:
		n.reply(p, env, protocol.GetNetworkInfoResponse{
			Success: true,
			NetworkInfo: protocol.NetworkInfo{
				Name:       n.cfg.Network.Name,
				NodeID:     n.cfg.Network.NodeID,
				Mode:       n.topo.Mode(),
				Mods:       n.modNames(),
				AgentCount: n.reg.Count(),
			},
		})
	default:
		p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindUnknownCommand,
			fmt.Sprintf("unknown command %q", env.Command)))
	}
}

func (n *Network) handleRegisterAgent(p *transport.Peer, env *protocol.Envelope) {
	var req protocol.RegisterAgentRequest
	if err := env.DecodeContent(&req); err != nil || req.AgentID == "" {
		p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindInvalidPayload,
			"register_agent requires agent_id"))
		return
	}
	if err := n.topo.RegisterAgent(p, req); err != nil {
		resp := protocol.RegisterAgentResponse{Success: false, Error: err.Error()}
		if errors.Is(err, registry.ErrDuplicateAgent) {
			resp.ErrorKind = protocol.ErrKindDuplicateAgent
			resp.Error = "agent already connected"
		}
		n.reply(p, env, resp)
		return
	}
	slog.Info("agent registered", "agent", req.AgentID, "peer", p.ID, "force", req.ForceReconnect)
	n.host.notifyDirectory(req.AgentID, true)
	n.reply(p, env, protocol.RegisterAgentResponse{
		Success:     true,
		NetworkName: n.cfg.Network.Name,
		NodeID:      n.cfg.Network.NodeID,
		AgentID:     req.AgentID,
	})
}

func (n *Network) handleUnregisterAgent(p *transport.Peer, env *protocol.Envelope) {
	var req protocol.UnregisterAgentRequest
	if err := env.DecodeContent(&req); err != nil || req.AgentID == "" {
		p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindInvalidPayload,
			"unregister_agent requires agent_id"))
		return
	}
	if err := n.topo.UnregisterAgent(req.AgentID); err != nil {
		p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindNotRegistered, err.Error()))
		return
	}
	slog.Info("agent unregistered", "agent", req.AgentID)
	n.host.notifyDirectory(req.AgentID, false)
	n.reply(p, env, protocol.AckResponse{Success: true})
}

func (n *Network) handleListAgents(p *transport.Peer, env *protocol.Envelope) {
	var req protocol.ListAgentsRequest
	if len(env.Content) > 0 {
		env.DecodeContent(&req)
	}
	infos, err := n.topo.DiscoverAgents(req.Capabilities)
	if err != nil {
		p.Send(protocol.NewErrorEnvelope(env, protocol.ErrKindTargetUnreachable, err.Error()))
		return
	}
	n.reply(p, env, protocol.ListAgentsResponse{Success: true, Agents: infos})
}

func (n *Network) reply(p *transport.Peer, req *protocol.Envelope, payload any) {
	resp, err := protocol.NewSystemResponse(req, payload)
	if err != nil {
		slog.Warn("encode system response", "command", req.Command, "error", err)
		return
	}
	resp.MessageID = n.msgID.Add(1)
	if err := p.Send(resp); err != nil {
		slog.Debug("system response dropped", "peer", p.ID, "error", err)
	}
}

func (n *Network) modNames() []string {
	names := make([]string, 0, len(n.modList))
	for _, m := range n.modList {
		names = append(names, m.Name())
	}
	return names
}
