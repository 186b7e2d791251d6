package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// Options configures the WebSocket transport.
type Options struct {
	MaxMessageSize int64
	MaxConnections int
	OutboundQueue  int
	// ConnectRateLimit caps accepted upgrades per minute; 0 disables.
	ConnectRateLimit int
	AllowedOrigins   []string
	TLSCertFile      string
	TLSKeyFile       string
}

// WebSocket is the reference transport: long-lived duplex streams carrying
// one JSON envelope per text frame.
type WebSocket struct {
	opts    Options
	codec   *Codec
	handler Handler

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu    sync.RWMutex
	peers map[string]*Peer

	httpServer *http.Server
}

// NewWebSocket creates the transport. The handler receives every accepted or
// dialed peer and all inbound envelopes.
func NewWebSocket(opts Options, handler Handler) *WebSocket {
	t := &WebSocket{
		opts:    opts,
		codec:   NewCodec(opts.MaxMessageSize),
		handler: handler,
		peers:   map[string]*Peer{},
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     t.checkOrigin,
	}
	if opts.ConnectRateLimit > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(float64(opts.ConnectRateLimit)/60.0), 5)
	}
	return t
}

// Name implements Transport.
func (t *WebSocket) Name() string { return "websocket" }

// Codec exposes the transport's frame codec.
func (t *WebSocket) Codec() *Codec { return t.codec }

// checkOrigin validates browser origins against the whitelist. Empty Origin
// headers (agents, node links, CLI) are always allowed.
func (t *WebSocket) checkOrigin(r *http.Request) bool {
	if len(t.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range t.opts.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("rejected websocket origin", "origin", origin)
	return false
}

// Listen implements Transport. It blocks until ctx is cancelled or the
// listener fails.
func (t *WebSocket) Listen(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWebSocket)
	mux.HandleFunc("/health", t.handleHealth)

	t.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("transport listening", "transport", t.Name(), "addr", addr, "tls", t.opts.TLSCertFile != "")

	var err error
	if t.opts.TLSCertFile != "" {
		err = t.httpServer.ListenAndServeTLS(t.opts.TLSCertFile, t.opts.TLSKeyFile)
	} else {
		err = t.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	return nil
}

// Dial implements Transport: it opens an outbound peer to a node or
// coordinator at addr (host:port or ws:// URL).
func (t *WebSocket) Dial(ctx context.Context, addr string, metadata map[string]string) (*Peer, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/ws") {
		url = strings.TrimSuffix(url, "/") + "/ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	peer := NewPeer(conn, t.codec, t.opts.OutboundQueue, true)
	peer.SetMetadata(metadata)
	t.addPeer(peer)
	t.handler.HandlePeer(peer)
	go func() {
		peer.Run(t.handler)
		t.removePeer(peer)
	}()
	return peer, nil
}

// Close implements Transport.
func (t *WebSocket) Close(ctx context.Context) error {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
	if t.httpServer != nil {
		return t.httpServer.Shutdown(ctx)
	}
	return nil
}

func (t *WebSocket) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if t.limiter != nil && !t.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	if t.opts.MaxConnections > 0 && t.peerCount() >= t.opts.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	peer := NewPeer(conn, t.codec, t.opts.OutboundQueue, false)
	t.addPeer(peer)
	t.handler.HandlePeer(peer)
	slog.Debug("peer accepted", "peer", peer.ID, "remote", r.RemoteAddr)

	peer.Run(t.handler)
	t.removePeer(peer)
}

func (t *WebSocket) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"peers":%d}`, protocol.ProtocolVersion, t.peerCount())
}

func (t *WebSocket) addPeer(p *Peer) {
	t.mu.Lock()
	t.peers[p.ID] = p
	t.mu.Unlock()
}

func (t *WebSocket) removePeer(p *Peer) {
	t.mu.Lock()
	delete(t.peers, p.ID)
	t.mu.Unlock()
}

func (t *WebSocket) peerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
