package topology

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentmesh/internal/transport"
	"github.com/nextlevelbuilder/agentmesh/pkg/protocol"
)

// fakeConn records written frames; reads block until the conn is torn down.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, io.EOF
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type nopHandler struct{}

func (nopHandler) HandlePeer(*transport.Peer)                         {}
func (nopHandler) HandleEnvelope(*transport.Peer, *protocol.Envelope) {}
func (nopHandler) HandlePeerClosed(*transport.Peer, error)            {}

var testCodec = transport.NewCodec(1 << 20)

// livePeer returns a peer whose writer pump is running over a fakeConn, so
// sent envelopes can be observed as decoded frames.
func livePeer(t *testing.T, outbound bool) (*transport.Peer, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	p := transport.NewPeer(conn, testCodec, 32, outbound)
	go p.Run(nopHandler{})
	t.Cleanup(p.Close)
	return p, conn
}

// frames waits until at least n frames were written and decodes them.
func (c *fakeConn) frames(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		count := len(c.written)
		c.mu.Unlock()
		if count >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d frames, want %d", count, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(c.written))
	for _, data := range c.written {
		env, err := testCodec.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// decoded returns the decodable frames written so far. Safe outside the test
// goroutine: failures are skipped instead of reported.
func (c *fakeConn) decoded() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(c.written))
	for _, data := range c.written {
		if env, err := testCodec.Decode(data); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// frameCount returns how many frames were written so far.
func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}
