package ioloop

import (
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/handshake"
	"rtmfp/internal/core/session"
	"rtmfp/internal/core/writer"
)

// captureRouter records every message delivered to the session's main flow
// and reports itself as having no sub-flows, enough to satisfy FlowRouter
// for a test double.
type captureRouter struct {
	mu        sync.Mutex
	delivered [][]byte
}

func (r *captureRouter) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	r.mu.Lock()
	r.delivered = append(r.delivered, append([]byte{}, payload...))
	r.mu.Unlock()
}
func (r *captureRouter) OnFlowComplete(flowID uint64) {}
func (r *captureRouter) SubFlow(flowID uint64) (flowHandler, bool) { return nil, false }

// testBindings hands out a fresh captureRouter for every established
// session and records it, keyed by session id, so a test can inspect it.
type testBindings struct {
	mu       sync.Mutex
	routers  map[uint32]*captureRouter
	sessions []*session.Session
}

func newTestBindings() *testBindings {
	return &testBindings{routers: make(map[uint32]*captureRouter)}
}

func (b *testBindings) BindEstablished(h *handshake.Handshake, sess *session.Session, cmdOut *writer.Writer) FlowRouter {
	r := &captureRouter{}
	b.mu.Lock()
	b.routers[sess.ID()] = r
	b.sessions = append(b.sessions, sess)
	b.mu.Unlock()
	return r
}

func (b *testBindings) SessionClosed(sess *session.Session) {}

func (b *testBindings) established() []*session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*session.Session(nil), b.sessions...)
}

func newTestLoop(t *testing.T, bindings Bindings) *Loop {
	t.Helper()
	l, err := New(Config{
		ListenAddr:   "127.0.0.1:0",
		Keepalive:    30 * time.Second,
		CloseTimeout: 95 * time.Second,
	}, bindings, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go l.Run()
	t.Cleanup(func() { l.Close() })
	return l
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestClientServerHandshakeEstablishesSessions drives a full HS30/70/38/78
// exchange between two Loops over real loopback UDP sockets and checks each
// side ends up with a Session whose id/peer-id cross-reference the other.
func TestClientServerHandshakeEstablishesSessions(t *testing.T) {
	serverBindings := newTestBindings()
	server := newTestLoop(t, serverBindings)

	clientBindings := newTestBindings()
	client := newTestLoop(t, clientBindings)

	if _, err := client.StartClient(server.Addr(), []byte("rtmfp://localhost/live")); err != nil {
		t.Fatalf("StartClient: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(serverBindings.established()) == 1 && len(clientBindings.established()) == 1
	})

	serverSess := serverBindings.established()[0]
	clientSess := clientBindings.established()[0]

	if serverSess.ID() != clientSess.PeerID() {
		t.Errorf("server session id %d != client's view of peer id %d", serverSess.ID(), clientSess.PeerID())
	}
	if clientSess.ID() != serverSess.PeerID() {
		t.Errorf("client session id %d != server's view of peer id %d", clientSess.ID(), serverSess.PeerID())
	}
}

// TestHandshakeDatagramRawHS30 builds an HS30 by hand with codec's exported
// framing helpers and the fixed handshake key, bypassing StartClient, and
// confirms the server still answers with an HS70 — proving the session-id-0
// demux path works for any sender, not just this package's own client role.
func TestHandshakeDatagramRawHS30(t *testing.T) {
	bindings := newTestBindings()
	server := newTestLoop(t, bindings)

	conn, err := net.DialUDP("udp", nil, server.Addr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	tag := handshake.NewTag()
	body := handshake.EncodeHS30([]byte("rtmfp://localhost/live"), tag)
	chunk := codec.FrameChunk(handshake.ChunkHS30, body)
	datagram, err := codec.SealChunks(chunk, codec.MarkerHandshake, codec.TimeNow(time.Now().UnixMilli()), codec.HandshakeCipher(), 0)
	if err != nil {
		t.Fatalf("SealChunks: %v", err)
	}
	if _, err := conn.Write(datagram); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reply := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(reply)
	if err != nil {
		t.Fatalf("expected an HS70 reply: %v", err)
	}
	if n < 12 {
		t.Fatalf("reply too short: %d bytes", n)
	}
}

// TestMalformedDatagramsDoNotCrashTheLoop feeds the handshake path a
// scattering of truncated and garbage datagrams; none should produce a
// reply or panic.
func TestMalformedDatagramsDoNotCrashTheLoop(t *testing.T) {
	server := newTestLoop(t, newTestBindings())

	conn, err := net.DialUDP("udp", nil, server.Addr())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	for _, datagram := range [][]byte{
		nil,
		{0x00},
		make([]byte, 11),
		make([]byte, 20),
	} {
		if _, err := conn.Write(datagram); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
}
