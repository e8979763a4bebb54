// Loop is the IO lane of spec.md §5: one goroutine owns the UDP socket and
// every Session/Handshake it demultiplexes traffic to, woken by socket
// readability and a periodic tick. It is the RTMFP analogue of the
// accept-loop-plus-message-loop an RTMP server runs per TCP connection,
// generalized from one goroutine per connection to one goroutine reading a
// single shared socket and routing by session id.
package ioloop

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/handshake"
	"rtmfp/internal/core/session"
	"rtmfp/internal/core/writer"
)

// tickInterval drives the periodic keepalive/GC/handshake-retry sweep, the
// "woken by ... timer ticks (~50ms)" half of spec.md §5's IO lane.
const tickInterval = 50 * time.Millisecond

// readBufferSize is sized above codec.MaxDatagramSize with headroom; a
// datagram that arrives larger than this is controller error, not ours to
// tolerate.
const readBufferSize = 2048

// Bindings lets the engine layer decide what a freshly-established
// session's command flow talks to, without this package knowing about
// FlashConnection or NetGroup. Implemented by internal/server.
type Bindings interface {
	// BindEstablished is called once, right after a Handshake resolves
	// into a Session; cmdOut is the Writer bound to session.FlowIDMain,
	// the one every implementation needs to talk back to its peer. It
	// returns the FlowRouter that owns the session's main flow from here
	// on, or nil to reject and close the session immediately.
	BindEstablished(h *handshake.Handshake, sess *session.Session, cmdOut *writer.Writer) FlowRouter
	// SessionClosed notifies the engine layer that a session's resources
	// (streams, group memberships) should be released.
	SessionClosed(sess *session.Session)
}

// Loop owns the socket and drives the receive-and-dispatch loop plus the
// periodic sweep across every Session and Handshake it tracks.
type Loop struct {
	sock       *socket
	sessions   *session.Manager
	handshakes *handshake.Manager
	pool       *WorkerPool
	bindings   Bindings
	log        *zap.Logger

	keepalive    time.Duration
	closeTimeout time.Duration

	mu      sync.RWMutex
	routers map[uint32]FlowRouter  // session id -> bound main-flow router
	pending map[string]*handshake.Handshake // remote addr -> in-flight handshake, for HS78 correlation

	closing chan struct{}
	closed  sync.WaitGroup
}

// Config bundles the tunables Loop needs beyond the listen address.
type Config struct {
	ListenAddr   string
	Keepalive    time.Duration
	CloseTimeout time.Duration
	Workers      int
	WorkerQueue  int
}

// New builds a Loop bound to addr, ready for Run. bindings supplies the
// engine-level policy for what a newly-established session talks to.
func New(cfg Config, bindings Bindings, log *zap.Logger) (*Loop, error) {
	log = log.Named("ioloop")
	sock, err := newSocket(cfg.ListenAddr, log)
	if err != nil {
		return nil, errors.Wrap(err, "open socket")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := cfg.WorkerQueue
	if queue <= 0 {
		queue = 256
	}

	l := &Loop{
		sock:         sock,
		sessions:     session.NewManager(log),
		bindings:     bindings,
		pool:         NewWorkerPool(workers, queue),
		log:          log,
		keepalive:    cfg.Keepalive,
		closeTimeout: cfg.CloseTimeout,
		routers:      make(map[uint32]FlowRouter),
		pending:      make(map[string]*handshake.Handshake),
		closing:      make(chan struct{}),
	}
	l.handshakes = handshake.NewManager(log, l.sendHandshake, l.sessions.AllocateID)
	l.handshakes.OnEstablished = l.onEstablished
	l.sessions.OnClosed = l.onSessionClosed
	return l, nil
}

// sendHandshake implements handshake.Sender over the loop's own socket,
// framing and sealing the chunk under the fixed handshake key with a
// session id of 0 — no Session exists yet to own this traffic.
func (l *Loop) sendHandshake(addr *net.UDPAddr, chunkType byte, body []byte) error {
	chunk := codec.FrameChunk(chunkType, body)
	datagram, err := codec.SealChunks(chunk, codec.MarkerHandshake, codec.TimeNow(time.Now().UnixMilli()), codec.HandshakeCipher(), 0)
	if err != nil {
		return errors.Wrap(err, "seal handshake datagram")
	}
	return l.sock.writeTo(datagram, addr)
}

// Run starts the receive loop and the periodic sweep; it blocks until the
// socket closes or the context-free Close is called.
func (l *Loop) Run() error {
	l.closed.Add(1)
	go l.manageLoop()

	buf := make([]byte, readBufferSize)
	for {
		n, from, err := l.sock.readFrom(buf)
		if err != nil {
			select {
			case <-l.closing:
				l.closed.Done()
				return nil
			default:
			}
			l.log.Warn("socket read failed", zap.Error(err))
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		l.handleDatagram(datagram, from, time.Now())
	}
}

func (l *Loop) handleDatagram(datagram []byte, from *net.UDPAddr, now time.Time) {
	sid, err := codec.UnpackSessionID(datagram)
	if err != nil {
		l.log.Debug("short datagram", zap.Stringer("from", from))
		return
	}
	if sid != 0 {
		if sess := l.sessions.Lookup(sid); sess != nil {
			l.handleSessionDatagram(sess, datagram, from, now)
			return
		}
	}
	l.handleHandshakeDatagram(datagram, from, now)
}

// manageLoop runs the ~50ms sweep: handshake retries/GC, session
// keepalive/flush/GC, and the loop's own pending-handshake cleanup.
func (l *Loop) manageLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.handshakes.Manage(now)
			l.sessions.Manage(now)
			l.gcPending(now)
		case <-l.closing:
			return
		}
	}
}

func (l *Loop) gcPending(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, h := range l.pending {
		if h.Expired(now) {
			delete(l.pending, addr)
		}
	}
}

func (l *Loop) pendingByAddr(addr *net.UDPAddr) (*handshake.Handshake, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.pending[addr.String()]
	return h, ok
}

// StartClient begins a client-to-server handshake toward addr, tracking it
// by address so the HS78 this eventually produces (which carries no tag of
// its own) can find its way back to the right attempt.
func (l *Loop) StartClient(addr *net.UDPAddr, epd []byte) (*handshake.Handshake, error) {
	h, err := l.handshakes.StartClient(addr, epd, time.Now())
	if err != nil {
		return nil, err
	}
	l.trackPending(addr, h)
	return h, nil
}

// StartP2PInitiator begins a peer-to-peer handshake, tracked the same way.
func (l *Loop) StartP2PInitiator(rendezvous *net.UDPAddr, peerID handshake.PeerID, candidates []*net.UDPAddr) (*handshake.Handshake, error) {
	h, err := l.handshakes.StartP2PInitiator(rendezvous, peerID, candidates, time.Now())
	if err != nil {
		return nil, err
	}
	target := rendezvous
	if len(candidates) > 0 {
		target = candidates[0]
	}
	l.trackPending(target, h)
	return h, nil
}

func (l *Loop) trackPending(addr *net.UDPAddr, h *handshake.Handshake) {
	l.mu.Lock()
	l.pending[addr.String()] = h
	l.mu.Unlock()
}

// onEstablished promotes a finished Handshake into a live Session, wires
// its outbound transmit path to this loop's socket, and asks Bindings what
// the session's command flow should be bound to.
func (l *Loop) onEstablished(h *handshake.Handshake, keys *codec.KeyPair) {
	if h.HostAddress != nil {
		l.mu.Lock()
		delete(l.pending, h.HostAddress.String())
		l.mu.Unlock()
	}

	addr := h.HostAddress
	transmit := func(datagram []byte) error { return l.sock.writeTo(datagram, addr) }

	sess := session.New(h.SessionID, h.FarID, keys, l.keepalive, l.closeTimeout, transmit, l.log)
	l.sessions.Add(sess)
	cmdOut := sess.NewWriter()

	router := l.bindings.BindEstablished(h, sess, cmdOut)
	if router == nil {
		sess.Close()
		l.sessions.Remove(sess.ID())
		return
	}

	l.mu.Lock()
	l.routers[sess.ID()] = router
	l.mu.Unlock()
}

// onSessionClosed drops a closed session's router entry and notifies
// Bindings; the session itself is already removed from the manager's table
// by the time this fires (session.Manager.Manage's keepalive-fail path).
func (l *Loop) onSessionClosed(sess *session.Session) {
	l.mu.Lock()
	delete(l.routers, sess.ID())
	l.mu.Unlock()
	l.bindings.SessionClosed(sess)
}

// Submit hands a user callback to the worker lane, never blocking the IO
// lane that calls it (spec.md §5's bounded cross-lane queue).
func (l *Loop) Submit(r Runner) bool { return l.pool.Submit(r) }

// Addr returns the local address the socket is bound to, e.g. to discover
// an ephemeral port handed out with ":0".
func (l *Loop) Addr() *net.UDPAddr {
	return l.sock.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the receive loop and the periodic sweep, and waits for both
// to exit.
func (l *Loop) Close() error {
	close(l.closing)
	err := l.sock.close()
	l.closed.Wait()
	l.pool.Close()
	return err
}
