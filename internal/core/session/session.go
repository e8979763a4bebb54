// Session owns one established RTMFP peer connection: its cipher context,
// its flows, its writers, and its keepalive/close timers. It follows the
// mutex-guarded-struct-with-accessor-methods shape of the RTMP session it
// was adapted from, generalized from a single TCP-framed connection to a
// UDP session multiplexing many flows and writers.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/flow"
	"rtmfp/internal/core/writer"
	"rtmfp/internal/status"
)

// Main and control flow ids the FlashConnection binding always allocates,
// per spec.md §4.6 (flow 2 carries AMF commands).
const (
	FlowIDMain = 2
)

// Session manages one RTMFP peer connection's protocol state.
type Session struct {
	id     uint32
	peerID uint32 // far session id, for outbound packing

	keys *codec.KeyPair

	mu         sync.RWMutex
	state      status.SessionStatus
	flows      map[uint64]*flow.Flow
	writers    map[uint64]*writer.Writer
	nextFlowID uint64

	lastReceptionTime time.Time
	lastPingSentAt    time.Time
	createdAt         time.Time

	keepalive    time.Duration
	closeTimeout time.Duration

	log *zap.Logger

	// transmit writes one already-sealed, encrypted datagram to the peer.
	// Injected by the session manager, which owns the actual UDP socket.
	transmit func(datagram []byte) error
	output   bandWriter

	closed bool
}

// New creates a Session bound to a fresh KeyPair, ready to accept traffic.
func New(id, peerID uint32, keys *codec.KeyPair, keepalive, closeTimeout time.Duration, transmit func([]byte) error, log *zap.Logger) *Session {
	now := time.Now()
	return &Session{
		id:                id,
		peerID:            peerID,
		keys:              keys,
		state:             status.StatusConnected,
		flows:             make(map[uint64]*flow.Flow),
		writers:           make(map[uint64]*writer.Writer),
		nextFlowID:        FlowIDMain,
		lastReceptionTime: now,
		createdAt:         now,
		keepalive:         keepalive,
		closeTimeout:      closeTimeout,
		transmit:          transmit,
		log:               log.Named("session").With(zap.Uint32("session", id)),
	}
}

// ID returns the local session id.
func (s *Session) ID() uint32 { return s.id }

// PeerID returns the far session id used to pack outbound datagrams.
func (s *Session) PeerID() uint32 { return s.peerID }

// State returns the current session status.
func (s *Session) State() status.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st status.SessionStatus) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Flow returns the flow with the given id, creating it (bound to handler)
// if this is the first traffic seen for it.
func (s *Session) Flow(id uint64, handler flow.Handler) *flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		f = flow.NewFlow(id, handler)
		s.flows[id] = f
	}
	return f
}

// NewWriter allocates a fresh outbound flow id and its Writer.
func (s *Session) NewWriter() *writer.Writer {
	s.mu.Lock()
	id := s.nextFlowID
	s.nextFlowID++
	s.mu.Unlock()

	w := writer.NewWriter(id, s.shipFragment(id))
	s.mu.Lock()
	s.writers[id] = w
	w.OnDone = s.removeWriter
	s.mu.Unlock()
	return w
}

func (s *Session) removeWriter(id uint64) {
	s.mu.Lock()
	delete(s.writers, id)
	s.mu.Unlock()
}

// Writer returns the writer with the given id, or nil.
func (s *Session) Writer(id uint64) *writer.Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writers[id]
}

// shipFragment adapts a writer.Send call into a 0x10/0x11 flow-data chunk
// queued on the session's output buffer.
func (s *Session) shipFragment(flowID uint64) writer.Send {
	return func(f writer.Fragment) error {
		return s.enqueueChunk(encodeFlowData(flowID, f))
	}
}

// enqueueChunk appends a framed chunk to the pending datagram, flushing the
// previously-queued chunks first if it would not fit (spec.md §4.3 output
// packetization).
func (s *Session) enqueueChunk(chunk []byte) error {
	if overflow := s.output.appendChunk(chunk); overflow != nil {
		if err := s.sealAndSend(overflow, codec.MarkerAMF); err != nil {
			return err
		}
	}
	return nil
}

// Flush seals and transmits whatever chunks are currently queued, used at
// the end of a receive-loop pass and on a periodic flush timer.
func (s *Session) Flush() error {
	pending := s.output.takePending()
	if pending == nil {
		return nil
	}
	return s.sealAndSend(pending, codec.MarkerAMF)
}

func (s *Session) sealAndSend(chunks []byte, marker byte) error {
	s.mu.RLock()
	keys := s.keys
	peerID := s.peerID
	s.mu.RUnlock()

	datagram, err := sealDatagram(chunks, marker, codec.TimeNow(time.Now().UnixMilli()), keys.Send, peerID)
	if err != nil {
		return err
	}
	return s.transmit(datagram)
}

// Touch records that a datagram was just received, resetting the keepalive
// clock (spec.md §4.3 receive loop step 2).
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastReceptionTime = now
	s.mu.Unlock()
}

// CheckKeepalive implements the escalating keepalive/close ladder: ping at
// keepalive, NearClosed + 0x4C at 2×keepalive, Failed at closeTimeout.
// It returns the action the caller (session manager) must take.
type KeepaliveAction int

const (
	KeepaliveNone KeepaliveAction = iota
	KeepaliveSendPing
	KeepaliveSendClose
	KeepaliveFail
)

// CheckKeepalive evaluates the ladder against now and updates state as a
// side effect of transitioning to NearClosed/Failed.
func (s *Session) CheckKeepalive(now time.Time) KeepaliveAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	silence := now.Sub(s.lastReceptionTime)
	switch {
	case silence >= s.closeTimeout:
		s.state = status.StatusFailed
		return KeepaliveFail
	case silence >= 2*s.keepalive:
		if s.state != status.StatusNearClosed {
			s.state = status.StatusNearClosed
			return KeepaliveSendClose
		}
		return KeepaliveNone
	case silence >= s.keepalive:
		return KeepaliveSendPing
	default:
		return KeepaliveNone
	}
}

// Close cancels every writer and flow; each writer flushes its END message
// best-effort but the call does not block on acknowledgment (spec.md §5
// cancellation semantics).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = status.StatusClosed
	writers := make([]*writer.Writer, 0, len(s.writers))
	for _, w := range s.writers {
		writers = append(writers, w)
	}
	s.mu.Unlock()

	for _, w := range writers {
		_ = w.Close()
	}
}

// IsClosed reports whether Close has already run.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// DecodeDatagram decrypts and CRC-checks one inbound datagram addressed to
// this session with its own receive key, returning the chunk stream ready
// for Dispatch (header already stripped, per codec.ReadHeader's offset).
func (s *Session) DecodeDatagram(datagram []byte) ([]byte, error) {
	s.mu.RLock()
	recvKey := s.keys.Recv
	s.mu.RUnlock()

	_, body, err := codec.Decode(datagram, recvKey)
	if err != nil {
		return nil, err
	}
	_, _, _, offset, err := codec.ReadHeader(body)
	if err != nil {
		return nil, err
	}
	return body[offset:], nil
}

// GCFlows drops flows that completed and have been idle past minFlowGC
// (spec.md §4.4: completeTime delays flow GC by ≥120s).
const minFlowGC = 120 * time.Second

func (s *Session) GCFlows(now time.Time, isComplete func(*flow.Flow) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.flows {
		if isComplete(f) && f.IdleSince(now) >= minFlowGC {
			delete(s.flows, id)
		}
	}
}
