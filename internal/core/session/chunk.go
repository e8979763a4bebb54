// Dispatch walks the chunk stream inside one decoded datagram body and
// routes each chunk to the session, a flow, or a writer, per the type table
// in spec.md §4.3.
package session

import (
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrMalformedPacket is returned when a chunk's declared length runs past
// the end of the packet.
var ErrMalformedPacket = errors.New("session: malformed packet")

// Hooks lets callers outside the session package (the handshaker, a
// NetGroup/FlashConnection binding) observe chunks the session itself does
// not fully own. Any nil hook is simply skipped.
type Hooks struct {
	OnP2PAddress   func(payload []byte)
	OnWriterFailed func(flowID uint64)
	OnPingReply    func(rtt time.Duration)
}

// flowFactory creates the flow.Handler a newly-seen flow id should be bound
// to — the FlashConnection/NetGroup binding supplies this per flow id.
type flowFactory func(flowID uint64) interface {
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	OnFlowComplete(flowID uint64)
}

// Dispatch processes every chunk in body, which must start at the first
// chunk's type byte (i.e. with marker/time/echo already stripped).
func (s *Session) Dispatch(body []byte, now time.Time, hooks Hooks, newHandler flowFactory) error {
	advancedFlows := make(map[uint64]bool)

	for len(body) > 0 {
		chunkType := body[0]
		if chunkType == ChunkEndOfPacket {
			break
		}
		if len(body) < 3 {
			return ErrMalformedPacket
		}
		length := int(binary.BigEndian.Uint16(body[1:3]))
		if len(body) < 3+length {
			return ErrMalformedPacket
		}
		payload := body[3 : 3+length]
		body = body[3+length:]

		switch chunkType {
		case ChunkSessionFail:
			s.Close()
			return nil

		case ChunkP2PAddress:
			if hooks.OnP2PAddress != nil {
				hooks.OnP2PAddress(payload)
			}

		case ChunkPingRequest:
			if err := s.sendPingReply(payload); err != nil {
				return err
			}

		case ChunkPingReply:
			s.mu.RLock()
			sentAt := s.lastPingSentAt
			s.mu.RUnlock()
			if !sentAt.IsZero() && hooks.OnPingReply != nil {
				hooks.OnPingReply(now.Sub(sentAt))
			}

		case ChunkCloseRequest:
			s.Close()
			return nil

		case ChunkKeepalive:
			if err := s.sendKeepaliveAck(); err != nil {
				return err
			}

		case ChunkWriterFail:
			if len(payload) < 1 {
				return ErrMalformedPacket
			}
			id, _, err := readVarint(payload)
			if err != nil {
				return err
			}
			if w := s.Writer(id); w != nil {
				_ = w.Close()
			}
			if hooks.OnWriterFailed != nil {
				hooks.OnWriterFailed(id)
			}

		case ChunkFlowData, ChunkFlowDataOpts:
			flowID, stage, flags, data, err := decodeFlowData(payload)
			if err != nil {
				return err
			}
			f := s.Flow(flowID, newHandler(flowID))
			f.Input(stage, flags, data, flags&flagEndMask != 0)
			advancedFlows[flowID] = true

		case ChunkAck, ChunkNack:
			if err := s.handleWriterAck(chunkType, payload); err != nil {
				return err
			}

		default:
			s.log.Debug("unhandled chunk type", zap.Uint8("type", chunkType))
		}
	}

	for flowID := range advancedFlows {
		if err := s.sendAckFor(flowID); err != nil {
			return err
		}
	}
	s.Touch(now)
	return nil
}

// flagEndMask mirrors flow.FlagEnd without importing the flow package just
// for one constant comparison used to report lastFragment.
const flagEndMask = 0x08

func (s *Session) sendPingReply(payload []byte) error {
	return s.enqueueChunk(frameChunk(ChunkPingReply, payload))
}

func (s *Session) sendKeepaliveAck() error {
	return s.enqueueChunk(frameChunk(ChunkKeepaliveAck, nil))
}

func (s *Session) handleWriterAck(chunkType byte, payload []byte) error {
	flowID, n, err := readVarint(payload)
	if err != nil {
		return err
	}
	payload = payload[n:]
	w := s.Writer(flowID)
	if w == nil {
		return nil
	}
	if chunkType == ChunkNack {
		stage, _, err := readVarint(payload)
		if err != nil {
			return err
		}
		return w.HandleNack(stage)
	}
	_, n, err = readVarint(payload) // bufferAvailability, unused here
	if err != nil {
		return err
	}
	payload = payload[n:]
	cumAck, n, err := readVarint(payload)
	if err != nil {
		return err
	}
	payload = payload[n:]
	var gaps []uint64
	for len(payload) > 0 {
		v, n, err := readVarint(payload)
		if err != nil {
			return err
		}
		gaps = append(gaps, v)
		payload = payload[n:]
	}
	w.HandleAck(cumAck, gaps)
	return nil
}

// sendAckFor emits one 0x50 ack block for a flow that just advanced, per
// spec.md §4.4's "ACK generation".
func (s *Session) sendAckFor(flowID uint64) error {
	s.mu.RLock()
	f := s.flows[flowID]
	s.mu.RUnlock()
	if f == nil {
		return nil
	}
	const bufferAvailability = 0 // advertised receive window; unused upstream of flow control today
	return s.enqueueChunk(encodeAck(flowID, bufferAvailability, f.CumulativeAck(), f.Gaps()))
}

// SendPing issues a 0x18 ping carrying the current time as its payload; the
// reply's round trip feeds the writer RTO estimators.
func (s *Session) SendPing(now time.Time) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(now.UnixMilli()))
	s.mu.Lock()
	s.lastPingSentAt = now
	s.mu.Unlock()
	return s.enqueueChunk(frameChunk(ChunkPingRequest, payload[:]))
}

// SendKeepalive issues a 0x51 keepalive probe.
func (s *Session) SendKeepalive() error {
	return s.enqueueChunk(frameChunk(ChunkKeepalive, nil))
}

// SendCloseRequest issues a 0x4C close request.
func (s *Session) SendCloseRequest() error {
	return s.enqueueChunk(frameChunk(ChunkCloseRequest, nil))
}
