package flashconn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
	"rtmfp/internal/core/publisher"
	"rtmfp/internal/core/writer"
)

// mediaFlagReliable marks a media fragment carried over a reliable flow
// (audio, data) as opposed to a best-effort one (video). mediaFlagKeyFrame
// marks a video frame as a sync frame, feeding the congestion detector's
// never-drop-key-frames rule (spec.md §4.8).
const (
	mediaFlagReliable = 0x01
	mediaFlagKeyFrame = 0x02
)

// FlashStream is one NetStream: either a publisher feeding a
// publisher.Publisher or a listener draining one. It implements
// flow.Handler (structurally) for its own media flow, decoding the
// flags(1)/type(1)/timestamp(4) header every fragment carries and handing
// the remainder to onMedia.
type FlashStream struct {
	id   uint32
	conn *FlashConnection
	out  *writer.Writer

	mu        sync.Mutex
	pub       *publisher.Publisher
	listener  *publisher.Listener
	publisher bool
}

func newFlashStream(id uint32, conn *FlashConnection, out *writer.Writer) *FlashStream {
	return &FlashStream{id: id, conn: conn, out: out}
}

// OnMessage implements flow.Handler for the stream's media flow.
func (s *FlashStream) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	_, typ, keyFrame, ts, body, err := decodeMediaFragment(payload)
	if err != nil {
		s.conn.log.Warn("malformed media fragment", zap.Error(err))
		return
	}
	s.onMedia(typ, keyFrame, ts, body)
}

// OnFlowComplete implements flow.Handler: the peer ended the media flow.
func (s *FlashStream) OnFlowComplete(flowID uint64) {
	s.close()
}

func (s *FlashStream) startPublish(pub *publisher.Publisher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return fmt.Errorf("flashconn: stream %d already bound", s.id)
	}
	if !pub.AttachPublisher(uint64(s.id)) {
		return fmt.Errorf("flashconn: stream %d's target already has a publisher", s.id)
	}
	s.pub = pub
	s.publisher = true
	return nil
}

func (s *FlashStream) startPlay(pub *publisher.Publisher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return fmt.Errorf("flashconn: stream %d already bound", s.id)
	}
	s.listener = pub.AddListener(s.deliverToListener)
	s.pub = pub
	s.publisher = false
	return nil
}

// deliverToListener ships one fanned-out media message back out over the
// stream's own media flow, audio/data reliable and video best-effort.
func (s *FlashStream) deliverToListener(msg *bus.MediaMessage) error {
	reliable := msg.Type != bus.MessageTypeVideo
	frag := encodeMediaFragment(reliable, msg.Type, msg.KeyFrame, msg.Timestamp, msg.Payload)
	return s.out.Write(frag, reliable)
}

// onMedia is called once per incoming media fragment once reassembled,
// per spec.md §4.6's onMedia(reliable, type, time, bytes) contract.
func (s *FlashStream) onMedia(typ bus.MessageType, keyFrame bool, t uint32, data []byte) {
	s.mu.Lock()
	pub := s.pub
	isPublisher := s.publisher
	s.mu.Unlock()

	if pub == nil || !isPublisher {
		return
	}

	msg := bus.AcquireMessage()
	msg.Type = typ
	msg.Timestamp = t
	msg.KeyFrame = keyFrame
	msg.SetPayload(data)
	pub.Push(msg)
	bus.ReleaseMessage(msg)
}

func (s *FlashStream) close() {
	s.mu.Lock()
	pub := s.pub
	isPublisher := s.publisher
	listener := s.listener
	s.pub = nil
	s.listener = nil
	s.mu.Unlock()

	if pub != nil {
		if isPublisher {
			pub.DetachPublisher()
		} else if listener != nil {
			pub.RemoveListener(listener.ID)
		}
	}
	_ = s.out.Close()
	s.conn.removeStream(s.id)
}

// decodeMediaFragment parses the flags(1)/type(1)/timestamp(4) header
// every media fragment carries ahead of its raw payload.
func decodeMediaFragment(payload []byte) (reliable bool, typ bus.MessageType, keyFrame bool, ts uint32, body []byte, err error) {
	if len(payload) < 6 {
		return false, 0, false, 0, nil, fmt.Errorf("flashconn: media fragment too short (%d bytes)", len(payload))
	}
	reliable = payload[0]&mediaFlagReliable != 0
	keyFrame = payload[0]&mediaFlagKeyFrame != 0
	typ = bus.MessageType(payload[1])
	ts = binary.BigEndian.Uint32(payload[2:6])
	body = payload[6:]
	return reliable, typ, keyFrame, ts, body, nil
}

// encodeMediaFragment is the inverse of decodeMediaFragment, used by the
// delivery path when forwarding bus messages back out to a listener.
func encodeMediaFragment(reliable bool, typ bus.MessageType, keyFrame bool, ts uint32, data []byte) []byte {
	out := make([]byte, 6+len(data))
	if reliable {
		out[0] |= mediaFlagReliable
	}
	if keyFrame {
		out[0] |= mediaFlagKeyFrame
	}
	out[1] = byte(typ)
	binary.BigEndian.PutUint32(out[2:6], ts)
	copy(out[6:], data)
	return out
}
