package debugflv

import (
	"runtime"

	"rtmfp/internal/core/bus"
	"rtmfp/internal/core/protocol/flv"
)

// Subscriber is a WebSocket client watching one bus.Stream as live FLV,
// for inspecting an engine's output during development — the same role
// wsflv played for the teacher's RTMP server. It reads the bus.Stream's
// own ring-buffer subscriber path; NetGroup media and publisher.Publisher
// listener queues are not visible through it.
type Subscriber struct {
	conn          WebSocketConn
	busSubscriber *bus.Subscriber
	stream        *bus.Stream
	subscriberID  uint64
	headerWritten bool
	gotKeyframe   bool
	tsOffset      uint32
	tsBaseSet     bool
}

// WebSocketConn is the minimal surface Subscriber needs; satisfied by
// *websocket.Conn.
type WebSocketConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// NewSubscriber creates a Subscriber over stream, not yet attached.
func NewSubscriber(conn WebSocketConn, stream *bus.Stream) *Subscriber {
	return &Subscriber{conn: conn, stream: stream}
}

// WriteHeader writes the FLV file header as the first WebSocket frame.
func (s *Subscriber) WriteHeader(hasAudio, hasVideo bool) error {
	if s.headerWritten {
		return nil
	}
	header := flv.NewHeader(hasAudio, hasVideo)
	headerBytes := header.Bytes()

	frame := make([]byte, len(headerBytes)+4)
	copy(frame, headerBytes)

	if err := s.conn.WriteMessage(2, frame); err != nil {
		return err
	}
	s.headerWritten = true
	return nil
}

// ProcessMessages drains the subscriber's buffer and writes FLV tags until
// a write to the connection fails. Every frame is dropped until the first
// video keyframe arrives so audio and video start together.
func (s *Subscriber) ProcessMessages() error {
	if s.busSubscriber == nil {
		return nil
	}

	for {
		msg, ok := s.busSubscriber.Buffer().Read()
		if !ok {
			runtime.Gosched()
			continue
		}

		if !s.gotKeyframe {
			if msg.Type == bus.MessageTypeVideo && flv.IsVideoKeyframe(msg.Payload) {
				s.gotKeyframe = true
			} else {
				continue
			}
		}

		tag := flv.MuxMessage(msg)
		if tag == nil {
			continue
		}
		tag.Timestamp = s.rebaseTimestamp(msg)

		if err := s.conn.WriteMessage(2, tag.Bytes()); err != nil {
			return err
		}
	}
}

// rebaseTimestamp shifts msg's timestamp so the subscriber's own stream
// starts at 0, regardless of how long the source has been running.
func (s *Subscriber) rebaseTimestamp(msg *bus.MediaMessage) uint32 {
	if !s.tsBaseSet {
		s.tsOffset = msg.Timestamp
		s.tsBaseSet = true
	}
	if msg.Timestamp < s.tsOffset {
		return 0
	}
	return msg.Timestamp - s.tsOffset
}

// Attach subscribes to the stream with a bounded, drop-oldest buffer so a
// slow debug client never backpressures the live engine.
func (s *Subscriber) Attach() uint64 {
	busSub, id := s.stream.AttachSubscriber(1000, bus.BackpressureDropOldest)
	s.busSubscriber = busSub
	s.subscriberID = id
	return id
}

// Detach unsubscribes from the stream.
func (s *Subscriber) Detach() {
	if s.stream != nil && s.subscriberID != 0 {
		s.stream.DetachSubscriber(s.subscriberID)
		s.subscriberID = 0
		s.busSubscriber = nil
	}
}
