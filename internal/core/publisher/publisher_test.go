package publisher

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
)

func newTestPublisher() *Publisher {
	stream := bus.NewStream(bus.NewStreamKey("live", "test"))
	return New(stream, zap.NewNop())
}

func audioMsg(ts uint32) *bus.MediaMessage {
	m := bus.AcquireMessage()
	m.Type = bus.MessageTypeAudio
	m.Timestamp = ts
	m.SetPayload([]byte{1, 2, 3})
	return m
}

func videoMsg(ts uint32, keyFrame bool) *bus.MediaMessage {
	m := bus.AcquireMessage()
	m.Type = bus.MessageTypeVideo
	m.Timestamp = ts
	m.KeyFrame = keyFrame
	m.SetPayload([]byte{4, 5, 6})
	return m
}

func TestListenerPrimedWithCachedCodecConfig(t *testing.T) {
	p := newTestPublisher()
	p.Push(audioMsg(1))
	p.Push(videoMsg(2, true))

	var delivered []*bus.MediaMessage
	p.AddListener(func(msg *bus.MediaMessage) error {
		delivered = append(delivered, msg)
		return nil
	})
	p.Flush()

	if len(delivered) != 2 {
		t.Fatalf("expected 2 primer frames, got %d", len(delivered))
	}
}

func TestPushFansOutToAllListeners(t *testing.T) {
	p := newTestPublisher()
	var a, b int
	p.AddListener(func(msg *bus.MediaMessage) error { a++; return nil })
	p.AddListener(func(msg *bus.MediaMessage) error { b++; return nil })

	p.Push(audioMsg(1))
	p.Flush()

	if a != 1 || b != 1 {
		t.Fatalf("expected both listeners to receive 1 frame, got a=%d b=%d", a, b)
	}
}

func TestCongestionDropsNonKeyVideoNeverAudio(t *testing.T) {
	p := newTestPublisher()
	p.maxQueueDepth = 2

	var delivered []*bus.MediaMessage
	l := p.AddListener(func(msg *bus.MediaMessage) error {
		delivered = append(delivered, msg)
		return nil
	})
	_ = l

	// Fill the queue to its bound without flushing.
	p.Push(videoMsg(1, false))
	p.Push(videoMsg(2, false))

	// Queue is now at the bound; a non-key frame should be dropped...
	p.Push(videoMsg(3, false))
	// ...but audio always gets through.
	p.Push(audioMsg(4))

	if got := l.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", got)
	}
	if depth := l.QueueDepth(); depth != 3 {
		t.Fatalf("expected queue depth 3 (2 video + 1 audio), got %d", depth)
	}
}

func TestListenerFlushStopsOnErrorAndRequeues(t *testing.T) {
	p := newTestPublisher()
	calls := 0
	failOn := 2
	l := p.AddListener(func(msg *bus.MediaMessage) error {
		calls++
		if calls == failOn {
			return errors.New("transport gone")
		}
		return nil
	})

	p.Push(audioMsg(1))
	p.Push(audioMsg(2))
	p.Push(audioMsg(3))

	if err := l.Flush(); err == nil {
		t.Fatal("expected flush to surface the transport error")
	}
	if depth := l.QueueDepth(); depth != 1 {
		t.Fatalf("expected the remaining frame to be requeued, got depth %d", depth)
	}
}

func TestDetachPublisherClearsCachedConfig(t *testing.T) {
	p := newTestPublisher()
	p.AttachPublisher(1)
	p.Push(audioMsg(1))
	if p.audioConfig == nil {
		t.Fatal("expected audio config cached")
	}

	p.DetachPublisher()
	if p.audioConfig != nil {
		t.Fatal("expected cached config cleared on detach")
	}
}
