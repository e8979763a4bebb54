// Publisher sits between one bus.Stream's publish side and its RTMFP/
// GroupMedia listeners, grounded on the bus package's
// publisher-exclusivity and subscriber bookkeeping but generalized per
// spec.md §4.8: it caches the most recent codec-config packets so a
// listener attaching mid-stream is primed, and it runs a congestion
// detector per listener instead of handing every listener the same
// drop-oldest/drop-newest ring buffer.
//
// bus.Stream's own AttachSubscriber/ring-buffer path is left untouched and
// still available for anything that wants a raw, uncontrolled tap (the
// debug FLV bridge); Publisher's listener set is a second, independent
// fan-out used for the congestion-aware playback path.
package publisher

import (
	"sync"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
)

const defaultMaxQueueDepth = 64

// Publisher caches codec-config state for one bus.Stream and manages the
// congestion-controlled listener set attached to it.
type Publisher struct {
	mu     sync.Mutex
	stream *bus.Stream

	listeners     map[uint64]*Listener
	nextID        uint64
	maxQueueDepth int

	audioConfig *bus.MediaMessage
	videoConfig *bus.MediaMessage

	log *zap.Logger
}

// New creates a Publisher over stream.
func New(stream *bus.Stream, log *zap.Logger) *Publisher {
	return &Publisher{
		stream:        stream,
		listeners:     make(map[uint64]*Listener),
		nextID:        1,
		maxQueueDepth: defaultMaxQueueDepth,
		log:           log.Named("publisher"),
	}
}

// Stream returns the underlying bus.Stream, for registry bookkeeping.
func (p *Publisher) Stream() *bus.Stream {
	return p.stream
}

// AttachPublisher claims the underlying stream's publisher slot.
func (p *Publisher) AttachPublisher(id uint64) bool {
	return p.stream.AttachPublisher(id)
}

// DetachPublisher releases the publisher slot and drops cached config, so
// the next publisher on this stream starts from a clean slate.
func (p *Publisher) DetachPublisher() {
	p.stream.DetachPublisher()
	p.mu.Lock()
	p.audioConfig = nil
	p.videoConfig = nil
	p.mu.Unlock()
}

// AddListener attaches a new listener, priming it with any cached
// codec-config packets before it can receive live frames.
func (p *Publisher) AddListener(deliver Deliver) *Listener {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	l := newListener(id, p.maxQueueDepth, deliver)
	p.listeners[id] = l

	if p.audioConfig != nil {
		l.enqueue(p.audioConfig)
	}
	if p.videoConfig != nil {
		l.enqueue(p.videoConfig)
	}
	return l
}

// RemoveListener detaches a listener by id.
func (p *Publisher) RemoveListener(id uint64) {
	p.mu.Lock()
	delete(p.listeners, id)
	p.mu.Unlock()
}

// Push fans msg out to every attached listener, caching it as the current
// codec-config packet if it is the first audio frame or the first key
// video frame seen. The caller retains ownership of msg and may release it
// immediately after Push returns.
func (p *Publisher) Push(msg *bus.MediaMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case bus.MessageTypeAudio:
		if p.audioConfig == nil {
			p.audioConfig = msg.Clone()
		}
	case bus.MessageTypeVideo:
		if p.videoConfig == nil && msg.KeyFrame {
			p.videoConfig = msg.Clone()
		}
	}

	for _, l := range p.listeners {
		l.enqueue(msg)
	}
}

// Flush drains every listener's queue out to its transport. Called once
// per worker-lane tick.
func (p *Publisher) Flush() {
	p.mu.Lock()
	listeners := make([]*Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		if err := l.Flush(); err != nil {
			p.log.Debug("listener flush failed", zap.Uint64("listener", l.ID), zap.Error(err))
		}
	}
}

// ListenerCount returns the number of attached listeners.
func (p *Publisher) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}
