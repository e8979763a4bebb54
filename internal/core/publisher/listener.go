package publisher

import (
	"sync"

	"rtmfp/internal/core/bus"
)

// Deliver ships one media message out a listener's transport: a flow
// Writer for an RTMFP peer, or GroupMedia.onMedia for group fan-out.
type Deliver func(msg *bus.MediaMessage) error

// Listener is one consumer attached to a Publisher: a bounded queue fed by
// the congestion detector, drained by Flush on the worker lane.
type Listener struct {
	ID uint64

	mu       sync.Mutex
	queue    []*bus.MediaMessage
	detector *congestionDetector
	deliver  Deliver
	dropped  uint64
}

func newListener(id uint64, maxQueueDepth int, deliver Deliver) *Listener {
	return &Listener{
		ID:       id,
		detector: newCongestionDetector(maxQueueDepth),
		deliver:  deliver,
	}
}

// enqueue applies congestion control, then appends a private clone of msg
// so the listener's queue never aliases the publisher's copy.
func (l *Listener) enqueue(msg *bus.MediaMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.detector.shouldDrop(msg, len(l.queue)) {
		l.dropped++
		return
	}
	l.queue = append(l.queue, msg.Clone())
}

// Flush delivers every queued message in order, stopping at the first
// delivery error so a dead transport doesn't silently swallow the backlog.
func (l *Listener) Flush() error {
	l.mu.Lock()
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for i, msg := range pending {
		if err := l.deliver(msg); err != nil {
			l.mu.Lock()
			l.queue = append(pending[i+1:], l.queue...)
			l.mu.Unlock()
			bus.ReleaseMessage(msg)
			return err
		}
		bus.ReleaseMessage(msg)
	}
	return nil
}

// Dropped returns how many frames this listener's congestion detector has
// discarded.
func (l *Listener) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// QueueDepth returns the number of messages currently queued.
func (l *Listener) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
