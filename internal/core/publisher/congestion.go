package publisher

import "rtmfp/internal/core/bus"

// congestionDetector decides whether a fragment should be dropped before it
// reaches a listener's outbound queue, per spec.md §4.8: once a listener's
// queue depth crosses a bound, drop non-key video frames first and never
// touch audio.
type congestionDetector struct {
	maxQueueDepth int
}

func newCongestionDetector(maxQueueDepth int) *congestionDetector {
	return &congestionDetector{maxQueueDepth: maxQueueDepth}
}

// shouldDrop reports whether msg should be discarded given the listener's
// current queue depth.
func (c *congestionDetector) shouldDrop(msg *bus.MediaMessage, queueDepth int) bool {
	if queueDepth < c.maxQueueDepth {
		return false
	}
	if msg.Type != bus.MessageTypeVideo {
		return false
	}
	return !msg.KeyFrame
}
