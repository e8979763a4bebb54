// Writer serializes one strictly-ordered outbound message stream for a
// single flow id, fragmenting, shipping, and retransmitting per spec.md
// §4.5. It mirrors the original RTMFPWriter's per-writer ack/nack/timeout
// bookkeeping, but has no direct socket access: Send is supplied by the
// session, which owns the one-packet-at-a-time BandWriter output buffer.
package writer

import (
	"errors"
	"sync"
	"time"
)

// Send ships one fragment on the wire. The writer calls it only from the
// IO lane.
type Send func(Fragment) error

// Writer owns one outbound flow's stage counter, queue, and in-flight set.
type Writer struct {
	ID uint64

	mu sync.Mutex

	sendStage uint64
	queue     []Fragment
	inFlight  map[uint64]*Fragment

	closed   bool
	drained  bool

	rto *RTOEstimator

	send Send
	// OnDone is called once the writer has shipped its END fragment and
	// every in-flight fragment has been acknowledged.
	OnDone func(id uint64)
}

// NewWriter creates a Writer for flow id, shipping fragments via send. The
// first stage assigned on the wire is 1 (spec.md §4.5: stage = ++sendStage).
func NewWriter(id uint64, send Send) *Writer {
	return &Writer{
		ID:        id,
		sendStage: 1,
		inFlight:  make(map[uint64]*Fragment),
		rto:       NewRTOEstimator(),
		send:      send,
	}
}

// Write enqueues one message for delivery, fragmenting it if needed and
// shipping every resulting fragment immediately (step 1-2 of spec.md §4.5).
func (w *Writer) Write(payload []byte, reliable bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	frags := splitMessage(w.sendStage, payload, reliable, 0)
	w.sendStage += uint64(len(frags))
	w.mu.Unlock()

	for _, f := range frags {
		if err := w.ship(f); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) ship(f Fragment) error {
	now := time.Now()
	f.SentAt = now
	f.Deadline = now.Add(w.rto.RTO())

	w.mu.Lock()
	w.inFlight[f.Stage] = &f
	w.mu.Unlock()

	return w.send(f)
}

// Close enqueues an END fragment; the writer is not considered done until
// every in-flight fragment has been acknowledged (step 5 of spec.md §4.5).
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	stage := w.sendStage
	w.sendStage++
	w.mu.Unlock()

	return w.ship(Fragment{Stage: stage, Flags: FlagEnd, Reliable: true})
}

// HandleAck drops every acknowledged stage from inFlight: everything
// ≤ cumAck, plus the (gap, run) pairs describing additional acknowledged
// stages above it (step 3 of spec.md §4.5).
func (w *Writer) HandleAck(cumAck uint64, gapRunPairs []uint64) {
	w.mu.Lock()
	for stage := range w.inFlight {
		if stage <= cumAck {
			delete(w.inFlight, stage)
		}
	}
	cursor := cumAck + 1
	for i := 0; i+1 < len(gapRunPairs); i += 2 {
		gap, run := gapRunPairs[i], gapRunPairs[i+1]
		cursor += gap
		for s := cursor; s < cursor+run; s++ {
			delete(w.inFlight, s)
		}
		cursor += run
	}
	done := w.closed && len(w.inFlight) == 0
	w.mu.Unlock()

	if done {
		w.markDone()
	}
}

// HandleNack requeues stage for immediate retransmission.
func (w *Writer) HandleNack(stage uint64) error {
	w.mu.Lock()
	frag, ok := w.inFlight[stage]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	return w.ship(*frag)
}

// ObserveRTT feeds a fresh round-trip sample (e.g. from a ping or an ACK
// that arrived for a still-fresh fragment) into the RTO estimator.
func (w *Writer) ObserveRTT(sample time.Duration) {
	w.mu.Lock()
	w.rto.Update(sample)
	w.mu.Unlock()
}

// Tick re-ships or abandons any in-flight fragment past its deadline (step
// 4 of spec.md §4.5): reliable fragments are retransmitted as-is;
// unreliable fragments are replaced by a zero-byte ABANDON|END fragment at
// the same stage.
func (w *Writer) Tick(now time.Time) error {
	w.mu.Lock()
	var expired []Fragment
	for _, f := range w.inFlight {
		if now.After(f.Deadline) {
			expired = append(expired, *f)
		}
	}
	w.mu.Unlock()

	for _, f := range expired {
		if f.Reliable {
			if err := w.ship(f); err != nil {
				return err
			}
			continue
		}
		abandoned := Fragment{Stage: f.Stage, Flags: FlagAbandon | FlagEnd, Reliable: false}
		if err := w.ship(abandoned); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) markDone() {
	w.mu.Lock()
	already := w.drained
	w.drained = true
	w.mu.Unlock()
	if !already && w.OnDone != nil {
		w.OnDone(w.ID)
	}
}

// InFlightCount reports how many fragments are awaiting acknowledgment,
// for tests and diagnostics.
func (w *Writer) InFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inFlight)
}

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("writer: closed")
