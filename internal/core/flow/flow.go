// Flow reassembles one ordered stream of stage-numbered fragments back into
// whole messages, following RTMFPFlow::input/onFragment in the original
// engine: contiguous delivery, a single pending reassembly buffer for
// split messages, and MESSAGE_ABANDON/MESSAGE_END bookkeeping.
package flow

import (
	"sync"
	"time"
)

// Flags on one fragment, matching the wire chunk flags byte.
const (
	FlagWithBeforePart byte = 0x01
	FlagWithAfterPart  byte = 0x02
	FlagAbandon        byte = 0x04
	FlagEnd            byte = 0x08
)

// Handler receives complete, ordered messages a Flow reassembles.
type Handler interface {
	// OnMessage delivers one fully reassembled message. lastFragment marks
	// the final delivery before a flow ends.
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	// OnFlowComplete is called once a flow has delivered its stageEnd
	// fragment and drained every buffered fragment.
	OnFlowComplete(flowID uint64)
}

type pendingFragment struct {
	flags byte
	data  []byte
	last  bool
}

// Flow is one inbound, stage-ordered reassembly stream (spec.md §4.4).
// Only the IO lane ever touches a Flow, so nextStage/stageEnd/fragments
// need no locking of their own; completeTime is read by the session's GC
// sweep and so is guarded.
type Flow struct {
	ID       uint64
	handler  Handler

	nextStage uint64
	stageEnd  uint64
	hasEnd    bool

	fragments map[uint64]pendingFragment
	reassembly []byte
	reassembling bool

	LostBytes uint64

	mu           sync.Mutex
	completeTime time.Time
}

// NewFlow creates a Flow that delivers reassembled messages to handler.
// The first stage a sender ever assigns is 1 (spec.md §4.5: stage =
// ++sendStage), so nextStage starts there too.
func NewFlow(id uint64, handler Handler) *Flow {
	return &Flow{
		ID:        id,
		handler:   handler,
		nextStage: 1,
		fragments: make(map[uint64]pendingFragment),
	}
}

// Input feeds one received fragment at the given stage into the flow,
// implementing the duplicate/deliver/buffer/abandon logic of spec.md §4.4.
func (f *Flow) Input(stage uint64, flags byte, payload []byte, lastFragment bool) {
	if f.hasEnd {
		if len(f.fragments) == 0 {
			f.nextStage = stage
			return
		}
		if stage > f.stageEnd {
			return
		}
	} else if flags&FlagEnd != 0 {
		f.stageEnd = stage
		f.hasEnd = true
	}

	if stage < f.nextStage {
		return // duplicate
	}

	if flags&FlagAbandon != 0 {
		f.abandon(stage, flags)
	} else if stage > f.nextStage {
		f.fragments[stage] = pendingFragment{flags: flags, data: append([]byte{}, payload...), last: lastFragment}
	} else {
		f.deliverFragment(f.nextStage, flags, payload, lastFragment)
		f.nextStage++
	}

	f.drainContiguous()

	if len(f.fragments) == 0 && f.hasEnd && f.nextStage > f.stageEnd {
		f.handler.OnFlowComplete(f.ID)
	}

	f.touch()
}

// abandon advances nextStage past stage, discarding every buffered
// fragment below the new nextStage and charging their bytes to lostBytes.
func (f *Flow) abandon(stage uint64, flags byte) {
	newNext := stage + 1
	var lost uint64
	if flags&FlagEnd == 0 {
		lost += packetEstimate
	}
	for s, frag := range f.fragments {
		if s < newNext {
			lost += uint64(len(frag.data))
			delete(f.fragments, s)
		}
	}
	if f.reassembling {
		lost += uint64(len(f.reassembly))
		f.reassembly = nil
		f.reassembling = false
	}
	f.LostBytes += lost
	f.nextStage = newNext
}

// packetEstimate is the size credited to an abandoned message that carries
// no explicit END (its trailing bytes are simply unknown), matching
// RTMFP::SIZE_PACKET/2 in the original engine.
const packetEstimate = 1192 / 2

func (f *Flow) drainContiguous() {
	for {
		frag, ok := f.fragments[f.nextStage]
		if !ok {
			return
		}
		delete(f.fragments, f.nextStage)
		f.deliverFragment(f.nextStage, frag.flags, frag.data, frag.last)
		f.nextStage++
	}
}

// deliverFragment honors BEFORE/AFTER-part flags: a message with neither
// flag is a complete single-chunk message; AFTER-part starts or extends a
// reassembly buffer; BEFORE-part with no prior buffer means the start of
// the message was already abandoned, so it is logged as lost.
func (f *Flow) deliverFragment(stage uint64, flags byte, payload []byte, lastFragment bool) {
	if f.reassembling {
		f.reassembly = append(f.reassembly, payload...)
		if flags&FlagWithAfterPart != 0 {
			return
		}
		msg := f.reassembly
		f.reassembly = nil
		f.reassembling = false
		if len(msg) > 0 {
			f.handler.OnMessage(f.ID, msg, lastFragment)
		}
		return
	}

	if flags&FlagWithBeforePart != 0 {
		f.LostBytes += uint64(len(payload))
		return
	}
	if flags&FlagWithAfterPart != 0 {
		f.reassembly = append([]byte{}, payload...)
		f.reassembling = true
		return
	}
	if len(payload) > 0 {
		f.handler.OnMessage(f.ID, payload, lastFragment)
	}
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.completeTime = time.Now()
	f.mu.Unlock()
}

// IdleSince returns how long it has been since this flow last advanced,
// used by the session GC sweep to decide when a completed flow can be freed
// (spec.md §4.4: completeTime delays flow GC by at least 120s).
func (f *Flow) IdleSince(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeTime.IsZero() {
		return 0
	}
	return now.Sub(f.completeTime)
}

// CumulativeAck returns nextStage-1, the stage up to and including which
// every fragment has been received, for 0x50 ack generation.
func (f *Flow) CumulativeAck() uint64 {
	return f.nextStage - 1
}

// Gaps returns the buffered-fragment runs above CumulativeAck, encoded as
// alternating (gap, run) pairs the way RTMFPFlow::buildAck does, for the
// session to varint-encode into a 0x50 ack chunk.
func (f *Flow) Gaps() []uint64 {
	if len(f.fragments) == 0 {
		return nil
	}
	stages := make([]uint64, 0, len(f.fragments))
	for s := range f.fragments {
		stages = append(stages, s)
	}
	sortUint64s(stages)

	var out []uint64
	cursor := f.nextStage
	i := 0
	for i < len(stages) {
		gap := stages[i] - cursor
		run := uint64(1)
		for i+1 < len(stages) && stages[i+1] == stages[i]+1 {
			run++
			i++
		}
		out = append(out, gap, run)
		cursor = stages[i] + 1
		i++
	}
	return out
}

func sortUint64s(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
