// Fragment is the unit a Writer ships on the wire: a slice of one outbound
// message, tagged with its stage number and BEFORE/AFTER/ABANDON/END flags.
package writer

import "time"

// Flags mirror flow.Flag* — duplicated here rather than imported so the
// writer and flow packages stay independently testable; both describe the
// same wire bits by construction.
const (
	FlagWithBeforePart byte = 0x01
	FlagWithAfterPart  byte = 0x02
	FlagAbandon        byte = 0x04
	FlagEnd            byte = 0x08
)

// MSS is the largest payload one fragment can carry, derived from the
// datagram soft limit minus header overhead (spec.md §4.5: "≈1192−hdr").
const MSS = 1192 - 32

// Fragment is one shipped or in-flight piece of an outbound message.
type Fragment struct {
	Stage     uint64
	Flags     byte
	Data      []byte
	Reliable  bool
	SentAt    time.Time
	Deadline  time.Time
}

// splitMessage breaks payload into ≤MSS fragments starting at firstStage,
// setting BEFORE/AFTER-part flags on the pieces of a multi-fragment
// message, per spec.md §4.5 step 1.
func splitMessage(firstStage uint64, payload []byte, reliable bool, terminal byte) []Fragment {
	if len(payload) == 0 {
		return []Fragment{{Stage: firstStage, Flags: terminal, Reliable: reliable}}
	}
	var out []Fragment
	stage := firstStage
	for offset := 0; offset < len(payload); offset += MSS {
		end := offset + MSS
		if end > len(payload) {
			end = len(payload)
		}
		var flags byte
		if offset > 0 {
			flags |= FlagWithBeforePart
		}
		if end < len(payload) {
			flags |= FlagWithAfterPart
		} else {
			flags |= terminal
		}
		out = append(out, Fragment{
			Stage:    stage,
			Flags:    flags,
			Data:     payload[offset:end],
			Reliable: reliable,
		})
		stage++
	}
	return out
}
