package netgroup

import "rtmfp/internal/core/bus"

// Marker is the chunk-level tag carried ahead of a fragment's payload,
// matching the GroupMedia chunk markers table (spec.md §6).
type Marker uint8

const (
	MarkerData         Marker = 0x20
	MarkerStart        Marker = 0x21
	MarkerNext         Marker = 0x22
	MarkerEnd          Marker = 0x23
	MarkerFragmentsMap Marker = 0x30
	MarkerPushMode     Marker = 0x31
	MarkerPull         Marker = 0x32
	MarkerAnnounce     Marker = 0x0C
	MarkerGroupClose   Marker = 0x0D
)

// Fragment is one numbered piece of a GroupMedia's media stream. ids are
// dense 1..N; marker=MarkerData iff the whole message fit in one
// fragment, otherwise Start/Next/End chain split pieces of one message
// together via descending SplitIndex, 0 at the last piece.
type Fragment struct {
	ID         uint64
	Time       uint32
	Type       bus.MessageType
	Marker     Marker
	SplitIndex uint8
	Reliable   bool
	Payload    []byte
}

// splitFragments cuts one onMedia payload into the Fragment chain the
// wire format requires, following GroupMedia::onMedia: fragments after
// the first carry no split index decrement signal beyond SplitIndex, and
// a payload that fits in one packet is a single MarkerData fragment.
func splitFragments(reliable bool, typ bus.MessageType, t uint32, data []byte, nextID func() uint64) []Fragment {
	if len(data) == 0 {
		return nil
	}
	splitCount := len(data) / maxFragmentSize
	if len(data)%maxFragmentSize == 0 {
		splitCount--
	}
	if splitCount < 0 {
		splitCount = 0
	}

	frags := make([]Fragment, 0, splitCount+1)
	offset := 0
	for i := splitCount; ; i-- {
		size := maxFragmentSize
		if i == 0 {
			size = len(data) - offset
		}
		marker := MarkerData
		if splitCount > 0 {
			switch {
			case i == 0:
				marker = MarkerEnd
			case offset == 0:
				marker = MarkerStart
			default:
				marker = MarkerNext
			}
		}
		payload := make([]byte, size)
		copy(payload, data[offset:offset+size])
		frags = append(frags, Fragment{
			ID:         nextID(),
			Time:       t,
			Type:       typ,
			Marker:     marker,
			SplitIndex: uint8(i),
			Reliable:   reliable,
			Payload:    payload,
		})
		offset += size
		if i == 0 {
			break
		}
	}
	return frags
}
