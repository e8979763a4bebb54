package netgroup

import "rtmfp/internal/core/writer"

// FlowSender implements Sender by writing every GroupMedia exchange as
// one message on a peer's dedicated group flow, the "dedicated flow"
// spec.md §4.7 exchanges announce/map/fragment/push/pull/close chunks
// over.
type FlowSender struct {
	out *writer.Writer
}

// NewFlowSender wraps out, the outbound writer for one neighbor's group
// flow.
func NewFlowSender(out *writer.Writer) *FlowSender {
	return &FlowSender{out: out}
}

func (s *FlowSender) SendMedia(f Fragment, pulled bool) error {
	return s.out.Write(EncodeMediaFragment(f), f.Reliable || pulled)
}

func (s *FlowSender) SendPushMode(mask uint8) error {
	return s.out.Write([]byte{byte(MarkerPushMode), mask}, true)
}

func (s *FlowSender) SendPull(fragmentID uint64) error {
	body := appendVarint([]byte{byte(MarkerPull)}, fragmentID)
	return s.out.Write(body, true)
}

func (s *FlowSender) SendFragmentsMap(lastID uint64, body []byte) error {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(MarkerFragmentsMap))
	out = append(out, body...)
	return s.out.Write(out, true)
}

func (s *FlowSender) SendGroupMedia(streamName, streamKey string, params Params) error {
	body := EncodeAnnounce(streamName, streamKey, params)
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(MarkerAnnounce))
	out = append(out, body...)
	return s.out.Write(out, true)
}

func (s *FlowSender) SendEndMedia(lastID uint64) error {
	body := appendVarint([]byte{byte(MarkerGroupClose)}, lastID)
	return s.out.Write(body, true)
}

// Dispatch decodes one incoming group-flow message and applies it to gm
// on behalf of peerID, the receive-side counterpart to FlowSender.
func Dispatch(gm *GroupMedia, peerID string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	marker := Marker(payload[0])
	body := payload[1:]

	switch marker {
	case MarkerData, MarkerStart, MarkerNext, MarkerEnd:
		f, err := DecodeMediaFragment(payload)
		if err != nil {
			return err
		}
		gm.OnFragment(peerID, f)
	case MarkerFragmentsMap:
		lastID, bitmap, err := DecodeFragmentsMap(body)
		if err != nil {
			return err
		}
		gm.OnFragmentsMap(peerID, lastID, bitmap)
	case MarkerPushMode:
		if len(body) < 1 {
			return errShortVarint
		}
		if peer, ok := gm.peers[peerID]; ok {
			peer.pushOutMask = body[0]
		}
	case MarkerPull:
		id, _, err := readVarint(body)
		if err != nil {
			return err
		}
		return gm.OnPull(peerID, id)
	case MarkerGroupClose:
		lastID, _, err := readVarint(body)
		if err != nil {
			return err
		}
		gm.Close(lastID)
	case MarkerAnnounce:
		// Group-media announce carries the remote's own params for
		// informational purposes; this side's GroupMedia is already
		// constructed with its own, so there's nothing to apply.
	}
	return nil
}
