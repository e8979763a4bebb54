package netgroup

// PeerFlowHandler adapts one peer's GroupMedia traffic onto a flow.Handler,
// the same OnMessage/OnFlowComplete shape flashconn.FlashConnection exposes
// for its own command flow. All GroupMedia chunk types for one peer
// multiplex over a single flow, so SubFlow never has anything to resolve.
type PeerFlowHandler struct {
	gm     *GroupMedia
	peerID string
}

// NewPeerFlowHandler builds the handler a session should bind its main flow
// to once a peer-to-peer handshake for GroupMedia traffic resolves.
func NewPeerFlowHandler(gm *GroupMedia, peerID string) *PeerFlowHandler {
	return &PeerFlowHandler{gm: gm, peerID: peerID}
}

// OnMessage implements flow.Handler, routing one reassembled GroupMedia
// message to the owning peer's dispatch table.
func (h *PeerFlowHandler) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	_ = Dispatch(h.gm, h.peerID, payload)
}

// OnFlowComplete implements flow.Handler; the peer's flow only completes
// when the underlying session closes, at which point it is dropped from
// the group.
func (h *PeerFlowHandler) OnFlowComplete(flowID uint64) {
	h.gm.RemovePeer(h.peerID)
}

// SubFlow always reports no sub-flow: one session carries exactly one
// peer's worth of GroupMedia traffic, unlike a FlashConnection's command
// flow which fans out to one handler per media stream.
func (h *PeerFlowHandler) SubFlow(flowID uint64) (interface {
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	OnFlowComplete(flowID uint64)
}, bool) {
	return nil, false
}
