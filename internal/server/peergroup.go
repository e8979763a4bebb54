package server

import (
	"go.uber.org/zap"

	"rtmfp/internal/core/netgroup"
)

// peerGroupRouter binds one P2P session's main flow directly to a
// GroupMedia: unlike a client connection, a neighbor session carries no
// AMF command layer at all, so every message on flow 2 is itself a
// NetGroup wire message (spec.md §4.7's PeerMedia exchange rides the
// session's own main flow, not a command-plus-media split).
type peerGroupRouter struct {
	gm     *netgroup.GroupMedia
	peerID string
	log    *zap.Logger
}

func newPeerGroupRouter(gm *netgroup.GroupMedia, peerID string, log *zap.Logger) *peerGroupRouter {
	return &peerGroupRouter{gm: gm, peerID: peerID, log: log.Named("peergroup")}
}

// OnMessage implements flow.Handler for the session's main flow.
func (p *peerGroupRouter) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	if err := netgroup.Dispatch(p.gm, p.peerID, payload); err != nil {
		p.log.Warn("group dispatch failed", zap.String("peer", p.peerID), zap.Error(err))
	}
}

// OnFlowComplete implements flow.Handler: the neighbor ended its main
// flow, which for a P2P session means it is leaving the group entirely.
func (p *peerGroupRouter) OnFlowComplete(flowID uint64) {
	p.gm.RemovePeer(p.peerID)
}

// SubFlow implements ioloop.FlowRouter. A neighbor exchange has no second
// flow of its own; everything rides the main one.
func (p *peerGroupRouter) SubFlow(flowID uint64) (interface {
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	OnFlowComplete(flowID uint64)
}, bool) {
	return nil, false
}
