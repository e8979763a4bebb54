package server

import (
	"testing"

	"go.uber.org/zap"
)

func TestPeerGroupRouterOnFlowCompleteRemovesPeer(t *testing.T) {
	registry := newTestRegistry()
	gm, err := registry.Join("mygroup", "peer-a", noopSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	router := newPeerGroupRouter(gm, "peer-a", zap.NewNop())
	router.OnFlowComplete(2)

	if len(gm.PeerIDs()) != 0 {
		t.Fatalf("expected peer removed on flow completion, got %v", gm.PeerIDs())
	}
}

func TestPeerGroupRouterHasNoSubFlows(t *testing.T) {
	registry := newTestRegistry()
	gm, err := registry.Join("mygroup", "peer-a", noopSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	router := newPeerGroupRouter(gm, "peer-a", zap.NewNop())
	if _, ok := router.SubFlow(3); ok {
		t.Fatal("expected no sub-flows for a peer-to-peer group neighbor")
	}
}
