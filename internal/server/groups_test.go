package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/core/netgroup"
	"rtmfp/internal/core/writer"
)

func newTestRegistry() *GroupRegistry {
	cfg := config.NetGroupConfig{
		WindowDurationMS:           8000,
		RelayMarginMS:              2000,
		FetchPeriodMS:              2500,
		AvailabilityUpdatePeriodMS: 100,
		PushLimit:                  4,
	}
	return NewGroupRegistry(cfg, zap.NewNop())
}

func noopSender() netgroup.Sender {
	return netgroup.NewFlowSender(writer.NewWriter(3, func(f writer.Fragment) error { return nil }))
}

func TestJoinCreatesGroupOnce(t *testing.T) {
	r := newTestRegistry()

	gm1, err := r.Join("mygroup", "peer-a", noopSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	gm2, err := r.Join("mygroup", "peer-b", noopSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if gm1 != gm2 {
		t.Fatal("expected the same GroupMedia for the same group name")
	}
	if len(gm1.PeerIDs()) != 2 {
		t.Fatalf("expected 2 peers, got %v", gm1.PeerIDs())
	}
}

func TestForPeerResolvesMostRecentJoin(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Join("groupA", "peer-a", noopSender()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join("groupB", "peer-a", noopSender()); err != nil {
		t.Fatal(err)
	}

	gm, ok := r.ForPeer("peer-a")
	if !ok {
		t.Fatal("expected a group bound to peer-a")
	}
	if gm != nil && netgroup.GroupID("groupB") == "" {
		t.Fatal("unreachable")
	}

	want, _ := r.byHex[netgroup.GroupID("groupB")]
	if gm != want {
		t.Fatal("expected ForPeer to resolve the most recently joined group")
	}

	if _, ok := r.ForPeer("unknown-peer"); ok {
		t.Fatal("expected no group for a peer that never joined")
	}
}

func TestRemovePeerDropsFromLastJoinedGroup(t *testing.T) {
	r := newTestRegistry()
	gm, err := r.Join("mygroup", "peer-a", noopSender())
	if err != nil {
		t.Fatal(err)
	}

	r.RemovePeer("peer-a")
	if len(gm.PeerIDs()) != 0 {
		t.Fatalf("expected peer removed, got %v", gm.PeerIDs())
	}
}

func TestManageTearsDownTimedOutGroups(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Join("mygroup", "peer-a", noopSender()); err != nil {
		t.Fatal(err)
	}

	far := time.Now().Add(10 * time.Minute)
	r.Manage(far)

	if _, ok := r.byHex[netgroup.GroupID("mygroup")]; ok {
		t.Fatal("expected the group to be torn down after its media timeout")
	}
	if _, ok := r.ForPeer("peer-a"); ok {
		t.Fatal("expected peer-a's join record to be cleared along with the group")
	}
}

func TestEnsureGroupOverridesPublisherDefault(t *testing.T) {
	r := newTestRegistry()
	gm := r.EnsureGroup("relay", true)
	if gm == nil {
		t.Fatal("expected a GroupMedia")
	}

	again := r.EnsureGroup("relay", false)
	if gm != again {
		t.Fatal("expected EnsureGroup to be idempotent for an existing group")
	}
}
