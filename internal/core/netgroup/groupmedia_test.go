package netgroup

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
)

type fakeSender struct {
	media      []Fragment
	pushModes  []uint8
	pulls      []uint64
	maps       []uint64
	announced  bool
	endMediaID uint64
}

func (s *fakeSender) SendMedia(f Fragment, pulled bool) error {
	s.media = append(s.media, f)
	return nil
}
func (s *fakeSender) SendPushMode(mask uint8) error {
	s.pushModes = append(s.pushModes, mask)
	return nil
}
func (s *fakeSender) SendPull(id uint64) error {
	s.pulls = append(s.pulls, id)
	return nil
}
func (s *fakeSender) SendFragmentsMap(lastID uint64, body []byte) error {
	s.maps = append(s.maps, lastID)
	return nil
}
func (s *fakeSender) SendGroupMedia(streamName, streamKey string, params Params) error {
	s.announced = true
	return nil
}
func (s *fakeSender) SendEndMedia(lastID uint64) error {
	s.endMediaID = lastID
	return nil
}

func newTestGroupMedia(isPublisher bool) (*GroupMedia, Params) {
	params := DefaultParams()
	params.IsPublisher = isPublisher
	params.PushLimit = 0
	return NewGroupMedia("live", "key", params, zap.NewNop()), params
}

func TestGroupIDIsDeterministicAndHashed(t *testing.T) {
	a := GroupID("my-group")
	b := GroupID("my-group")
	if a != b {
		t.Fatal("expected GroupID to be deterministic")
	}
	if a == "my-group" {
		t.Fatal("expected GroupID to hash the name, not echo it")
	}
	if len(a) != 64 {
		t.Fatalf("expected 32-byte hex digest (64 chars), got %d", len(a))
	}
}

func TestPushLocalMediaFansOutWithinPushLimit(t *testing.T) {
	gm, _ := newTestGroupMedia(true)
	gm.params.PushLimit = 1

	s1, s2, s3 := &fakeSender{}, &fakeSender{}, &fakeSender{}
	p1, p2, p3 := NewPeerMedia("p1", s1), NewPeerMedia("p2", s2), NewPeerMedia("p3", s3)
	p1.pushOutMask, p2.pushOutMask, p3.pushOutMask = 0xFF, 0xFF, 0xFF
	gm.AddPeer(p1)
	gm.AddPeer(p2)
	gm.AddPeer(p3)
	for _, s := range []*fakeSender{s1, s2, s3} {
		s.media = nil
	}

	gm.PushLocalMedia(false, bus.MessageTypeVideo, 0, []byte("frame"))

	sent := 0
	for _, s := range []*fakeSender{s1, s2, s3} {
		if len(s.media) == 1 {
			sent++
		}
	}
	if sent != 2 {
		t.Fatalf("expected pushLimit+1=2 peers to receive the fragment, got %d", sent)
	}
}

func TestOnFragmentDedupesAndResolvesWaitingPull(t *testing.T) {
	gm, _ := newTestGroupMedia(false)
	sender := &fakeSender{}
	peer := NewPeerMedia("p1", sender)
	gm.AddPeer(peer)

	gm.waitingPulls[5] = time.Now()
	gm.OnFragment("p1", Fragment{ID: 5, Marker: MarkerData, Type: bus.MessageTypeAudio, Payload: []byte("a")})

	if _, waiting := gm.waitingPulls[5]; waiting {
		t.Fatal("expected fragment 5 to resolve the waiting pull")
	}
	if _, have := gm.fragments[5]; !have {
		t.Fatal("expected fragment 5 to be stored")
	}

	sender.media = nil
	gm.OnFragment("p1", Fragment{ID: 5, Marker: MarkerData, Type: bus.MessageTypeAudio, Payload: []byte("a")})
	if len(gm.fragments) != 1 {
		t.Fatal("expected duplicate fragment to be ignored")
	}
}

func TestOnPullAnswersWithStoredFragment(t *testing.T) {
	gm, _ := newTestGroupMedia(true)
	sender := &fakeSender{}
	peer := NewPeerMedia("p1", sender)
	gm.AddPeer(peer)
	sender.media = nil

	gm.PushLocalMedia(true, bus.MessageTypeAudio, 10, []byte("pcm"))
	id := gm.lastFragmentID

	if err := gm.OnPull("p1", id); err != nil {
		t.Fatalf("OnPull: %v", err)
	}
	if len(sender.media) == 0 {
		t.Fatal("expected the fragment to be sent back to the puller")
	}
}

func TestPushMaskElectionRotatesThroughAllMasks(t *testing.T) {
	gm, _ := newTestGroupMedia(false)
	s1, s2 := &fakeSender{}, &fakeSender{}
	gm.AddPeer(NewPeerMedia("p1", s1))
	gm.AddPeer(NewPeerMedia("p2", s2))

	seen := make(map[uint8]bool)
	for i := 0; i < 32; i++ {
		gm.sendPushRequests()
		seen[gm.currentPushMask] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected all 8 masks to appear over enough rotations, saw %d", len(seen))
	}
}

func TestWindowTrimmingNotifiesRemovedFragments(t *testing.T) {
	gm, _ := newTestGroupMedia(true)
	gm.params.WindowDuration = 10
	gm.params.RelayMargin = 0

	var notified uint64
	gm.OnRemovedFragments = func(_ *GroupMedia, firstKept uint64) { notified = firstKept }

	gm.PushLocalMedia(true, bus.MessageTypeAudio, 0, []byte("a"))
	gm.PushLocalMedia(true, bus.MessageTypeAudio, 0, []byte("b"))
	gm.PushLocalMedia(true, bus.MessageTypeAudio, 0, []byte("c"))
	gm.timeIndex[0].at = time.Now().Add(-time.Hour)
	gm.timeIndex[1].at = time.Now().Add(-time.Hour)

	gm.eraseOldFragments()

	if notified == 0 {
		t.Fatal("expected OnRemovedFragments to fire after trimming")
	}
	if _, have := gm.fragments[1]; have {
		t.Fatal("expected fragment 1 to be trimmed")
	}
}
