package netgroup

import (
	"bytes"
	"testing"

	"rtmfp/internal/core/bus"
)

func TestGroupBufferDeliversInAscendingOrderDespiteArrivalOrder(t *testing.T) {
	var delivered []uint32
	buf := NewGroupBuffer(func(reliable bool, typ bus.MessageType, t uint32, data []byte) {
		delivered = append(delivered, t)
	})
	gm, _ := newTestGroupMedia(true)

	f3 := &Fragment{ID: 3, Marker: MarkerData, Time: 3}
	f1 := &Fragment{ID: 1, Marker: MarkerData, Time: 1}
	f2 := &Fragment{ID: 2, Marker: MarkerData, Time: 2}

	buf.Push(gm, f3)
	buf.Push(gm, f1)
	if len(delivered) != 1 || delivered[0] != 1 {
		t.Fatalf("expected only fragment 1 delivered so far, got %v", delivered)
	}
	buf.Push(gm, f2)
	if len(delivered) != 3 {
		t.Fatalf("expected all three delivered once contiguous, got %v", delivered)
	}
	if delivered[1] != 2 || delivered[2] != 3 {
		t.Fatalf("expected ascending delivery order, got %v", delivered)
	}
}

func TestGroupBufferAssemblesSplitMessage(t *testing.T) {
	var payload []byte
	buf := NewGroupBuffer(func(reliable bool, typ bus.MessageType, t uint32, data []byte) {
		payload = data
	})
	gm, _ := newTestGroupMedia(true)

	buf.Push(gm, &Fragment{ID: 1, Marker: MarkerStart, Payload: []byte("hel")})
	buf.Push(gm, &Fragment{ID: 2, Marker: MarkerNext, Payload: []byte("lo,")})
	if payload != nil {
		t.Fatal("expected no delivery before the end marker")
	}
	buf.Push(gm, &Fragment{ID: 3, Marker: MarkerEnd, Payload: []byte(" world")})

	if !bytes.Equal(payload, []byte("hello, world")) {
		t.Fatalf("expected reassembled payload, got %q", payload)
	}
}

func TestSplitFragmentsChainsLargePayload(t *testing.T) {
	data := bytes.Repeat([]byte("x"), maxFragmentSize*2+10)
	var next uint64
	frags := splitFragments(true, bus.MessageTypeVideo, 0, data, func() uint64 { next++; return next })

	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(frags))
	}
	if frags[0].Marker != MarkerStart || frags[1].Marker != MarkerNext || frags[2].Marker != MarkerEnd {
		t.Fatalf("expected start/next/end markers, got %v/%v/%v", frags[0].Marker, frags[1].Marker, frags[2].Marker)
	}
	total := 0
	for _, f := range frags {
		total += len(f.Payload)
	}
	if total != len(data) {
		t.Fatalf("expected reassembled length %d, got %d", len(data), total)
	}
}

func TestMediaFragmentWireRoundTrip(t *testing.T) {
	f := Fragment{ID: 12345, Marker: MarkerData, SplitIndex: 0, Type: bus.MessageTypeVideo, Time: 4242, Payload: []byte("frame-bytes")}
	body := EncodeMediaFragment(f)

	got, err := DecodeMediaFragment(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != f.ID || got.Marker != f.Marker || got.Type != f.Type || got.Time != f.Time {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: %q vs %q", got.Payload, f.Payload)
	}
}

func TestAnnounceWireRoundTrip(t *testing.T) {
	params := DefaultParams()
	params.IsPublisher = true
	params.PushLimit = 7

	body := EncodeAnnounce("live", "streamkey123", params)
	name, key, got, err := DecodeAnnounce(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "live" || key != "streamkey123" {
		t.Fatalf("unexpected name/key: %q %q", name, key)
	}
	if !got.IsPublisher || got.PushLimit != 7 || got.WindowDuration != params.WindowDuration {
		t.Fatalf("unexpected params: %+v", got)
	}
}
