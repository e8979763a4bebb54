package flashconn

import (
	"bytes"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
	"rtmfp/internal/core/netgroup"
	"rtmfp/internal/core/protocol/amf0"
	"rtmfp/internal/core/publisher"
	"rtmfp/internal/core/writer"
	"rtmfp/internal/status"
)

// fakeGroups is a Groups stub that always succeeds, recording what it was
// asked to join with.
type fakeGroups struct {
	joined []string
	gm     *netgroup.GroupMedia
}

func (g *fakeGroups) Join(groupName, peerID string, sender netgroup.Sender) (*netgroup.GroupMedia, error) {
	g.joined = append(g.joined, groupName+"/"+peerID)
	if g.gm == nil {
		g.gm = netgroup.NewGroupMedia("live", "livekey", netgroup.DefaultParams(), zap.NewNop())
	}
	g.gm.AddPeer(netgroup.NewPeerMedia(peerID, sender))
	return g.gm, nil
}

// failingGroups always refuses a join.
type failingGroups struct{}

func (failingGroups) Join(groupName, peerID string, sender netgroup.Sender) (*netgroup.GroupMedia, error) {
	return nil, fmt.Errorf("no such group")
}

func newTestConnection(t *testing.T) (*FlashConnection, *publisher.Registry, *[][]byte) {
	t.Helper()
	var sent [][]byte
	record := func(f writer.Fragment) error {
		sent = append(sent, f.Data)
		return nil
	}
	w := writer.NewWriter(2, record)

	nextID := uint64(1)
	allocWriter := func() *writer.Writer {
		id := nextID
		nextID++
		return writer.NewWriter(id, record)
	}

	pubs := publisher.NewRegistry(bus.NewRegistry(), zap.NewNop())
	conn := New(pubs, nil, "test-peer", w, allocWriter, zap.NewNop())
	return conn, pubs, &sent
}

func decodeSentCommand(t *testing.T, frames [][]byte) amf0.Array {
	t.Helper()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	cmd, err := amf0.DecodeCommand(bytes.NewReader(frames[len(frames)-1]))
	if err != nil {
		t.Fatalf("decode sent command: %v", err)
	}
	return cmd
}

func TestHandleConnectSendsResult(t *testing.T) {
	conn, _, sent := newTestConnection(t)
	body, _ := amf0.EncodeCommand(amf0.Array{"connect", float64(1), amf0.Object{"app": "live"}})
	conn.OnMessage(2, body, true)

	cmd := decodeSentCommand(t, *sent)
	if cmd[0] != "_result" {
		t.Fatalf("expected _result, got %v", cmd[0])
	}
	if conn.app != "live" {
		t.Fatalf("expected app to be recorded, got %q", conn.app)
	}
}

func TestCreateStreamAllocatesMediaID(t *testing.T) {
	conn, _, sent := newTestConnection(t)
	body, _ := amf0.EncodeCommand(amf0.Array{"createStream", float64(2)})
	conn.OnMessage(2, body, true)

	cmd := decodeSentCommand(t, *sent)
	id, _ := cmd[3].(float64)
	if id != 1 {
		t.Fatalf("expected first media id 1, got %v", id)
	}
	if conn.MediaHandler(1) == nil {
		t.Fatal("expected stream registered for media id 1")
	}
}

func TestPublishBindsStreamAndFiresStatus(t *testing.T) {
	conn, pubs, _ := newTestConnection(t)
	createBody, _ := amf0.EncodeCommand(amf0.Array{"createStream", float64(2)})
	conn.OnMessage(2, createBody, true)

	var gotStatus bool
	conn.OnStatus = func(mediaID uint32, ev status.Event) { gotStatus = true }

	publishBody, _ := amf0.EncodeCommand(amf0.Array{"publish", float64(3), nil, "mystream", float64(1)})
	conn.OnMessage(2, publishBody, true)

	stream := conn.MediaHandler(1)
	if stream == nil {
		t.Fatal("expected media id 1 bound")
	}
	if !stream.publisher {
		t.Fatal("expected stream marked as publisher")
	}
	if pubs.Get(bus.NewStreamKey("", "mystream")) == nil {
		t.Fatal("expected publisher created under empty app")
	}
	if !gotStatus {
		t.Fatal("expected publish status event")
	}
}

func TestMediaFragmentRoundTrip(t *testing.T) {
	raw := []byte{0xAA, 0xBB, 0xCC}
	frag := encodeMediaFragment(true, bus.MessageTypeVideo, true, 1234, raw)

	reliable, typ, keyFrame, ts, body, err := decodeMediaFragment(frag)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reliable {
		t.Error("expected reliable flag set")
	}
	if !keyFrame {
		t.Error("expected key frame flag set")
	}
	if typ != bus.MessageTypeVideo {
		t.Errorf("expected video type, got %v", typ)
	}
	if ts != 1234 {
		t.Errorf("expected timestamp 1234, got %d", ts)
	}
	if !bytes.Equal(body, raw) {
		t.Errorf("expected payload %v, got %v", raw, body)
	}
}

func TestPublishThenMediaFragmentPublishesToListener(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	createBody, _ := amf0.EncodeCommand(amf0.Array{"createStream", float64(2)})
	conn.OnMessage(2, createBody, true)
	publishBody, _ := amf0.EncodeCommand(amf0.Array{"publish", float64(3), nil, "mystream", float64(1)})
	conn.OnMessage(2, publishBody, true)

	stream := conn.MediaHandler(1)

	var delivered *bus.MediaMessage
	listener := stream.pub.AddListener(func(msg *bus.MediaMessage) error {
		delivered = msg
		return nil
	})
	_ = listener

	frag := encodeMediaFragment(false, bus.MessageTypeAudio, false, 42, []byte("pcm"))
	stream.OnMessage(1, frag, true)
	stream.pub.Flush()

	if delivered == nil {
		t.Fatal("expected media message delivered to listener")
	}
	if delivered.Timestamp != 42 {
		t.Errorf("expected timestamp 42, got %d", delivered.Timestamp)
	}
}

func TestGroupJoinSucceedsAndBindsFlow(t *testing.T) {
	var sent [][]byte
	record := func(f writer.Fragment) error {
		sent = append(sent, f.Data)
		return nil
	}
	cmdOut := writer.NewWriter(2, record)
	nextID := uint64(1)
	allocWriter := func() *writer.Writer {
		id := nextID
		nextID++
		return writer.NewWriter(id, record)
	}
	groups := &fakeGroups{}
	conn := New(nil, groups, "peer-a", cmdOut, allocWriter, zap.NewNop())

	var gotStatus status.Event
	conn.OnStatus = func(mediaID uint32, ev status.Event) { gotStatus = ev }

	body, _ := amf0.EncodeCommand(amf0.Array{"group", float64(1), nil, "mygroup"})
	conn.OnMessage(2, body, true)

	if len(groups.joined) != 1 || groups.joined[0] != "mygroup/peer-a" {
		t.Fatalf("expected a join recorded for mygroup/peer-a, got %v", groups.joined)
	}
	if gotStatus.Code != status.CodeGroupConnectSuccess {
		t.Fatalf("expected group connect success status, got %+v", gotStatus)
	}

	sub, ok := conn.SubFlow(1)
	if !ok {
		t.Fatal("expected the allocated flow id to resolve to the group flow")
	}
	sub.OnFlowComplete(1)
	if len(groups.gm.PeerIDs()) != 0 {
		t.Fatalf("expected peer removed from group on flow completion, got %v", groups.gm.PeerIDs())
	}
}

func TestGroupJoinFailureReportsStatus(t *testing.T) {
	cmdOut := writer.NewWriter(2, func(f writer.Fragment) error { return nil })
	nextID := uint64(1)
	allocWriter := func() *writer.Writer {
		id := nextID
		nextID++
		return writer.NewWriter(id, func(f writer.Fragment) error { return nil })
	}
	conn := New(nil, failingGroups{}, "peer-b", cmdOut, allocWriter, zap.NewNop())

	var gotStatus status.Event
	conn.OnStatus = func(mediaID uint32, ev status.Event) { gotStatus = ev }

	body, _ := amf0.EncodeCommand(amf0.Array{"group", float64(1), nil, "mygroup"})
	conn.OnMessage(2, body, true)

	if gotStatus.Code != status.CodeGroupConnectFailed {
		t.Fatalf("expected group connect failed status, got %+v", gotStatus)
	}
}
