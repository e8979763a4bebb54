// FlashConnection is the main NetConnection binding: it reads AMF0 commands
// off a session's main flow and dispatches them by name, owning the set of
// FlashStreams a peer has created. Adapted from the RTMP command-handling
// shape in the original ServiceSession, generalized from per-chunk-stream
// command routing to RTMFP's single command flow plus one media flow per
// stream.
package flashconn

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
	"rtmfp/internal/core/netgroup"
	"rtmfp/internal/core/protocol/amf0"
	"rtmfp/internal/core/publisher"
	"rtmfp/internal/core/writer"
	"rtmfp/internal/status"
)

// Groups lets FlashConnection register a peer as a NetGroup member without
// owning the group registry itself — that lives at the engine layer, which
// is what actually knows how to map a group name to the GroupMedia shared
// by every one of its members.
type Groups interface {
	Join(groupName, peerID string, sender netgroup.Sender) (*netgroup.GroupMedia, error)
}

// FlashConnection owns one peer's application-level session: its streams
// and group flows, both keyed by flow id, and the writer its status events
// and command results go out on. Commands (connect/createStream/publish/
// play/closeStream/group) always arrive on flow 2; each stream's or
// group's own traffic then arrives on a separate flow whose id is handed
// out by newWriter when the stream or group flow is created, per spec.md
// §4.6-§4.7.
type FlashConnection struct {
	mu         sync.RWMutex
	app        string
	streams    map[uint32]*FlashStream
	groupFlows map[uint32]*groupFlow

	publishers *publisher.Registry
	groups     Groups
	peerID     string

	cmdOut *writer.Writer
	// newWriter allocates a fresh outbound flow id and its Writer from the
	// owning session, so a stream or group flow's id is the same id the
	// remote will use to open its half of that flow. Keeping this as a
	// callback instead of importing session avoids a cycle.
	newWriter func() *writer.Writer

	log *zap.Logger

	// OnStatus is invoked for every status event FlashConnection generates,
	// so the IO lane can encode and ship it as an onStatus command.
	OnStatus func(mediaID uint32, ev status.Event)
}

// New creates a FlashConnection that will dispatch publish/play against
// the shared publisher registry, group against groups, and send command
// responses through cmdOut. peerID identifies this connection's far side
// for NetGroup membership bookkeeping.
func New(publishers *publisher.Registry, groups Groups, peerID string, cmdOut *writer.Writer, newWriter func() *writer.Writer, log *zap.Logger) *FlashConnection {
	return &FlashConnection{
		streams:    make(map[uint32]*FlashStream),
		groupFlows: make(map[uint32]*groupFlow),
		publishers: publishers,
		groups:     groups,
		peerID:     peerID,
		cmdOut:     cmdOut,
		newWriter:  newWriter,
		log:        log.Named("flashconn"),
	}
}

// OnMessage implements flow.Handler for flow 2, the command flow.
func (c *FlashConnection) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	if err := c.handleCommand(payload); err != nil {
		c.log.Warn("command dispatch failed", zap.Error(err))
	}
}

// OnFlowComplete implements flow.Handler; the command flow never completes
// while the connection is alive, so this closes every stream and group
// flow it owns.
func (c *FlashConnection) OnFlowComplete(flowID uint64) {
	c.mu.Lock()
	streams := make([]*FlashStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	groups := make([]*groupFlow, 0, len(c.groupFlows))
	for _, g := range c.groupFlows {
		groups = append(groups, g)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
	for _, g := range groups {
		g.gm.RemovePeer(g.peerID)
	}
}

// MediaHandler returns the flow.Handler for the media flow bound to
// mediaID, or nil if no stream owns that id. This is what the session's
// flow factory should return for any flow id other than 2.
func (c *FlashConnection) MediaHandler(mediaID uint32) *FlashStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[mediaID]
}

// SubFlow resolves any flow id other than the command flow to the
// FlashStream or group flow that owns it, satisfying the IO lane's flow
// router contract without that package needing to import flashconn.
func (c *FlashConnection) SubFlow(flowID uint64) (interface {
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	OnFlowComplete(flowID uint64)
}, bool) {
	c.mu.RLock()
	g, ok := c.groupFlows[uint32(flowID)]
	c.mu.RUnlock()
	if ok {
		return g, true
	}
	s := c.MediaHandler(uint32(flowID))
	if s == nil {
		return nil, false
	}
	return s, true
}

func (c *FlashConnection) handleCommand(body []byte) error {
	cmd, err := amf0.DecodeCommand(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("flashconn: decode command: %w", err)
	}
	if len(cmd) == 0 {
		return nil
	}
	name, _ := cmd[0].(string)

	switch name {
	case "connect":
		return c.handleConnect(cmd)
	case "createStream":
		return c.handleCreateStream(cmd)
	case "publish":
		return c.handlePublish(cmd)
	case "play":
		return c.handlePlay(cmd)
	case "closeStream":
		return c.handleCloseStream(cmd)
	case "group":
		return c.handleGroup(cmd)
	default:
		c.log.Debug("unhandled command", zap.String("name", name))
		return nil
	}
}

func (c *FlashConnection) handleConnect(cmd amf0.Array) error {
	app := connectApp(cmd)
	c.mu.Lock()
	c.app = app
	c.mu.Unlock()

	return c.sendResult(cmd, amf0.Object{
		"level":          "status",
		"code":           status.CodeConnectSuccess,
		"description":    "Connection succeeded.",
		"objectEncoding": float64(0),
	})
}

func (c *FlashConnection) handleCreateStream(cmd amf0.Array) error {
	w := c.newWriter()
	id := uint32(w.ID)
	c.mu.Lock()
	c.streams[id] = newFlashStream(id, c, w)
	c.mu.Unlock()

	transID := transactionID(cmd)
	body, err := amf0.EncodeCommand(amf0.Array{"_result", transID, nil, float64(id)})
	if err != nil {
		return err
	}
	return c.cmdOut.Write(body, true)
}

// group format: ["group", txnID, null, groupName]. Joining allocates its
// own flow (unrelated to any createStream'd media id) since GroupMedia
// exchange uses its own wire format, not the audio/video/data media
// framing a FlashStream carries.
func (c *FlashConnection) handleGroup(cmd amf0.Array) error {
	groupName, _ := argAt(cmd, 3).(string)
	if groupName == "" {
		return fmt.Errorf("flashconn: group missing name")
	}
	if c.groups == nil {
		return fmt.Errorf("flashconn: NetGroup not supported on this connection")
	}

	w := c.newWriter()
	id := uint32(w.ID)
	gm, err := c.groups.Join(groupName, c.peerID, netgroup.NewFlowSender(w))
	if err != nil {
		if c.OnStatus != nil {
			c.OnStatus(id, status.NewErrorEvent(status.CodeGroupConnectFailed, err.Error()))
		}
		return nil
	}

	c.mu.Lock()
	c.groupFlows[id] = &groupFlow{mediaID: id, gm: gm, peerID: c.peerID, conn: c}
	c.mu.Unlock()

	if c.OnStatus != nil {
		c.OnStatus(id, status.NewEvent(status.CodeGroupConnectSuccess, "Connected to NetGroup "+groupName))
	}
	return nil
}

// publish format: ["publish", txnID, null, streamName, mediaID].
func (c *FlashConnection) handlePublish(cmd amf0.Array) error {
	mediaID := mediaIDArg(cmd, 4)
	stream := c.MediaHandler(mediaID)
	if stream == nil {
		return fmt.Errorf("flashconn: publish on unknown media id %d", mediaID)
	}
	streamName, _ := argAt(cmd, 3).(string)
	if streamName == "" {
		return fmt.Errorf("flashconn: publish missing stream name")
	}

	c.mu.RLock()
	app := c.app
	c.mu.RUnlock()

	key := bus.NewStreamKey(app, streamName)
	pub := c.publishers.GetOrCreate(key)
	if err := stream.startPublish(pub); err != nil {
		return err
	}

	if c.OnStatus != nil {
		c.OnStatus(mediaID, status.NewEvent(status.CodePublishStart, "Start publishing"))
	}
	return nil
}

// play format: ["play", txnID, null, streamName, mediaID].
func (c *FlashConnection) handlePlay(cmd amf0.Array) error {
	mediaID := mediaIDArg(cmd, 4)
	stream := c.MediaHandler(mediaID)
	if stream == nil {
		return fmt.Errorf("flashconn: play on unknown media id %d", mediaID)
	}
	streamName, _ := argAt(cmd, 3).(string)

	c.mu.RLock()
	app := c.app
	c.mu.RUnlock()

	key := bus.NewStreamKey(app, streamName)
	pub := c.publishers.Get(key)
	if pub == nil {
		if c.OnStatus != nil {
			c.OnStatus(mediaID, status.NewErrorEvent(status.CodeGroupConnectFailed, "stream not found"))
		}
		return nil
	}
	return stream.startPlay(pub)
}

// closeStream format: ["closeStream", txnID, null, mediaID].
func (c *FlashConnection) handleCloseStream(cmd amf0.Array) error {
	mediaID := mediaIDArg(cmd, 3)
	stream := c.MediaHandler(mediaID)
	if stream == nil {
		return nil
	}
	stream.close()
	if c.OnStatus != nil {
		c.OnStatus(mediaID, status.NewEvent(status.CodePlayUnpublishNotify, "Stop"))
	}
	return nil
}

// removeStream drops a stream once its media flow completes.
func (c *FlashConnection) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// removeGroupFlow drops a group flow once its neighbor exchange ends.
func (c *FlashConnection) removeGroupFlow(id uint32) {
	c.mu.Lock()
	delete(c.groupFlows, id)
	c.mu.Unlock()
}

// groupFlow adapts one joined GroupMedia's wire exchange onto a flow.Handler,
// dispatching every inbound message through netgroup.Dispatch on behalf of
// this connection's own peer id.
type groupFlow struct {
	mediaID uint32
	gm      *netgroup.GroupMedia
	peerID  string
	conn    *FlashConnection
}

func (g *groupFlow) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	if err := netgroup.Dispatch(g.gm, g.peerID, payload); err != nil {
		g.conn.log.Warn("group dispatch failed", zap.Error(err))
	}
}

func (g *groupFlow) OnFlowComplete(flowID uint64) {
	g.gm.RemovePeer(g.peerID)
	g.conn.removeGroupFlow(g.mediaID)
}

func (c *FlashConnection) sendResult(cmd amf0.Array, statusObj amf0.Object) error {
	transID := transactionID(cmd)
	body, err := amf0.EncodeCommand(amf0.Array{"_result", transID, statusObj})
	if err != nil {
		return err
	}
	return c.cmdOut.Write(body, true)
}

func connectApp(cmd amf0.Array) string {
	if len(cmd) < 3 {
		return ""
	}
	obj, ok := cmd[2].(amf0.Object)
	if !ok {
		return ""
	}
	app, _ := obj["app"].(string)
	return app
}

func transactionID(cmd amf0.Array) float64 {
	if len(cmd) < 2 {
		return 0
	}
	v, _ := cmd[1].(float64)
	return v
}

func argAt(cmd amf0.Array, i int) amf0.Value {
	if i >= len(cmd) {
		return nil
	}
	return cmd[i]
}

func mediaIDArg(cmd amf0.Array, i int) uint32 {
	v, _ := argAt(cmd, i).(float64)
	return uint32(v)
}
