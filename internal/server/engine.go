// Engine implements ioloop.Bindings: it is the policy layer deciding what
// every freshly-established session talks to, adapted from the way the
// original media server's connection handler dispatched a fresh TCP
// connection to a ServiceSession, generalized here to RTMFP's two distinct
// shapes of "freshly established session" (a Flash client, or a P2P
// NetGroup neighbor).
package server

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/core/bus"
	"rtmfp/internal/core/flashconn"
	"rtmfp/internal/core/handshake"
	"rtmfp/internal/core/netgroup"
	"rtmfp/internal/core/protocol/amf0"
	"rtmfp/internal/core/publisher"
	"rtmfp/internal/core/session"
	"rtmfp/internal/core/writer"
	"rtmfp/internal/ioloop"
	"rtmfp/internal/status"
)

// p2pEPDMarker is the EPD tag byte a P2P handshake's EPD carries ahead of
// the target peer id (spec.md §4.2); anything else is a client-to-server
// connect URL.
const p2pEPDMarker = 0x0F

// Engine wires the shared publisher/stream/group registries a session's
// FlashConnection or NetGroup binding needs, and is the only thing in this
// module that knows both ioloop and flashconn/netgroup.
type Engine struct {
	streams    *bus.Registry
	publishers *publisher.Registry
	groups     *GroupRegistry
	log        *zap.Logger

	mu     sync.Mutex
	byPeer map[string]*session.Session // peer id -> session, for group pull-timeout teardown

	stopFeeders chan struct{}
}

// NewEngine builds an Engine sharing one bus.Registry and publisher.Registry
// across every connection, and one GroupRegistry across every NetGroup
// membership.
func NewEngine(groups *GroupRegistry, log *zap.Logger) *Engine {
	log = log.Named("engine")
	streams := bus.NewRegistry()
	e := &Engine{
		streams:     streams,
		publishers:  publisher.NewRegistry(streams, log),
		groups:      groups,
		log:         log,
		byPeer:      make(map[string]*session.Session),
		stopFeeders: make(chan struct{}),
	}
	groups.OnTimeout = e.closePeers
	return e
}

// BootstrapApps pre-creates the NetGroup for each configured app and, for
// ones marked as publisher, relays the locally-hosted bus.Stream's media
// into that group directly — the server acting as the group's source
// without waiting for a Flash client to issue the "group" command itself.
func (e *Engine) BootstrapApps(apps []config.AppConfig) {
	for _, app := range apps {
		if app.GroupName == "" {
			continue
		}
		gm := e.groups.EnsureGroup(app.GroupName, app.IsPublisher)
		if app.IsPublisher {
			go e.feedGroupFromStream(gm, app.App, app.Stream)
		}
	}
}

// feedGroupFromStream drains app/stream's bus.Stream and pushes every
// message into gm as local media, until Close stops the engine.
func (e *Engine) feedGroupFromStream(gm *netgroup.GroupMedia, app, streamName string) {
	key := bus.NewStreamKey(app, streamName)
	stream, _ := e.streams.GetOrCreate(key)
	sub, id := stream.AttachSubscriber(1000, bus.BackpressureDropOldest)
	defer stream.DetachSubscriber(id)

	for {
		select {
		case <-e.stopFeeders:
			return
		default:
		}
		msg, ok := sub.Buffer().Read()
		if !ok {
			runtime.Gosched()
			continue
		}
		reliable := msg.Type != bus.MessageTypeVideo
		gm.PushLocalMedia(reliable, msg.Type, msg.Timestamp, msg.Payload)
	}
}

// Close stops every app-feeder goroutine BootstrapApps started.
func (e *Engine) Close() {
	close(e.stopFeeders)
}

// BindEstablished implements ioloop.Bindings. A client-app connection
// (EPD carries a connect URL) gets a FlashConnection; a P2P neighbor (EPD
// carries 0x0F || peerId) gets bound to whatever group the far peer last
// joined over its own client connection, per spec.md §4.7's
// server-relayed NetGroup shape. HandleHS30 always marks an inbound
// attempt RoleP2PResponder regardless of which of these it turns out to
// be, so EPD's leading byte, not Role, is the discriminator here.
func (e *Engine) BindEstablished(h *handshake.Handshake, sess *session.Session, cmdOut *writer.Writer) ioloop.FlowRouter {
	if len(h.EPD) > 0 && h.EPD[0] == p2pEPDMarker {
		return e.bindPeerGroup(h, sess)
	}
	return e.bindFlashConnection(h, sess, cmdOut)
}

func (e *Engine) bindFlashConnection(h *handshake.Handshake, sess *session.Session, cmdOut *writer.Writer) ioloop.FlowRouter {
	peerID := handshake.DerivePeerID(h.Cert).String()
	conn := flashconn.New(e.publishers, e.groups, peerID, cmdOut, sess.NewWriter, e.log)
	conn.OnStatus = func(mediaID uint32, ev status.Event) {
		e.sendOnStatus(cmdOut, mediaID, ev)
	}
	e.trackPeer(peerID, sess)
	return conn
}

// bindPeerGroup resolves a P2P neighbor's handshake to the group it should
// join. h.Cert is only populated with the far side's real certificate on
// the responder path (HandleHS38 sets it from the wire; the initiator side
// self-identifies with its own DH key in sendHS38), which is exactly the
// path every inbound HS30 takes — this server only ever answers P2P
// handshakes, never starts one for group relay, so DerivePeerID(h.Cert)
// always names the far peer here.
func (e *Engine) bindPeerGroup(h *handshake.Handshake, sess *session.Session) ioloop.FlowRouter {
	peerID := handshake.DerivePeerID(h.Cert).String()
	gm, ok := e.groups.ForPeer(peerID)
	if !ok {
		e.log.Debug("P2P handshake from peer with no known group membership", zap.String("peer", peerID))
		return nil
	}
	e.trackPeer(peerID, sess)
	return newPeerGroupRouter(gm, peerID, e.log)
}

func (e *Engine) trackPeer(peerID string, sess *session.Session) {
	e.mu.Lock()
	e.byPeer[peerID] = sess
	e.mu.Unlock()
}

// Streams returns the bus.Registry backing every publisher this engine
// hosts, for the debug FLV tap to read from.
func (e *Engine) Streams() *bus.Registry {
	return e.streams
}

// SessionClosed implements ioloop.Bindings.
func (e *Engine) SessionClosed(sess *session.Session) {
	e.mu.Lock()
	for peerID, s := range e.byPeer {
		if s == sess {
			delete(e.byPeer, peerID)
			e.groups.RemovePeer(peerID)
			break
		}
	}
	e.mu.Unlock()
}

// closePeers requests a wire close and local teardown for every session
// belonging to peerIDs, e.g. once a group's pull engine gives up on them
// (spec.md §7: PullTimeout closes with P2P_PULL_TIMEOUT).
func (e *Engine) closePeers(peerIDs []string) {
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(peerIDs))
	for _, id := range peerIDs {
		if s, ok := e.byPeer[id]; ok {
			sessions = append(sessions, s)
		}
	}
	e.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.SendCloseRequest(); err != nil {
			e.log.Debug("close request failed", zap.Error(err))
		}
		sess.Close()
	}
}

// sendOnStatus encodes ev as an onStatus AMF0 command targeting mediaID
// and ships it over out, the pattern every FlashConnection status event
// rides on (spec.md §4.6).
func (e *Engine) sendOnStatus(out *writer.Writer, mediaID uint32, ev status.Event) {
	body, err := amf0.EncodeCommand(amf0.Array{
		"onStatus",
		float64(0),
		nil,
		amf0.Object{
			"level":       ev.Level,
			"code":        ev.Code,
			"description": ev.Description,
		},
		float64(mediaID),
	})
	if err != nil {
		e.log.Warn("encode onStatus failed", zap.Error(err))
		return
	}
	if err := out.Write(body, true); err != nil {
		e.log.Warn("send onStatus failed", zap.Error(err))
	}
}
