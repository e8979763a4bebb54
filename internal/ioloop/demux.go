// Session-id demux and handshake chunk parsing: the part of spec.md §4.3
// step 1 ("decode session-id; look up the session, or route to the
// handshaker if id is 0 or unknown") that sits above both Session.Dispatch
// and handshake.Manager.
package ioloop

import (
	"encoding/binary"
	"net"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/handshake"
	"rtmfp/internal/core/session"
)

// flowHandler is the method set session.Dispatch's flow factory needs —
// the same shape flow.Handler exports, restated here so this package
// doesn't have to import flow just to name it.
type flowHandler = interface {
	OnMessage(flowID uint64, payload []byte, lastFragment bool)
	OnFlowComplete(flowID uint64)
}

// FlowRouter is what Bindings.BindEstablished hands back for a session's
// main flow: it handles that flow's own traffic directly and resolves any
// other flow id the session later sees (a media stream, at minimum) to its
// own handler once one exists. FlashConnection and PeerFlowHandler both
// satisfy this structurally.
type FlowRouter interface {
	flowHandler
	SubFlow(flowID uint64) (flowHandler, bool)
}

// noopHandler absorbs traffic on a flow id no router has claimed yet —
// defensive only; causally a peer always creates the stream (over the
// command flow) before it sends on the stream's own flow id.
type noopHandler struct{ log *zap.Logger }

func (h noopHandler) OnMessage(flowID uint64, payload []byte, lastFragment bool) {
	h.log.Debug("message on unclaimed flow", zap.Uint64("flow", flowID))
}
func (h noopHandler) OnFlowComplete(flowID uint64) {}

// flowFactoryFor returns the function session.Dispatch calls the first
// time it sees a new flow id on sess: FlowIDMain goes straight to the
// bound router, anything else is resolved through SubFlow.
func (l *Loop) flowFactoryFor(sess *session.Session) func(uint64) flowHandler {
	return func(flowID uint64) flowHandler {
		l.mu.RLock()
		router := l.routers[sess.ID()]
		l.mu.RUnlock()
		if router == nil {
			return noopHandler{log: l.log}
		}
		if flowID == session.FlowIDMain {
			return router
		}
		if h, ok := router.SubFlow(flowID); ok {
			return h
		}
		return noopHandler{log: l.log}
	}
}

// handleSessionDatagram decrypts datagram with sess's own keys and feeds
// the resulting chunk stream through Dispatch.
func (l *Loop) handleSessionDatagram(sess *session.Session, datagram []byte, from *net.UDPAddr, now time.Time) {
	chunks, err := sess.DecodeDatagram(datagram)
	if err != nil {
		l.log.Debug("session decode failed", zap.Uint32("session", sess.ID()), zap.Error(err))
		return
	}
	hooks := session.Hooks{
		OnP2PAddress: func(payload []byte) { l.handleP2PAddress(payload) },
	}
	factory := l.flowFactoryFor(sess)
	adapter := func(flowID uint64) interface {
		OnMessage(flowID uint64, payload []byte, lastFragment bool)
		OnFlowComplete(flowID uint64)
	} {
		return factory(flowID)
	}
	if err := sess.Dispatch(chunks, now, hooks, adapter); err != nil {
		l.log.Debug("dispatch failed", zap.Uint32("session", sess.ID()), zap.Error(err))
	}
	if err := sess.Flush(); err != nil {
		l.log.Warn("flush after dispatch failed", zap.Uint32("session", sess.ID()), zap.Error(err))
	}
}

// handleP2PAddress decodes a 0x0F chunk's tag-prefixed candidate list and
// feeds it back into the handshaker for the attempt it belongs to.
func (l *Loop) handleP2PAddress(payload []byte) {
	if len(payload) < handshake.TagSize {
		return
	}
	var tag handshake.Tag
	copy(tag[:], payload[:handshake.TagSize])
	addrs, err := codec.ReadAddresses(payload[handshake.TagSize:])
	if err != nil {
		l.log.Debug("decode P2P address chunk failed", zap.Error(err))
		return
	}
	l.handshakes.AddCandidates(tag, addrs)
}

// handleHandshakeDatagram decodes a session-id-0 (or unrecognized-id)
// datagram under the fixed handshake key and dispatches each chunk by its
// HS30/70/38/78 type byte.
func (l *Loop) handleHandshakeDatagram(datagram []byte, from *net.UDPAddr, now time.Time) {
	_, body, err := codec.Decode(datagram, codec.HandshakeCipher())
	if err != nil {
		l.log.Debug("handshake decode failed", zap.Stringer("from", from), zap.Error(err))
		return
	}
	_, _, _, offset, err := codec.ReadHeader(body)
	if err != nil {
		l.log.Debug("handshake header parse failed", zap.Error(err))
		return
	}
	chunks := body[offset:]

	for len(chunks) > 0 {
		chunkType := chunks[0]
		if chunkType == codec.ChunkEndOfPacket {
			return
		}
		if len(chunks) < 3 {
			return
		}
		length := int(binary.BigEndian.Uint16(chunks[1:3]))
		if len(chunks) < 3+length {
			return
		}
		chunkBody := chunks[3 : 3+length]
		chunks = chunks[3+length:]

		if err := l.dispatchHandshakeChunk(chunkType, chunkBody, from, now); err != nil {
			l.log.Debug("handshake chunk failed", zap.Uint8("type", chunkType), zap.Error(err))
		}
	}
}

func (l *Loop) dispatchHandshakeChunk(chunkType byte, body []byte, from *net.UDPAddr, now time.Time) error {
	switch chunkType {
	case handshake.ChunkHS30:
		epd, tag, err := handshake.DecodeHS30(body)
		if err != nil {
			return err
		}
		return l.handshakes.HandleHS30(from, epd, tag, now)

	case handshake.ChunkHS70:
		tag, cookie, farKey, err := handshake.DecodeHS70(body)
		if err != nil {
			return err
		}
		return l.handshakes.HandleHS70(from, tag, cookie, farKey, now)

	case handshake.ChunkHS38:
		farID, cookie, clientPub, clientNonce, cert, err := handshake.DecodeHS38(body)
		if err != nil {
			return err
		}
		return l.handshakes.HandleHS38(from, farID, cookie, clientPub, clientNonce, cert, now)

	case handshake.ChunkHS78:
		serverID, serverPub, serverNonce, err := handshake.DecodeHS78(body)
		if err != nil {
			return err
		}
		h, ok := l.pendingByAddr(from)
		if !ok {
			return nil
		}
		_, err = l.handshakes.HandleHS78(serverID, serverPub, serverNonce, h)
		return err
	}
	return nil
}
