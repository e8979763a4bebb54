package server

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/flashconn"
	"rtmfp/internal/core/handshake"
	"rtmfp/internal/core/netgroup"
	"rtmfp/internal/core/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	key := make([]byte, 16)
	keys, err := codec.NewKeyPair(key, key)
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	return session.New(1, 2, keys, 30*time.Second, 95*time.Second, func([]byte) error { return nil }, zap.NewNop())
}

func TestBindEstablishedRoutesClientHandshakeToFlashConnection(t *testing.T) {
	e := NewEngine(newTestRegistry(), zap.NewNop())
	sess := newTestSession(t)
	cmdOut := sess.NewWriter()

	h := &handshake.Handshake{EPD: []byte("rtmfp://localhost/live")}
	router := e.BindEstablished(h, sess, cmdOut)

	if _, ok := router.(*flashconn.FlashConnection); !ok {
		t.Fatalf("expected a *flashconn.FlashConnection, got %T", router)
	}
}

func TestBindEstablishedRoutesP2PHandshakeToKnownGroup(t *testing.T) {
	registry := newTestRegistry()
	e := NewEngine(registry, zap.NewNop())

	cert := []byte("peer-certificate")
	peerID := handshake.DerivePeerID(cert).String()
	if _, err := registry.Join("mygroup", peerID, noopSender()); err != nil {
		t.Fatalf("join: %v", err)
	}

	sess := newTestSession(t)
	h := &handshake.Handshake{EPD: append([]byte{p2pEPDMarker}, []byte("target-peer")...), Cert: cert}

	router := e.BindEstablished(h, sess, nil)
	if _, ok := router.(*peerGroupRouter); !ok {
		t.Fatalf("expected a *peerGroupRouter, got %T", router)
	}
}

func TestBindEstablishedRejectsP2PHandshakeWithNoGroupMembership(t *testing.T) {
	e := NewEngine(newTestRegistry(), zap.NewNop())
	sess := newTestSession(t)
	h := &handshake.Handshake{EPD: []byte{p2pEPDMarker}, Cert: []byte("unknown-peer")}

	if router := e.BindEstablished(h, sess, nil); router != nil {
		t.Fatalf("expected nil router for an unbound peer, got %T", router)
	}
}

func TestSessionClosedRemovesPeerFromItsGroup(t *testing.T) {
	registry := newTestRegistry()
	e := NewEngine(registry, zap.NewNop())

	cert := []byte("peer-certificate")
	peerID := handshake.DerivePeerID(cert).String()
	gm, err := registry.Join("mygroup", peerID, noopSender())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	sess := newTestSession(t)
	h := &handshake.Handshake{EPD: append([]byte{p2pEPDMarker}, []byte("target-peer")...), Cert: cert}
	if router := e.BindEstablished(h, sess, nil); router == nil {
		t.Fatal("expected a bound router")
	}

	e.SessionClosed(sess)

	if len(gm.PeerIDs()) != 0 {
		t.Fatalf("expected peer removed from group on session close, got %v", gm.PeerIDs())
	}
}

func TestBootstrapAppsPreCreatesConfiguredGroup(t *testing.T) {
	registry := newTestRegistry()
	e := NewEngine(registry, zap.NewNop())
	defer e.Close()

	e.BootstrapApps([]config.AppConfig{
		{App: "live", Stream: "camera1", GroupName: "camera1-relay", IsPublisher: true},
	})

	if _, ok := registry.byHex[netgroup.GroupID("camera1-relay")]; !ok {
		t.Fatal("expected BootstrapApps to have pre-created the group")
	}
}
