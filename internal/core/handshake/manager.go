// Manager owns every in-progress Handshake, indexed by tag and by cookie,
// and drives retries and garbage collection from the IO lane's periodic
// manage() tick. It never touches the network itself: Sender is injected so
// the IO lane keeps sole ownership of the socket.
package handshake

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/status"
)

// Sender frames and ships one chunk body of the given type to addr. The
// Manager calls it only from the goroutine that calls Manage/HandleHS30/etc
// — it performs no socket I/O of its own and needs no internal locking on
// that account.
type Sender func(addr *net.UDPAddr, chunkType byte, body []byte) error

// Manager tracks outstanding handshakes and resolves completed ones into
// sessions via OnEstablished.
type Manager struct {
	mu       sync.Mutex
	byTag    map[Tag]*Handshake
	byCookie map[Cookie]*Handshake

	log  *zap.Logger
	send Sender

	// nextFarID allocates session ids for newly promoted handshakes; it is
	// owned by the session manager.
	nextFarID func() uint32

	// OnEstablished is invoked once a handshake completes, handing the
	// session manager the finished Handshake and its derived cipher keys.
	OnEstablished func(h *Handshake, keys *codec.KeyPair)
}

// NewManager builds a Manager.
func NewManager(log *zap.Logger, send Sender, nextFarID func() uint32) *Manager {
	return &Manager{
		byTag:     make(map[Tag]*Handshake),
		byCookie:  make(map[Cookie]*Handshake),
		log:       log.Named("handshake"),
		send:      send,
		nextFarID: nextFarID,
	}
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// StartClient begins a client-to-server handshake against addr, sending the
// first HS30 immediately.
func (m *Manager) StartClient(addr *net.UDPAddr, epd []byte, now time.Time) (*Handshake, error) {
	h := &Handshake{
		Role:        RoleClient,
		Tag:         NewTag(),
		Status:      status.StatusHS30Sent,
		CreatedAt:   now,
		HostAddress: addr,
		EPD:         epd,
	}
	m.mu.Lock()
	m.byTag[h.Tag] = h
	m.mu.Unlock()
	return h, m.sendHS30(h, now)
}

// StartP2PInitiator begins a peer-to-peer handshake toward peerID, trying
// direct candidates first and only consulting the rendezvous server after
// P2PRendezvousDelay of silence.
func (m *Manager) StartP2PInitiator(rendezvous *net.UDPAddr, peerID PeerID, candidates []*net.UDPAddr, now time.Time) (*Handshake, error) {
	epd := make([]byte, 0, 1+len(peerID))
	epd = append(epd, 0x0F)
	epd = append(epd, peerID[:]...)

	addrs := make([]codec.Candidate, 0, len(candidates))
	for _, c := range candidates {
		addrs = append(addrs, codec.Candidate{Addr: c, Type: codec.AddressPublic})
	}

	h := &Handshake{
		Role:              RoleP2PInitiator,
		Tag:               NewTag(),
		Status:            status.StatusHS30Sent,
		CreatedAt:         now,
		HostAddress:       rendezvous,
		Addresses:         addrs,
		EPD:               epd,
		RendezvousDelayed: len(addrs) > 0,
	}
	m.mu.Lock()
	m.byTag[h.Tag] = h
	m.mu.Unlock()
	return h, m.sendHS30(h, now)
}

// dialTarget picks which address an HS30/HS38 retransmission goes to: a
// direct P2P candidate while RendezvousDelayed holds, the rendezvous server
// or remote host otherwise.
func (h *Handshake) dialTarget() *net.UDPAddr {
	if h.Role == RoleP2PInitiator && h.RendezvousDelayed && len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return h.HostAddress
}

func (m *Manager) sendHS30(h *Handshake, now time.Time) error {
	body := EncodeHS30(h.EPD, h.Tag)
	h.Attempt++
	h.LastTry = now
	return m.send(h.dialTarget(), ChunkHS30, body)
}

// HandleHS30 answers an inbound HS30 as a P2P responder: a fresh cookie and
// our DH public key, keyed by cookie for the matching HS38.
func (m *Manager) HandleHS30(from *net.UDPAddr, epd []byte, tag Tag, now time.Time) error {
	keys, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	cookie := NewCookie()
	h := &Handshake{
		Role:             RoleP2PResponder,
		Tag:              tag,
		Cookie:           &cookie,
		Status:           status.StatusHS70Sent,
		CreatedAt:        now,
		CookieReceivedAt: now,
		HostAddress:      from,
		EPD:              epd,
		OurKeys:          keys,
	}
	m.mu.Lock()
	m.byCookie[cookie] = h
	m.mu.Unlock()

	return m.send(from, ChunkHS70, EncodeHS70(tag, cookie, keys.Public))
}

// HandleHS70 advances a client or P2P-initiator Handshake identified by tag:
// records the cookie and far key, then sends HS38.
func (m *Manager) HandleHS70(from *net.UDPAddr, tag Tag, cookie Cookie, farKey []byte, now time.Time) error {
	m.mu.Lock()
	h, ok := m.byTag[tag]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("HS70 for unknown tag", zap.Stringer("tag", tag))
		return nil
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	nonce, err := randomNonce()
	if err != nil {
		return err
	}

	h.Cookie = &cookie
	h.CookieReceivedAt = now
	h.FarKey = farKey
	h.OurKeys = keys
	h.OurNonce = nonce
	h.Status = status.StatusHS38Sent
	h.Attempt = 0
	h.HostAddress = from

	m.mu.Lock()
	m.byCookie[cookie] = h
	m.mu.Unlock()

	return m.sendHS38(h, now)
}

func (m *Manager) sendHS38(h *Handshake, now time.Time) error {
	h.FarID = m.nextFarID()
	if h.Cert == nil {
		// No X.509-style certificate chain exists on this side; the DH
		// public key doubles as the self-identifying "certificate" whose
		// hash becomes this peer's id, same as the original handshaker's
		// minimal (non-Cirrus) certificate shape.
		h.Cert = h.OurKeys.Public
	}
	body := EncodeHS38(h.FarID, *h.Cookie, h.OurKeys.Public, h.OurNonce, h.Cert)
	h.Attempt++
	h.LastTry = now
	return m.send(h.dialTarget(), ChunkHS38, body)
}

// HandleHS38 completes a P2P-responder Handshake: verifies the cookie,
// derives the shared keys, and sends HS78.
func (m *Manager) HandleHS38(from *net.UDPAddr, farID uint32, cookie Cookie, clientPub, clientNonce, cert []byte, now time.Time) error {
	m.mu.Lock()
	h, ok := m.byCookie[cookie]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("HS38 for unknown cookie")
		return nil
	}

	h.FarID = farID
	h.FarKey = clientPub
	h.FarNonce = clientNonce
	h.Cert = cert

	responderNonce, err := randomNonce()
	if err != nil {
		return err
	}
	h.OurNonce = responderNonce

	secret, err := h.OurKeys.SharedSecret(clientPub)
	if err != nil {
		return err
	}
	keys, err := DeriveKeys(secret, clientNonce, responderNonce, false)
	if err != nil {
		return err
	}

	h.SessionID = m.nextFarID()
	h.Status = status.StatusConnected

	if err := m.send(from, ChunkHS78, EncodeHS78(h.SessionID, h.OurKeys.Public, responderNonce)); err != nil {
		return err
	}
	m.finish(h, keys)
	return nil
}

// HandleHS78 completes a client or P2P-initiator Handshake.
func (m *Manager) HandleHS78(serverID uint32, serverPub, serverNonce []byte, h *Handshake) (*codec.KeyPair, error) {
	secret, err := h.OurKeys.SharedSecret(serverPub)
	if err != nil {
		return nil, err
	}
	keys, err := DeriveKeys(secret, h.OurNonce, serverNonce, true)
	if err != nil {
		return nil, err
	}
	h.FarKey = serverPub
	h.FarNonce = serverNonce
	h.SessionID = serverID
	h.Status = status.StatusConnected
	m.finish(h, keys)
	return keys, nil
}

// finish removes h from the pending indices and invokes OnEstablished, if set.
func (m *Manager) finish(h *Handshake, keys *codec.KeyPair) {
	m.mu.Lock()
	delete(m.byTag, h.Tag)
	if h.Cookie != nil {
		delete(m.byCookie, *h.Cookie)
	}
	m.mu.Unlock()
	if m.OnEstablished != nil {
		m.OnEstablished(h, keys)
	}
}

// LookupTag returns the Handshake registered under tag, if any.
func (m *Manager) LookupTag(tag Tag) (*Handshake, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byTag[tag]
	return h, ok
}

// Manage runs one periodic sweep: retransmits handshakes whose retry
// interval elapsed, and drops handshakes that exhausted their attempts or
// outlived GCWindow. Call at ManageInterval from the IO lane's timer tick.
func (m *Manager) Manage(now time.Time) {
	m.mu.Lock()
	var expired []Tag
	var retry []*Handshake
	for tag, h := range m.byTag {
		if h.Expired(now) {
			expired = append(expired, tag)
			continue
		}
		if h.NextRetryDue(now) {
			retry = append(retry, h)
		}
	}
	for _, tag := range expired {
		h := m.byTag[tag]
		delete(m.byTag, tag)
		if h.Cookie != nil {
			delete(m.byCookie, *h.Cookie)
		}
	}
	for cookie, h := range m.byCookie {
		if now.Sub(h.CookieReceivedAt) >= GCWindow {
			delete(m.byCookie, cookie)
		}
	}
	m.mu.Unlock()

	for _, h := range retry {
		var err error
		switch h.Status {
		case status.StatusHS30Sent:
			err = m.sendHS30(h, now)
		case status.StatusHS38Sent:
			err = m.sendHS38(h, now)
		}
		if err != nil {
			m.log.Warn("handshake retry failed", zap.Error(err))
		}
	}
}

// AddCandidates appends peer-to-peer addresses learned after a Handshake
// was started, e.g. ones a server forwarded over a session's 0x0F
// P2P-address-exchange chunk (spec.md §4.3: that chunk type routes from
// the session back to the handshaker). A direct candidate becoming
// available delays the rendezvous fallback the same way starting with one
// already did.
func (m *Manager) AddCandidates(tag Tag, addrs []codec.Candidate) {
	m.mu.Lock()
	h, ok := m.byTag[tag]
	m.mu.Unlock()
	if !ok {
		return
	}
	h.Addresses = append(h.Addresses, addrs...)
	if len(h.Addresses) > 0 {
		h.RendezvousDelayed = true
	}
}

// RemoveHandshake drops h from both indices, e.g. after a final failure
// status event has been delivered.
func (m *Manager) RemoveHandshake(h *Handshake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTag, h.Tag)
	if h.Cookie != nil {
		delete(m.byCookie, *h.Cookie)
	}
}
