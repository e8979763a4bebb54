// Handshake tracks one in-progress connection attempt, client-to-server or
// peer-to-peer, from its first HS30 until it is either promoted to a
// session or garbage-collected. Field layout follows the Handshake struct
// in the original handshaker.
package handshake

import (
	"net"
	"time"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/status"
)

// Role distinguishes the three ways a Handshake can be driven.
type Role int

const (
	RoleClient Role = iota
	RoleP2PInitiator
	RoleP2PResponder
)

// Retry and GC tunables, per spec.md §4.2.
const (
	MaxAttempts         = 11
	RetryInterval       = 1500 * time.Millisecond
	P2PRendezvousDelay  = 5000 * time.Millisecond
	ManageInterval      = 500 * time.Millisecond
	GCWindow            = 95 * time.Second
)

// Handshake holds everything needed to drive one connection attempt to
// completion (or failure). A single Handshake is only ever touched from the
// IO lane, so it carries no internal locking.
type Handshake struct {
	Role   Role
	Tag    Tag
	Cookie *Cookie

	Status status.SessionStatus

	CreatedAt        time.Time
	CookieReceivedAt time.Time
	LastTry          time.Time
	Attempt          int

	// HostAddress is the primary peer/server we are talking to; Addresses
	// holds additional P2P candidates to try directly before asking the
	// rendezvous server for help.
	HostAddress *net.UDPAddr
	Addresses   []codec.Candidate

	// RendezvousDelayed is set on a P2P initiator that should keep trying
	// direct candidates for P2PRendezvousDelay before asking the
	// rendezvous server to mediate.
	RendezvousDelayed bool

	// EPD is the endpoint discriminator sent in HS30: an encoded
	// connect URL for a client-to-server attempt, or 0x0F||peerId for a
	// P2P initiator.
	EPD []byte

	OurKeys    *KeyPair
	OurNonce   []byte
	FarKey     []byte
	FarNonce   []byte
	Cert       []byte
	FarID      uint32

	// SessionID is set once the handshake resolves and should be promoted
	// to a Session with this far id.
	SessionID uint32
}

// NextRetryDue reports whether a Handshake in HS30-sent or HS38-sent should
// retransmit its last message.
func (h *Handshake) NextRetryDue(now time.Time) bool {
	if h.Status != status.StatusHS30Sent && h.Status != status.StatusHS38Sent {
		return false
	}
	return now.Sub(h.LastTry) >= RetryInterval
}

// Expired reports whether a Handshake has exhausted its retry budget or
// outlived the GC window, and should be dropped.
func (h *Handshake) Expired(now time.Time) bool {
	if h.Attempt > MaxAttempts {
		return true
	}
	return now.Sub(h.CreatedAt) >= GCWindow
}
