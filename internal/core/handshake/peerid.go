// Peer ids are the SHA-256 digest of a peer's certificate, the same binding
// the original engine uses so that a peer id cannot be forged without the
// matching certificate/key material.

package handshake

import (
	"crypto/sha256"
	"encoding/hex"
)

// PeerID is a 32-byte peer identity.
type PeerID [sha256.Size]byte

// DerivePeerID hashes a peer's certificate bytes into its PeerID.
func DerivePeerID(certificate []byte) PeerID {
	return PeerID(sha256.Sum256(certificate))
}

// String renders a PeerID as lowercase hex, the form used in logs and in
// NetGroup group-id computations.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (no peer identified yet).
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}
