// Nested HMAC-SHA256 key derivation: the shared DH secret and the two
// peers' nonces are combined into independent send/receive keys, mirroring
// RTMFP::ComputeAsymetricKeys in the original engine.

package handshake

import (
	"crypto/hmac"
	"crypto/sha256"

	"rtmfp/internal/core/codec"
)

// DeriveKeys computes the initiator (requester) and responder (responded)
// AES-128 keys from a DH shared secret and both sides' nonces.
//
// isInitiator selects which derived key becomes "ours" for encryption and
// which becomes the peer's: the initiator encrypts with the responder key
// and decrypts with the requester key, and vice versa for the responder.
func DeriveKeys(sharedSecret, requesterNonce, responderNonce []byte, isInitiator bool) (*codec.KeyPair, error) {
	requesterKey := nestedHMAC(sharedSecret, responderNonce, requesterNonce)
	responderKey := nestedHMAC(sharedSecret, requesterNonce, responderNonce)

	if isInitiator {
		return codec.NewKeyPair(responderKey, requesterKey)
	}
	return codec.NewKeyPair(requesterKey, responderKey)
}

// nestedHMAC computes HMAC(key=secret, data=HMAC(key=outer, data=inner))
// truncated to an AES-128 key: the inner pass is keyed by the
// opposite-direction nonce and binds the other nonce, the outer pass keys
// that result with the DH shared secret. Matches RTMFP::ComputeAsymetricKeys
// (requestKey = HMAC(shared, HMAC(Nr, Ni))).
func nestedHMAC(secret, outer, inner []byte) []byte {
	stage1 := hmac.New(sha256.New, outer)
	stage1.Write(inner)
	mid := stage1.Sum(nil)

	stage2 := hmac.New(sha256.New, secret)
	stage2.Write(mid)
	full := stage2.Sum(nil)

	return full[:codec.KeySize]
}
