// Diffie-Hellman key agreement over the classic 1024-bit MODP group (RFC
// 2409 Group 2), matching the fixed-field DH the original engine performs
// during HS38/HS78 — not an elliptic-curve variant.

package handshake

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const dhKeySize = 128 // bytes; 1024 bits

var dhGenerator = big.NewInt(2)

// dhPrime is the RFC 2409 second Oakley group prime.
var dhPrime = mustPrime(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
		"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B" +
		"302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9" +
		"A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE6" +
		"49286651ECE65381FFFFFFFFFFFFFFFF")

func mustPrime(hex string) *big.Int {
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		panic("handshake: bad dh prime literal")
	}
	return n
}

// ErrBadPublicKey is returned when a peer's DH public value is out of range
// (degenerate, and a classic small-subgroup red flag).
var ErrBadPublicKey = errors.New("handshake: bad dh public key")

// KeyPair is one side's ephemeral Diffie-Hellman key material.
type KeyPair struct {
	private *big.Int
	Public  []byte // fixed dhKeySize-byte big-endian encoding
}

// GenerateKeyPair draws a fresh private exponent and computes the matching
// public value g^x mod p.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return nil, err
	}
	if priv.Sign() == 0 {
		priv.SetInt64(1)
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return &KeyPair{private: priv, Public: fixedBytes(pub, dhKeySize)}, nil
}

// SharedSecret computes g^(xy) mod p from the peer's public value, encoded
// as a fixed-width big-endian byte slice ready to feed the key derivation.
func (k *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) == 0 || len(peerPublic) > dhKeySize {
		return nil, ErrBadPublicKey
	}
	peer := new(big.Int).SetBytes(peerPublic)
	if peer.Sign() <= 0 || peer.Cmp(dhPrime) >= 0 {
		return nil, ErrBadPublicKey
	}
	secret := new(big.Int).Exp(peer, k.private, dhPrime)
	return fixedBytes(secret, dhKeySize), nil
}

func fixedBytes(n *big.Int, size int) []byte {
	b := n.Bytes()
	if len(b) == size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
