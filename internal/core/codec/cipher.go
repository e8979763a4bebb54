// This file implements the per-direction AES-128-CBC cipher context used by
// a session. The IV is a fixed zero block; every datagram is an independent
// CBC block stream keyed by the session's derived send/recv key.

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// KeySize is the fixed RTMFP symmetric key length.
const KeySize = 16

var zeroIV [aes.BlockSize]byte

// ErrBadKeySize is returned when a key is not exactly KeySize bytes.
var ErrBadKeySize = errors.New("codec: key must be 16 bytes")

// Cipher wraps one AES-128-CBC key for one direction (send or receive).
// Each packet is encrypted/decrypted independently with a zero IV, so Cipher
// holds no carried-over state between calls.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a Cipher from a 16-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block}, nil
}

// Encrypt encrypts data in place. len(data) must be a multiple of aes.BlockSize.
func (c *Cipher) Encrypt(data []byte) error {
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	cipher.NewCBCEncrypter(c.block, zeroIV[:]).CryptBlocks(data, data)
	return nil
}

// Decrypt decrypts data in place. len(data) must be a multiple of aes.BlockSize.
func (c *Cipher) Decrypt(data []byte) error {
	if len(data)%aes.BlockSize != 0 {
		return ErrNotBlockAligned
	}
	cipher.NewCBCDecrypter(c.block, zeroIV[:]).CryptBlocks(data, data)
	return nil
}

// ErrNotBlockAligned is returned when a buffer handed to Encrypt/Decrypt is
// not a multiple of the AES block size.
var ErrNotBlockAligned = errors.New("codec: buffer not block-aligned")

// KeyPair holds the independent send and receive ciphers a Connected session
// keeps for its lifetime (spec's cipher context: a pair of AES-128-CBC
// contexts keyed by a 16-byte key each).
type KeyPair struct {
	Send *Cipher
	Recv *Cipher
}

// NewKeyPair builds a KeyPair from raw send/recv keys.
func NewKeyPair(sendKey, recvKey []byte) (*KeyPair, error) {
	send, err := NewCipher(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := NewCipher(recvKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Send: send, Recv: recv}, nil
}
