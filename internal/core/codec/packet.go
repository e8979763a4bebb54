// This file implements the datagram codec: session-id XOR packing,
// CRC-masked encrypt/decrypt, and the fixed marker/time header that follows
// the CRC. See spec.md §4.1 and §6 for the exact byte layout.

package codec

import (
	"encoding/binary"
	"errors"
)

// MaxDatagramSize is the RTMFP soft limit; datagrams above it are still sent
// but should be logged, never silently dropped.
const MaxDatagramSize = 1192

// HeaderSize is the 6-byte reserved prefix every plaintext packet must carry
// before encoding: 4 bytes for the session-id pack placeholder, 2 for the CRC.
const HeaderSize = 6

var (
	// ErrShortPacket is returned when a datagram is too small to contain a
	// session id and a CRC-protected body.
	ErrShortPacket = errors.New("codec: short packet")
	// ErrBadCRC is returned when the decrypted checksum does not match.
	ErrBadCRC = errors.New("codec: bad crc")
)

// minDecodeLen is the smallest datagram that could possibly be valid: 4
// bytes of session-id pack plus one empty 16-byte cipher block.
const minDecodeLen = 4 + 16

// UnpackSessionID recovers the session id XOR-packed into the first 12
// bytes of a datagram: sid = w0 ^ w1 ^ w2, read directly off the wire bytes
// without needing the key (demux happens before decryption).
func UnpackSessionID(datagram []byte) (uint32, error) {
	if len(datagram) < 12 {
		return 0, ErrShortPacket
	}
	w0 := binary.BigEndian.Uint32(datagram[0:4])
	w1 := binary.BigEndian.Uint32(datagram[4:8])
	w2 := binary.BigEndian.Uint32(datagram[8:12])
	return w0 ^ w1 ^ w2, nil
}

// packSessionID writes the XOR-packed session id into the first 4 bytes of
// an already-encrypted datagram, deriving it from the first two ciphertext
// words plus the far session id so the receiver can recover it with
// UnpackSessionID alone.
func packSessionID(datagram []byte, farID uint32) error {
	if len(datagram) < 12 {
		return ErrShortPacket
	}
	w1 := binary.BigEndian.Uint32(datagram[4:8])
	w2 := binary.BigEndian.Uint32(datagram[8:12])
	binary.BigEndian.PutUint32(datagram[0:4], w1^w2^farID)
	return nil
}

// Decode decrypts datagram in place with recvKey and validates its CRC.
// It returns the session id (read before decryption) and the plaintext body
// starting at the marker byte (i.e. with the CRC already stripped).
func Decode(datagram []byte, recvKey *Cipher) (sessionID uint32, body []byte, err error) {
	sessionID, err = UnpackSessionID(datagram)
	if err != nil {
		return 0, nil, err
	}
	if len(datagram) < minDecodeLen {
		return 0, nil, ErrShortPacket
	}
	cipherBody := datagram[4:]
	if len(cipherBody)%16 != 0 {
		return 0, nil, ErrShortPacket
	}
	if err := recvKey.Decrypt(cipherBody); err != nil {
		return 0, nil, err
	}
	if len(cipherBody) < 2 {
		return 0, nil, ErrShortPacket
	}
	crc := binary.BigEndian.Uint16(cipherBody[0:2])
	if checksum16(cipherBody[2:]) != crc {
		return 0, nil, ErrBadCRC
	}
	return sessionID, cipherBody[2:], nil
}

// Encode builds a wire datagram from plaintext, which must reserve
// HeaderSize bytes at its start (content ignored — it is overwritten with
// the CRC and, after encryption, the session-id pack). plaintext[6:] holds
// marker, time, chunks; the buffer is padded with 0xFF so that the
// encrypted region, plaintext[4:] (CRC plus body), is a multiple of 16
// bytes.
func Encode(plaintext []byte, sendKey *Cipher, farID uint32) ([]byte, error) {
	if len(plaintext) < HeaderSize {
		return nil, ErrShortPacket
	}
	pad := (16 - ((len(plaintext) - 4) % 16)) % 16
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	for i := len(plaintext); i < len(buf); i++ {
		buf[i] = 0xFF
	}
	binary.BigEndian.PutUint16(buf[4:6], checksum16(buf[6:]))
	if err := sendKey.Encrypt(buf[4:]); err != nil {
		return nil, err
	}
	if err := packSessionID(buf, farID); err != nil {
		return nil, err
	}
	return buf, nil
}

// Marker values used in the fixed header, per spec.md §4.3 and §6.
const (
	MarkerHandshake byte = 0x0B
	MarkerRaw       byte = 0x09
	MarkerAMF       byte = 0x89
	// MarkerEchoFlag is added to a marker when an echo-time field follows
	// the timeNow field in the header.
	MarkerEchoFlag byte = 0x04
)

// ChunkEndOfPacket terminates a chunk stream, per spec.md §4.3's type table.
const ChunkEndOfPacket byte = 0x01

// FrameChunk wraps a chunk body with its type(u8) length(u16) envelope, the
// framing every chunk carries regardless of whether it travels inside a
// session's own BandWriter or a session-id-0 handshake datagram.
func FrameChunk(chunkType byte, body []byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, chunkType)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(body)))
	out = append(out, l[:]...)
	return append(out, body...)
}

// SealChunks builds one full wire datagram out of already-framed chunks,
// the handshaker's equivalent of a session's sealAndSend: it has no
// BandWriter of its own since a handshake predates any Session.
func SealChunks(chunks []byte, marker byte, timeNow uint16, sendKey *Cipher, farID uint32) ([]byte, error) {
	plaintext := make([]byte, HeaderSize+3, HeaderSize+3+len(chunks)+1)
	off := WriteHeader(plaintext, marker, timeNow, nil)
	plaintext = plaintext[:off]
	plaintext = append(plaintext, chunks...)
	plaintext = append(plaintext, ChunkEndOfPacket)
	return Encode(plaintext, sendKey, farID)
}

// TimestampScale is the tick length (in ms) of the 16-bit RTMFP timestamp.
const TimestampScale = 4

// WriteHeader writes marker, timeNow and (if echoTime != nil) the echo-time
// delta into plaintext[6:], returning the offset chunks should start at.
// plaintext must be at least HeaderSize+3 bytes long (or +5 with an echo).
func WriteHeader(plaintext []byte, marker byte, timeNow uint16, echoTime *uint16) int {
	m := marker
	if echoTime != nil {
		m += MarkerEchoFlag
	}
	plaintext[6] = m
	binary.BigEndian.PutUint16(plaintext[7:9], timeNow)
	if echoTime == nil {
		return 9
	}
	binary.BigEndian.PutUint16(plaintext[9:11], *echoTime)
	return 11
}

// ReadHeader parses the marker/time/echo-time fields from a decoded body
// (the slice Decode returned), returning the base marker (without the echo
// flag), timeNow, an optional echo-time, and the offset chunks start at.
func ReadHeader(body []byte) (marker byte, timeNow uint16, echoTime *uint16, chunkOffset int, err error) {
	if len(body) < 3 {
		return 0, 0, nil, 0, ErrShortPacket
	}
	raw := body[0]
	timeNow = binary.BigEndian.Uint16(body[1:3])
	if raw&MarkerEchoFlag == 0 {
		return raw, timeNow, nil, 3, nil
	}
	if len(body) < 5 {
		return 0, 0, nil, 0, ErrShortPacket
	}
	echo := binary.BigEndian.Uint16(body[3:5])
	return raw &^ MarkerEchoFlag, timeNow, &echo, 5, nil
}

// TimeNow returns the current RTMFP 16-bit timestamp: a wrapping count of
// 4ms ticks, matching RTMFP::TimeNow in the original engine.
func TimeNow(nowMillis int64) uint16 {
	return uint16((nowMillis / TimestampScale) & 0xFFFF)
}
