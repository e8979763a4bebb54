// Chunk-body encoding for the four handshake messages, per spec.md §6:
// HS30 epd,tag; HS70 tag,cookie(64),farKey; HS38 farId,cookie,clientPub,
// clientNonce,cert; HS78 serverId,serverPub,serverNonce. Each chunk on the
// wire is type(u8) length(u16) payload; building the payload is all this
// file does — the type/length envelope is added by the session packetizer.
package handshake

import (
	"encoding/binary"
	"errors"
)

// Chunk type bytes for handshake-phase chunks, carried inside a
// MarkerHandshake-marked datagram.
const (
	ChunkHS30 byte = 0x30
	ChunkHS70 byte = 0x70
	ChunkHS38 byte = 0x38
	ChunkHS78 byte = 0x78
)

// ErrMalformedChunk is returned when a handshake chunk body is truncated or
// internally inconsistent.
var ErrMalformedChunk = errors.New("handshake: malformed chunk")

func writeLP(buf []byte, data []byte) []byte {
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(data)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, data...)
}

func readLP(buf []byte) (data []byte, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, ErrMalformedChunk
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, ErrMalformedChunk
	}
	return buf[:n], buf[n:], nil
}

// EncodeHS30 builds the body of an HS30 chunk: epd, tag.
func EncodeHS30(epd []byte, tag Tag) []byte {
	buf := writeLP(nil, epd)
	return append(buf, tag[:]...)
}

// DecodeHS30 parses an HS30 body.
func DecodeHS30(body []byte) (epd []byte, tag Tag, err error) {
	epd, rest, err := readLP(body)
	if err != nil {
		return nil, Tag{}, err
	}
	if len(rest) < TagSize {
		return nil, Tag{}, ErrMalformedChunk
	}
	copy(tag[:], rest[:TagSize])
	return epd, tag, nil
}

// EncodeHS70 builds the body of an HS70 chunk: tag, cookie, farKey.
func EncodeHS70(tag Tag, cookie Cookie, farKey []byte) []byte {
	buf := append([]byte{}, tag[:]...)
	buf = append(buf, cookie[:]...)
	return writeLP(buf, farKey)
}

// DecodeHS70 parses an HS70 body.
func DecodeHS70(body []byte) (tag Tag, cookie Cookie, farKey []byte, err error) {
	if len(body) < TagSize+CookieSize {
		return Tag{}, Cookie{}, nil, ErrMalformedChunk
	}
	copy(tag[:], body[:TagSize])
	copy(cookie[:], body[TagSize:TagSize+CookieSize])
	farKey, _, err = readLP(body[TagSize+CookieSize:])
	if err != nil {
		return Tag{}, Cookie{}, nil, err
	}
	return tag, cookie, farKey, nil
}

// EncodeHS38 builds the body of an HS38 chunk: farId, cookie, clientPub,
// clientNonce, cert.
func EncodeHS38(farID uint32, cookie Cookie, clientPub, clientNonce, cert []byte) []byte {
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], farID)
	buf := append([]byte{}, idBytes[:]...)
	buf = append(buf, cookie[:]...)
	buf = writeLP(buf, clientPub)
	buf = writeLP(buf, clientNonce)
	return writeLP(buf, cert)
}

// DecodeHS38 parses an HS38 body.
func DecodeHS38(body []byte) (farID uint32, cookie Cookie, clientPub, clientNonce, cert []byte, err error) {
	if len(body) < 4+CookieSize {
		return 0, Cookie{}, nil, nil, nil, ErrMalformedChunk
	}
	farID = binary.BigEndian.Uint32(body[0:4])
	copy(cookie[:], body[4:4+CookieSize])
	rest := body[4+CookieSize:]
	clientPub, rest, err = readLP(rest)
	if err != nil {
		return 0, Cookie{}, nil, nil, nil, err
	}
	clientNonce, rest, err = readLP(rest)
	if err != nil {
		return 0, Cookie{}, nil, nil, nil, err
	}
	cert, _, err = readLP(rest)
	if err != nil {
		return 0, Cookie{}, nil, nil, nil, err
	}
	return farID, cookie, clientPub, clientNonce, cert, nil
}

// EncodeHS78 builds the body of an HS78 chunk: serverId, serverPub, serverNonce.
func EncodeHS78(serverID uint32, serverPub, serverNonce []byte) []byte {
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], serverID)
	buf := append([]byte{}, idBytes[:]...)
	buf = writeLP(buf, serverPub)
	return writeLP(buf, serverNonce)
}

// DecodeHS78 parses an HS78 body.
func DecodeHS78(body []byte) (serverID uint32, serverPub, serverNonce []byte, err error) {
	if len(body) < 4 {
		return 0, nil, nil, ErrMalformedChunk
	}
	serverID = binary.BigEndian.Uint32(body[0:4])
	serverPub, rest, err := readLP(body[4:])
	if err != nil {
		return 0, nil, nil, err
	}
	serverNonce, _, err = readLP(rest)
	if err != nil {
		return 0, nil, nil, err
	}
	return serverID, serverPub, serverNonce, nil
}
