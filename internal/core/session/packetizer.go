// The packetizer is a session's single in-flight output buffer (the
// original engine's BandWriter): writers and control messages serialize
// chunks into it, and it is sealed into one encrypted datagram per flush,
// never growing past the datagram soft limit.
package session

import (
	"encoding/binary"
	"sync"

	"rtmfp/internal/core/codec"
	"rtmfp/internal/core/writer"
)

// Chunk type bytes dispatched inside a session datagram, per spec.md §4.3.
const (
	ChunkSessionFail  byte = 0x0C
	ChunkP2PAddress   byte = 0x0F
	ChunkPingRequest  byte = 0x18
	ChunkPingReply    byte = 0x19
	ChunkCloseRequest byte = 0x4C
	ChunkKeepalive    byte = 0x51
	ChunkKeepaliveAck byte = 0x41
	ChunkWriterFail   byte = 0x5E
	ChunkFlowData     byte = 0x10
	ChunkFlowDataOpts byte = 0x11
	ChunkAck          byte = 0x50
	ChunkNack         byte = 0x53
	ChunkEndOfPacket  byte = 0x01
)

// chunkBudget is how much of a datagram's plaintext capacity the
// packetizer leaves available for chunk bodies, after the fixed header.
const chunkBudget = codec.MaxDatagramSize - codec.HeaderSize - 11

// bandWriter accumulates chunk bytes for one outbound datagram.
type bandWriter struct {
	mu      sync.Mutex
	pending []byte
}

// appendChunk adds a fully-framed chunk (type+length+payload) to the
// pending datagram, flushing what was already queued first if chunk would
// overflow the budget.
func (b *bandWriter) appendChunk(chunk []byte) (overflow []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending)+len(chunk) > chunkBudget && len(b.pending) > 0 {
		overflow = b.pending
		b.pending = nil
	}
	b.pending = append(b.pending, chunk...)
	return overflow
}

// takePending drains and returns whatever is queued, or nil if empty.
func (b *bandWriter) takePending() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	p := b.pending
	b.pending = nil
	return p
}

// frameChunk wraps a chunk body with its type(u8) length(u16) header.
func frameChunk(chunkType byte, body []byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, chunkType)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(body)))
	out = append(out, l[:]...)
	return append(out, body...)
}

// encodeFlowData frames one fragment as a 0x10/0x11 chunk: flowId(varint),
// stage(varint), flags(u8), [options if 0x11], payload.
func encodeFlowData(flowID uint64, f writer.Fragment) []byte {
	body := putVarint(nil, flowID)
	body = putVarint(body, f.Stage)
	body = append(body, f.Flags)
	body = append(body, f.Data...)
	return frameChunk(ChunkFlowDataOpts, body)
}

// decodeFlowData parses a 0x10/0x11 chunk body.
func decodeFlowData(body []byte) (flowID, stage uint64, flags byte, payload []byte, err error) {
	flowID, n, err := readVarint(body)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	body = body[n:]
	stage, n, err = readVarint(body)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	body = body[n:]
	if len(body) < 1 {
		return 0, 0, 0, nil, ErrTruncatedVarint
	}
	flags = body[0]
	return flowID, stage, flags, body[1:], nil
}

// encodeAck frames a 0x50 ack chunk: flowId, bufferAvailability, cumAck,
// then (gap,run) varint pairs, per spec.md §4.4.
func encodeAck(flowID uint64, bufferAvailability uint64, cumAck uint64, gapRunPairs []uint64) []byte {
	body := putVarint(nil, flowID)
	body = putVarint(body, bufferAvailability)
	body = putVarint(body, cumAck)
	for _, v := range gapRunPairs {
		body = putVarint(body, v)
	}
	return frameChunk(ChunkAck, body)
}

// sealDatagram builds a full wire datagram from a set of already-framed
// chunks, sealing with the session's send key (spec.md §6 wire layout).
func sealDatagram(chunks []byte, marker byte, timeNow uint16, sendKey *codec.Cipher, farID uint32) ([]byte, error) {
	plaintext := make([]byte, codec.HeaderSize+3, codec.HeaderSize+3+len(chunks)+1)
	off := codec.WriteHeader(plaintext, marker, timeNow, nil)
	plaintext = plaintext[:off]
	plaintext = append(plaintext, chunks...)
	plaintext = append(plaintext, ChunkEndOfPacket)
	return codec.Encode(plaintext, sendKey, farID)
}
