package netgroup

import (
	"encoding/binary"
	"fmt"

	"rtmfp/internal/core/bus"
)

// EncodeMediaFragment renders one fragment's wire body: marker(1)
// id(varint) splitIndex(1) type(1) time(4) payload, the layout
// GroupMedia exchanges fragments in over the group's dedicated flow
// (spec.md §4.7).
func EncodeMediaFragment(f Fragment) []byte {
	out := make([]byte, 0, 7+len(f.Payload))
	out = append(out, byte(f.Marker))
	out = appendVarint(out, f.ID)
	out = append(out, f.SplitIndex, byte(f.Type))
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], f.Time)
	out = append(out, ts[:]...)
	out = append(out, f.Payload...)
	return out
}

// DecodeMediaFragment is the inverse of EncodeMediaFragment.
func DecodeMediaFragment(body []byte) (Fragment, error) {
	if len(body) < 1 {
		return Fragment{}, fmt.Errorf("netgroup: empty fragment body")
	}
	marker := Marker(body[0])
	id, rest, err := readVarint(body[1:])
	if err != nil {
		return Fragment{}, err
	}
	if len(rest) < 6 {
		return Fragment{}, fmt.Errorf("netgroup: truncated fragment header")
	}
	splitIndex := rest[0]
	typ := bus.MessageType(rest[1])
	t := binary.BigEndian.Uint32(rest[2:6])
	payload := rest[6:]
	return Fragment{
		ID:         id,
		Marker:     marker,
		SplitIndex: splitIndex,
		Type:       typ,
		Time:       t,
		Payload:    payload,
	}, nil
}

// EncodeAnnounce renders a MarkerAnnounce body: streamName, streamKey
// and the subset of Params the peer needs to reproduce our schedule.
func EncodeAnnounce(streamName, streamKey string, params Params) []byte {
	out := appendLPString(nil, streamName)
	out = appendLPString(out, streamKey)
	var flags byte
	if params.IsPublisher {
		flags |= 0x01
	}
	if params.AvailabilitySendToAll {
		flags |= 0x02
	}
	if params.DisablePullTimeout {
		flags |= 0x04
	}
	out = append(out, flags, params.PushLimit)
	out = appendVarint(out, uint64(params.WindowDuration))
	out = appendVarint(out, uint64(params.RelayMargin))
	out = appendVarint(out, uint64(params.FetchPeriod))
	out = appendVarint(out, uint64(params.AvailabilityUpdatePeriod))
	return out
}

// DecodeAnnounce is the inverse of EncodeAnnounce.
func DecodeAnnounce(body []byte) (streamName, streamKey string, params Params, err error) {
	streamName, rest, err := readLPString(body)
	if err != nil {
		return "", "", Params{}, err
	}
	streamKey, rest, err = readLPString(rest)
	if err != nil {
		return "", "", Params{}, err
	}
	if len(rest) < 2 {
		return "", "", Params{}, fmt.Errorf("netgroup: truncated announce")
	}
	flags, pushLimit := rest[0], rest[1]
	rest = rest[2:]
	params.IsPublisher = flags&0x01 != 0
	params.AvailabilitySendToAll = flags&0x02 != 0
	params.DisablePullTimeout = flags&0x04 != 0
	params.PushLimit = pushLimit

	var v uint64
	if v, rest, err = readVarint(rest); err != nil {
		return "", "", Params{}, err
	}
	params.WindowDuration = int64(v)
	if v, rest, err = readVarint(rest); err != nil {
		return "", "", Params{}, err
	}
	params.RelayMargin = int64(v)
	if v, rest, err = readVarint(rest); err != nil {
		return "", "", Params{}, err
	}
	params.FetchPeriod = int64(v)
	if v, _, err = readVarint(rest); err != nil {
		return "", "", Params{}, err
	}
	params.AvailabilityUpdatePeriod = int64(v)
	return streamName, streamKey, params, nil
}

func appendLPString(out []byte, s string) []byte {
	out = appendVarint(out, uint64(len(s)))
	return append(out, s...)
}

func readLPString(buf []byte) (string, []byte, error) {
	n, rest, err := readVarint(buf)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, fmt.Errorf("netgroup: truncated string")
	}
	return string(rest[:n]), rest[n:], nil
}
