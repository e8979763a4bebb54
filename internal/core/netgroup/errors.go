package netgroup

import "errors"

var (
	errShortVarint     = errors.New("netgroup: truncated varint")
	errUnknownPeer     = errors.New("netgroup: unknown peer")
	errUnknownFragment = errors.New("netgroup: unknown fragment")
)
