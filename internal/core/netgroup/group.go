// Package netgroup implements the NetGroup media distribution engine: a
// GroupMedia fragments a live stream for a group of peers, tracks which
// peer has which fragment, and runs the push-mask/pull-request exchange
// that lets the group self-heal around packet loss without a central
// server, following the original engine's GroupMedia/PeerMedia/NetGroup
// split (spec.md §4.7).
package netgroup

import (
	"crypto/sha256"
	"encoding/hex"
)

// GroupID is the hex-rendered, double-SHA-256'd identity of a NetGroup,
// derived the same way the original engine hashes a group's plaintext
// name so that two peers naming the same group converge on the same id
// without exchanging it out of band.
func GroupID(name string) string {
	first := sha256.Sum256([]byte(name))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// Params holds the tunables a GroupMedia is configured with (spec.md §6).
type Params struct {
	WindowDuration           int64 // ms, time depth of the fragment window
	RelayMargin              int64 // ms, extra retention for relay
	FetchPeriod              int64 // ms, pull deadline
	AvailabilityUpdatePeriod int64 // ms, fragments-map cadence
	AvailabilitySendToAll    bool  // broadcast vs single-peer map
	PushLimit                uint8 // pushLimit+1 fanout per fragment
	DisablePullTimeout       bool
	IsPublisher              bool
}

// DefaultParams returns the tunables at their documented defaults.
func DefaultParams() Params {
	return Params{
		WindowDuration:           8000,
		RelayMargin:              2000,
		FetchPeriod:              2500,
		AvailabilityUpdatePeriod: 100,
		AvailabilitySendToAll:    false,
		PushLimit:                4,
		DisablePullTimeout:       false,
	}
}

// Fixed scheduling constants the original engine hardcodes rather than
// exposing as group parameters.
const (
	pullPeriod      = 50   // ms, cadence of sendPullRequests
	pushPeriod      = 2000 // ms, cadence of sendPushRequests / mask rotation
	pullWaitLimit   = 100  // waitingPulls size that starts the pull-timeout clock
	pullTimeoutMs   = 8000 // ms, time above pullWaitLimit before PullTimeout fires
	mediaTimeoutMs  = 5 * 60 * 1000
	maxFragmentSize = 956 // bytes, payload carried by one GROUP_MEDIA_DATA fragment
)
