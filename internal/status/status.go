// This file defines the session/handshake status lifecycle and the typed
// status events that cross from the IO lane to user callbacks on the worker
// lane. No protocol error is ever allowed to panic or propagate as a Go
// error across that boundary — it becomes one of these instead.

package status

// SessionStatus is the lifecycle state of a Session, which doubles as the
// state of the handshake attempt that created it (spec.md §3).
type SessionStatus int

const (
	StatusHS30Sent SessionStatus = iota
	StatusHS38Sent
	StatusHS70Sent
	StatusHS78Sent
	StatusConnected
	StatusNearClosed
	StatusFailed
	StatusClosed
)

// String renders a SessionStatus for logs.
func (s SessionStatus) String() string {
	switch s {
	case StatusHS30Sent:
		return "HS30-sent"
	case StatusHS38Sent:
		return "HS38-sent"
	case StatusHS70Sent:
		return "HS70-sent"
	case StatusHS78Sent:
		return "HS78-sent"
	case StatusConnected:
		return "Connected"
	case StatusNearClosed:
		return "NearClosed"
	case StatusFailed:
		return "Failed"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason is the single-byte wire encoding of why a session/writer
// closed (spec.md §7).
type CloseReason uint8

const (
	ReasonSessionClosed     CloseReason = 0
	ReasonInputCongested    CloseReason = 1
	ReasonOutputCongested   CloseReason = 2
	ReasonKeepaliveAttempt  CloseReason = 3
	ReasonP2PEstablishment  CloseReason = 4
	ReasonP2PRate           CloseReason = 5
	ReasonOtherException    CloseReason = 6
	ReasonP2PPullTimeout    CloseReason = 7
)

// String renders a CloseReason for logs.
func (r CloseReason) String() string {
	switch r {
	case ReasonSessionClosed:
		return "SESSION_CLOSED"
	case ReasonInputCongested:
		return "INPUT_CONGESTED"
	case ReasonOutputCongested:
		return "OUTPUT_CONGESTED"
	case ReasonKeepaliveAttempt:
		return "KEEPALIVE_ATTEMPT"
	case ReasonP2PEstablishment:
		return "P2P_ESTABLISHMENT"
	case ReasonP2PRate:
		return "P2P_RATE"
	case ReasonOtherException:
		return "OTHER_EXCEPTION"
	case ReasonP2PPullTimeout:
		return "P2P_PULL_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Event is a user-visible status notification, modeled on the
// level/code/description triple the original engine sends as onStatus AMF0
// commands (spec.md §4.6, §7), but delivered as a plain Go value to the
// worker lane instead of encoded on the wire.
type Event struct {
	Level       string // "status" or "error"
	Code        string // e.g. "NetConnection.Connect.Failed"
	Description string
}

// Well-known status codes named in spec.md §7.
const (
	CodeConnectSuccess      = "NetConnection.Connect.Success"
	CodeConnectFailed       = "NetConnection.Connect.Failed"
	CodePublishStart        = "NetStream.Publish.Start"
	CodePlayUnpublishNotify = "NetStream.Play.UnpublishNotify"
	CodeGroupConnectFailed  = "NetGroup.Connect.Failed"
	CodeGroupConnectSuccess = "NetGroup.Connect.Success"
)

// NewEvent builds a status-level Event.
func NewEvent(code, description string) Event {
	return Event{Level: "status", Code: code, Description: description}
}

// NewErrorEvent builds an error-level Event.
func NewErrorEvent(code, description string) Event {
	return Event{Level: "error", Code: code, Description: description}
}
