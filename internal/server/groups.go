// GroupRegistry is the engine-level home for every live NetGroup on this
// server: it maps a group's plaintext name to the shared GroupMedia its
// members push fragments through, and remembers which group a peer most
// recently joined so a later P2P handshake from that peer can be bound to
// the right one. Adapted from the stream registry shape the rest of the
// core packages use (a mutex-guarded map plus get-or-create), generalized
// from one key (stream name) to NetGroup's two (hex group id, peer id).
package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/config"
	"rtmfp/internal/core/netgroup"
)

// GroupRegistry owns every GroupMedia this server is a member of.
type GroupRegistry struct {
	mu       sync.Mutex
	byHex    map[string]*netgroup.GroupMedia
	lastJoin map[string]string // peerID -> hex group id

	params netgroup.Params
	log    *zap.Logger

	// OnTimeout is called with the peer ids still registered to a group
	// whose pull engine gave up, just before that group is torn down.
	// Set by the caller after construction.
	OnTimeout func(peerIDs []string)
}

// NewGroupRegistry builds a GroupRegistry using cfg's tunables as the
// default for any group joined on this server. OnTimeout should be set by
// the caller afterward to whatever should happen to the peer ids still
// registered to a group whose pull engine gave up (spec.md §7: PullTimeout
// closes the group's sessions with P2P_PULL_TIMEOUT) just before that
// group is torn down.
func NewGroupRegistry(cfg config.NetGroupConfig, log *zap.Logger) *GroupRegistry {
	return &GroupRegistry{
		byHex:    make(map[string]*netgroup.GroupMedia),
		lastJoin: make(map[string]string),
		params:   netgroupParams(cfg),
		log:      log.Named("groups"),
	}
}

func netgroupParams(cfg config.NetGroupConfig) netgroup.Params {
	return netgroup.Params{
		WindowDuration:           int64(cfg.WindowDurationMS),
		RelayMargin:              int64(cfg.RelayMarginMS),
		FetchPeriod:              int64(cfg.FetchPeriodMS),
		AvailabilityUpdatePeriod: int64(cfg.AvailabilityUpdatePeriodMS),
		AvailabilitySendToAll:    cfg.AvailabilitySendToAll,
		PushLimit:                uint8(cfg.PushLimit),
		DisablePullTimeout:       cfg.DisablePullTimeout,
		IsPublisher:              cfg.IsPublisher,
	}
}

// Join implements flashconn.Groups: it gets or creates the GroupMedia
// named groupName, registers peerID as one of its neighbors, and records
// the join so ForPeer can later resolve a P2P handshake from the same
// peer back to this group.
func (r *GroupRegistry) Join(groupName, peerID string, sender netgroup.Sender) (*netgroup.GroupMedia, error) {
	hex := netgroup.GroupID(groupName)

	r.mu.Lock()
	gm, ok := r.byHex[hex]
	if !ok {
		gm = netgroup.NewGroupMedia(groupName, hex, r.params, r.log)
		gm.OnPullTimeout = r.pullTimedOut(hex)
		r.byHex[hex] = gm
	}
	r.lastJoin[peerID] = hex
	r.mu.Unlock()

	gm.AddPeer(netgroup.NewPeerMedia(peerID, sender))
	return gm, nil
}

// EnsureGroup returns the GroupMedia for groupName, creating it with
// isPublisher overriding the registry's configured default if it doesn't
// exist yet. Used to bootstrap a configured relay app's group ahead of
// any peer joining it.
func (r *GroupRegistry) EnsureGroup(groupName string, isPublisher bool) *netgroup.GroupMedia {
	hex := netgroup.GroupID(groupName)

	r.mu.Lock()
	defer r.mu.Unlock()
	gm, ok := r.byHex[hex]
	if !ok {
		params := r.params
		params.IsPublisher = isPublisher
		gm = netgroup.NewGroupMedia(groupName, hex, params, r.log)
		gm.OnPullTimeout = r.pullTimedOut(hex)
		r.byHex[hex] = gm
	}
	return gm
}

// ForPeer resolves the group a P2P handshake from peerID should bind to:
// whichever group that peer most recently joined over its client
// connection. Multiple simultaneous group memberships per peer would need
// the handshake's EPD to name the group explicitly; RTMFP's P2P EPD only
// carries a peer id, so this is the best a responder can do without that.
func (r *GroupRegistry) ForPeer(peerID string) (*netgroup.GroupMedia, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hex, ok := r.lastJoin[peerID]
	if !ok {
		return nil, false
	}
	gm, ok := r.byHex[hex]
	return gm, ok
}

func (r *GroupRegistry) pullTimedOut(hex string) func(gm *netgroup.GroupMedia) {
	return func(gm *netgroup.GroupMedia) {
		peers := gm.PeerIDs()
		r.log.Warn("group pull timed out", zap.String("group", hex), zap.Int("peers", len(peers)))
		r.remove(hex)
		if r.OnTimeout != nil {
			r.OnTimeout(peers)
		}
	}
}

func (r *GroupRegistry) remove(hex string) {
	r.mu.Lock()
	delete(r.byHex, hex)
	for peer, h := range r.lastJoin {
		if h == hex {
			delete(r.lastJoin, peer)
		}
	}
	r.mu.Unlock()
}

// Manage runs one tick of every live group's periodic bookkeeping,
// tearing down any whose media timeout elapsed (spec.md §7:
// GroupMedia.Manage returning false means no fragment arrived in 5
// minutes).
func (r *GroupRegistry) Manage(now time.Time) {
	r.mu.Lock()
	groups := make(map[string]*netgroup.GroupMedia, len(r.byHex))
	for hex, gm := range r.byHex {
		groups[hex] = gm
	}
	r.mu.Unlock()

	for hex, gm := range groups {
		if !gm.Manage(now) {
			r.remove(hex)
		}
	}
}

// RemovePeer drops peerID from the group it last joined, e.g. once its
// client session closes. It is a no-op if the peer never joined a group
// or already left.
func (r *GroupRegistry) RemovePeer(peerID string) {
	r.mu.Lock()
	hex, ok := r.lastJoin[peerID]
	gm := r.byHex[hex]
	r.mu.Unlock()
	if !ok || gm == nil {
		return
	}
	gm.RemovePeer(peerID)
}
