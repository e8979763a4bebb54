package netgroup

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"rtmfp/internal/core/bus"
)

var groupMediaCounter uint32

type timeEntry struct {
	at time.Time
	id uint64
}

type pushMaskState struct {
	peerID string
	lastID uint64
}

// GroupMedia runs one live stream's NetGroup distribution: the fragment
// store, the push-mask election, and the pull engine, following the
// original GroupMedia/NetGroup split (spec.md §4.7). Only the IO lane
// ever calls a GroupMedia's methods, so it carries no locking of its own.
type GroupMedia struct {
	ID         uint32
	streamName string
	streamKey  string
	params     Params
	log        *zap.Logger

	fragments       map[uint64]*Fragment
	firstFragmentID uint64
	lastFragmentID  uint64
	fragmentCounter uint64
	endFragment     uint64

	timeIndex     []timeEntry
	pullTimeIndex []timeEntry
	waitingPulls  map[uint64]time.Time
	pullCursor    uint64

	currentPushMask uint8
	pushMasks       map[uint8]pushMaskState

	peers     map[string]*PeerMedia
	peerOrder []string
	pushIdx   int
	pullIdx   int
	mapIdx    int

	createdAt          time.Time
	lastFragmentRx     time.Time
	lastFragmentMapTx  time.Time
	lastPullRequests   time.Time
	lastPushRequests   time.Time
	pullTimeoutStart   time.Time
	startedPushRequest bool
	pullPaused         bool
	firstPullReceived  bool
	pullLimitReached   bool

	// OnNewFragment is called once a fragment is stored, whether produced
	// locally or received from a neighbor; it feeds the group buffer.
	OnNewFragment func(gm *GroupMedia, f *Fragment)
	// OnRemovedFragments reports the id of the first fragment still kept
	// after a window-trimming pass.
	OnRemovedFragments func(gm *GroupMedia, firstKeptID uint64)
	// OnPullTimeout fires when waitingPulls has stayed oversized for too
	// long; the caller should close the session with P2P_PULL_TIMEOUT.
	OnPullTimeout func(gm *GroupMedia)
	// OnStartProcessing fires once the group buffer may start delivering
	// fragments (first pull satisfied, or pull abandoned as paused).
	OnStartProcessing func(gm *GroupMedia)
}

// NewGroupMedia creates a GroupMedia for one stream/group pairing.
func NewGroupMedia(streamName, streamKey string, params Params, log *zap.Logger) *GroupMedia {
	groupMediaCounter++
	return &GroupMedia{
		ID:         groupMediaCounter,
		streamName: streamName,
		streamKey:  streamKey,
		params:     params,
		log:        log.Named("netgroup"),

		fragments:    make(map[uint64]*Fragment),
		waitingPulls: make(map[uint64]time.Time),
		pushMasks:    make(map[uint8]pushMaskState),
		peers:        make(map[string]*PeerMedia),
		pushIdx:      -1,
		pullIdx:      -1,
		mapIdx:       -1,
		createdAt:    time.Now(),
	}
}

// AddPeer registers a neighbor and sends it the group-media announce and
// current fragments map, mirroring GroupMedia::addPeer.
func (g *GroupMedia) AddPeer(pm *PeerMedia) {
	if _, ok := g.peers[pm.ID]; ok {
		return
	}
	g.peers[pm.ID] = pm
	g.peerOrder = append(g.peerOrder, pm.ID)
	g.sendGroupMediaTo(pm)
}

// RemovePeer drops a neighbor, releasing any push mask it held and
// advancing any rotating cursor currently pointing at it.
func (g *GroupMedia) RemovePeer(peerID string) {
	if _, ok := g.peers[peerID]; !ok {
		return
	}
	for mask, state := range g.pushMasks {
		if state.peerID == peerID {
			delete(g.pushMasks, mask)
		}
	}
	idx := -1
	for i, id := range g.peerOrder {
		if id == peerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	g.peerOrder = append(g.peerOrder[:idx], g.peerOrder[idx+1:]...)
	delete(g.peers, peerID)
	if g.pushIdx >= len(g.peerOrder) {
		g.pushIdx = -1
	}
	if g.pullIdx >= len(g.peerOrder) {
		g.pullIdx = -1
	}
	if g.mapIdx >= len(g.peerOrder) {
		g.mapIdx = -1
	}
}

// PeerIDs returns the ids of every neighbor currently registered, in join
// order.
func (g *GroupMedia) PeerIDs() []string {
	return append([]string(nil), g.peerOrder...)
}

func (g *GroupMedia) sendGroupMediaTo(pm *PeerMedia) {
	if err := pm.sendGroupMedia(g.streamName, g.streamKey, g.params); err != nil {
		g.log.Debug("send group media failed", zap.String("peer", pm.ID), zap.Error(err))
		return
	}
	lastID, body := g.buildFragmentsMap()
	if lastID == 0 {
		return
	}
	if err := pm.sendFragmentsMap(lastID, body); err != nil {
		g.log.Debug("send fragments map failed", zap.String("peer", pm.ID), zap.Error(err))
	}
}

// PushLocalMedia is the publisher-side entry point: it splits payload
// into the fragment chain, stores each piece, and fans it out to peers
// subscribed to its push mask, following GroupMedia::onMedia.
func (g *GroupMedia) PushLocalMedia(reliable bool, typ bus.MessageType, t uint32, data []byte) {
	for _, f := range splitFragments(reliable, typ, t, data, g.nextFragmentID) {
		frag := f
		g.addFragment(&frag, nil)
	}
}

func (g *GroupMedia) nextFragmentID() uint64 {
	g.fragmentCounter++
	return g.fragmentCounter
}

// addFragment stores f, updates the time index, and fans it out by push
// mask to every neighbor except from (the peer it arrived from, if any).
func (g *GroupMedia) addFragment(f *Fragment, from *PeerMedia) {
	g.fragments[f.ID] = f
	if g.firstFragmentID == 0 || f.ID < g.firstFragmentID {
		g.firstFragmentID = f.ID
	}
	if f.ID > g.lastFragmentID {
		g.lastFragmentID = f.ID
	}

	if (f.Marker == MarkerData || f.Marker == MarkerStart) &&
		(len(g.timeIndex) == 0 || f.ID > g.timeIndex[len(g.timeIndex)-1].id) {
		g.timeIndex = append(g.timeIndex, timeEntry{at: time.Now(), id: f.ID})
	}

	nbPush := int(g.params.PushLimit) + 1
	for _, id := range g.peerOrder {
		peer := g.peers[id]
		if peer == from {
			continue
		}
		mask := uint8(1) << (f.ID % 8)
		if peer.pushOutMask&mask == 0 {
			continue
		}
		if err := peer.sendMedia(*f, false); err != nil {
			g.log.Debug("push fragment failed", zap.String("peer", peer.ID), zap.Error(err))
			continue
		}
		nbPush--
		if nbPush == 0 {
			break
		}
	}

	if g.OnNewFragment != nil {
		g.OnNewFragment(g, f)
	}
}

// OnFragmentsMap handles a MarkerFragmentsMap body received from peerID:
// records the peer's bitmap, tracks when its cursor last advanced for
// the pull engine, and kicks off this node's own push requests the first
// time any map arrives (spec.md §4.7 pull engine step 1).
func (g *GroupMedia) OnFragmentsMap(peerID string, lastID uint64, bitmap FragmentBitmap) {
	if g.params.IsPublisher {
		return
	}
	peer, ok := g.peers[peerID]
	if !ok {
		return
	}
	peer.lastFragmentMap = bitmap
	peer.sawGroupMedia = true

	if top := g.pullTimeIndexTop(); lastID > top {
		g.pullTimeIndex = append(g.pullTimeIndex, timeEntry{at: time.Now(), id: lastID})
		if g.pullPaused {
			g.pullPaused = false
		}
	}

	if g.currentPushMask == 0 && !g.startedPushRequest {
		g.sendPushRequests()
		g.startedPushRequest = true
	}
}

func (g *GroupMedia) pullTimeIndexTop() uint64 {
	if len(g.pullTimeIndex) == 0 {
		return 0
	}
	return g.pullTimeIndex[len(g.pullTimeIndex)-1].id
}

// OnPull answers a pull request for fragmentID from peerID, sending the
// fragment reliably if it is still held.
func (g *GroupMedia) OnPull(peerID string, fragmentID uint64) error {
	peer, ok := g.peers[peerID]
	if !ok {
		return errUnknownPeer
	}
	f, ok := g.fragments[fragmentID]
	if !ok {
		return errUnknownFragment
	}
	return peer.sendMedia(*f, true)
}

// OnFragment handles one fragment received from a neighbor: dedups
// against what's stored, drops it if it falls outside the retention
// window, tracks push-mask ownership races, and resolves any pending
// pull waiting on it (spec.md §4.7, GroupMedia::_onFragment).
func (g *GroupMedia) OnFragment(peerID string, f Fragment) {
	g.lastFragmentRx = time.Now()

	startProcess := false
	if _, waiting := g.waitingPulls[f.ID]; waiting {
		delete(g.waitingPulls, f.ID)
		if !g.firstPullReceived {
			g.firstPullReceived = true
			startProcess = true
		}
	} else if peer, ok := g.peers[peerID]; ok {
		mask := uint8(1) << (f.ID % 8)
		if peer.pushInMask&mask != 0 {
			g.trackPushMask(peerID, f.ID, mask)
		}
	}

	if _, have := g.fragments[f.ID]; have {
		return
	}
	if g.isTooOld(f.ID) {
		return
	}

	peer := g.peers[peerID]
	g.addFragment(&f, peer)

	if startProcess && g.OnStartProcessing != nil {
		g.OnStartProcessing(g)
	}
}

func (g *GroupMedia) trackPushMask(peerID string, fragmentID uint64, mask uint8) {
	state, ok := g.pushMasks[mask]
	if !ok {
		g.pushMasks[mask] = pushMaskState{peerID: peerID, lastID: fragmentID}
		return
	}
	if state.peerID != peerID {
		if state.lastID < fragmentID {
			if old, ok := g.peers[state.peerID]; ok {
				old.sendPushMode(old.pushInMask &^ mask)
			}
			state.peerID = peerID
		} else if peer, ok := g.peers[peerID]; ok {
			peer.sendPushMode(peer.pushInMask &^ mask)
		}
	}
	if state.lastID < fragmentID {
		state.lastID = fragmentID
	}
	g.pushMasks[mask] = state
}

func (g *GroupMedia) isTooOld(fragmentID uint64) bool {
	if len(g.timeIndex) <= 2 {
		return false
	}
	oldest := g.timeIndex[0]
	newest := g.timeIndex[len(g.timeIndex)-1]
	if newest.at.Sub(oldest.at).Milliseconds() <= g.params.WindowDuration {
		return false
	}
	return oldest.id > fragmentID
}

// Manage runs one tick of periodic bookkeeping: fragments-map broadcast,
// media timeout, and (for subscribers) the pull and push-mask engines.
// It returns false once the GroupMedia should be torn down.
func (g *GroupMedia) Manage(now time.Time) bool {
	if elapsed(g.lastFragmentMapTx, now, g.params.AvailabilityUpdatePeriod) {
		g.sendFragmentsMap()
		g.lastFragmentMapTx = now
	}

	if g.params.IsPublisher {
		return true
	}

	lastRx := g.lastFragmentRx
	if lastRx.IsZero() {
		lastRx = g.createdAt
	}
	if elapsed(lastRx, now, mediaTimeoutMs) {
		return false
	}

	if elapsed(g.lastPullRequests, now, pullPeriod) {
		g.sendPullRequests(now)
		g.lastPullRequests = now
	}
	if g.startedPushRequest && elapsed(g.lastPushRequests, now, pushPeriod) {
		g.sendPushRequests()
		g.lastPushRequests = now
	}
	return true
}

func elapsed(last time.Time, now time.Time, periodMs int64) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last).Milliseconds() >= periodMs
}

// Close marks the group as ending at lastFragment, the counter value
// reached after sending the synthetic unpublish/closeStream fragments.
func (g *GroupMedia) Close(lastFragment uint64) {
	g.endFragment = lastFragment
}

// ClosePublisher sends the unpublish/closeStream control fragments and a
// final end-of-media fragment, then closes the group, mirroring
// GroupMedia::closePublisher.
func (g *GroupMedia) ClosePublisher(onStatusAMF func() []byte, onCloseStreamAMF func() []byte) {
	if g.endFragment != 0 {
		return
	}
	currentTime := uint32(0)
	if g.lastFragmentID != 0 {
		if f, ok := g.fragments[g.lastFragmentID]; ok {
			currentTime = f.Time
		}
	}
	if onStatusAMF != nil {
		g.PushLocalMedia(true, bus.MessageTypeMetadata, currentTime, onStatusAMF())
	}
	if onCloseStreamAMF != nil {
		g.PushLocalMedia(true, bus.MessageTypeMetadata, currentTime, onCloseStreamAMF())
	}

	g.fragmentCounter++
	for _, id := range g.peerOrder {
		g.peers[id].sendEndMedia(g.fragmentCounter)
	}
	g.Close(g.fragmentCounter)
}

// buildFragmentsMap refreshes the retention window and renders the
// fragments-map body for the current [firstFragmentID, lastFragmentID]
// range, following GroupMedia::updateFragmentMap.
func (g *GroupMedia) buildFragmentsMap() (uint64, []byte) {
	if len(g.fragments) == 0 && g.endFragment == 0 {
		return 0, nil
	}
	g.eraseOldFragments()

	last := g.lastFragmentID
	first := g.firstFragmentID
	if len(g.fragments) == 0 {
		last = g.endFragment
		first = g.endFragment
	}
	announced := last
	if g.endFragment != 0 {
		announced = g.endFragment
	}
	body := EncodeFragmentsMap(first, last, announced, g.params.IsPublisher, func(id uint64) bool {
		_, ok := g.fragments[id]
		return ok
	})
	return last, body
}

// eraseOldFragments drops fragments and time-index entries older than
// windowDuration+relayMargin, notifying OnRemovedFragments with the first
// id still kept (spec.md §4.7 window trimming).
func (g *GroupMedia) eraseOldFragments() {
	if len(g.fragments) == 0 || len(g.timeIndex) == 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(g.params.WindowDuration+g.params.RelayMargin) * time.Millisecond)

	keepFromIdx := len(g.timeIndex)
	for i, e := range g.timeIndex {
		if !e.at.Before(cutoff) {
			keepFromIdx = i
			break
		}
	}
	if keepFromIdx == 0 || keepFromIdx == len(g.timeIndex) {
		return
	}

	keepFromID := g.timeIndex[keepFromIdx].id
	// Keep one fragment before the cutoff reference, matching the
	// original's "don't delete more than the window" guard.
	if keepFromID > g.firstFragmentID {
		keepFromID--
	}

	removed := 0
	for id := g.firstFragmentID; id < keepFromID; id++ {
		if _, ok := g.fragments[id]; ok {
			delete(g.fragments, id)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	g.firstFragmentID = keepFromID
	g.timeIndex = g.timeIndex[keepFromIdx:]

	for id := range g.waitingPulls {
		if id < keepFromID {
			delete(g.waitingPulls, id)
		}
	}
	if g.pullCursor < keepFromID {
		g.pullCursor = keepFromID
	}

	pullKeepIdx := 0
	for i, e := range g.pullTimeIndex {
		if !e.at.Before(cutoff) {
			pullKeepIdx = i
			break
		}
	}
	g.pullTimeIndex = g.pullTimeIndex[pullKeepIdx:]

	if g.OnRemovedFragments != nil {
		g.OnRemovedFragments(g, keepFromID)
	}
}

// sendFragmentsMap broadcasts (or single-casts) the current fragments
// map, per params.AvailabilitySendToAll.
func (g *GroupMedia) sendFragmentsMap() {
	last, body := g.buildFragmentsMap()
	if last == 0 && body == nil {
		return
	}
	if g.params.AvailabilitySendToAll {
		for _, id := range g.peerOrder {
			g.peers[id].sendFragmentsMap(last, body)
		}
		return
	}
	if peer := g.nextPeerRoundRobin(&g.mapIdx, nil); peer != nil {
		peer.sendFragmentsMap(last, body)
	}
}

// sendPushRequests rotates the push mask and asks one more neighbor to
// push it to us, following GroupMedia::sendPushRequests.
func (g *GroupMedia) sendPushRequests() {
	if len(g.peerOrder) == 0 {
		return
	}
	switch g.currentPushMask {
	case 0:
		g.currentPushMask = 1 << uint8(rand.Intn(8))
	case 0x80:
		g.currentPushMask = 1
	default:
		g.currentPushMask <<= 1
	}
	mask := g.currentPushMask

	peer := g.nextPeerRoundRobin(&g.pushIdx, func(p *PeerMedia) bool {
		return p.pushInMask&mask == 0
	})
	if peer == nil {
		return
	}
	peer.sendPushMode(peer.pushInMask | mask)
}

// sendPullRequests drives the pull engine, following
// GroupMedia::sendPullRequests: establishing the first two cursor
// fragments, reissuing stalled pulls, and opening new pulls up to the
// fetch-period horizon.
func (g *GroupMedia) sendPullRequests(now time.Time) {
	if len(g.peerOrder) == 0 || len(g.pullTimeIndex) == 0 || g.pullPaused {
		return
	}
	if !g.lastFragmentRx.IsZero() && elapsed(g.lastFragmentRx, now, g.params.WindowDuration+g.params.RelayMargin) {
		return
	}

	fetchMs := g.params.FetchPeriod
	timeMax := now.Add(-time.Duration(fetchMs) * time.Millisecond)
	target, ok := g.lastBelow(timeMax)
	if !ok {
		if now.Sub(g.pullTimeIndex[0].at).Milliseconds() > fetchMs {
			g.pullPaused = true
			if !g.firstPullReceived && g.OnStartProcessing != nil {
				g.OnStartProcessing(g)
			}
		}
		return
	}

	if g.pullCursor == 0 {
		g.startInitialPull(target)
		return
	}

	// Reissue pulls waiting longer than fetchPeriod, round robin to the
	// next holder.
	if oldTarget, ok := g.lastBelow(now.Add(-2 * time.Duration(fetchMs) * time.Millisecond)); ok {
		for id, sentAt := range g.waitingPulls {
			if id > oldTarget {
				continue
			}
			if now.Sub(sentAt).Milliseconds() > fetchMs {
				if g.sendPullToNextPeer(id) {
					g.waitingPulls[id] = now
				}
			}
		}
	}

	for g.pullCursor < target {
		next := g.pullCursor + 1
		if _, have := g.fragments[next]; !have {
			if !g.sendPullToNextPeer(next) {
				break
			}
			g.waitingPulls[next] = now
		}
		g.pullCursor = next
	}

	if !g.params.DisablePullTimeout {
		if len(g.waitingPulls) > pullWaitLimit {
			if !g.pullLimitReached {
				g.pullLimitReached = true
				g.pullTimeoutStart = now
			} else if elapsed(g.pullTimeoutStart, now, pullTimeoutMs) && g.OnPullTimeout != nil {
				g.OnPullTimeout(g)
			}
		} else {
			g.pullLimitReached = false
		}
	}
}

func (g *GroupMedia) startInitialPull(target uint64) {
	cursor := target
	if cursor > 1 {
		cursor--
	} else {
		cursor = 1
	}
	g.pullCursor = cursor

	if peer := g.findPeer(func(p *PeerMedia) bool { return p.HasFragment(cursor) }); peer != nil {
		if _, have := g.fragments[cursor]; !have {
			peer.sendPull(cursor)
			g.waitingPulls[cursor] = time.Now()
		} else {
			g.firstPullReceived = true
			if g.OnStartProcessing != nil {
				g.OnStartProcessing(g)
			}
		}
	}

	next := cursor + 1
	if peer := g.findPeer(func(p *PeerMedia) bool { return p.HasFragment(next) }); peer != nil {
		g.pullCursor = next
		if _, have := g.fragments[next]; !have {
			peer.sendPull(next)
			g.waitingPulls[next] = time.Now()
		} else {
			g.firstPullReceived = true
			if g.OnStartProcessing != nil {
				g.OnStartProcessing(g)
			}
		}
		return
	}
	g.pullCursor = 0
}

func (g *GroupMedia) sendPullToNextPeer(fragmentID uint64) bool {
	peer := g.nextPeerRoundRobin(&g.pullIdx, func(p *PeerMedia) bool { return p.HasFragment(fragmentID) })
	if peer == nil {
		return false
	}
	peer.sendPull(fragmentID)
	return true
}

// lastBelow returns the largest fragment id recorded in pullTimeIndex at
// or before cutoff.
func (g *GroupMedia) lastBelow(cutoff time.Time) (uint64, bool) {
	found := uint64(0)
	ok := false
	for _, e := range g.pullTimeIndex {
		if e.at.After(cutoff) {
			break
		}
		found = e.id
		ok = true
	}
	return found, ok
}

// findPeer scans peerOrder starting from a random offset for fairness,
// returning the first peer matching predicate.
func (g *GroupMedia) findPeer(predicate func(*PeerMedia) bool) *PeerMedia {
	n := len(g.peerOrder)
	if n == 0 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		peer := g.peers[g.peerOrder[(start+i)%n]]
		if predicate == nil || predicate(peer) {
			return peer
		}
	}
	return nil
}

// nextPeerRoundRobin advances *idx circularly through peerOrder,
// returning the first peer matching predicate (or the very next one if
// predicate is nil), following GroupMedia::getNextPeer.
func (g *GroupMedia) nextPeerRoundRobin(idx *int, predicate func(*PeerMedia) bool) *PeerMedia {
	n := len(g.peerOrder)
	if n == 0 {
		return nil
	}
	start := *idx
	for i := 0; i < n; i++ {
		*idx = (*idx + 1) % n
		peer := g.peers[g.peerOrder[*idx]]
		if predicate == nil || predicate(peer) {
			return peer
		}
		if *idx == start {
			break
		}
	}
	return nil
}
