package netgroup

// Sender is the outbound half of a PeerMedia: the flow/writer wiring that
// actually puts a chunk on the wire to one neighbor. GroupMedia never
// touches a socket directly, mirroring the rest of the IO-lane design.
type Sender interface {
	SendMedia(f Fragment, pulled bool) error
	SendPushMode(mask uint8) error
	SendPull(fragmentID uint64) error
	SendFragmentsMap(lastID uint64, body []byte) error
	SendGroupMedia(streamName, streamKey string, params Params) error
	SendEndMedia(lastID uint64) error
}

// PeerMedia is one GroupMedia's view of a single neighbor, matching the
// (remoteId, pushInMask, pushOutMask, lastFragmentMap, sawGroupMedia)
// tuple of spec.md §4.5: pushInMask is the mask bits *we* have asked
// this peer to push to us; pushOutMask is the mask bits this peer has
// asked *us* to push to it.
type PeerMedia struct {
	ID string

	sender Sender

	pushInMask  uint8
	pushOutMask uint8

	lastFragmentMap FragmentBitmap
	sawGroupMedia   bool
	groupMediaSent  bool
}

// NewPeerMedia wraps sender as the neighbor identified by id.
func NewPeerMedia(id string, sender Sender) *PeerMedia {
	return &PeerMedia{ID: id, sender: sender}
}

// HasFragment reports whether this peer's last-announced fragments map
// claims it holds id.
func (p *PeerMedia) HasFragment(id uint64) bool {
	return p.lastFragmentMap.Has(id)
}

// PushInMask returns the mask bits we have asked this peer to push to us.
func (p *PeerMedia) PushInMask() uint8 { return p.pushInMask }

// PushOutMask returns the mask bits this peer has asked us to push to it.
func (p *PeerMedia) PushOutMask() uint8 { return p.pushOutMask }

// sendPushMode issues a push-mode request to this peer, recording the
// mask we asked for in pushInMask so _onFragment and the election logic
// can recognize fragments pushed in response to it.
func (p *PeerMedia) sendPushMode(mask uint8) error {
	p.pushInMask = mask
	return p.sender.SendPushMode(mask)
}

func (p *PeerMedia) sendMedia(f Fragment, pulled bool) error {
	return p.sender.SendMedia(f, pulled)
}

func (p *PeerMedia) sendPull(id uint64) error {
	return p.sender.SendPull(id)
}

func (p *PeerMedia) sendFragmentsMap(lastID uint64, body []byte) error {
	return p.sender.SendFragmentsMap(lastID, body)
}

func (p *PeerMedia) sendGroupMedia(streamName, streamKey string, params Params) error {
	if p.groupMediaSent {
		return nil
	}
	p.groupMediaSent = true
	return p.sender.SendGroupMedia(streamName, streamKey, params)
}

func (p *PeerMedia) sendEndMedia(lastID uint64) error {
	return p.sender.SendEndMedia(lastID)
}
