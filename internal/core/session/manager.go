// Manager demuxes inbound datagrams to the right Session by session id and
// drives the periodic keepalive/GC/flush sweep across every session it
// owns, the RTMFP analogue of a connection table.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns every established Session, keyed by local session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	log      *zap.Logger

	nextID uint32

	// OnClosed fires when Manage drops a session for exhausting its
	// keepalive ladder, the only path that removes a session without the
	// caller's own Close/Remove pair. Nil means nobody needs to know.
	OnClosed func(*Session)
}

// NewManager creates an empty Manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[uint32]*Session),
		log:      log.Named("sessionmgr"),
	}
}

// AllocateID hands out a fresh local session id, suitable for passing as
// handshake.Manager's nextFarID.
func (m *Manager) AllocateID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Add registers a newly-established Session under its own id.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
}

// Lookup returns the Session for a local session id, or nil if unknown
// (spec.md §4.3 step 1: route to the handshaker when the id is 0 or
// unknown).
func (m *Manager) Lookup(id uint32) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Remove drops a session from the table, e.g. after it has gone Failed.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count reports how many sessions are currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Manage runs one periodic sweep over every session: keepalive ladder,
// flow GC, and flushing any chunks still queued from the last receive pass.
// Called from the IO lane's timer tick, alongside handshake.Manager.Manage.
func (m *Manager) Manage(now time.Time) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.manageOne(s, now)
	}
}

func (m *Manager) manageOne(s *Session, now time.Time) {
	switch s.CheckKeepalive(now) {
	case KeepaliveSendPing:
		if err := s.SendPing(now); err != nil {
			m.log.Warn("ping send failed", zap.Uint32("session", s.ID()), zap.Error(err))
		}
	case KeepaliveSendClose:
		if err := s.SendCloseRequest(); err != nil {
			m.log.Warn("close request send failed", zap.Uint32("session", s.ID()), zap.Error(err))
		}
	case KeepaliveFail:
		s.Close()
		m.Remove(s.ID())
		if m.OnClosed != nil {
			m.OnClosed(s)
		}
		return
	}

	if err := s.Flush(); err != nil {
		m.log.Warn("flush failed", zap.Uint32("session", s.ID()), zap.Error(err))
	}
}
