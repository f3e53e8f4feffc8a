package relay

import (
	"sync"
)

// SessionRegistry holds every live session and the indexes RelayCore needs
// to route without walking the full session set: host connection ->
// session, session id -> session, client connection -> its host connection.
// The three maps are kept mutually consistent by construction: every
// mutation that touches more than one of them happens under the same lock
// acquisition.
type SessionRegistry struct {
	mu sync.RWMutex

	sessionsById  map[uint64]*Session
	hostToSession map[uint64]*Session
	clientToHost  map[uint64]uint64
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessionsById:  make(map[uint64]*Session),
		hostToSession: make(map[uint64]*Session),
		clientToHost:  make(map[uint64]uint64),
	}
}

// CreateSession registers a brand-new session across all three indexes.
// Fails with ErrServerSideError if the session id or host connection id is
// already known, which would indicate an allocator or transport bug.
func (r *SessionRegistry) CreateSession(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessionsById[s.SessionId()]; ok {
		return ErrServerSideError
	}
	if _, ok := r.hostToSession[s.HostConnectionId()]; ok {
		return ErrServerSideError
	}
	r.sessionsById[s.SessionId()] = s
	r.hostToSession[s.HostConnectionId()] = s
	return nil
}

// SessionById looks up a session by SessionId.
func (r *SessionRegistry) SessionById(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessionsById[id]
	return s, ok
}

// SessionByHost looks up a session by its host's connection id.
func (r *SessionRegistry) SessionByHost(hostConnectionId uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.hostToSession[hostConnectionId]
	return s, ok
}

// HostOfClient returns the connection id of the host a given client
// connection belongs to.
func (r *SessionRegistry) HostOfClient(clientConnectionId uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	host, ok := r.clientToHost[clientConnectionId]
	return host, ok
}

// AddClient records that clientConnectionId belongs to hostConnectionId's
// session. Caller is responsible for having already inserted the member
// into the Session's own BiMap.
func (r *SessionRegistry) AddClient(clientConnectionId, hostConnectionId uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clientToHost[clientConnectionId]; ok {
		return ErrServerSideError
	}
	r.clientToHost[clientConnectionId] = hostConnectionId
	return nil
}

// RemoveClient drops a client->host index entry. No-op (not an error) if
// absent, since the normal disconnect path may race a double-disconnect.
func (r *SessionRegistry) RemoveClient(clientConnectionId uint64) {
	r.mu.Lock()
	delete(r.clientToHost, clientConnectionId)
	r.mu.Unlock()
}

// DestroySession removes a session from sessionsById and hostToSession and
// returns the removed session. clientToHost entries pointing at its host
// are left in place; the caller drops them with PruneClientsOf.
func (r *SessionRegistry) DestroySession(sessionId uint64) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessionsById[sessionId]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.sessionsById, sessionId)
	delete(r.hostToSession, s.HostConnectionId())
	r.mu.Unlock()
	return s, true
}

// PruneClientsOf removes every clientToHost entry whose value is
// hostConnectionId. Called once a session's member snapshot has been
// taken, after the registry-level DestroySession.
func (r *SessionRegistry) PruneClientsOf(hostConnectionId uint64, clientConnectionIds []uint64) {
	r.mu.Lock()
	for _, cid := range clientConnectionIds {
		if r.clientToHost[cid] == hostConnectionId {
			delete(r.clientToHost, cid)
		}
	}
	r.mu.Unlock()
}

// Previews returns a snapshot of every live session for /session/list.
// Each Session is locked individually and briefly; the registry lock is
// only used to snapshot the slice of sessions themselves.
func (r *SessionRegistry) Previews() []SessionPreview {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessionsById))
	for _, s := range r.sessionsById {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]SessionPreview, 0, len(sessions))
	for _, s := range sessions {
		s.Lock()
		out = append(out, s.ToPreview())
		s.Unlock()
	}
	return out
}
