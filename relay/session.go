package relay

import (
	"errors"
	"strings"
	"sync"
)

// ErrBiMapCapacity is returned by BiMap.Insert when inserting would exceed
// the map's configured capacity.
var ErrBiMapCapacity = errors.New("relay: session BiMap at capacity")

// ErrBiMapDuplicate is returned by BiMap.Insert when either side of the
// pair is already present, which would break injectivity.
var ErrBiMapDuplicate = errors.New("relay: session BiMap duplicate key")

// BiMap is an injective connectionId <-> localId mapping. Every public
// method is safe to call without external locking only insofar as the
// caller already holds the owning Session's mutex; BiMap itself does not
// lock, matching the "a Session's BiMap operations are guarded by a
// per-session mutex" contract.
type BiMap struct {
	capacity int
	fwd      map[uint64]uint32 // connectionId -> localId
	rev      map[uint32]uint64 // localId -> connectionId
}

func newBiMap(capacity int) *BiMap {
	return &BiMap{
		capacity: capacity,
		fwd:      make(map[uint64]uint32, capacity),
		rev:      make(map[uint32]uint64, capacity),
	}
}

// Len reports the current number of entries.
func (b *BiMap) Len() int { return len(b.fwd) }

// Insert adds connectionId <-> localId. Fails if either side already
// exists or the map is already at capacity.
func (b *BiMap) Insert(connectionId uint64, localId uint32) error {
	if _, ok := b.fwd[connectionId]; ok {
		return ErrBiMapDuplicate
	}
	if _, ok := b.rev[localId]; ok {
		return ErrBiMapDuplicate
	}
	if len(b.fwd) >= b.capacity {
		return ErrBiMapCapacity
	}
	b.fwd[connectionId] = localId
	b.rev[localId] = connectionId
	return nil
}

// RemoveByConnection removes the pair keyed by connectionId, if present.
func (b *BiMap) RemoveByConnection(connectionId uint64) {
	if localId, ok := b.fwd[connectionId]; ok {
		delete(b.fwd, connectionId)
		delete(b.rev, localId)
	}
}

// LocalIdOf returns the localId for a connectionId.
func (b *BiMap) LocalIdOf(connectionId uint64) (uint32, bool) {
	localId, ok := b.fwd[connectionId]
	return localId, ok
}

// ConnectionOf returns the connectionId for a localId.
func (b *BiMap) ConnectionOf(localId uint32) (uint64, bool) {
	connectionId, ok := b.rev[localId]
	return connectionId, ok
}

// Connections returns a snapshot slice of every connectionId currently in
// the map. Used by session teardown, which must release the session lock
// before closing members out-of-lock.
func (b *BiMap) Connections() []uint64 {
	out := make([]uint64, 0, len(b.fwd))
	for cid := range b.fwd {
		out = append(out, cid)
	}
	return out
}

// SessionPreview is the listing snapshot shape of spec §4.3.
type SessionPreview struct {
	SessionId      uint64
	Name           string
	MaxMembers     uint32
	CurrentMembers uint32
}

// Session is one room: a host plus up to maxMembers-1 clients sharing an
// opaque LocalId-addressed message space.
type Session struct {
	mu sync.Mutex

	sessionId        uint64
	hostConnectionId uint64 // immutable for the session's life
	name             string
	maxMembers       uint32
	members          *BiMap
	tombstoned       bool
}

// NewSession creates a session with the host already bound to LocalId 1.
func NewSession(sessionId, hostConnectionId uint64, name string, maxMembers uint32) *Session {
	s := &Session{
		sessionId:        sessionId,
		hostConnectionId: hostConnectionId,
		name:             name,
		maxMembers:       maxMembers,
		members:          newBiMap(int(maxMembers)),
	}
	// The host entry is present for the session's entire life; insertion
	// here cannot fail since the map is fresh and maxMembers is positive
	// (validated by SessionInfo.IsValid before a Session is ever built).
	_ = s.members.Insert(hostConnectionId, hostLocalId)
	return s
}

const hostLocalId uint32 = 1

// SessionId returns the session's immutable id.
func (s *Session) SessionId() uint64 { return s.sessionId }

// HostConnectionId returns the session's immutable host connection id.
func (s *Session) HostConnectionId() uint64 { return s.hostConnectionId }

// Lock / Unlock expose the per-session mutex directly so RelayCore can
// bracket multi-step operations (e.g. "check isFull then insert") in a
// single critical section without a second layer of wrapper methods.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Tombstoned reports whether the session is mid-teardown. Callers must
// hold the lock.
func (s *Session) Tombstoned() bool { return s.tombstoned }

// MarkTombstoned flags the session as being torn down so any late payload
// routed to it is dropped silently instead of reaching a half-closed
// member. Callers must hold the lock.
func (s *Session) MarkTombstoned() { s.tombstoned = true }

// IsFull reports the current member count and whether it has reached
// maxMembers. Callers must hold the lock.
func (s *Session) IsFull() (current uint32, full bool) {
	current = uint32(s.members.Len())
	return current, current >= s.maxMembers
}

// NextLocalId returns the LocalId the next joining client would receive.
// Callers must hold the lock.
func (s *Session) NextLocalId() uint32 {
	return uint32(s.members.Len()) + 1
}

// Join inserts a new client's connectionId <-> localId pair. Callers must
// hold the lock and must have already checked IsFull.
func (s *Session) Join(connectionId uint64, localId uint32) error {
	return s.members.Insert(connectionId, localId)
}

// RemoveMember removes a member (client or host) by connectionId. Callers
// must hold the lock.
func (s *Session) RemoveMember(connectionId uint64) {
	s.members.RemoveByConnection(connectionId)
}

// LocalIdOf returns the LocalId for a connectionId within this session.
// Callers must hold the lock.
func (s *Session) LocalIdOf(connectionId uint64) (uint32, bool) {
	return s.members.LocalIdOf(connectionId)
}

// ConnectionOf returns the connectionId for a LocalId within this session.
// Callers must hold the lock.
func (s *Session) ConnectionOf(localId uint32) (uint64, bool) {
	return s.members.ConnectionOf(localId)
}

// Members returns a snapshot of every member connectionId. Callers must
// hold the lock; the returned slice is safe to use after Unlock.
func (s *Session) Members() []uint64 {
	return s.members.Connections()
}

// ModifyInfo atomically replaces name and maxMembers. It is legal to set
// maxMembers below the current member count: no members are evicted, but
// no new joins are admitted until membership drops below the new cap.
// Callers must hold the lock.
func (s *Session) ModifyInfo(name string, maxMembers uint32) {
	s.name = name
	s.maxMembers = maxMembers
	s.members.capacity = int(maxMembers)
}

// ToPreview returns a listing snapshot. Callers must hold the lock.
func (s *Session) ToPreview() SessionPreview {
	return SessionPreview{
		SessionId:      s.sessionId,
		Name:           s.name,
		MaxMembers:     s.maxMembers,
		CurrentMembers: uint32(s.members.Len()),
	}
}

// SessionInfo is the {name, maxMembers} pair carried by /session/allocate
// and /session/modify.
type SessionInfo struct {
	Name       string
	MaxMembers uint32
}

// IsValid requires a non-empty trimmed name and a positive maxMembers.
func (si SessionInfo) IsValid() bool {
	return strings.TrimSpace(si.Name) != "" && si.MaxMembers > 0
}
