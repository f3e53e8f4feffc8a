package relay

import (
	"sync"

	"github.com/rs/zerolog"
)

// Channel identifies which of the transport's sub-channels a frame arrived
// on or should be sent over. Application traffic is only ever valid on
// ChannelReliable; anything observed on ChannelUnreliable terminates the
// connection (spec §4.4).
type Channel byte

const (
	ChannelReliable   Channel = 0
	ChannelUnreliable Channel = 1
)

// Transport is the capability RelayCore needs from whatever carries bytes
// to and from a connection. transport/kcp implements this against
// *kcp-go's UDPSession; a test double can implement it in-process.
type Transport interface {
	Send(connectionId uint64, channel Channel, data []byte) error
	Disconnect(connectionId uint64)
}

type stateKind int

const (
	statePending stateKind = iota
	stateHost
	stateClient
)

// connStateEntry is the tagged sum of spec §9's Design Notes: a
// connection is Pending, a session's Host, or a session's Client. Only the
// fields relevant to the current kind are meaningful.
type connStateEntry struct {
	kind             stateKind
	sessionId        uint64 // valid when kind == stateHost
	hostConnectionId uint64 // valid when kind == stateClient
	localId          uint32 // valid when kind == stateClient
}

// RelayCore is C5: it consumes transport events, enforces the
// per-connection authorization state machine, and performs payload
// rewriting and forwarding between a session's host and its clients.
type RelayCore struct {
	mu         sync.Mutex
	connStates map[uint64]*connStateEntry

	uid          *UidAllocator
	registry     *SessionRegistry
	pendingConns *PendingKcpConnectionStore
	createCache  *PendingTokenStore[SessionInfo]
	joinCache    *PendingTokenStore[uint64]
	modifyCache  *PendingTokenStore[SessionInfo]

	transport Transport
	listener  EventListener
	log       zerolog.Logger
}

// NewRelayCore wires a fresh RelayCore. transport is supplied after
// construction via SetTransport since the transport adapter and the core
// typically need a reference to each other; listener may be
// NoopEventListener if the admin event stream is disabled.
func NewRelayCore(listener EventListener, log zerolog.Logger) *RelayCore {
	if listener == nil {
		listener = NoopEventListener
	}
	core := &RelayCore{
		connStates: make(map[uint64]*connStateEntry),
		uid:        NewUidAllocator(),
		registry:   NewSessionRegistry(),
		listener:   listener,
		log:        log,
	}
	core.pendingConns = NewPendingKcpConnectionStore(core.onPendingTimeout)
	core.createCache = NewPendingTokenStore[SessionInfo](nil)
	core.joinCache = NewPendingTokenStore[uint64](nil)
	core.modifyCache = NewPendingTokenStore[SessionInfo](nil)
	return core
}

// SetTransport attaches the transport the core sends frames and
// disconnect requests through.
func (core *RelayCore) SetTransport(t Transport) { core.transport = t }

// Start launches the pending-token and pending-connection GC tickers.
func (core *RelayCore) Start() {
	core.pendingConns.Start()
	core.createCache.Start()
	core.joinCache.Start()
	core.modifyCache.Start()
}

// Stop halts every GC ticker.
func (core *RelayCore) Stop() {
	core.pendingConns.Stop()
	core.createCache.Stop()
	core.joinCache.Stop()
	core.modifyCache.Stop()
}

func (core *RelayCore) getState(connectionId uint64) (connStateEntry, bool) {
	core.mu.Lock()
	defer core.mu.Unlock()
	e, ok := core.connStates[connectionId]
	if !ok {
		return connStateEntry{}, false
	}
	return *e, true
}

func (core *RelayCore) setState(connectionId uint64, entry connStateEntry) {
	core.mu.Lock()
	core.connStates[connectionId] = &entry
	core.mu.Unlock()
}

// takeState removes and returns a connection's state entry. Returns
// ok=false if the connection was already cleaned up, which callers use to
// implement idempotent disconnect handling.
func (core *RelayCore) takeState(connectionId uint64) (connStateEntry, bool) {
	core.mu.Lock()
	defer core.mu.Unlock()
	e, ok := core.connStates[connectionId]
	if !ok {
		return connStateEntry{}, false
	}
	delete(core.connStates, connectionId)
	return *e, true
}

func (core *RelayCore) sendReliable(connectionId uint64, frame []byte) {
	if core.transport == nil {
		return
	}
	if err := core.transport.Send(connectionId, ChannelReliable, frame); err != nil {
		core.log.Debug().Err(err).Uint64("connection_id", connectionId).Msg("[RelayCore] send failed")
	}
}

// onPendingTimeout is the PendingKcpConnectionStore expiry hook: a
// connection that never authorized within its lifetime is closed with
// TimeOut.
func (core *RelayCore) onPendingTimeout(connectionId uint64) {
	core.log.Debug().Uint64("connection_id", connectionId).Msg("[RelayCore] pending connection timed out")
	core.closeConnection(connectionId, ReasonTimeOut)
}

// OnConnected registers a freshly accepted connection as Pending.
func (core *RelayCore) OnConnected(connectionId uint64) {
	core.setState(connectionId, connStateEntry{kind: statePending})
	if err := core.pendingConns.AddConnection(connectionId); err != nil {
		core.log.Error().Err(err).Uint64("connection_id", connectionId).Msg("[RelayCore] duplicate connection id")
		core.closeConnection(connectionId, ReasonServerSideError)
	}
}

// OnDisconnected runs the teardown appropriate to the connection's current
// state. It is idempotent: a connection already cleaned up is a no-op,
// satisfying spec §8's "idempotent disconnect" law.
func (core *RelayCore) OnDisconnected(connectionId uint64) {
	core.cleanup(connectionId)
}

// OnError logs the transport error, best-effort notifies the connection
// with ServerSideError, and runs the same teardown as OnDisconnected.
func (core *RelayCore) OnError(connectionId uint64, err error) {
	core.log.Error().Err(err).Uint64("connection_id", connectionId).Msg("[RelayCore] transport error")
	core.sendReliable(connectionId, EncodeServerSideDisconnection(ReasonServerSideError))
	core.cleanup(connectionId)
	if core.transport != nil {
		core.transport.Disconnect(connectionId)
	}
}

// OnData classifies and dispatches a single frame per spec §4.4/§4.6.
func (core *RelayCore) OnData(connectionId uint64, channel Channel, frame []byte) {
	if channel != ChannelReliable {
		core.closeConnection(connectionId, ReasonUnreliableCommunicationNotAllowed)
		return
	}

	kind, body, err := SplitFrame(frame)
	if err != nil {
		core.closeConnection(connectionId, ReasonUnrecognizableMessageHeader)
		return
	}

	state, ok := core.getState(connectionId)
	if !ok {
		// Connection already torn down; a straggling frame from the
		// transport arriving after cleanup is simply dropped.
		return
	}

	switch kind {
	case ClientMsgAuthSession:
		core.handleAuthSession(connectionId, state, body)
	case ClientMsgJoinSession:
		core.handleJoinSession(connectionId, state, body)
	case ClientMsgModifySession:
		core.handleModifySession(connectionId, state, body)
	case ClientMsgPayload:
		core.handlePayload(connectionId, state, body)
	case ClientMsgDisconnectClient:
		core.handleDisconnectClient(connectionId, state, body)
	}
}

func (core *RelayCore) handleAuthSession(connectionId uint64, state connStateEntry, body []byte) {
	if state.kind != statePending {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	token, err := DecodeToken(body)
	if err != nil {
		core.closeConnection(connectionId, ReasonInvalidTokenPayloadLength)
		return
	}
	info, ok := core.createCache.TryExtract(token)
	if !ok {
		core.closeConnection(connectionId, ReasonInvalidAuthToken)
		return
	}
	core.pendingConns.Remove(connectionId)

	sessionId, err := core.uid.Get()
	if err != nil {
		core.log.Error().Err(err).Msg("[RelayCore] session id space exhausted")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}
	session := NewSession(sessionId, connectionId, info.Name, info.MaxMembers)
	if err := core.registry.CreateSession(session); err != nil {
		core.uid.Release(sessionId)
		core.log.Error().Err(err).Msg("[RelayCore] registry invariant violated creating session")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}

	core.setState(connectionId, connStateEntry{kind: stateHost, sessionId: sessionId})
	core.listener.SessionCreated(sessionId, connectionId, info.Name, info.MaxMembers)
	core.sendReliable(connectionId, EncodeSuccessWithLocalId(hostLocalId))
}

func (core *RelayCore) handleJoinSession(connectionId uint64, state connStateEntry, body []byte) {
	if state.kind != statePending {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	token, err := DecodeToken(body)
	if err != nil {
		core.closeConnection(connectionId, ReasonInvalidTokenPayloadLength)
		return
	}
	sessionId, ok := core.joinCache.TryExtract(token)
	if !ok {
		core.closeConnection(connectionId, ReasonInvalidAuthToken)
		return
	}
	core.pendingConns.Remove(connectionId)

	session, ok := core.registry.SessionById(sessionId)
	if !ok {
		core.closeConnection(connectionId, ReasonInvalidSessionId)
		return
	}

	session.Lock()
	if session.Tombstoned() {
		session.Unlock()
		core.closeConnection(connectionId, ReasonInvalidSessionId)
		return
	}
	if _, full := session.IsFull(); full {
		session.Unlock()
		core.closeConnection(connectionId, ReasonSessionFull)
		return
	}
	localId := session.NextLocalId()
	if err := session.Join(connectionId, localId); err != nil {
		session.Unlock()
		core.log.Error().Err(err).Msg("[RelayCore] registry invariant violated joining session")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}
	hostConnectionId := session.HostConnectionId()
	session.Unlock()

	if err := core.registry.AddClient(connectionId, hostConnectionId); err != nil {
		core.log.Error().Err(err).Msg("[RelayCore] registry invariant violated indexing client")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}

	core.setState(connectionId, connStateEntry{kind: stateClient, hostConnectionId: hostConnectionId, localId: localId})
	core.listener.MemberJoined(sessionId, localId)

	// The host notification must be enqueued before the client's own
	// Success reply: the client cannot send its first Payload until it
	// receives Success, guaranteeing the host sees ClientConnected first.
	core.sendReliable(hostConnectionId, EncodeClientConnected(uint32(connectionId), localId))
	core.sendReliable(connectionId, EncodeSuccessWithLocalId(localId))
}

func (core *RelayCore) handleModifySession(connectionId uint64, state connStateEntry, body []byte) {
	if state.kind != stateHost {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	token, err := DecodeToken(body)
	if err != nil {
		core.closeConnection(connectionId, ReasonInvalidTokenPayloadLength)
		return
	}
	info, ok := core.modifyCache.TryExtract(token)
	if !ok {
		core.closeConnection(connectionId, ReasonInvalidAuthToken)
		return
	}
	session, ok := core.registry.SessionByHost(connectionId)
	if !ok {
		core.log.Error().Msg("[RelayCore] host connection has no session")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}
	session.Lock()
	session.ModifyInfo(info.Name, info.MaxMembers)
	session.Unlock()

	core.sendReliable(connectionId, EncodeSuccessEmpty())
}

func (core *RelayCore) handlePayload(connectionId uint64, state connStateEntry, body []byte) {
	if state.kind == statePending {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	payload, err := DecodePayload(body)
	if err != nil {
		core.closeConnection(connectionId, ReasonInvalidPayloadLength)
		return
	}

	if payload.RecipientLocalId == hostLocalId {
		if state.kind != stateClient {
			core.closeConnection(connectionId, ReasonUnAuthorizedAction)
			return
		}
		frame := EncodePayloadRelay(uint32(state.localId), payload.Channel, payload.Mode, payload.Data)
		core.sendReliable(state.hostConnectionId, frame)
		return
	}

	if state.kind != stateHost {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	session, ok := core.registry.SessionByHost(connectionId)
	if !ok {
		core.log.Error().Msg("[RelayCore] host connection has no session")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}
	session.Lock()
	destination, found := session.ConnectionOf(payload.RecipientLocalId)
	session.Unlock()
	if !found {
		// The client left; drop silently.
		return
	}
	frame := EncodePayloadRelay(hostLocalId, payload.Channel, payload.Mode, payload.Data)
	core.sendReliable(destination, frame)
}

func (core *RelayCore) handleDisconnectClient(connectionId uint64, state connStateEntry, body []byte) {
	if state.kind != stateHost {
		core.closeConnection(connectionId, ReasonUnAuthorizedAction)
		return
	}
	target, err := DecodeDisconnectClient(body)
	if err != nil {
		core.closeConnection(connectionId, ReasonInvalidDisconnectClientPayloadLen)
		return
	}
	session, ok := core.registry.SessionByHost(connectionId)
	if !ok {
		core.log.Error().Msg("[RelayCore] host connection has no session")
		core.closeConnection(connectionId, ReasonServerSideError)
		return
	}
	session.Lock()
	_, found := session.LocalIdOf(uint64(target))
	session.Unlock()
	if !found {
		return
	}
	core.closeConnection(uint64(target), ReasonHostTriggeredDisconnection)
}

// closeConnection implements "close R" from spec §4.4: send
// ServerSideDisconnection(reason) on the reliable channel, run the state
// teardown, then disconnect the transport connection.
func (core *RelayCore) closeConnection(connectionId uint64, reason DisconnectReason) {
	core.sendReliable(connectionId, EncodeServerSideDisconnection(reason))
	core.cleanup(connectionId)
	if core.transport != nil {
		core.transport.Disconnect(connectionId)
	}
}

// cleanup performs the state-specific teardown of spec §4.4's "Disconnect
// paths" section. It is idempotent: a connection with no state entry is a
// silent no-op.
func (core *RelayCore) cleanup(connectionId uint64) {
	state, ok := core.takeState(connectionId)
	if !ok {
		return
	}

	switch state.kind {
	case statePending:
		core.pendingConns.Remove(connectionId)

	case stateHost:
		core.teardownSession(state.sessionId)
		core.uid.Release(state.sessionId)

	case stateClient:
		core.registry.RemoveClient(connectionId)
		if session, ok := core.registry.SessionByHost(state.hostConnectionId); ok {
			session.Lock()
			localId, _ := session.LocalIdOf(connectionId)
			session.RemoveMember(connectionId)
			session.Unlock()
			core.listener.MemberLeft(session.SessionId(), localId)
		}
		core.sendReliable(state.hostConnectionId, EncodeClientDisconnected(uint32(connectionId)))
	}
}

// teardownSession removes a session from the registry, tombstones it so
// late in-flight payload routing drops silently, and closes every
// remaining member (the session's clients; the host itself is being torn
// down by the caller) with HostShutdown.
func (core *RelayCore) teardownSession(sessionId uint64) {
	session, ok := core.registry.SessionById(sessionId)
	if !ok {
		return
	}

	session.Lock()
	if session.Tombstoned() {
		session.Unlock()
		return
	}
	session.MarkTombstoned()
	members := session.Members()
	hostConnectionId := session.HostConnectionId()
	session.Unlock()

	core.registry.DestroySession(sessionId)
	core.registry.PruneClientsOf(hostConnectionId, members)

	for _, m := range members {
		if m == hostConnectionId {
			continue
		}
		core.mu.Lock()
		delete(core.connStates, m)
		core.mu.Unlock()
		core.sendReliable(m, EncodeServerSideDisconnection(ReasonHostShutdown))
		if core.transport != nil {
			core.transport.Disconnect(m)
		}
	}

	core.listener.SessionDestroyed(sessionId, ReasonHostShutdown)
}

// Shutdown closes every live connection with ServerShutdown and clears the
// per-connection state table. The session registry and the pending stores
// are left as they are. The caller is responsible for stopping the
// transport and the GC tickers afterwards.
func (core *RelayCore) Shutdown() {
	core.mu.Lock()
	ids := make([]uint64, 0, len(core.connStates))
	for id := range core.connStates {
		ids = append(ids, id)
	}
	core.connStates = make(map[uint64]*connStateEntry)
	core.mu.Unlock()

	for _, id := range ids {
		core.sendReliable(id, EncodeServerSideDisconnection(ReasonServerShutdown))
		if core.transport != nil {
			core.transport.Disconnect(id)
		}
	}
}

// --- Control-plane-facing API ---

// AllocateSession deposits a CreateCache entry for a validated SessionInfo
// and returns the token a caller must present over KCP as AuthSession.
func (core *RelayCore) AllocateSession(info SessionInfo) [16]byte {
	return core.createCache.Add(info)
}

// RequestJoin validates that sessionId exists and is not full, then
// deposits a JoinCache entry. ok=false with an error means the request
// should be reported as a logical failure, not an HTTP error.
func (core *RelayCore) RequestJoin(sessionId uint64) (token [16]byte, ok bool, err error) {
	session, exists := core.registry.SessionById(sessionId)
	if !exists {
		return token, false, ErrInvalidSessionId
	}
	session.Lock()
	tombstoned := session.Tombstoned()
	_, full := session.IsFull()
	session.Unlock()
	if tombstoned {
		return token, false, ErrInvalidSessionId
	}
	if full {
		return token, false, ErrSessionFull
	}
	return core.joinCache.Add(sessionId), true, nil
}

// RequestModify deposits a ModifyCache entry for a validated SessionInfo.
// Unlike allocate/join, the control plane cannot know in advance which
// session will consume it: resolution happens host-side over KCP.
func (core *RelayCore) RequestModify(info SessionInfo) [16]byte {
	return core.modifyCache.Add(info)
}

// ListSessions returns a snapshot of every live session for /session/list.
func (core *RelayCore) ListSessions() []SessionPreview {
	return core.registry.Previews()
}
