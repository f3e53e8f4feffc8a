package relay

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-process relay.Transport double: it records every
// frame sent to a connection and every connection the core asked to be
// dropped, with no real network involved.
type fakeTransport struct {
	mu           sync.Mutex
	sent         map[uint64][][]byte
	order        []uint64 // destination of every Send, in call order
	disconnected map[uint64]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[uint64][][]byte), disconnected: make(map[uint64]bool)}
}

func (f *fakeTransport) Send(connectionId uint64, channel Channel, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	f.sent[connectionId] = append(f.sent[connectionId], frame)
	f.order = append(f.order, connectionId)
	return nil
}

func (f *fakeTransport) sendOrder() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.order...)
}

func (f *fakeTransport) Disconnect(connectionId uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected[connectionId] = true
}

func (f *fakeTransport) framesFor(connectionId uint64) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[connectionId]...)
}

func (f *fakeTransport) lastFrame(t *testing.T, connectionId uint64) []byte {
	t.Helper()
	frames := f.framesFor(connectionId)
	require.NotEmpty(t, frames, "expected at least one frame sent to connection %d", connectionId)
	return frames[len(frames)-1]
}

func newTestCore() (*RelayCore, *fakeTransport) {
	core := NewRelayCore(nil, zerolog.Nop())
	transport := newFakeTransport()
	core.SetTransport(transport)
	return core, transport
}

// authAsHost drives a fresh connection through AllocateSession + AuthSession
// and returns the sessionId assigned to it.
func authAsHost(t *testing.T, core *RelayCore, hostConn uint64, name string, maxMembers uint32) uint64 {
	t.Helper()
	core.OnConnected(hostConn)
	token := core.AllocateSession(SessionInfo{Name: name, MaxMembers: maxMembers})
	frame := append([]byte{byte(ClientMsgAuthSession)}, token[:]...)
	core.OnData(hostConn, ChannelReliable, frame)

	session, ok := core.registry.SessionByHost(hostConn)
	require.True(t, ok, "host connection should have a session after AuthSession")
	return session.SessionId()
}

func joinAsClient(t *testing.T, core *RelayCore, sessionId, clientConn uint64) {
	t.Helper()
	core.OnConnected(clientConn)
	token, ok, err := core.RequestJoin(sessionId)
	require.True(t, ok)
	require.NoError(t, err)
	frame := append([]byte{byte(ClientMsgJoinSession)}, token[:]...)
	core.OnData(clientConn, ChannelReliable, frame)
}

func TestRelayCoreAuthSessionGrantsHostAtLocalIdOne(t *testing.T) {
	core, transport := newTestCore()

	authAsHost(t, core, 1, "room", 4)

	state, ok := core.getState(1)
	require.True(t, ok)
	require.Equal(t, stateHost, state.kind)

	frame := transport.lastFrame(t, 1)
	require.Equal(t, byte(ServerMsgSuccess), frame[0])
}

func TestRelayCoreAuthSessionRejectsUnknownToken(t *testing.T) {
	core, transport := newTestCore()
	core.OnConnected(1)

	var bogus [16]byte
	frame := append([]byte{byte(ClientMsgAuthSession)}, bogus[:]...)
	core.OnData(1, ChannelReliable, frame)

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ServerMsgServerSideDisconnection), last[0])
	require.Equal(t, byte(ReasonInvalidAuthToken), last[1])
	require.True(t, transport.disconnected[1])
}

func TestRelayCoreAuthSessionRejectsWhenNotPending(t *testing.T) {
	core, transport := newTestCore()
	authAsHost(t, core, 1, "room", 4)

	token := core.AllocateSession(SessionInfo{Name: "another", MaxMembers: 2})
	frame := append([]byte{byte(ClientMsgAuthSession)}, token[:]...)
	core.OnData(1, ChannelReliable, frame)

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ReasonUnAuthorizedAction), last[1])
}

func TestRelayCoreJoinSessionOrdersHostNotificationBeforeClientSuccess(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)

	joinAsClient(t, core, sessionId, 2)

	hostFrames := transport.framesFor(1)
	require.Len(t, hostFrames, 2, "expected the join Success and the ClientConnected notification")
	require.Equal(t, byte(ServerMsgClientConnected), hostFrames[1][0])

	clientFrames := transport.framesFor(2)
	require.Len(t, clientFrames, 1)
	require.Equal(t, byte(ServerMsgSuccess), clientFrames[0][0])

	order := transport.sendOrder()
	require.Equal(t, []uint64{1, 2}, order[len(order)-2:], "ClientConnected to the host must be sent before Success to the client")
}

func TestRelayCoreJoinSessionRejectsWhenFull(t *testing.T) {
	core, _ := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 2)
	joinAsClient(t, core, sessionId, 2)

	_, ok, err := core.RequestJoin(sessionId)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrSessionFull)
}

func TestRelayCoreJoinSessionRejectsUnknownSession(t *testing.T) {
	core, _ := newTestCore()
	_, ok, err := core.RequestJoin(999)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidSessionId)
}

func TestRelayCorePayloadFromClientRoutesToHostWithSenderLocalId(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	body := encodeTestPayload(t, hostLocalId, 0, TransferReliable, []byte("hello"))
	core.OnData(2, ChannelReliable, append([]byte{byte(ClientMsgPayload)}, body...))

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ServerMsgPayloadRelay), last[0])
	relayed, err := DecodePayload(last[1:])
	require.NoError(t, err)
	require.Equal(t, uint32(2), relayed.RecipientLocalId, "host should see the client's own localId as sender")
	require.Equal(t, []byte("hello"), relayed.Data)
}

func TestRelayCorePayloadFromHostRoutesToNamedClient(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	body := encodeTestPayload(t, 2, 0, TransferReliable, []byte("hi client"))
	core.OnData(1, ChannelReliable, append([]byte{byte(ClientMsgPayload)}, body...))

	last := transport.lastFrame(t, 2)
	require.Equal(t, byte(ServerMsgPayloadRelay), last[0])
	relayed, err := DecodePayload(last[1:])
	require.NoError(t, err)
	require.Equal(t, hostLocalId, relayed.RecipientLocalId, "the client should see the host as sender")
	require.Equal(t, []byte("hi client"), relayed.Data)
}

func TestRelayCorePayloadFromHostToAbsentClientIsSilentlyDropped(t *testing.T) {
	core, transport := newTestCore()
	authAsHost(t, core, 1, "room", 4)

	body := encodeTestPayload(t, 9, 0, TransferReliable, []byte("nobody home"))
	before := len(transport.framesFor(1))
	core.OnData(1, ChannelReliable, append([]byte{byte(ClientMsgPayload)}, body...))

	require.Len(t, transport.framesFor(1), before, "no frame should be sent back to the host and the host must not be disconnected")
	require.False(t, transport.disconnected[1])
}

func TestRelayCoreUnreliableChannelClosesConnection(t *testing.T) {
	core, transport := newTestCore()
	authAsHost(t, core, 1, "room", 4)

	core.OnData(1, ChannelUnreliable, []byte{byte(ClientMsgPayload)})

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ReasonUnreliableCommunicationNotAllowed), last[1])
}

func TestRelayCoreDisconnectClientByHostClosesTarget(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	body := make([]byte, 4)
	body[0] = 2 // target connectionId 2, little-endian
	core.OnData(1, ChannelReliable, append([]byte{byte(ClientMsgDisconnectClient)}, body...))

	last := transport.lastFrame(t, 2)
	require.Equal(t, byte(ServerMsgServerSideDisconnection), last[0])
	require.Equal(t, byte(ReasonHostTriggeredDisconnection), last[1])
	require.True(t, transport.disconnected[2])

	_, ok := core.getState(2)
	require.False(t, ok)
}

func TestRelayCoreHostDisconnectTearsDownSessionAndClients(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	core.OnDisconnected(1)

	last := transport.lastFrame(t, 2)
	require.Equal(t, byte(ReasonHostShutdown), last[1])
	require.True(t, transport.disconnected[2])

	_, ok := core.registry.SessionById(sessionId)
	require.False(t, ok)
	_, ok = core.getState(2)
	require.False(t, ok)
}

func TestRelayCoreClientDisconnectNotifiesHost(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	core.OnDisconnected(2)

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ServerMsgClientDisconnected), last[0])

	session, ok := core.registry.SessionById(sessionId)
	require.True(t, ok, "the host's session must survive a client disconnect")
	_, ok = session.LocalIdOf(2)
	require.False(t, ok)
}

func TestRelayCoreDisconnectIsIdempotent(t *testing.T) {
	core, _ := newTestCore()
	authAsHost(t, core, 1, "room", 4)

	core.OnDisconnected(1)
	require.NotPanics(t, func() { core.OnDisconnected(1) })
}

func TestRelayCorePendingConnectionTimesOut(t *testing.T) {
	core, transport := newTestCore()
	core.OnConnected(1)

	for i := 0; i < pendingLifetimeSeconds+1; i++ {
		core.pendingConns.tick()
	}

	last := transport.lastFrame(t, 1)
	require.Equal(t, byte(ReasonTimeOut), last[1])
	require.True(t, transport.disconnected[1])
}

func TestRelayCoreShutdownClosesEveryLiveConnection(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	core.Shutdown()

	for _, conn := range []uint64{1, 2} {
		last := transport.lastFrame(t, conn)
		require.Equal(t, byte(ReasonServerShutdown), last[1])
		require.True(t, transport.disconnected[conn])
	}
}

func TestRelayCoreModifySessionUpdatesSessionInfo(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)

	token := core.RequestModify(SessionInfo{Name: "renamed", MaxMembers: 2})
	frame := append([]byte{byte(ClientMsgModifySession)}, token[:]...)
	core.OnData(1, ChannelReliable, frame)

	last := transport.lastFrame(t, 1)
	require.Equal(t, []byte{byte(ServerMsgSuccess)}, last)

	session, ok := core.registry.SessionById(sessionId)
	require.True(t, ok)
	preview := session.ToPreview()
	require.Equal(t, "renamed", preview.Name)
	require.Equal(t, uint32(2), preview.MaxMembers)
}

func TestRelayCoreModifySessionRejectsFromNonHost(t *testing.T) {
	core, transport := newTestCore()
	sessionId := authAsHost(t, core, 1, "room", 4)
	joinAsClient(t, core, sessionId, 2)

	token := core.RequestModify(SessionInfo{Name: "x", MaxMembers: 1})
	frame := append([]byte{byte(ClientMsgModifySession)}, token[:]...)
	core.OnData(2, ChannelReliable, frame)

	last := transport.lastFrame(t, 2)
	require.Equal(t, byte(ReasonUnAuthorizedAction), last[1])
}

// encodeTestPayload builds a raw Payload body (without the leading kind
// byte) for use directly with OnData in these tests.
func encodeTestPayload(t *testing.T, recipientLocalId, channel uint32, mode TransferMode, data []byte) []byte {
	t.Helper()
	relay := EncodePayloadRelay(recipientLocalId, channel, mode, data)
	// EncodePayloadRelay already writes the ServerMsgPayloadRelay kind byte
	// at index 0; strip it since callers prepend ClientMsgPayload instead.
	return relay[1:]
}
