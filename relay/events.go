package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// EventListener is notified of session lifecycle transitions as RelayCore
// applies them. It exists purely for observability (the admin event
// stream of SPEC_FULL.md); RelayCore never consults a listener's return
// value and a nil listener is always safe to use.
type EventListener interface {
	SessionCreated(sessionId, hostConnectionId uint64, name string, maxMembers uint32)
	SessionDestroyed(sessionId uint64, reason DisconnectReason)
	MemberJoined(sessionId uint64, localId uint32)
	MemberLeft(sessionId uint64, localId uint32)
}

// SessionEvent is the JSON shape broadcast to connected admin dashboards.
type SessionEvent struct {
	TS        time.Time `json:"ts"`
	Kind      string    `json:"kind"` // "session_created" | "session_destroyed" | "member_joined" | "member_left"
	SessionId uint64    `json:"session_id"`
	Name      string    `json:"name,omitempty"`
	LocalId   uint32    `json:"local_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// EventHub fans SessionEvents out to every connected admin websocket
// client. It implements EventListener directly so RelayCore can hold it
// without an adapter layer.
type EventHub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[*websocket.Conn]struct{})}
}

// Register adds conn to the broadcast set; callers remove it with
// Unregister once the connection's read loop returns.
func (h *EventHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes conn from the broadcast set.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// CloseAll force-closes every registered connection, used during server
// shutdown.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (h *EventHub) broadcast(ev SessionEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = wsjson.Write(ctx, c, ev)
		cancel()
	}
}

func (h *EventHub) SessionCreated(sessionId, hostConnectionId uint64, name string, maxMembers uint32) {
	h.broadcast(SessionEvent{TS: time.Now().UTC(), Kind: "session_created", SessionId: sessionId, Name: name})
}

func (h *EventHub) SessionDestroyed(sessionId uint64, reason DisconnectReason) {
	h.broadcast(SessionEvent{TS: time.Now().UTC(), Kind: "session_destroyed", SessionId: sessionId})
}

func (h *EventHub) MemberJoined(sessionId uint64, localId uint32) {
	h.broadcast(SessionEvent{TS: time.Now().UTC(), Kind: "member_joined", SessionId: sessionId, LocalId: localId})
}

func (h *EventHub) MemberLeft(sessionId uint64, localId uint32) {
	h.broadcast(SessionEvent{TS: time.Now().UTC(), Kind: "member_left", SessionId: sessionId, LocalId: localId})
}

// noopEventListener is used when the server is run with the admin event
// stream disabled.
type noopEventListener struct{}

func (noopEventListener) SessionCreated(uint64, uint64, string, uint32) {}
func (noopEventListener) SessionDestroyed(uint64, DisconnectReason)     {}
func (noopEventListener) MemberJoined(uint64, uint32)                   {}
func (noopEventListener) MemberLeft(uint64, uint32)                     {}

// NoopEventListener is a shared no-op EventListener.
var NoopEventListener EventListener = noopEventListener{}
