package relay

import "errors"

// DisconnectReason is the byte sent to a peer's reliable channel inside a
// ServerSideDisconnection message right before the server closes the
// connection that triggered it.
type DisconnectReason byte

// Protocol violations.
const (
	ReasonUnreliableCommunicationNotAllowed DisconnectReason = 0x01
	ReasonInvalidPayloadLength              DisconnectReason = 0x02
	ReasonUnrecognizableMessageHeader       DisconnectReason = 0x03
	ReasonInvalidTokenPayloadLength         DisconnectReason = 0x04
	ReasonInvalidGodotPayloadLength         DisconnectReason = 0x05
	ReasonInvalidDisconnectClientPayloadLen DisconnectReason = 0x06
)

// Authorization.
const (
	ReasonInvalidAuthToken   DisconnectReason = 0x10
	ReasonUnAuthorizedAction DisconnectReason = 0x11
	ReasonTimeOut            DisconnectReason = 0x12
)

// Capacity / lookup.
const (
	ReasonInvalidSessionId DisconnectReason = 0x20
	ReasonSessionFull      DisconnectReason = 0x21
)

// Administrative.
const (
	ReasonHostShutdown               DisconnectReason = 0x30
	ReasonHostTriggeredDisconnection DisconnectReason = 0x31
	ReasonServerShutdown             DisconnectReason = 0x32
)

// Internal.
const (
	ReasonServerSideError DisconnectReason = 0xFF
)

// Error taxonomy used internally to select a DisconnectReason; also useful
// for tests and for logging without re-deriving the reason byte.
var (
	ErrUnreliableCommunicationNotAllowed = errors.New("relay: application messages are not allowed on the unreliable channel")
	ErrInvalidPayloadLength              = errors.New("relay: message body too short for its kind")
	ErrUnrecognizableMessageHeader       = errors.New("relay: unknown message kind tag")
	ErrInvalidTokenPayloadLength         = errors.New("relay: token body must be exactly 16 bytes")
	ErrInvalidDisconnectClientPayloadLen = errors.New("relay: DisconnectClient body must be exactly 4 bytes")

	ErrInvalidAuthToken   = errors.New("relay: token unknown or already consumed")
	ErrUnAuthorizedAction = errors.New("relay: message kind not permitted in the connection's current state")
	ErrTimeOut            = errors.New("relay: pending lifetime expired before authorization")

	ErrInvalidSessionId = errors.New("relay: session id does not exist")
	ErrSessionFull      = errors.New("relay: session has reached maxMembers")

	ErrServerSideError = errors.New("relay: internal registry invariant violated")
)
