package relay

import "encoding/binary"

// ClientMsgKind tags the first byte of every client -> server frame.
type ClientMsgKind byte

const (
	ClientMsgAuthSession      ClientMsgKind = 0
	ClientMsgJoinSession      ClientMsgKind = 1
	ClientMsgModifySession    ClientMsgKind = 2
	ClientMsgPayload          ClientMsgKind = 3
	ClientMsgDisconnectClient ClientMsgKind = 4
)

// ServerMsgKind tags the first byte of every server -> client frame.
type ServerMsgKind byte

const (
	ServerMsgServerSideDisconnection ServerMsgKind = 0
	ServerMsgClientDisconnected      ServerMsgKind = 1
	ServerMsgClientConnected         ServerMsgKind = 2
	ServerMsgPayloadRelay            ServerMsgKind = 3
	ServerMsgSuccess                 ServerMsgKind = 4
)

// TransferMode is an opaque, passed-through hint carried inside a Payload
// body. The server always forwards the frame over its own reliable
// channel regardless of the value the sender asked for.
type TransferMode byte

const (
	TransferReliable   TransferMode = 0
	TransferUnreliable TransferMode = 1
)

const (
	tokenSize              = 16
	payloadHeaderSize      = 9 // recipientLocalId(4) + transferChannel(4) + transferMode(1)
	disconnectClientSize   = 4
	clientConnectedSize    = 8
	clientDisconnectedSize = 4
)

// SplitFrame returns the kind tag and remaining body of a raw client frame.
// An empty frame is reported as ErrUnrecognizableMessageHeader since there
// is no tag byte to read.
func SplitFrame(frame []byte) (ClientMsgKind, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrUnrecognizableMessageHeader
	}
	kind := ClientMsgKind(frame[0])
	switch kind {
	case ClientMsgAuthSession, ClientMsgJoinSession, ClientMsgModifySession,
		ClientMsgPayload, ClientMsgDisconnectClient:
		return kind, frame[1:], nil
	default:
		return 0, nil, ErrUnrecognizableMessageHeader
	}
}

// DecodeToken validates and extracts a 16-byte token body (used by
// AuthSession, JoinSession and ModifySession).
func DecodeToken(body []byte) ([tokenSize]byte, error) {
	var tok [tokenSize]byte
	if len(body) != tokenSize {
		return tok, ErrInvalidTokenPayloadLength
	}
	copy(tok[:], body)
	return tok, nil
}

// DecodeDisconnectClient extracts the opaque connection handle argument of
// a DisconnectClient message.
func DecodeDisconnectClient(body []byte) (uint32, error) {
	if len(body) != disconnectClientSize {
		return 0, ErrInvalidDisconnectClientPayloadLen
	}
	return binary.LittleEndian.Uint32(body), nil
}

// PayloadBody is a decoded Payload/PayloadRelay body.
type PayloadBody struct {
	RecipientLocalId uint32
	Channel          uint32
	Mode             TransferMode
	Data             []byte
}

// DecodePayload parses a Payload body. The minimum legal body is 10 bytes:
// a 9-byte header plus at least one byte of opaque application data.
func DecodePayload(body []byte) (PayloadBody, error) {
	if len(body) <= payloadHeaderSize {
		return PayloadBody{}, ErrInvalidPayloadLength
	}
	return PayloadBody{
		RecipientLocalId: binary.LittleEndian.Uint32(body[0:4]),
		Channel:          binary.LittleEndian.Uint32(body[4:8]),
		Mode:             TransferMode(body[8]),
		Data:             body[9:],
	}, nil
}

// EncodePayloadRelay re-serializes a payload body with the first four bytes
// (recipientLocalId on the wire in, rewritten sender/host marker out)
// replaced by rewriteTo. The remaining bytes are passed through unchanged.
func EncodePayloadRelay(rewriteTo uint32, channel uint32, mode TransferMode, data []byte) []byte {
	out := make([]byte, 1+payloadHeaderSize+len(data))
	out[0] = byte(ServerMsgPayloadRelay)
	binary.LittleEndian.PutUint32(out[1:5], rewriteTo)
	binary.LittleEndian.PutUint32(out[5:9], channel)
	out[9] = byte(mode)
	copy(out[10:], data)
	return out
}

// EncodeServerSideDisconnection builds a ServerSideDisconnection(reason) frame.
func EncodeServerSideDisconnection(reason DisconnectReason) []byte {
	return []byte{byte(ServerMsgServerSideDisconnection), byte(reason)}
}

// EncodeClientDisconnected builds a ClientDisconnected(connectionId) frame.
func EncodeClientDisconnected(connectionId uint32) []byte {
	out := make([]byte, 1+clientDisconnectedSize)
	out[0] = byte(ServerMsgClientDisconnected)
	binary.LittleEndian.PutUint32(out[1:], connectionId)
	return out
}

// EncodeClientConnected builds a ClientConnected(connectionId, localId) frame.
func EncodeClientConnected(connectionId, localId uint32) []byte {
	out := make([]byte, 1+clientConnectedSize)
	out[0] = byte(ServerMsgClientConnected)
	binary.LittleEndian.PutUint32(out[1:5], connectionId)
	binary.LittleEndian.PutUint32(out[5:9], localId)
	return out
}

// EncodeSuccessWithLocalId builds a Success(localId) frame, sent in
// response to AuthSession/JoinSession.
func EncodeSuccessWithLocalId(localId uint32) []byte {
	out := make([]byte, 1+4)
	out[0] = byte(ServerMsgSuccess)
	binary.LittleEndian.PutUint32(out[1:], localId)
	return out
}

// EncodeSuccessEmpty builds a bodiless Success frame, sent in response to
// ModifySession.
func EncodeSuccessEmpty() []byte {
	return []byte{byte(ServerMsgSuccess)}
}
