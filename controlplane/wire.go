package controlplane

import (
	"encoding/binary"
	"errors"

	"github.com/gosuda/kcprelay/relay"
)

// ErrMalformedBody is returned by every decoder below on a short or
// otherwise invalid request body; handlers turn it into HTTP 400 per
// spec §4.5/§6 ("Network/decoding failure is HTTP 400").
var ErrMalformedBody = errors.New("controlplane: malformed request body")

// DecodeSessionInfo parses the fixed layout: uint16 nameLen, name bytes,
// uint32 maxMembers.
func DecodeSessionInfo(body []byte) (relay.SessionInfo, error) {
	if len(body) < 2 {
		return relay.SessionInfo{}, ErrMalformedBody
	}
	nameLen := int(binary.LittleEndian.Uint16(body[0:2]))
	if len(body) < 2+nameLen+4 {
		return relay.SessionInfo{}, ErrMalformedBody
	}
	name := string(body[2 : 2+nameLen])
	maxMembers := binary.LittleEndian.Uint32(body[2+nameLen : 2+nameLen+4])
	return relay.SessionInfo{Name: name, MaxMembers: maxMembers}, nil
}

// EncodeSessionInfo is the inverse of DecodeSessionInfo, used by tests and
// by any future admin tooling that needs to build a request body.
func EncodeSessionInfo(info relay.SessionInfo) []byte {
	out := make([]byte, 2+len(info.Name)+4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(info.Name)))
	copy(out[2:2+len(info.Name)], info.Name)
	binary.LittleEndian.PutUint32(out[2+len(info.Name):], info.MaxMembers)
	return out
}

// DecodeSessionId parses a bare uint64, the /session/join request body.
func DecodeSessionId(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, ErrMalformedBody
	}
	return binary.LittleEndian.Uint64(body), nil
}

// EncodeSessionId is the inverse of DecodeSessionId.
func EncodeSessionId(id uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, id)
	return out
}

// EncodeTokenSuccess builds a Token{hasValue=true, value=token} body.
func EncodeTokenSuccess(token [16]byte) []byte {
	out := make([]byte, 1+16)
	out[0] = 1
	copy(out[1:], token[:])
	return out
}

// EncodeTokenError builds a Token{hasValue=false, errorMsg=msg} body; HTTP
// status remains 200 per spec §4.5 — this is a logical failure, not a
// transport error.
func EncodeTokenError(msg string) []byte {
	out := make([]byte, 1+2+len(msg))
	out[0] = 0
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(msg)))
	copy(out[3:], msg)
	return out
}

// EncodeSessionPreviewArray builds the /session/list response: uint32
// count followed by, per entry, uint64 sessionId, uint16 nameLen, name
// bytes, uint32 maxMembers, uint32 currentMembers.
func EncodeSessionPreviewArray(previews []relay.SessionPreview) []byte {
	size := 4
	for _, p := range previews {
		size += 8 + 2 + len(p.Name) + 4 + 4
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(previews)))
	off := 4
	for _, p := range previews {
		binary.LittleEndian.PutUint64(out[off:off+8], p.SessionId)
		off += 8
		binary.LittleEndian.PutUint16(out[off:off+2], uint16(len(p.Name)))
		off += 2
		copy(out[off:off+len(p.Name)], p.Name)
		off += len(p.Name)
		binary.LittleEndian.PutUint32(out[off:off+4], p.MaxMembers)
		off += 4
		binary.LittleEndian.PutUint32(out[off:off+4], p.CurrentMembers)
		off += 4
	}
	return out
}
