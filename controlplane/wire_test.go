package controlplane

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/kcprelay/relay"
)

func TestSessionInfoRoundTrip(t *testing.T) {
	info := relay.SessionInfo{Name: "dungeon", MaxMembers: 8}

	decoded, err := DecodeSessionInfo(EncodeSessionInfo(info))
	require.NoError(t, err)
	require.Equal(t, info, decoded)
}

func TestDecodeSessionInfoRejectsShortBody(t *testing.T) {
	_, err := DecodeSessionInfo([]byte{0x01})
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestDecodeSessionInfoRejectsTruncatedName(t *testing.T) {
	// nameLen claims 10 bytes but the body only carries 2.
	body := []byte{10, 0, 'h', 'i'}
	_, err := DecodeSessionInfo(body)
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestSessionIdRoundTrip(t *testing.T) {
	decoded, err := DecodeSessionId(EncodeSessionId(123456789))
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), decoded)
}

func TestDecodeSessionIdRejectsWrongLength(t *testing.T) {
	_, err := DecodeSessionId([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedBody)
}

func TestEncodeTokenSuccessSetsHasValueFlag(t *testing.T) {
	var token [16]byte
	token[0] = 0xAB

	out := EncodeTokenSuccess(token)
	require.Equal(t, byte(1), out[0])
	require.Equal(t, token[:], out[1:])
}

func TestEncodeTokenErrorCarriesMessage(t *testing.T) {
	out := EncodeTokenError("session full")
	require.Equal(t, byte(0), out[0])
	require.Equal(t, "session full", string(out[3:]))
}

func TestEncodeSessionPreviewArray(t *testing.T) {
	previews := []relay.SessionPreview{
		{SessionId: 1, Name: "a", MaxMembers: 4, CurrentMembers: 1},
		{SessionId: 2, Name: "bb", MaxMembers: 8, CurrentMembers: 3},
	}

	out := EncodeSessionPreviewArray(previews)
	require.Equal(t, []byte{2, 0, 0, 0}, out[0:4])
}

func TestEncodeSessionPreviewArrayEmpty(t *testing.T) {
	out := EncodeSessionPreviewArray(nil)
	require.Equal(t, []byte{0, 0, 0, 0}, out)
}
