package colo

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestPutGetValueRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, Put(w, CheckpointNew))

	r := bufio.NewReader(&buf)
	got, err := GetValue(r)
	require.NoError(t, err)
	require.Equal(t, CheckpointNew, got)
}

func TestExpectMismatchIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, Put(w, CheckpointSuspended))

	r := bufio.NewReader(&buf)
	err := Expect(r, CheckpointNew)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocolViolation))

	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	require.Equal(t, CheckpointNew, protoErr.Expected)
	require.Equal(t, CheckpointSuspended, protoErr.Received)
}

func TestExpectMatch(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, Put(w, Ready))

	r := bufio.NewReader(&buf)
	require.NoError(t, Expect(r, Ready))
}

func TestPutPayloadGetPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	payload := []byte("device-state-blob")
	require.NoError(t, PutPayload(w, payload))

	r := bufio.NewReader(&buf)
	dst := NewCheckpointBuffer()
	require.NoError(t, GetPayload(r, dst))
	require.Equal(t, payload, dst.Bytes())
}

func TestGetPayloadShortReadIsChannelError(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	// Announce a longer payload than what actually follows.
	require.NoError(t, Put(w, SyncToken(100)))
	_, err := buf.Write([]byte("short"))
	require.NoError(t, err)

	r := bufio.NewReader(&buf)
	dst := NewCheckpointBuffer()
	err = GetPayload(r, dst)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrChannelIO))
}

func TestTokenValuesAreContiguous(t *testing.T) {
	tokens := []SyncToken{
		Ready, CheckpointNew, CheckpointSuspended, CheckpointSend,
		CheckpointReceived, CheckpointLoaded, GuestShutdown,
	}
	for i := 1; i < len(tokens); i++ {
		require.Equal(t, tokens[i-1]+1, tokens[i])
	}
}

func TestTokenStringUnknown(t *testing.T) {
	require.Equal(t, "UNKNOWN_TOKEN", SyncToken(0xff).String())
}
