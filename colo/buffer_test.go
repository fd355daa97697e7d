package colo

import (
	"io"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestCheckpointBufferWriteResetLen(t *testing.T) {
	b := NewCheckpointBuffer()
	n, err := b.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, b.Len())

	b.Reset()
	require.Equal(t, 0, b.Len())
}

func TestCheckpointBufferDigestMatchesXXHash(t *testing.T) {
	b := NewCheckpointBuffer()
	_, err := b.Write([]byte("checkpoint-payload"))
	require.NoError(t, err)

	require.Equal(t, xxhash.Sum64([]byte("checkpoint-payload")), b.Digest())
}

func TestCheckpointBufferNewReaderReadsCurrentContents(t *testing.T) {
	b := NewCheckpointBuffer()
	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)

	r := b.NewReader()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}
