package colo

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// checkpointBufferBaseSize mirrors COLO_BUFFER_BASE_SIZE: ~4 MiB, enough
// to usually hold one round's full device-state payload without
// reallocating mid-transfer.
const checkpointBufferBaseSize = 4 * 1024 * 1024

// CheckpointBuffer holds the full serialized VM device state for one
// checkpoint round (spec.md §3). It is owned by the loop, reset at the
// start of every transaction, and freed at loop termination. It tracks
// a running xxhash digest of its own content so the ledger can record,
// per round, a cheap integrity fingerprint of what moved across the
// wire (spec.md does not require this; it supplements the original,
// which has no buffer-level checksum at all).
type CheckpointBuffer struct {
	buf *bytes.Buffer
}

// NewCheckpointBuffer allocates a buffer pre-sized to the base capacity.
func NewCheckpointBuffer() *CheckpointBuffer {
	b := &CheckpointBuffer{buf: bytes.NewBuffer(make([]byte, 0, checkpointBufferBaseSize))}
	return b
}

// Reset truncates the buffer to length 0 without releasing its backing
// array, matching qsb_set_length(colo_buffer, 0).
func (b *CheckpointBuffer) Reset() { b.buf.Reset() }

// Write implements io.Writer so the buffer can be used directly as the
// serializer's output sink or as io.CopyN's destination.
func (b *CheckpointBuffer) Write(p []byte) (int, error) { return b.buf.Write(p) }

// Bytes returns the current contents; valid until the next Reset/Write.
func (b *CheckpointBuffer) Bytes() []byte { return b.buf.Bytes() }

// Len returns the number of bytes currently held.
func (b *CheckpointBuffer) Len() int { return b.buf.Len() }

// Digest returns the xxhash64 of the buffer's current contents.
func (b *CheckpointBuffer) Digest() uint64 { return xxhash.Sum64(b.buf.Bytes()) }

// NewReader returns an io.Reader over the buffer's current contents,
// the Go analogue of qemu_bufopen("r", colo_buffer).
func (b *CheckpointBuffer) NewReader() *bytes.Reader {
	return bytes.NewReader(b.buf.Bytes())
}
