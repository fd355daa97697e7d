package colo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/NealSCarffery/qemu-colo/log"
	"github.com/cockroachdb/errors"
)

// SyncToken is the 64-bit big-endian opcode exchanged on the control
// stream. Values are assigned contiguously; both sides must agree on
// this table (spec.md §3, §6).
type SyncToken uint64

const (
	// Ready is sent Secondary -> Primary exactly once per session,
	// after the Secondary has finished loading incoming migration
	// state and is ready to begin checkpointing. The remaining tokens
	// are assigned contiguously following Ready's slot, matching the
	// shared enumeration both sides must agree on.
	Ready                SyncToken = 0x46
	CheckpointNew        SyncToken = 0x47
	CheckpointSuspended  SyncToken = 0x48
	CheckpointSend       SyncToken = 0x49
	CheckpointReceived   SyncToken = 0x4a
	CheckpointLoaded     SyncToken = 0x4b
	GuestShutdown        SyncToken = 0x4c
)

func (t SyncToken) String() string {
	switch t {
	case Ready:
		return "READY"
	case CheckpointNew:
		return "CHECKPOINT_NEW"
	case CheckpointSuspended:
		return "CHECKPOINT_SUSPENDED"
	case CheckpointSend:
		return "CHECKPOINT_SEND"
	case CheckpointReceived:
		return "CHECKPOINT_RECEIVED"
	case CheckpointLoaded:
		return "CHECKPOINT_LOADED"
	case GuestShutdown:
		return "GUEST_SHUTDOWN"
	default:
		return "UNKNOWN_TOKEN"
	}
}

// Put writes an 8-byte big-endian token and flushes it to the wire
// before returning, so no token can be retained in a buffer across a
// phase boundary (spec.md §3).
func Put(w *bufio.Writer, tok SyncToken) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(tok))
	if _, err := w.Write(buf[:]); err != nil {
		return errors.Wrap(errWrap(ErrChannelIO, err), "put token")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(errWrap(ErrChannelIO, err), "flush token")
	}
	return nil
}

// GetValue reads one 8-byte big-endian token, with no interpretation.
func GetValue(r *bufio.Reader) (SyncToken, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(errWrap(ErrChannelIO, err), "read token")
	}
	return SyncToken(binary.BigEndian.Uint64(buf[:])), nil
}

// Expect reads one token and requires it to equal want; any mismatch is
// an unrecoverable protocol violation that aborts the transaction
// (spec.md §4.A).
func Expect(r *bufio.Reader, want SyncToken) error {
	got, err := GetValue(r)
	if err != nil {
		return err
	}
	if got != want {
		log.Error("unexpected sync token",
			log.String("expected", want.String()),
			log.String("received", got.String()))
		return newProtocolError(want, got)
	}
	return nil
}

// PutPayload writes the one raw VM-state payload a checkpoint round
// transfers, as an 8-byte length token followed by that many raw bytes
// (spec.md §4.A).
func PutPayload(w *bufio.Writer, payload []byte) error {
	if err := Put(w, SyncToken(len(payload))); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(errWrap(ErrChannelIO, err), "put payload bytes")
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(errWrap(ErrChannelIO, err), "flush payload")
	}
	return nil
}

// GetPayload reads the 8-byte length prefix and then exactly that many
// bytes into buf, growing it as needed. A short read is fatal.
func GetPayload(r *bufio.Reader, buf *CheckpointBuffer) error {
	size, err := GetValue(r)
	if err != nil {
		return err
	}
	buf.Reset()
	n, err := io.CopyN(buf, r, int64(size))
	if err != nil {
		return errors.Wrapf(errWrap(ErrChannelIO, err), "read payload: got %d of %d bytes", n, size)
	}
	if uint64(n) != uint64(size) {
		return errors.Wrapf(ErrProtocolViolation, "payload size mismatch: expected %d, got %d", size, n)
	}
	return nil
}

// errWrap attaches kind to err so callers can errors.Is(result, kind)
// while still seeing err's own message in the chain. kind is both a
// cockroachdb mark and a %w operand, so the check holds with either
// cockroachdb/errors.Is or the standard library's errors.Is.
func errWrap(kind error, err error) error {
	return errors.Mark(errors.WithStack(fmt.Errorf("%w: %w", kind, err)), kind)
}
