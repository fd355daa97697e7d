package colo

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// MigrationState is the four-value status the spec observes as
// external but which the COLO core is the sole writer of, via
// compare-and-set (spec.md §3 I5, §7).
type MigrationState int32

const (
	MigrationActive MigrationState = iota
	MigrationColo
	MigrationCompleted
	MigrationFailed
)

func (s MigrationState) String() string {
	switch s {
	case MigrationActive:
		return "ACTIVE"
	case MigrationColo:
		return "COLO"
	case MigrationCompleted:
		return "COMPLETED"
	case MigrationFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned by CompareAndSet when the current
// state does not match the caller's expected "from" value.
var ErrInvalidTransition = errors.New("colo: invalid migration state transition")

// MigrationStatus atomically holds a MigrationState. Every mutation in
// this core goes through CompareAndSet, never a blind Set, per spec.md
// §3 I5: "Migration status COLO is entered only after a successful
// READY handshake, and left only via the status compare-and-set."
type MigrationStatus struct {
	v int32
}

// NewMigrationStatus creates a status initialized to ACTIVE, the state
// the spec's diagram starts from.
func NewMigrationStatus() *MigrationStatus {
	return &MigrationStatus{v: int32(MigrationActive)}
}

// Get returns the current state.
func (m *MigrationStatus) Get() MigrationState {
	return MigrationState(atomic.LoadInt32(&m.v))
}

// CompareAndSet transitions from -> to iff the current state equals
// from; it returns ErrInvalidTransition otherwise.
func (m *MigrationStatus) CompareAndSet(from, to MigrationState) error {
	if !atomic.CompareAndSwapInt32(&m.v, int32(from), int32(to)) {
		return errors.Wrapf(ErrInvalidTransition, "want from=%s to=%s, have %s", from, to, m.Get())
	}
	return nil
}

// Is reports whether the current state equals s.
func (m *MigrationStatus) Is(s MigrationState) bool {
	return m.Get() == s
}
