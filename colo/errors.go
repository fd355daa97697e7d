package colo

import "github.com/cockroachdb/errors"

// Error kinds from spec.md §7. Each is a sentinel that call sites wrap
// with errors.Wrap/Wrapf so a caller can both errors.Is() against the
// kind and read a human-readable chain with errors.Cause.
var (
	ErrChannelIO        = errors.New("colo: channel io error")
	ErrProtocolViolation = errors.New("colo: protocol violation")
	ErrSerializer       = errors.New("colo: vm state serializer error")
	ErrLoader           = errors.New("colo: vm state loader error")
	ErrProxyInit        = errors.New("colo: network proxy init error")
	ErrProxyCompare     = errors.New("colo: network proxy compare error")
	ErrProxyCheckpoint  = errors.New("colo: network proxy checkpoint error")
	ErrAllocation       = errors.New("colo: buffer allocation error")

	// ErrFailoverRequested is returned by a transaction step that
	// observed the failover latch set; it is not itself a "kind" but a
	// cooperative-cancellation signal the loop treats the same as any
	// other transaction failure.
	ErrFailoverRequested = errors.New("colo: failover requested")
)

// ProtocolError carries the expected and received token values for an
// Expect() mismatch, replacing the original C implementation's exit(1)
// per the Design Note in spec.md §9: surface a fatal error so the
// caller's cleanup runs, rather than terminating the process outright.
type ProtocolError struct {
	Expected SyncToken
	Received SyncToken
}

func (e *ProtocolError) Error() string {
	return errors.Wrapf(ErrProtocolViolation, "expected %s, received %s", e.Expected, e.Received).Error()
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }

func newProtocolError(expected, received SyncToken) error {
	return &ProtocolError{Expected: expected, Received: received}
}
