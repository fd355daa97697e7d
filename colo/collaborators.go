package colo

import (
	"context"
	"io"
)

// This file declares the external collaborator interfaces named in
// spec.md §6. The COLO core consumes them; it does not specify their
// internals — real implementations (VM-state serialization engine,
// dirty-page cache, network comparison proxy, management layer) live
// outside this module.

// StateSerializer streams the full serialized VM device state for one
// checkpoint round. SerializeParams forces block migration off, per
// spec.md §4.C step 7.
type StateSerializer interface {
	// Begin starts a streaming serialization into w under params.
	Begin(w io.Writer, params SerializeParams) error
	// Complete finishes writing the device state that Begin started.
	Complete(w io.Writer) error
}

// SerializeParams mirrors the subset of QEMU's MigrationParams the
// COLO transaction cares about.
type SerializeParams struct {
	BlockMigration  bool
	SharedMigration bool
}

// StateLoader loads a previously serialized VM device state. Atomic
// for the purposes of this core: either it fully succeeds or the round
// is aborted (spec.md §4.C step 8, §6).
type StateLoader interface {
	Load(r io.Reader) error
}

// VMControl is the subset of VM run-state control the transaction and
// loop need (spec.md §6).
type VMControl interface {
	Start() error
	StopForceState(state RunState) error
	IsRunning() bool
	RunstateIs(state RunState) bool
	SystemReset(silent bool) error
	RequestShutdown() error
}

// RunState is the VM run-state the transaction forces into/out of.
type RunState int

const (
	RunStateRunning RunState = iota
	RunStateColo
	RunStateStopped
)

// NetworkProxy is the external network component that mirrors and
// compares guest traffic (spec.md §6). Init/Destroy bracket a role's
// use of the proxy; Checkpoint snapshots mirrored queues so comparison
// resumes from a clean baseline; Compare returns <0 on error, 0 for
// "no trigger", >0 for divergence; Failover promotes the Secondary's
// mirrored network state to authoritative.
type NetworkProxy interface {
	Init(mode ProxyMode) error
	Destroy(mode ProxyMode)
	Checkpoint() error
	Compare() (int, error)
	Failover() error
}

// ProxyMode selects which side of the proxy a role initializes.
type ProxyMode int

const (
	ProxyPrimary ProxyMode = iota
	ProxySecondary
)

// RAMCache is the fast-VM-reload cache the Secondary creates before its
// first checkpoint and releases at loop termination (spec.md §4.D,
// §6).
type RAMCache interface {
	CreateAndInit() error
	Release()
}

// Scheduler runs a deferred task on the main event thread so it can
// safely acquire the iothread lock without risk of reentrancy from the
// checkpoint worker (spec.md §4.B).
type Scheduler interface {
	Schedule(task func())
}

// IOLock models the single global VM lock ("iothread lock") protecting
// VM device and run-state mutation (spec.md §5).
type IOLock interface {
	Lock()
	Unlock()
}

// HotplugControl saves/restores the device-hotplug flag the loop
// disables for its lifetime (spec.md §4.D steps 1 and the termination
// path).
type HotplugControl interface {
	Disable() (previous bool)
	Restore(previous bool)
}

// MigrationCleanup schedules the migration-status cleanup deferred
// task the Primary loop's termination path runs (spec.md §4.D step 9).
type MigrationCleanup interface {
	ScheduleCleanup(ctx context.Context)
}
