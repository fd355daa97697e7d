package colo

import "sync/atomic"

// MinCheckpointPeriodMs is CHECKPOINT_MIN_PERIOD: consecutive Primary
// checkpoints may never be closer together than this, to avoid leaving
// the VM in a continuous 'stop' status (spec.md §4.D, property P2).
const MinCheckpointPeriodMs = 100

// DefaultCheckpointPeriodMs is CHECKPOINT_MAX_PEROID. Per spec.md §9's
// Open Question resolution, this is purely LoopConfig's default
// initializer for PeriodMs, never a runtime ceiling independently
// consulted.
const DefaultCheckpointPeriodMs = 10000

// LoopConfig holds the Primary loop's pacing knobs. PeriodMs is the
// only field management can change at runtime
// (colo_set_checkpoint_period); the floor is the fixed constant
// MinCheckpointPeriodMs.
type LoopConfig struct {
	periodMs int64
}

// NewLoopConfig returns a config with PeriodMs at its default.
func NewLoopConfig() *LoopConfig {
	c := &LoopConfig{}
	atomic.StoreInt64(&c.periodMs, DefaultCheckpointPeriodMs)
	return c
}

// PeriodMs returns the current force-checkpoint ceiling.
func (c *LoopConfig) PeriodMs() int64 {
	return atomic.LoadInt64(&c.periodMs)
}

// SetCheckpointPeriodMs implements colo_set_checkpoint_period: no lower
// bound is enforced at set time (MinCheckpointPeriodMs still governs
// rate independently, inside the loop), matching spec.md §6.
func (c *LoopConfig) SetCheckpointPeriodMs(ms int64) {
	atomic.StoreInt64(&c.periodMs, ms)
}
