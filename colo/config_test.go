package colo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopConfigDefaultsAndSet(t *testing.T) {
	c := NewLoopConfig()
	require.EqualValues(t, DefaultCheckpointPeriodMs, c.PeriodMs())

	c.SetCheckpointPeriodMs(500)
	require.EqualValues(t, 500, c.PeriodMs())
}

func TestLatchesDefaultFalse(t *testing.T) {
	var s ShutdownLatch
	var v VMStateLoadingLatch
	require.False(t, s.Get())
	require.False(t, v.Get())

	s.Set(true)
	require.True(t, s.Get())
	s.Set(false)
	require.False(t, s.Get())
}
