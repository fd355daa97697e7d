package colo_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NealSCarffery/qemu-colo/colo"
	"github.com/NealSCarffery/qemu-colo/colo/colotest"
	"github.com/stretchr/testify/require"
)

func newPipeDeps(t *testing.T) (primary *colo.TransactionDeps, secondary *colo.TransactionDeps, primaryVM, secondaryVM *colotest.VM) {
	t.Helper()
	pConn, sConn := net.Pipe()
	t.Cleanup(func() { pConn.Close(); sConn.Close() })

	primaryVM = colotest.NewVM()
	secondaryVM = colotest.NewVM()

	primary = &colo.TransactionDeps{
		Channel:        colo.NewControlChannel(pConn),
		Buffer:         colo.NewCheckpointBuffer(),
		IOLock:         &sync.Mutex{},
		VM:             primaryVM,
		Serializer:     &colotest.Serializer{Payload: []byte("primary-device-state")},
		Loader:         &colotest.Loader{},
		Proxy:          &colotest.Proxy{},
		Arbiter:        colo.NewArbiter(),
		Shutdown:       &colo.ShutdownLatch{},
		VMStateLoading: &colo.VMStateLoadingLatch{},
	}
	secondary = &colo.TransactionDeps{
		Channel:        colo.NewControlChannel(sConn),
		Buffer:         colo.NewCheckpointBuffer(),
		IOLock:         &sync.Mutex{},
		VM:             secondaryVM,
		Serializer:     &colotest.Serializer{},
		Loader:         &colotest.Loader{},
		Proxy:          &colotest.Proxy{},
		Arbiter:        colo.NewArbiter(),
		Shutdown:       &colo.ShutdownLatch{},
		VMStateLoading: &colo.VMStateLoadingLatch{},
	}
	return
}

func TestPrimarySecondaryRoundExchangesPayload(t *testing.T) {
	primary, secondary, primaryVM, secondaryVM := newPipeDeps(t)

	var primaryErr, secondaryErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = colo.PrimaryRound(primary)
	}()
	go func() {
		defer wg.Done()
		// colo.SecondaryRound is the per-round body run after colo.WaitHandleCmd
		// has already consumed the CHECKPOINT_NEW announcement.
		if _, err := colo.GetValue(secondary.Channel.Reader()); err != nil {
			secondaryErr = err
			return
		}
		secondaryErr = colo.SecondaryRound(secondary)
	}()
	wg.Wait()

	require.NoError(t, primaryErr)
	require.NoError(t, secondaryErr)

	loader := secondary.Loader.(*colotest.Loader)
	require.Len(t, loader.Loaded, 1)
	require.Equal(t, []byte("primary-device-state"), loader.Loaded[0])

	require.Equal(t, 1, primaryVM.StopCalls)
	require.Equal(t, 1, primaryVM.StartCalls)
	require.Equal(t, 1, secondaryVM.StopCalls)
	require.Equal(t, 1, secondaryVM.StartCalls)
	require.Equal(t, 1, secondaryVM.ResetCalls)
}

func TestPrimaryRoundAbortsOnFailoverBeforeStop(t *testing.T) {
	primary, secondary, primaryVM, _ := newPipeDeps(t)
	primary.Arbiter.Request(nil)

	// colo.PrimaryRound still opens with CHECKPOINT_NEW/CHECKPOINT_SUSPENDED
	// before it ever consults the arbiter; answer that handshake so the
	// round can reach the check the test actually exercises.
	go func() {
		_, _ = colo.GetValue(secondary.Channel.Reader())
		_ = colo.Put(secondary.Channel.Writer(), colo.CheckpointSuspended)
	}()

	err := colo.PrimaryRound(primary)
	require.ErrorIs(t, err, colo.ErrFailoverRequested)
	require.Equal(t, 0, primaryVM.StopCalls)
}

func TestPrimaryRoundSendsGuestShutdownAfterSuccessfulRound(t *testing.T) {
	primary, secondary, _, secondaryVM := newPipeDeps(t)
	primary.Shutdown.Set(true)

	var primaryErr, secondaryErr error
	var tok colo.SyncToken
	var tokErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = colo.PrimaryRound(primary)
	}()
	go func() {
		defer wg.Done()
		// A single goroutine drives every read on this side, in wire
		// order: the CHECKPOINT_NEW announcement colo.WaitHandleCmd would
		// normally consume, the round itself, then the extra post-round
		// GUEST_SHUTDOWN token.
		if _, err := colo.GetValue(secondary.Channel.Reader()); err != nil {
			secondaryErr = err
			return
		}
		if secondaryErr = colo.SecondaryRound(secondary); secondaryErr != nil {
			return
		}
		tok, tokErr = colo.GetValue(secondary.Channel.Reader())
	}()
	wg.Wait()

	require.NoError(t, primaryErr)
	require.NoError(t, secondaryErr)
	require.False(t, primary.Shutdown.Get())

	require.NoError(t, tokErr)
	require.Equal(t, colo.GuestShutdown, tok)
	_ = secondaryVM
}

func TestWaitHandleCmdCheckpointNew(t *testing.T) {
	primary, secondary, _, _ := newPipeDeps(t)
	go func() { _ = colo.Put(primary.Channel.Writer(), colo.CheckpointNew) }()

	request, err := colo.WaitHandleCmd(context.Background(), secondary)
	require.NoError(t, err)
	require.True(t, request)
}

func TestWaitHandleCmdUnknownToken(t *testing.T) {
	primary, secondary, _, _ := newPipeDeps(t)
	go func() { _ = colo.Put(primary.Channel.Writer(), colo.SyncToken(0xdead)) }()

	_, err := colo.WaitHandleCmd(context.Background(), secondary)
	require.ErrorIs(t, err, colo.ErrProtocolViolation)
}

func TestWaitHandleCmdGuestShutdownParksUntilContextDone(t *testing.T) {
	primary, secondary, _, secondaryVM := newPipeDeps(t)
	go func() { _ = colo.Put(primary.Channel.Writer(), colo.GuestShutdown) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	request, err := colo.WaitHandleCmd(ctx, secondary)
	require.False(t, request)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, secondaryVM.ShutdownCalls)
}
