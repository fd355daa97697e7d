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

func newSecondaryOnlyDeps(t *testing.T) (*colo.SecondaryDeps, *colotest.VM) {
	t.Helper()
	_, sConn := net.Pipe()
	t.Cleanup(func() { sConn.Close() })

	vm := colotest.NewVM()
	return &colo.SecondaryDeps{
		TransactionDeps: colo.TransactionDeps{
			Channel:        colo.NewControlChannel(sConn),
			Buffer:         colo.NewCheckpointBuffer(),
			IOLock:         &sync.Mutex{},
			VM:             vm,
			Serializer:     &colotest.Serializer{},
			Loader:         &colotest.Loader{},
			Proxy:          &colotest.Proxy{},
			Arbiter:        colo.NewArbiter(),
			Shutdown:       &colo.ShutdownLatch{},
			VMStateLoading: &colo.VMStateLoadingLatch{},
		},
		RAM:         &colotest.RAMCache{},
		Hotplug:     &colotest.Hotplug{},
		Autostart:   &colotest.Autostart{Overridden: true},
		GraceWindow: 5 * time.Millisecond,
		Exit:        func(int) {},
	}, vm
}

func TestSecondaryFailoverActionWaitsForVMStateLoading(t *testing.T) {
	d, _ := newSecondaryOnlyDeps(t)
	d.VMStateLoading.Set(true)

	done := make(chan struct{})
	go func() {
		colo.SecondaryFailoverAction(d)()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("failover action returned before vmstate_loading cleared")
	case <-time.After(20 * time.Millisecond):
	}

	d.VMStateLoading.Set(false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("failover action never returned after vmstate_loading cleared")
	}

	proxy := d.Proxy.(*colotest.Proxy)
	require.Equal(t, 1, proxy.FailoverCalls)
	require.True(t, proxy.Destroyed)
	require.True(t, d.Arbiter.IsCompleted())
}

func TestSecondaryFailoverActionResumesContinuation(t *testing.T) {
	d, _ := newSecondaryOnlyDeps(t)
	var resumed bool
	d.Continuation = colo.NewContinuation(func() { resumed = true })

	colo.SecondaryFailoverAction(d)()

	require.True(t, resumed)
	autostart := d.Autostart.(*colotest.Autostart)
	require.Equal(t, 1, autostart.Calls)
}

func TestSecondaryRequestFailoverIsIdempotent(t *testing.T) {
	d, _ := newSecondaryOnlyDeps(t)
	d.RequestFailover()
	d.RequestFailover()
	require.NoError(t, d.Arbiter.WaitCompleted(context.Background()))
	require.Equal(t, 1, d.Proxy.(*colotest.Proxy).FailoverCalls)
}

func TestRunSecondaryProxyInitFailureAbortsBeforeRAMCreate(t *testing.T) {
	d, _ := newSecondaryOnlyDeps(t)
	d.Proxy.(*colotest.Proxy).InitErr = errBoom

	err := colo.RunSecondary(context.Background(), d)
	require.Error(t, err)
	require.False(t, d.RAM.(*colotest.RAMCache).Created)
}

func TestRunSecondaryExitsWhenNoFailoverAfterGraceWindow(t *testing.T) {
	pConn, sConn := net.Pipe()
	t.Cleanup(func() { pConn.Close() })

	vm := colotest.NewVM()
	d := &colo.SecondaryDeps{
		TransactionDeps: colo.TransactionDeps{
			Channel:        colo.NewControlChannel(sConn),
			Buffer:         colo.NewCheckpointBuffer(),
			IOLock:         &sync.Mutex{},
			VM:             vm,
			Serializer:     &colotest.Serializer{},
			Loader:         &colotest.Loader{},
			Proxy:          &colotest.Proxy{},
			Arbiter:        colo.NewArbiter(),
			Shutdown:       &colo.ShutdownLatch{},
			VMStateLoading: &colo.VMStateLoadingLatch{},
		},
		RAM:         &colotest.RAMCache{},
		Hotplug:     &colotest.Hotplug{},
		Autostart:   &colotest.Autostart{},
		GraceWindow: 5 * time.Millisecond,
	}

	var exitCode int
	var exitCalled bool
	d.Exit = func(code int) { exitCode = code; exitCalled = true }

	// The peer reads the READY handshake and then goes away without
	// ever sending a command, so WaitHandleCmd's first read fails and
	// the loop falls through to the grace-window/exit path with no
	// failover ever raised.
	go func() {
		_, _ = colo.GetValue(colo.NewControlChannel(pConn).Reader())
		pConn.Close()
	}()

	err := colo.RunSecondary(context.Background(), d)
	require.Error(t, err)
	require.True(t, exitCalled)
	require.Equal(t, 1, exitCode)

	proxy := d.Proxy.(*colotest.Proxy)
	require.True(t, proxy.Destroyed)
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
