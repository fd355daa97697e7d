package colo

import (
	"context"

	"github.com/NealSCarffery/qemu-colo/log"
	"github.com/cockroachdb/errors"
)

// TransactionDeps bundles everything one checkpoint transaction needs:
// the control channel (spec.md models it as two half-file handles over
// one socket; ControlChannel already exposes a read half and a flushed
// write half, so one channel serves both the "control" and "data"
// roles the spec's prose names), the round's buffer, the collaborators
// of spec.md §6, and the process-wide latches of spec.md §3.
type TransactionDeps struct {
	Channel        *ControlChannel
	Buffer         *CheckpointBuffer
	IOLock         IOLock
	VM             VMControl
	Serializer     StateSerializer
	Loader         StateLoader
	Proxy          NetworkProxy
	Arbiter        *Arbiter
	Shutdown       *ShutdownLatch
	VMStateLoading *VMStateLoadingLatch
}

// PrimaryRound performs one checkpoint round as seen from the Primary
// (spec.md §4.C, 13-step sequence). Any step that returns a channel or
// serializer error aborts the round with that error; the caller's loop
// treats this identically to a failover trigger.
func PrimaryRound(d *TransactionDeps) error {
	w, r := d.Channel.Writer(), d.Channel.Reader()

	// 1. Send CHECKPOINT_NEW.
	if err := Put(w, CheckpointNew); err != nil {
		return errors.Wrap(err, "primary: send CHECKPOINT_NEW")
	}

	// 2. Expect CHECKPOINT_SUSPENDED.
	if err := Expect(r, CheckpointSuspended); err != nil {
		return errors.Wrap(err, "primary: expect CHECKPOINT_SUSPENDED")
	}

	// 3. Reset buffer length to 0; the buffer itself is the write view.
	d.Buffer.Reset()

	// 4. First failover check, before touching VM run-state.
	if d.Arbiter.IsSet() {
		return ErrFailoverRequested
	}

	// 5. Stop VM into COLO run-state under the iothread lock.
	d.IOLock.Lock()
	stopErr := d.VM.StopForceState(RunStateColo)
	d.IOLock.Unlock()
	if stopErr != nil {
		return errors.Wrap(stopErr, "primary: stop vm")
	}
	log.Debug("primary: vm stopped for checkpoint")

	// 6. Re-check: a bh could have fired failover during step 5.
	if d.Arbiter.IsSet() {
		return ErrFailoverRequested
	}

	// 7. Serialize full device state into the buffer, block migration
	// forced off. Begin runs outside the lock; Complete runs under it,
	// matching qemu_savevm_state_begin/_complete's lock discipline.
	params := SerializeParams{BlockMigration: false, SharedMigration: false}
	if err := d.Serializer.Begin(d.Buffer, params); err != nil {
		return errors.Wrap(errWrap(ErrSerializer, err), "primary: savevm begin")
	}
	d.IOLock.Lock()
	completeErr := d.Serializer.Complete(d.Buffer)
	d.IOLock.Unlock()
	if completeErr != nil {
		return errors.Wrap(errWrap(ErrSerializer, completeErr), "primary: savevm complete")
	}

	// 8. Let the proxy snapshot mirrored queues so comparison resumes
	// from a clean baseline.
	if err := d.Proxy.Checkpoint(); err != nil {
		return errors.Wrap(errWrap(ErrProxyCheckpoint, err), "primary: proxy checkpoint")
	}

	// 9. Send CHECKPOINT_SEND, then the length-prefixed buffer.
	if err := Put(w, CheckpointSend); err != nil {
		return errors.Wrap(err, "primary: send CHECKPOINT_SEND")
	}
	if err := PutPayload(w, d.Buffer.Bytes()); err != nil {
		return errors.Wrap(err, "primary: send payload")
	}

	// 10-11. Expect the two Secondary acks.
	if err := Expect(r, CheckpointReceived); err != nil {
		return errors.Wrap(err, "primary: expect CHECKPOINT_RECEIVED")
	}
	if err := Expect(r, CheckpointLoaded); err != nil {
		return errors.Wrap(err, "primary: expect CHECKPOINT_LOADED")
	}

	// 12. Tail-of-round shutdown latch check.
	if d.Shutdown.Get() {
		if err := Put(w, GuestShutdown); err != nil {
			return errors.Wrap(err, "primary: send GUEST_SHUTDOWN")
		}
		if err := d.VM.RequestShutdown(); err != nil {
			return errors.Wrap(err, "primary: request shutdown")
		}
		d.Shutdown.Set(false)
	}

	// 13. Resume VM.
	d.IOLock.Lock()
	startErr := d.VM.Start()
	d.IOLock.Unlock()
	if startErr != nil {
		return errors.Wrap(startErr, "primary: resume vm")
	}
	log.Debug("primary: checkpoint round complete", log.Int("payload_len", d.Buffer.Len()))
	return nil
}

// WaitHandleCmd is the Secondary's command wait (spec.md §4.C). It
// returns request=true on CHECKPOINT_NEW. On GUEST_SHUTDOWN it
// requests process shutdown under the iothread lock and then parks
// until ctx is done — the main thread is expected to terminate the
// process, so in production this simply never returns.
func WaitHandleCmd(ctx context.Context, d *TransactionDeps) (request bool, err error) {
	cmd, err := GetValue(d.Channel.Reader())
	if err != nil {
		return false, err
	}

	switch cmd {
	case CheckpointNew:
		return true, nil
	case GuestShutdown:
		d.IOLock.Lock()
		shutdownErr := d.VM.RequestShutdown()
		d.IOLock.Unlock()
		if shutdownErr != nil {
			return false, errors.Wrap(shutdownErr, "secondary: request shutdown")
		}
		<-ctx.Done()
		return false, ctx.Err()
	default:
		log.Error("secondary: unrecognized command token", log.String("token", cmd.String()))
		return false, errors.Wrapf(ErrProtocolViolation, "unrecognized command token %s", cmd)
	}
}

// SecondaryRound performs one checkpoint round's per-round body as seen
// from the Secondary (spec.md §4.C, 12-step sequence), run once
// WaitHandleCmd has already reported a CHECKPOINT_NEW request.
func SecondaryRound(d *TransactionDeps) error {
	w, r := d.Channel.Writer(), d.Channel.Reader()

	// 1. Failover check before touching VM run-state.
	if d.Arbiter.IsSet() {
		return ErrFailoverRequested
	}

	// 2. Stop VM into COLO run-state.
	d.IOLock.Lock()
	stopErr := d.VM.StopForceState(RunStateColo)
	d.IOLock.Unlock()
	if stopErr != nil {
		return errors.Wrap(stopErr, "secondary: stop vm")
	}

	// 3. Snapshot the proxy's mirrored queues.
	if err := d.Proxy.Checkpoint(); err != nil {
		return errors.Wrap(errWrap(ErrProxyCheckpoint, err), "secondary: proxy checkpoint")
	}

	// 4. Ack the suspend.
	if err := Put(w, CheckpointSuspended); err != nil {
		return errors.Wrap(err, "secondary: send CHECKPOINT_SUSPENDED")
	}

	// 5. Expect the Primary's send announcement.
	if err := Expect(r, CheckpointSend); err != nil {
		return errors.Wrap(err, "secondary: expect CHECKPOINT_SEND")
	}

	// 6. Read the length-prefixed payload into the buffer.
	if err := GetPayload(r, d.Buffer); err != nil {
		return errors.Wrap(err, "secondary: receive payload")
	}

	// 7. Ack receipt.
	if err := Put(w, CheckpointReceived); err != nil {
		return errors.Wrap(err, "secondary: send CHECKPOINT_RECEIVED")
	}

	// 8. Reset, then load the device state under the iothread lock,
	// with vmstate_loading bracketing the load per spec.md §3 I3.
	d.IOLock.Lock()
	if err := d.VM.SystemReset(true); err != nil {
		d.IOLock.Unlock()
		return errors.Wrap(err, "secondary: system reset")
	}
	d.VMStateLoading.Set(true)
	loadErr := d.Loader.Load(d.Buffer.NewReader())
	if loadErr != nil {
		d.VMStateLoading.Set(false)
		d.IOLock.Unlock()
		return errors.Wrap(errWrap(ErrLoader, loadErr), "secondary: loadvm failed")
	}

	// 9. Clear vmstate_loading; release the lock.
	d.VMStateLoading.Set(false)
	d.IOLock.Unlock()

	// 10. Ack load completion.
	if err := Put(w, CheckpointLoaded); err != nil {
		return errors.Wrap(err, "secondary: send CHECKPOINT_LOADED")
	}

	// 11. Resume VM.
	d.IOLock.Lock()
	startErr := d.VM.Start()
	d.IOLock.Unlock()
	if startErr != nil {
		return errors.Wrap(startErr, "secondary: resume vm")
	}

	log.Debug("secondary: checkpoint round complete", log.Int("payload_len", d.Buffer.Len()))
	// 12. Closing the read view is implicit: the buffer is reset at
	// the start of the next round.
	return nil
}
