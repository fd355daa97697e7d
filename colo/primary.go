package colo

import (
	"context"
	"time"

	"github.com/NealSCarffery/qemu-colo/log"
	"github.com/cockroachdb/errors"
)

// PrimaryDeps bundles a Primary checkpoint loop's dependencies: the
// per-round transaction deps plus the loop-level collaborators of
// spec.md §4.D.
type PrimaryDeps struct {
	TransactionDeps
	Config    *LoopConfig
	Migration *MigrationStatus
	Hotplug   HotplugControl
	Ledger    *Ledger // optional; nil disables round/transition recording
	Cleanup   MigrationCleanup
}

// RequestFailover is the management entrypoint colo_lost_heartbeat for
// a Primary loop: idempotently raise the arbiter with this loop's own
// failover action attached, the same action the loop's own
// termination path would have registered on an internal error
// (spec.md §4.B). Safe to call concurrently with the loop itself.
func (d *PrimaryDeps) RequestFailover() {
	d.IOLock.Lock()
	if !d.Arbiter.IsSet() {
		d.Arbiter.Request(PrimaryFailoverAction(d))
	}
	d.IOLock.Unlock()
}

func isVMStopped(vm VMControl) bool {
	return vm.RunstateIs(RunStateColo) || !vm.IsRunning()
}

// PrimaryFailoverAction returns the Primary-side deferred failover
// action of spec.md §4.D: force the VM stopped if it wasn't already,
// destroy the proxy, settle migration status at COMPLETED unless it is
// already FAILED, resume the VM, then signal failover_completed.
func PrimaryFailoverAction(d *PrimaryDeps) func() {
	return func() {
		d.IOLock.Lock()
		if !isVMStopped(d.VM) {
			if err := d.VM.StopForceState(RunStateColo); err != nil {
				log.Error("primary failover: force stop vm failed", log.Err(err))
			}
		}
		d.IOLock.Unlock()

		d.Proxy.Destroy(ProxyPrimary)

		if !d.Migration.Is(MigrationFailed) {
			if err := d.Migration.CompareAndSet(MigrationColo, MigrationCompleted); err != nil {
				log.Warn("primary failover: migration status CAS did not apply", log.Err(err))
			} else if d.Ledger != nil {
				_ = d.Ledger.RecordTransition(TransitionRecord{
					From: MigrationColo, To: MigrationCompleted,
					TimestampMs: nowMs(), Reason: "primary failover",
				})
			}
		}

		d.IOLock.Lock()
		if err := d.VM.Start(); err != nil {
			log.Error("primary failover: resume vm failed", log.Err(err))
		}
		d.IOLock.Unlock()

		d.Arbiter.Complete()
	}
}

// RunPrimary implements the Primary checkpoint loop of spec.md §4.D:
// init, READY handshake, pacing/triggering, and clean termination on
// failure or failover.
func RunPrimary(ctx context.Context, d *PrimaryDeps) error {
	if err := d.Proxy.Init(ProxyPrimary); err != nil {
		return errors.Wrap(errWrap(ErrProxyInit, err), "primary: init proxy")
	}

	prevHotplug := d.Hotplug.Disable()
	defer d.Hotplug.Restore(prevHotplug)

	if err := Expect(d.Channel.Reader(), Ready); err != nil {
		d.Proxy.Destroy(ProxyPrimary)
		return errors.Wrap(err, "primary: expect READY")
	}

	if err := d.Migration.CompareAndSet(MigrationActive, MigrationColo); err != nil {
		d.Proxy.Destroy(ProxyPrimary)
		return errors.Wrap(err, "primary: enter colo migration status")
	}
	if d.Ledger != nil {
		_ = d.Ledger.RecordTransition(TransitionRecord{
			From: MigrationActive, To: MigrationColo,
			TimestampMs: nowMs(), Reason: "ready handshake",
		})
	}
	log.Info("primary: got READY, entering checkpoint loop")

	d.IOLock.Lock()
	startErr := d.VM.Start()
	d.IOLock.Unlock()
	if startErr != nil {
		d.Proxy.Destroy(ProxyPrimary)
		return errors.Wrap(startErr, "primary: initial vm start")
	}

	checkpointTime := nowMs()
	var roundIndex uint64
	var loopErr error

runLoop:
	for d.Migration.Get() == MigrationColo {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			break runLoop
		default:
		}

		if d.Arbiter.IsSet() {
			break runLoop
		}

		cmp, err := d.Proxy.Compare()
		if err != nil {
			loopErr = errors.Wrap(errWrap(ErrProxyCompare, err), "primary: proxy compare")
			break runLoop
		}

		doCheckpoint := false
		if cmp > 0 {
			interval := nowMs() - checkpointTime
			if interval < MinCheckpointPeriodMs {
				time.Sleep(time.Duration(MinCheckpointPeriodMs-interval) * time.Millisecond)
			}
			doCheckpoint = true
		} else if nowMs()-checkpointTime < uint64(d.Config.PeriodMs()) {
			time.Sleep(100 * time.Millisecond)
			continue
		} else {
			doCheckpoint = true
		}

		if !doCheckpoint {
			continue
		}

		roundIndex++
		start := time.Now()
		err = PrimaryRound(&d.TransactionDeps)
		duration := time.Since(start)
		if d.Ledger != nil {
			_ = d.Ledger.RecordRound(RoundRecord{
				Role: RolePrimary, RoundIndex: roundIndex, TimestampMs: nowMs(),
				DurationMs: duration.Milliseconds(), PayloadLen: d.Buffer.Len(),
				Digest: d.Buffer.Digest(), Err: errString(err),
			})
		}
		if err != nil {
			loopErr = errors.Wrapf(err, "primary: checkpoint round %d", roundIndex)
			break runLoop
		}
		checkpointTime = nowMs()
	}

	if loopErr != nil {
		log.Error("primary: checkpoint loop exiting on error", log.Err(loopErr))
	}

	d.RequestFailover()

	if err := d.Arbiter.WaitCompleted(context.Background()); err != nil {
		log.Error("primary: wait for failover completion failed", log.Err(err))
	}
	d.Arbiter.Clear()

	if err := d.Channel.Close(); err != nil {
		log.Error("primary: close control channel failed", log.Err(err))
	}
	if d.Cleanup != nil {
		d.Cleanup.ScheduleCleanup(context.Background())
	}

	return loopErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
