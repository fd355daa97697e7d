package colo

import (
	"context"
	"time"

	"github.com/NealSCarffery/qemu-colo/log"
	"github.com/cockroachdb/errors"
)

// SecondaryGraceWindow is the ~2s pause the Secondary's termination
// path takes to admit a late management decision before assuming the
// Primary is alive and exiting (spec.md §4.D, §7).
const SecondaryGraceWindow = 2 * time.Second

// AutostartControl models qemu's global -S/autostart override: the
// Secondary failover action forces autostart on and warns if that
// overrides a user-supplied -S option (spec.md §4.D).
type AutostartControl interface {
	// ForceAutostart forces autostart true and reports whether doing
	// so overrode an explicit -S option.
	ForceAutostart() (overridden bool)
}

// SecondaryDeps bundles a Secondary checkpoint loop's dependencies.
type SecondaryDeps struct {
	TransactionDeps
	RAM          RAMCache
	Hotplug      HotplugControl
	Autostart    AutostartControl
	Continuation *Continuation // the halted incoming-migration context
	Ledger       *Ledger       // optional
	GraceWindow  time.Duration // defaults to SecondaryGraceWindow if zero
	Exit         func(code int) // defaults to os.Exit if nil
}

// RequestFailover is the management entrypoint colo_lost_heartbeat for
// a Secondary loop: idempotently raise the arbiter with this loop's
// own failover action attached (spec.md §4.B). Safe to call
// concurrently with the loop itself.
func (d *SecondaryDeps) RequestFailover() {
	d.IOLock.Lock()
	if !d.Arbiter.IsSet() {
		d.Arbiter.Request(SecondaryFailoverAction(d))
	}
	d.IOLock.Unlock()
}

// SecondaryFailoverAction returns the Secondary-side deferred failover
// action of spec.md §4.D: wait for vmstate_loading to clear, promote
// the mirrored network state to authoritative, destroy the proxy,
// force autostart, resume the halted incoming-migration continuation
// as if migration had just completed, then signal failover_completed.
func SecondaryFailoverAction(d *SecondaryDeps) func() {
	return func() {
		for d.VMStateLoading.Get() {
			time.Sleep(time.Millisecond)
		}

		if err := d.Proxy.Failover(); err != nil {
			log.Error("secondary failover: proxy failover failed", log.Err(err))
		}
		d.Proxy.Destroy(ProxySecondary)

		if d.Autostart != nil {
			if overridden := d.Autostart.ForceAutostart(); overridden {
				log.Warn("secondary failover: \"-S\" option overridden to resume after failover")
			}
		}

		if d.Continuation != nil {
			d.Continuation.Resume()
		}

		d.Arbiter.Complete()
	}
}

// RunSecondary implements the Secondary checkpoint loop of spec.md
// §4.D: init, RAM cache setup, READY handshake, command-driven
// checkpoint rounds, and clean termination on failure or failover.
func RunSecondary(ctx context.Context, d *SecondaryDeps) error {
	if d.GraceWindow == 0 {
		d.GraceWindow = SecondaryGraceWindow
	}
	if d.Exit == nil {
		d.Exit = defaultExit
	}

	prevHotplug := d.Hotplug.Disable()
	defer d.Hotplug.Restore(prevHotplug)

	if err := d.Proxy.Init(ProxySecondary); err != nil {
		return errors.Wrap(errWrap(ErrProxyInit, err), "secondary: init proxy")
	}

	if err := d.RAM.CreateAndInit(); err != nil {
		d.Proxy.Destroy(ProxySecondary)
		return errors.Wrap(err, "secondary: create ram cache")
	}

	if err := Put(d.Channel.Writer(), Ready); err != nil {
		d.RAM.Release()
		d.Proxy.Destroy(ProxySecondary)
		return errors.Wrap(err, "secondary: send READY")
	}
	log.Info("secondary: sent READY, entering checkpoint loop")

	d.IOLock.Lock()
	startErr := d.VM.Start()
	d.IOLock.Unlock()
	if startErr != nil {
		d.RAM.Release()
		d.Proxy.Destroy(ProxySecondary)
		return errors.Wrap(startErr, "secondary: initial vm start")
	}

	var roundIndex uint64
	var loopErr error

runLoop:
	for {
		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
			break runLoop
		default:
		}

		request, err := WaitHandleCmd(ctx, &d.TransactionDeps)
		if err != nil {
			loopErr = err
			break runLoop
		}
		if !request {
			continue
		}

		if d.Arbiter.IsSet() {
			break runLoop
		}

		roundIndex++
		start := time.Now()
		err = SecondaryRound(&d.TransactionDeps)
		duration := time.Since(start)
		if d.Ledger != nil {
			_ = d.Ledger.RecordRound(RoundRecord{
				Role: RoleSecondary, RoundIndex: roundIndex, TimestampMs: nowMs(),
				DurationMs: duration.Milliseconds(), PayloadLen: d.Buffer.Len(),
				Digest: d.Buffer.Digest(), Err: errString(err),
			})
		}
		if err != nil {
			loopErr = errors.Wrapf(err, "secondary: checkpoint round %d", roundIndex)
			break runLoop
		}
	}

	if loopErr != nil {
		log.Error("secondary: checkpoint loop exiting on error", log.Err(loopErr))
	}

	if !d.Arbiter.IsSet() {
		time.Sleep(d.GraceWindow)
	}

	if !d.Arbiter.IsSet() {
		log.Error("secondary: no failover raised, assuming primary alive, exiting")
		d.Proxy.Destroy(ProxySecondary)
		d.Exit(1)
		return loopErr
	}

	if err := d.Arbiter.WaitCompleted(context.Background()); err != nil {
		log.Error("secondary: wait for failover completion failed", log.Err(err))
	}
	d.Arbiter.Clear()

	d.RAM.Release()
	if err := d.Channel.Close(); err != nil {
		log.Error("secondary: close control channel failed", log.Err(err))
	}

	return loopErr
}

func defaultExit(code int) {
	osExit(code)
}
