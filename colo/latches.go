package colo

import "sync/atomic"

// boolLatch is a single-writer-many-reader boolean, atomic so readers
// never race with the lone setter (spec.md §3, §5).
type boolLatch struct{ v int32 }

func (b *boolLatch) Set(val bool) {
	if val {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}

func (b *boolLatch) Get() bool { return atomic.LoadInt32(&b.v) != 0 }

// ShutdownLatch is shutdown_requested: set by the guest-shutdown path
// inside a checkpoint round, observed at the tail of the next
// successful round (spec.md §4.C step 12, §9 "Shutdown latch polling").
type ShutdownLatch struct{ boolLatch }

// VMStateLoadingLatch is vmstate_loading: true only while the
// Secondary's loading thread holds the iothread lock mid-load
// (spec.md §3 I3). Any failover path must observe it false before
// releasing control.
type VMStateLoadingLatch struct{ boolLatch }
