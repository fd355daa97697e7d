// Package colotest provides small in-memory fakes for the collaborator
// interfaces of colo's spec (colo.StateSerializer, colo.StateLoader,
// colo.VMControl, colo.NetworkProxy, and friends), in the same
// struct-implements-interface style as ngrok-oss-tableroll's
// mocks_test.go, sized up for the COLO core's larger collaborator set.
package colotest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/NealSCarffery/qemu-colo/colo"
)

// VM is an in-memory colo.VMControl. Guarded by its own mutex so tests
// can inspect call counts from a different goroutine than the one
// driving the loop.
type VM struct {
	mu sync.Mutex

	running       bool
	state         colo.RunState
	StartCalls    int
	StopCalls     int
	ResetCalls    int
	ShutdownCalls int

	StartErr    error
	StopErr     error
	ResetErr    error
	ShutdownErr error
}

// NewVM returns a VM initialized as running.
func NewVM() *VM {
	return &VM{running: true, state: colo.RunStateRunning}
}

func (v *VM) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.StartCalls++
	if v.StartErr != nil {
		return v.StartErr
	}
	v.running = true
	v.state = colo.RunStateRunning
	return nil
}

func (v *VM) StopForceState(state colo.RunState) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.StopCalls++
	if v.StopErr != nil {
		return v.StopErr
	}
	v.running = false
	v.state = state
	return nil
}

func (v *VM) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

func (v *VM) RunstateIs(state colo.RunState) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state == state
}

func (v *VM) SystemReset(bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ResetCalls++
	return v.ResetErr
}

func (v *VM) RequestShutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ShutdownCalls++
	return v.ShutdownErr
}

// Serializer is an in-memory colo.StateSerializer: Begin writes Payload
// (or a small default), Complete writes Trailer if set.
type Serializer struct {
	Payload   []byte
	Trailer   []byte
	BeginErr  error
	CompleteErr error

	LastParams colo.SerializeParams
}

func (s *Serializer) Begin(w io.Writer, params colo.SerializeParams) error {
	s.LastParams = params
	if s.BeginErr != nil {
		return s.BeginErr
	}
	payload := s.Payload
	if payload == nil {
		payload = []byte("colo-checkpoint-state")
	}
	_, err := w.Write(payload)
	return err
}

func (s *Serializer) Complete(w io.Writer) error {
	if s.CompleteErr != nil {
		return s.CompleteErr
	}
	if len(s.Trailer) == 0 {
		return nil
	}
	_, err := w.Write(s.Trailer)
	return err
}

// Loader is an in-memory colo.StateLoader that records what it loaded.
type Loader struct {
	mu       sync.Mutex
	LoadErr  error
	Loaded   [][]byte
	LoadCalls int
}

func (l *Loader) Load(r io.Reader) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadCalls++
	if l.LoadErr != nil {
		return l.LoadErr
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	l.Loaded = append(l.Loaded, bytes.Clone(buf))
	return nil
}

// Proxy is an in-memory colo.NetworkProxy. CompareResults is consumed
// front-to-back by successive Compare() calls; once exhausted, Compare
// returns CompareDefault (0, nil).
type Proxy struct {
	mu sync.Mutex

	InitMode    colo.ProxyMode
	InitErr     error
	Destroyed   bool
	DestroyMode colo.ProxyMode

	CompareResults []int
	CompareErr     error
	CompareDefault int

	CheckpointCalls int
	CheckpointErr   error
	FailoverCalls   int
	FailoverErr     error
}

func (p *Proxy) Init(mode colo.ProxyMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InitMode = mode
	return p.InitErr
}

func (p *Proxy) Destroy(mode colo.ProxyMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Destroyed = true
	p.DestroyMode = mode
}

func (p *Proxy) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CheckpointCalls++
	return p.CheckpointErr
}

func (p *Proxy) Compare() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CompareErr != nil {
		return -1, p.CompareErr
	}
	if len(p.CompareResults) == 0 {
		return p.CompareDefault, nil
	}
	next := p.CompareResults[0]
	p.CompareResults = p.CompareResults[1:]
	return next, nil
}

func (p *Proxy) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FailoverCalls++
	return p.FailoverErr
}

// RAMCache is an in-memory colo.RAMCache.
type RAMCache struct {
	mu       sync.Mutex
	Created  bool
	Released bool
	CreateErr error
}

func (r *RAMCache) CreateAndInit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return r.CreateErr
	}
	r.Created = true
	return nil
}

func (r *RAMCache) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Released = true
}

// Scheduler is a colo.Scheduler that runs tasks synchronously and
// inline, on the caller's goroutine, so tests never race on ordering.
type Scheduler struct{}

func (Scheduler) Schedule(task func()) { task() }

// Hotplug is an in-memory colo.HotplugControl.
type Hotplug struct {
	mu       sync.Mutex
	disabled bool
	Restored []bool
}

func (h *Hotplug) Disable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := h.disabled
	h.disabled = true
	return previous
}

func (h *Hotplug) Restore(previous bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled = previous
	h.Restored = append(h.Restored, previous)
}

// Cleanup is an in-memory colo.MigrationCleanup.
type Cleanup struct {
	mu    sync.Mutex
	Calls int
}

func (c *Cleanup) ScheduleCleanup(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
}

// Autostart is an in-memory colo.AutostartControl (colo package's
// management-facing interface, not colo.NetworkProxy).
type Autostart struct {
	mu         sync.Mutex
	Overridden bool
	Calls      int
}

func (a *Autostart) ForceAutostart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++
	return a.Overridden
}
