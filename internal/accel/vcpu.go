//go:build linux

package accel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
)

// RegisterLevel selects how much register state PutRegisters writes.
type RegisterLevel int

const (
	// LevelRuntime is the state that changes while the guest runs.
	LevelRuntime RegisterLevel = iota + 1
	// LevelReset adds state that is only written after a reset.
	LevelReset
	// LevelFull writes everything, after init or an incoming migration.
	LevelFull
)

// Arch holds the per-architecture parts of a vCPU.
type Arch interface {
	InitVCPU(c *VCPU) error
	DestroyVCPU(c *VCPU) error

	// GetRegisters loads the kernel register state into the vCPU cache and
	// PutRegisters writes the cache back.
	GetRegisters(c *VCPU) error
	PutRegisters(c *VCPU, level RegisterLevel) error

	PreRun(c *VCPU)
	PostRun(c *VCPU)
	// ProcessAsyncEvents reports whether the vCPU is halted and must not
	// enter the guest.
	ProcessAsyncEvents(c *VCPU) bool
	// HandleExit handles exit reasons the generic loop does not know.
	HandleExit(c *VCPU, run *kvm.Run) (ExitAction, error)
	StopOnEmulationError(c *VCPU) bool

	DumpState(c *VCPU, w io.Writer)
}

// VCPU is one virtual CPU. Work that touches its kernel state runs on a
// goroutine locked to one OS thread, fed through runQueue.
type VCPU struct {
	s  *State
	id int
	fd int

	run     []byte
	runData *kvm.Run

	// Dirty ring state, guarded by State.slotsMu.
	ring       []byte
	fetch      uint32
	dirtyPages uint64

	statsFd int

	// regs is the register cache. It and regsDirty are only touched on the
	// vCPU thread.
	regs      kvm.Regs
	regsDirty bool

	exitRequest atomic.Bool
	tid         atomic.Int32
	stopping    atomic.Bool

	// mu guards runQueue against close, and run against unmap.
	mu       sync.RWMutex
	runQueue chan func()
	started  bool
	closed   bool
	exited   chan struct{}
}

// ID is the vCPU id the kernel knows.
func (c *VCPU) ID() int { return c.id }

// Fd is the kernel vCPU fd.
func (c *VCPU) Fd() int { return c.fd }

// RunData returns the shared kvm_run area.
func (c *VCPU) RunData() *kvm.Run { return c.runData }

// withStatsFd runs fn while the vCPU's stats fd is held open. It reports
// false, without calling fn, when the vCPU has no stats fd.
func (c *VCPU) withStatsFd(fn func(fd int) error) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.statsFd < 0 {
		return false, nil
	}
	return true, fn(c.statsFd)
}

// DirtyPages is the number of pages reaped from this vCPU's ring.
func (c *VCPU) DirtyPages() uint64 {
	c.s.slotsMu.Lock()
	defer c.s.slotsMu.Unlock()
	return c.dirtyPages
}

// CreateVCPU creates vCPU id, or revives the kernel vCPU a previous
// DestroyVCPU parked, and maps its shared areas. The vCPU thread is started
// by Start.
func (s *State) CreateVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= s.caps.MaxVCPUID {
		return nil, fmt.Errorf("%w: vcpu id %d, maximum is %d", ErrTooManyVCPUs, id, s.caps.MaxVCPUID-1)
	}

	s.vcpuMu.Lock()
	if _, ok := s.vcpus[id]; ok {
		s.vcpuMu.Unlock()
		return nil, fmt.Errorf("kvm: vcpu %d already exists", id)
	}
	fd, parked := s.parked[id]
	delete(s.parked, id)
	s.vcpuMu.Unlock()

	if !parked {
		var err error
		fd, err = s.k.CreateVCPU(id)
		if err != nil {
			return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
		}
	}

	c := &VCPU{
		s:         s,
		id:        id,
		fd:        fd,
		statsFd:   -1,
		regsDirty: true,
		runQueue:  make(chan func(), 16),
		exited:    make(chan struct{}),
	}

	cu := cleanup.Make(func() { s.park(id, fd) })
	defer cu.Clean()

	run, err := s.k.MapRun(fd, s.vcpuMmap)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap vcpu %d state: %w", id, err)
	}
	c.run = run
	c.runData = kvm.RunFromBytes(run)
	cu.Add(func() { s.k.Unmap(run) })

	s.claimCoalescedRing(c)
	cu.Add(func() { s.releaseCoalescedRing(c) })

	if s.ringSize > 0 {
		ring, err := s.k.MapDirtyRing(fd, s.ringBytes)
		if err != nil {
			return nil, fmt.Errorf("kvm: mmap vcpu %d dirty ring: %w", id, err)
		}
		c.ring = ring
		cu.Add(func() { s.k.Unmap(ring) })
	}

	if err := s.arch.InitVCPU(c); err != nil {
		return nil, fmt.Errorf("kvm: init vcpu %d: %w", id, err)
	}

	if s.caps.BinaryStats {
		sfd, err := s.k.StatsFd(fd)
		if err != nil {
			s.log.Warn("kvm: cannot open vcpu stats fd", "vcpu", id, "error", err)
		} else {
			c.statsFd = sfd
		}
	}

	s.vcpuMu.Lock()
	s.vcpus[id] = c
	s.vcpuMu.Unlock()

	debug.Writef("kvm create vcpu", "id=%d fd=%d parked=%t ring=%t", id, fd, parked, c.ring != nil)

	cu.Release()
	return c, nil
}

func (s *State) park(id, fd int) {
	s.vcpuMu.Lock()
	s.parked[id] = fd
	s.vcpuMu.Unlock()
}

// ParkedVCPUs is the number of kernel vCPUs waiting for reuse.
func (s *State) ParkedVCPUs() int {
	s.vcpuMu.Lock()
	defer s.vcpuMu.Unlock()
	return len(s.parked)
}

// VCPUs returns the live vCPUs.
func (s *State) VCPUs() []*VCPU {
	s.vcpuMu.Lock()
	defer s.vcpuMu.Unlock()
	out := make([]*VCPU, 0, len(s.vcpus))
	for _, c := range s.vcpus {
		out = append(out, c)
	}
	return out
}

// claimCoalescedRing points the coalesced ring at c's mapping if nobody
// owns it. Every vCPU maps the same ring page.
func (s *State) claimCoalescedRing(c *VCPU) {
	if s.caps.CoalescedMMIO == 0 {
		return
	}
	s.coalescedMu.Lock()
	defer s.coalescedMu.Unlock()
	if s.coalescedRing != nil {
		return
	}
	off := uint64(s.caps.CoalescedMMIO) * s.pageSize
	if off+s.pageSize > uint64(len(c.run)) {
		return
	}
	s.coalescedRing = c.run[off : off+s.pageSize]
	s.coalescedOwner = c.id
}

// releaseCoalescedRing moves the ring to another vCPU's mapping before c's
// is unmapped.
func (s *State) releaseCoalescedRing(c *VCPU) {
	s.coalescedMu.Lock()
	if s.coalescedRing == nil || s.coalescedOwner != c.id {
		s.coalescedMu.Unlock()
		return
	}
	s.coalescedRing = nil
	s.coalescedMu.Unlock()

	for _, other := range s.VCPUs() {
		if other != c {
			s.claimCoalescedRing(other)
			return
		}
	}
}

// Start launches the vCPU thread.
func (c *VCPU) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	ready := make(chan struct{})
	go c.loop(ready)
	<-ready
}

func (c *VCPU) loop(ready chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.exited)

	c.tid.Store(int32(unix.Gettid()))
	if err := c.initSignals(); err != nil {
		c.s.log.Error("kvm: init vcpu signals", "vcpu", c.id, "error", err)
	}
	close(ready)

	for fn := range c.runQueue {
		fn()
	}
	c.tid.Store(0)
}

func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	n := uint(sig) - 1
	w := uint(64)
	if len(set.Val) == 32 {
		w = 32
	}
	set.Val[n/w] |= 1 << (n % w)
}

func sigdelset(set *unix.Sigset_t, sig unix.Signal) {
	n := uint(sig) - 1
	w := uint(64)
	if len(set.Val) == 32 {
		w = 32
	}
	set.Val[n/w] &^= 1 << (n % w)
}

// initSignals prepares the kick signal on the vCPU thread. With
// immediate_exit the signal only has to interrupt KVM_RUN. Without it the
// kernel unblocks the signal for the duration of KVM_RUN.
func (c *VCPU) initSignals() error {
	if c.s.caps.ImmediateExit {
		var set unix.Sigset_t
		sigaddset(&set, unix.SIGUSR1)
		return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
	}

	var cur unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, nil, &cur); err != nil {
		return fmt.Errorf("kvm: read signal mask: %w", err)
	}
	sigdelset(&cur, unix.SIGUSR1)
	if err := c.s.k.SetSignalMask(c.fd, &cur); err != nil {
		return fmt.Errorf("kvm: set vcpu signal mask: %w", err)
	}
	return nil
}

func (c *VCPU) onThread() bool {
	tid := c.tid.Load()
	return tid != 0 && int(tid) == unix.Gettid()
}

// Kick makes the vCPU leave KVM_RUN soon. immediate_exit covers a vCPU
// about to enter the guest; the signal interrupts one already inside.
func (c *VCPU) Kick() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.exitRequest.Store(true)
	if c.runData == nil {
		return
	}
	c.runData.StoreImmediateExit(1)

	if tid := c.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil && !errors.Is(err, unix.ESRCH) {
			c.s.log.Warn("kvm: kick vcpu", "vcpu", c.id, "error", err)
		}
	}
}

func (c *VCPU) post(fn func()) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("kvm: vcpu %d: %w", c.id, ErrVCPUStopped)
	}
	c.runQueue <- fn
	return nil
}

// RunOnCPU runs fn on the vCPU thread and waits for it. A vCPU inside
// KVM_RUN is kicked out first. Before Start, fn runs on the caller.
//
// Do not call it holding the machine lock: the vCPU may be waiting for it.
func (c *VCPU) RunOnCPU(fn func()) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()

	if !started || c.onThread() {
		fn()
		return nil
	}

	done := make(chan struct{})
	if err := c.post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	c.Kick()
	<-done
	return nil
}

// drainQueue runs queued work without blocking. It reports false once the
// queue was closed.
func (c *VCPU) drainQueue() bool {
	for {
		select {
		case fn, ok := <-c.runQueue:
			if !ok {
				c.stopping.Store(true)
				return false
			}
			fn()
		default:
			return true
		}
	}
}

func (s *State) kickAll() {
	s.vcpuMu.Lock()
	defer s.vcpuMu.Unlock()
	for _, c := range s.vcpus {
		c.Kick()
	}
}

// SynchronizeKickAll waits until every vCPU has been out of KVM_RUN once.
func (s *State) SynchronizeKickAll() {
	for _, c := range s.VCPUs() {
		_ = c.RunOnCPU(func() {})
	}
}

func (c *VCPU) syncRegisters(what string, fn func() error) error {
	var err error
	if rerr := c.RunOnCPU(func() { err = fn() }); rerr != nil {
		return rerr
	}
	if err != nil {
		err = fmt.Errorf("kvm: vcpu %d: %s: %w", c.id, what, err)
		var dump strings.Builder
		c.s.arch.DumpState(c, &dump)
		c.s.log.Error("kvm: register sync failed", "vcpu", c.id, "error", err, "state", dump.String())
		c.s.machine.Stop(err)
	}
	return err
}

// SynchronizeState loads the kernel registers into the cache unless the
// cache already holds newer values.
func (c *VCPU) SynchronizeState() error {
	return c.syncRegisters("get registers", func() error {
		if c.regsDirty {
			return nil
		}
		if err := c.s.arch.GetRegisters(c); err != nil {
			return err
		}
		c.regsDirty = true
		return nil
	})
}

// SynchronizePostReset writes the reset register state.
func (c *VCPU) SynchronizePostReset() error {
	return c.syncRegisters("put reset registers", func() error {
		if err := c.s.arch.PutRegisters(c, LevelReset); err != nil {
			return err
		}
		c.regsDirty = false
		return nil
	})
}

// SynchronizePostInit writes the full register state.
func (c *VCPU) SynchronizePostInit() error {
	return c.syncRegisters("put full registers", func() error {
		if err := c.s.arch.PutRegisters(c, LevelFull); err != nil {
			return err
		}
		c.regsDirty = false
		return nil
	})
}

// SynchronizePreLoadVM marks the cache authoritative before incoming state
// overwrites it.
func (c *VCPU) SynchronizePreLoadVM() error {
	return c.syncRegisters("pre loadvm", func() error {
		c.regsDirty = true
		return nil
	})
}

// Registers returns the register state of the vCPU.
func (c *VCPU) Registers() (kvm.Regs, error) {
	if err := c.SynchronizeState(); err != nil {
		return kvm.Regs{}, err
	}
	var regs kvm.Regs
	err := c.RunOnCPU(func() { regs = c.regs })
	return regs, err
}

// SetRegisters replaces the register state. It reaches the kernel before
// the next KVM_RUN.
func (c *VCPU) SetRegisters(regs kvm.Regs) error {
	if err := c.SynchronizeState(); err != nil {
		return err
	}
	return c.RunOnCPU(func() {
		c.regs = regs
		c.regsDirty = true
	})
}

// stop ends the vCPU thread. Work already queued still runs.
func (c *VCPU) stop() {
	c.stopping.Store(true)
	c.Kick()

	c.mu.Lock()
	started := c.started
	if !c.closed {
		c.closed = true
		close(c.runQueue)
	}
	c.mu.Unlock()

	if started {
		<-c.exited
	}
}

// DestroyVCPU stops c, unmaps its shared areas and parks the kernel vCPU
// for a later CreateVCPU of the same id. Kernel vCPUs cannot be destroyed
// without destroying the VM.
func (s *State) DestroyVCPU(c *VCPU) error {
	c.stop()

	s.slotsMu.Lock()
	if c.ring != nil {
		s.reapLocked(s.k, c)
	}
	s.vcpuMu.Lock()
	if s.vcpus[c.id] == c {
		delete(s.vcpus, c.id)
	}
	s.vcpuMu.Unlock()
	s.slotsMu.Unlock()

	s.releaseCoalescedRing(c)

	var errs []error
	if err := s.arch.DestroyVCPU(c); err != nil {
		errs = append(errs, fmt.Errorf("kvm: destroy vcpu %d: %w", c.id, err))
	}

	c.mu.Lock()
	if c.run != nil {
		if err := s.k.Unmap(c.run); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap vcpu %d state: %w", c.id, err))
		}
		c.run, c.runData = nil, nil
	}
	if c.ring != nil {
		if err := s.k.Unmap(c.ring); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap vcpu %d dirty ring: %w", c.id, err))
		}
		c.ring = nil
	}
	if c.statsFd >= 0 {
		if err := s.k.CloseFd(c.statsFd); err != nil {
			errs = append(errs, err)
		}
		c.statsFd = -1
	}
	c.mu.Unlock()

	if c.fd >= 0 {
		s.park(c.id, c.fd)
		c.fd = -1
	}

	debug.Writef("kvm destroy vcpu", "id=%d", c.id)
	return errors.Join(errs...)
}

// Run enters the guest on the vCPU thread and keeps it running until the
// vCPU halts, stops on a debug exit, fails, or ctx is done. Queued work runs
// between guest entries.
func (c *VCPU) Run(ctx context.Context) (ExitAction, error) {
	type result struct {
		action ExitAction
		err    error
	}

	c.Start()

	done := make(chan result, 1)
	if err := c.post(func() {
		action, err := c.runLoop(ctx)
		done <- result{action, err}
	}); err != nil {
		return ExitInterrupt, err
	}

	r := <-done
	return r.action, r.err
}

func (c *VCPU) runLoop(ctx context.Context) (ExitAction, error) {
	stop := context.AfterFunc(ctx, c.Kick)
	defer stop()

	for {
		c.drainQueue()
		if err := ctx.Err(); err != nil {
			return ExitInterrupt, err
		}
		if c.stopping.Load() {
			return ExitInterrupt, fmt.Errorf("kvm: vcpu %d: %w", c.id, ErrVCPUStopped)
		}

		action, err := c.Exec()
		if err != nil {
			return action, err
		}
		switch action {
		case ExitHalt, ExitDebug:
			return action, nil
		}
	}
}
