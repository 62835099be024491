//go:build linux

// Package accel is the KVM acceleration core. A State owns one VM: it probes
// the kernel, mirrors the generic memory model into memory slots, tracks
// dirty pages, manages interrupt routing and drives the vCPU run loops.
package accel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
	"github.com/tinyrange/kvmaccel/internal/timeslice"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var (
	tsInit     = timeslice.RegisterKind("kvm_init", timeslice.FlagSetup)
	tsCommit   = timeslice.RegisterKind("kvm_commit", 0)
	tsReap     = timeslice.RegisterKind("kvm_reap", 0)
	tsRun      = timeslice.RegisterKind("kvm_run", timeslice.FlagGuestTime)
	tsLogSync  = timeslice.RegisterKind("kvm_log_sync", 0)
	tsLogClear = timeslice.RegisterKind("kvm_log_clear", 0)
)

// Options carries the collaborators of a State. Nil fields get no-op or
// host defaults.
type Options struct {
	Logger       *slog.Logger
	Machine      Machine
	Bus          Bus
	DirtyModel   DirtyModel
	DirtyLimiter DirtyLimiter
	Discarder    Discarder
	// Arch defaults to the x86 register model.
	Arch Arch
	// PageSize defaults to the host page size.
	PageSize int
}

// State is the kernel handle: one VM and everything the accelerator tracks
// about it.
type State struct {
	cfg Config
	// k gates every request on inhibit. raw is the same kernel ungated,
	// used only by a commit while it holds inhibit.
	k   Kernel
	raw Kernel
	log *slog.Logger

	machine Machine
	bus     Bus
	dirty   DirtyModel
	limiter DirtyLimiter
	discard Discarder
	arch    Arch

	caps     Capabilities
	pageSize uint64
	vcpuMmap int

	maxSlotSize uint64
	readonlyMem bool

	// Dirty tracking mode, fixed at init.
	ringSize       uint32
	ringBytes      int
	ringWithBitmap bool
	manualProtect  uint64

	irqchipInKernel bool
	irqchipSplit    bool
	routingEnabled  bool
	directMSI       bool
	hostBigEndian   bool

	// slotsMu protects the listeners, their slots and pending queues, and
	// the dirty bitmaps and ring fetch indices.
	slotsMu   sync.Mutex
	listeners []*Listener
	// inhibit excludes every kernel request while a commit rewrites
	// overlapping slots.
	inhibit sync.RWMutex

	irqMu         sync.Mutex
	routes        []kvm.IRQRoutingEntry
	usedGSI       bitmap.Bitmap
	gsiCount      uint32
	routeChanges  int
	gsiMap        map[any]uint32
	resampleFds   map[uint32]EventNotifier
	newEventfd    func() (EventNotifier, error)

	// coalescedRing lives in the kvm_run mapping of coalescedOwner.
	coalescedMu    sync.Mutex
	coalescedRing  []byte
	coalescedOwner int
	flushing       atomic.Bool

	vcpuMu sync.Mutex
	vcpus  map[int]*VCPU
	parked map[int]int

	// flushMu serializes global dirty syncs.
	flushMu sync.Mutex
	reaper  *reaper

	statsMu    sync.Mutex
	statsCache map[StatsTarget]*statsSchema
	vmStatsFd  int

	once onceLogger

	closers []func() error
	closed  bool
}

func createEventfd() (EventNotifier, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// New builds the accelerator on an already created VM. On error every
// partial step is undone, but k itself is left open.
func New(k Kernel, cfg Config, opts Options) (*State, error) {
	start := time.Now()

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kvm: invalid config: %w", err)
	}

	s := &State{
		cfg:        cfg,
		raw:        k,
		log:        opts.Logger,
		machine:    opts.Machine,
		bus:        opts.Bus,
		dirty:      opts.DirtyModel,
		limiter:    opts.DirtyLimiter,
		discard:    opts.Discarder,
		arch:       opts.Arch,
		pageSize:   uint64(opts.PageSize),
		gsiMap:     make(map[any]uint32),
		vcpus:      make(map[int]*VCPU),
		parked:     make(map[int]int),
		statsCache: make(map[StatsTarget]*statsSchema),
		vmStatsFd:  -1,
		newEventfd: createEventfd,
	}
	s.k = gate(k, &s.inhibit)
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.machine == nil {
		s.machine = &nopMachine{}
	}
	if s.bus == nil {
		s.bus = nopBus{}
	}
	if s.dirty == nil {
		s.dirty = nopDirtyModel{}
	}
	if s.limiter == nil {
		s.limiter = nopLimiter{}
	}
	if s.discard == nil {
		s.discard = hostDiscarder{}
	}
	if s.pageSize == 0 {
		s.pageSize = uint64(os.Getpagesize())
	}
	if s.arch == nil {
		s.arch = newX86Arch(s)
	}
	s.hostBigEndian = hostIsBigEndian()
	s.maxSlotSize = cfg.MaxSlotSize
	if s.maxSlotSize == 0 {
		s.maxSlotSize = ^uint64(0) &^ (s.pageSize - 1)
	}

	cu := cleanup.Make(func() { s.closeAll() })
	defer cu.Clean()

	if err := checkRequired(k, cfg.RequiredCapabilities); err != nil {
		return nil, err
	}

	s.caps = Probe(k)

	if err := s.checkVCPULimits(); err != nil {
		return nil, err
	}

	size, err := k.VCPUMmapSize()
	if err != nil {
		return nil, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}
	s.vcpuMmap = size

	ring, err := s.initDirtyRing()
	if err != nil {
		return nil, err
	}
	if !ring {
		s.initManualProtect()
	}

	s.readonlyMem = s.caps.ReadonlyMem
	s.directMSI = s.caps.SignalMSI

	if err := s.initIRQChip(); err != nil {
		return nil, err
	}

	for as := 0; as < s.caps.NrAddressSpaces; as++ {
		name := "kvm-memory"
		if as > 0 {
			name = fmt.Sprintf("kvm-memory-%d", as)
		}
		s.RegisterListener(as, name)
	}

	if s.ringSize > 0 {
		s.reaper = startReaper(s, cfg.DirtyRingReapInterval)
		cu.Add(func() { s.reaper.stop() })
	}

	if s.caps.BinaryStats {
		fd, err := k.StatsFd(k.Fd())
		if err != nil {
			s.log.Warn("kvm: cannot open VM stats fd", "error", err)
		} else {
			s.vmStatsFd = fd
		}
	}

	if s.caps.IOEventFD {
		s.caps.ManyIOEventFDs = probeManyIOEventFDs(k, s.newEventfd)
	}

	debug.Writef("kvm init", "slots=%d as=%d ring=%d manual_protect=%#x irqchip=%s",
		s.caps.NrMemslots, s.caps.NrAddressSpaces, s.ringSize, s.manualProtect, cfg.KernelIRQChip)
	timeslice.Since(tsInit, start)

	cu.Release()
	return s, nil
}

func (s *State) checkVCPULimits() error {
	soft, hard := s.caps.RecommendedVCPUs, s.caps.MaxVCPUs

	for _, c := range []struct {
		name string
		n    int
	}{
		{"cpus", s.cfg.CPUs},
		{"max_cpus", s.cfg.MaxCPUs},
	} {
		if c.n > soft {
			s.log.Warn("kvm: number of vCPUs exceeds the recommended limit",
				"option", c.name, "requested", c.n, "recommended", soft)
		}
		if c.n > hard {
			return fmt.Errorf("%w: %s=%d, maximum supported is %d", ErrTooManyVCPUs, c.name, c.n, hard)
		}
	}
	return nil
}

// Open opens the device named by cfg, creates a VM and builds a State on
// it. The trace and timeslice files named by cfg are opened too.
func Open(cfg Config, opts Options) (*State, error) {
	cfg.normalize()

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	var closers []func() error

	if cfg.TraceFile != "" {
		if err := debug.OpenFile(cfg.TraceFile); err != nil && !errors.Is(err, debug.ErrAlreadyOpen) {
			return nil, fmt.Errorf("kvm: open trace file: %w", err)
		}
		cu.Add(func() { debug.Close() })
		closers = append(closers, debug.Close)
	}

	if cfg.TimesliceFile != "" {
		f, err := os.Create(cfg.TimesliceFile)
		if err != nil {
			return nil, fmt.Errorf("kvm: create timeslice file: %w", err)
		}
		rec, err := timeslice.Open(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		cu.Add(func() {
			rec.Close()
			f.Close()
		})
		closers = append(closers, closeBoth(rec, f))
	}

	sys, err := kvm.Open(cfg.Device)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { sys.Close() })

	vm, err := sys.CreateVM(cfg.VMType)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { vm.Close() })

	s, err := New(vm, cfg, opts)
	if err != nil {
		return nil, err
	}

	s.closers = append(s.closers, vm.Close, sys.Close)
	s.closers = append(s.closers, closers...)

	cu.Release()
	return s, nil
}

func closeBoth(a, b io.Closer) func() error {
	return func() error {
		return errors.Join(a.Close(), b.Close())
	}
}

// Close destroys every vCPU, stops the reaper and releases the VM.
func (s *State) Close() error {
	s.vcpuMu.Lock()
	vcpus := make([]*VCPU, 0, len(s.vcpus))
	for _, cpu := range s.vcpus {
		vcpus = append(vcpus, cpu)
	}
	s.vcpuMu.Unlock()

	var errs []error
	for _, cpu := range vcpus {
		if err := s.DestroyVCPU(cpu); err != nil {
			errs = append(errs, err)
		}
	}

	if s.reaper != nil {
		s.reaper.stop()
	}

	errs = append(errs, s.closeAll())
	return errors.Join(errs...)
}

// closeAll releases fds owned by the State, then runs the registered
// closers in order.
func (s *State) closeAll() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error

	s.vcpuMu.Lock()
	for id, fd := range s.parked {
		if err := s.k.CloseFd(fd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close parked vcpu %d: %w", id, err))
		}
		delete(s.parked, id)
	}
	s.vcpuMu.Unlock()

	if s.vmStatsFd >= 0 {
		if err := s.k.CloseFd(s.vmStatsFd); err != nil {
			errs = append(errs, err)
		}
		s.vmStatsFd = -1
	}

	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil

	return errors.Join(errs...)
}

// Caps returns the probed capabilities.
func (s *State) Caps() Capabilities { return s.caps }

func (s *State) Config() Config { return s.cfg }

func (s *State) Kernel() Kernel { return s.k }

// DirtyRingSize is the ring capacity in entries, or zero in bitmap mode.
func (s *State) DirtyRingSize() uint32 { return s.ringSize }

// ManualProtect returns the enabled manual protect bits.
func (s *State) ManualProtect() uint64 { return s.manualProtect }

func (s *State) ReaperStats() ReaperStats {
	if s.reaper == nil {
		return ReaperStats{}
	}
	return s.reaper.Stats()
}

// PageSize is the host page size slots are aligned to.
func (s *State) PageSize() uint64 { return s.pageSize }
