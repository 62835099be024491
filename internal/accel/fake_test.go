//go:build linux

package accel

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/sys/unix"
)

const testPageSize = 4096

// fakeKernel is an in-memory Kernel. It records every request and keeps
// just enough state to play the kernel's side of the slot, dirty log, ring
// and routing protocols.
type fakeKernel struct {
	mu sync.Mutex

	caps    map[kvm.Capability]int
	enabled []enabledCap
	errs    map[string]error

	nextFd int

	regions     []kvm.UserspaceMemoryRegion2
	dirty       map[uint32][]uint64
	clears      []clearCall
	attrs       []attrCall
	routing     [][]kvm.IRQRoutingEntry
	irqfds      []kvm.IRQFD
	ioeventfds  []kvm.IOEventFD
	msis        []kvm.MSI
	irqLines    []irqLine
	coalesced   []coalescedCall
	createdCPUs []int
	closed      []int
	unmapped    int
	sigmasks    int
	irqchip     bool

	deviceWrites []uint64

	runs   map[int][]byte
	rings  map[int][]byte
	regs   map[int]kvm.Regs
	resets int

	stats map[int][]byte

	onRun func(fd int, run *kvm.Run) error
	// onRegion runs before each memory region request is recorded.
	onRegion func(r kvm.UserspaceMemoryRegion2)
}

type enabledCap struct {
	cap  kvm.Capability
	args []uint64
}

type clearCall struct {
	slot      uint32
	firstPage uint64
	numPages  uint32
	bitmap    []uint64
}

type attrCall struct {
	addr, size, attrs uint64
}

type irqLine struct {
	irq   uint32
	level bool
}

type coalescedCall struct {
	zone     kvm.CoalescedMMIOZone
	register bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		caps: map[kvm.Capability]int{
			kvm.CapUserMemory:               1,
			kvm.CapDestroyMemoryRegionWorks: 1,
			kvm.CapJoinMemoryRegionsWorks:   1,
			kvm.CapNrVCPUs:                  4,
			kvm.CapMaxVCPUs:                 16,
			kvm.CapNrMemslots:               4,
			kvm.CapReadonlyMem:              1,
			kvm.CapIRQChip:                  1,
			kvm.CapIRQRouting:               25,
			kvm.CapIRQFD:                    1,
			kvm.CapSignalMSI:                1,
		},
		errs:   make(map[string]error),
		nextFd: 100,
		dirty:  make(map[uint32][]uint64),
		runs:   make(map[int][]byte),
		rings:  make(map[int][]byte),
		regs:   make(map[int]kvm.Regs),
		stats:  make(map[int][]byte),
	}
}

func (f *fakeKernel) fail(op string, err error) {
	f.mu.Lock()
	f.errs[op] = err
	f.mu.Unlock()
}

func (f *fakeKernel) errFor(op string) error {
	return f.errs[op]
}

func (f *fakeKernel) Fd() int      { return 3 }
func (f *fakeKernel) Close() error { return nil }

func (f *fakeKernel) CheckExtension(cap kvm.Capability) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps[cap], nil
}

func (f *fakeKernel) VMCheckExtension(cap kvm.Capability) (int, error) {
	return f.CheckExtension(cap)
}

func (f *fakeKernel) EnableCap(cap kvm.Capability, flags uint32, args ...uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("EnableCap"); err != nil {
		return err
	}
	f.enabled = append(f.enabled, enabledCap{cap: cap, args: append([]uint64(nil), args...)})
	return nil
}

func (f *fakeKernel) VCPUMmapSize() (int, error) { return 2 * testPageSize, nil }

func (f *fakeKernel) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error {
	return f.SetUserMemoryRegion2(&kvm.UserspaceMemoryRegion2{
		Slot:          r.Slot,
		Flags:         r.Flags,
		GuestPhysAddr: r.GuestPhysAddr,
		MemorySize:    r.MemorySize,
		UserspaceAddr: r.UserspaceAddr,
	})
}

func (f *fakeKernel) SetUserMemoryRegion2(r *kvm.UserspaceMemoryRegion2) error {
	if f.onRegion != nil {
		f.onRegion(*r)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("SetUserMemoryRegion"); err != nil {
		return err
	}
	f.regions = append(f.regions, *r)
	return nil
}

// live returns the regions the kernel currently has, by slot id.
func (f *fakeKernel) live() map[uint32]kvm.UserspaceMemoryRegion2 {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[uint32]kvm.UserspaceMemoryRegion2)
	for _, r := range f.regions {
		if r.MemorySize == 0 {
			delete(m, r.Slot)
		} else {
			m[r.Slot] = r
		}
	}
	return m
}

func (f *fakeKernel) regionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.regions)
}

// markDirty makes the next GetDirtyLog of slot report page.
func (f *fakeKernel) markDirty(slot uint32, page uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bm := f.dirty[slot]
	if need := int(page/64) + 1; len(bm) < need {
		bm = append(bm, make([]uint64, need-len(bm))...)
	}
	bm[page/64] |= 1 << (page % 64)
	f.dirty[slot] = bm
}

func (f *fakeKernel) GetDirtyLog(slot uint32, bitmap []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("GetDirtyLog"); err != nil {
		return err
	}
	copy(bitmap, f.dirty[slot])
	delete(f.dirty, slot)
	return nil
}

func (f *fakeKernel) ClearDirtyLog(slot uint32, firstPage uint64, numPages uint32, bitmap []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, clearCall{
		slot:      slot,
		firstPage: firstPage,
		numPages:  numPages,
		bitmap:    append([]uint64(nil), bitmap[:bitmapWords(uint64(numPages))]...),
	})
	return nil
}

// pushDirty publishes a ring entry the way the kernel does on a guest write.
func (f *fakeKernel) pushDirty(vcpuFd int, index uint32, slot uint32, offset uint64, entries uint32) {
	f.mu.Lock()
	ring := f.rings[vcpuFd]
	f.mu.Unlock()

	g := kvm.DirtyGFNAt(ring, index%entries)
	g.Slot = slot
	g.Offset = offset
	atomic.StoreUint32(&g.Flags, kvm.DirtyGFNFlagDirty)
}

func (f *fakeKernel) ResetDirtyRings() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++

	n := 0
	for _, ring := range f.rings {
		for i := 0; i+kvm.DirtyGFNSize <= len(ring); i += kvm.DirtyGFNSize {
			g := kvm.DirtyGFNAt(ring, uint32(i/kvm.DirtyGFNSize))
			if atomic.CompareAndSwapUint32(&g.Flags, kvm.DirtyGFNFlagReset, 0) {
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeKernel) SetMemoryAttributes(addr, size, attrs uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs = append(f.attrs, attrCall{addr, size, attrs})
	return nil
}

func (f *fakeKernel) CreateIRQChip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqchip = true
	return nil
}

func (f *fakeKernel) IRQLine(irq uint32, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqLines = append(f.irqLines, irqLine{irq, level})
	return nil
}

func (f *fakeKernel) SetGSIRouting(entries []kvm.IRQRoutingEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routing = append(f.routing, append([]kvm.IRQRoutingEntry(nil), entries...))
	return nil
}

func (f *fakeKernel) IRQFD(req *kvm.IRQFD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqfds = append(f.irqfds, *req)
	return nil
}

func (f *fakeKernel) IOEventFD(req *kvm.IOEventFD) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("IOEventFD"); err != nil {
		return err
	}
	f.ioeventfds = append(f.ioeventfds, *req)
	return nil
}

func (f *fakeKernel) SignalMSI(msi *kvm.MSI) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msis = append(f.msis, *msi)
	return 1, nil
}

func (f *fakeKernel) RegisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coalesced = append(f.coalesced, coalescedCall{zone, true})
	return f.errFor("RegisterCoalescedMMIO")
}

func (f *fakeKernel) UnregisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coalesced = append(f.coalesced, coalescedCall{zone, false})
	return nil
}

func (f *fakeKernel) CreateDevice(typ uint32, test bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("CreateDevice"); err != nil {
		return -1, err
	}
	if test {
		return 0, nil
	}
	f.nextFd++
	return f.nextFd, nil
}

func (f *fakeKernel) HasDeviceAttr(fd int, attr *kvm.DeviceAttr) error {
	if attr.Group == 1 {
		return nil
	}
	return unix.ENXIO
}

func (f *fakeKernel) GetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error {
	*(*uint64)(val) = attr.Attr * 2
	return nil
}

func (f *fakeKernel) SetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceWrites = append(f.deviceWrites, *(*uint64)(val))
	return nil
}

func (f *fakeKernel) StatsFd(fd int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("StatsFd"); err != nil {
		return -1, err
	}
	f.nextFd++
	if blob, ok := f.stats[-1]; ok {
		f.stats[f.nextFd] = blob
	}
	return f.nextFd, nil
}

func (f *fakeKernel) StatsReader(statsFd int) io.ReaderAt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.NewReader(f.stats[statsFd])
}

func (f *fakeKernel) CreateVCPU(id int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCPUs = append(f.createdCPUs, id)
	f.nextFd++
	return f.nextFd, nil
}

func (f *fakeKernel) MapRun(vcpuFd int, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, size)
	f.runs[vcpuFd] = b
	return b, nil
}

func (f *fakeKernel) MapDirtyRing(vcpuFd int, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, n)
	f.rings[vcpuFd] = b
	return b, nil
}

func (f *fakeKernel) Unmap(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmapped++
	for fd, r := range f.rings {
		if len(r) > 0 && len(b) > 0 && &r[0] == &b[0] {
			delete(f.rings, fd)
		}
	}
	return nil
}

func (f *fakeKernel) Run(vcpuFd int) error {
	f.mu.Lock()
	run := kvm.RunFromBytes(f.runs[vcpuFd])
	hook := f.onRun
	f.mu.Unlock()

	if run.LoadImmediateExit() != 0 {
		return unix.EINTR
	}
	if hook == nil {
		run.ExitReason = kvm.ExitHLT
		return nil
	}
	return hook(vcpuFd, run)
}

func (f *fakeKernel) GetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error {
	if id == 0 {
		return unix.EINVAL
	}
	*(*uint64)(val) = id
	return nil
}

func (f *fakeKernel) SetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error { return nil }

func (f *fakeKernel) GetRegs(vcpuFd int, regs *kvm.Regs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*regs = f.regs[vcpuFd]
	return nil
}

func (f *fakeKernel) SetRegs(vcpuFd int, regs *kvm.Regs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor("SetRegs"); err != nil {
		return err
	}
	f.regs[vcpuFd] = *regs
	return nil
}

func (f *fakeKernel) SetSignalMask(vcpuFd int, set *unix.Sigset_t) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigmasks++
	return nil
}

func (f *fakeKernel) CloseFd(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, fd)
	return nil
}

var _ Kernel = (*fakeKernel)(nil)

// fakeEventfd stands in for an eventfd without a file descriptor.
type fakeEventfd struct {
	fd       int
	notified int
	closed   bool
}

func (e *fakeEventfd) FD() int { return e.fd }

func (e *fakeEventfd) Notify() error {
	e.notified++
	return nil
}

func (e *fakeEventfd) Close() error {
	e.closed = true
	return nil
}

type recordingMachine struct {
	sync.Mutex

	mu        sync.Mutex
	shutdowns []string
	resets    []string
	panics    []string
	stops     []error
}

func (m *recordingMachine) RequestShutdown(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns = append(m.shutdowns, reason)
}

func (m *recordingMachine) RequestReset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, reason)
}

func (m *recordingMachine) GuestPanicked(cpu int, info string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics = append(m.panics, info)
}

func (m *recordingMachine) Stop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, err)
}

type dirtyCall struct {
	as    int
	gpa   uint64
	pages []uint64
}

type recordingDirtyModel struct {
	mu    sync.Mutex
	calls []dirtyCall
}

func (d *recordingDirtyModel) SetDirtyBitmap(as int, gpa uint64, bm []uint64, pages uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var set []uint64
	for i := uint64(0); i < pages; i++ {
		if testBit(bm, i) {
			set = append(set, i)
		}
	}
	d.calls = append(d.calls, dirtyCall{as: as, gpa: gpa, pages: set})
}

// dirtyPages returns the pages published for gpa, in order.
func (d *recordingDirtyModel) dirtyPages(gpa uint64) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uint64
	for _, c := range d.calls {
		if c.gpa == gpa {
			out = append(out, c.pages...)
		}
	}
	return out
}

type busAccess struct {
	pio   bool
	addr  uint64
	data  []byte
	write bool
}

type recordingBus struct {
	mu       sync.Mutex
	accesses []busAccess
}

func (b *recordingBus) PIO(port uint16, data []byte, isWrite bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accesses = append(b.accesses, busAccess{true, uint64(port), append([]byte(nil), data...), isWrite})
	if !isWrite {
		for i := range data {
			data[i] = 0xaa
		}
	}
}

func (b *recordingBus) MMIO(addr uint64, data []byte, isWrite bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accesses = append(b.accesses, busAccess{false, addr, append([]byte(nil), data...), isWrite})
}

type fakeLimiter struct {
	active bool
	full   []int
}

func (l *fakeLimiter) Active() bool     { return l.active }
func (l *fakeLimiter) VCPUFull(cpu int) { l.full = append(l.full, cpu) }

type discardCall struct {
	private bool
	where   uint64
	size    uint64
}

type recordingDiscarder struct {
	calls []discardCall
}

func (d *recordingDiscarder) DiscardShared(host uintptr, size uint64) error {
	d.calls = append(d.calls, discardCall{false, uint64(host), size})
	return nil
}

func (d *recordingDiscarder) DiscardPrivate(memfd int, offset, size uint64) error {
	d.calls = append(d.calls, discardCall{true, offset, size})
	return nil
}

type testEnv struct {
	k       *fakeKernel
	s       *State
	machine *recordingMachine
	dirty   *recordingDirtyModel
	bus     *recordingBus
	limiter *fakeLimiter
	discard *recordingDiscarder
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestState builds a State on a fake kernel. setup may adjust the
// kernel's capabilities before the probe runs.
func newTestState(t *testing.T, cfg Config, setup func(k *fakeKernel)) *testEnv {
	t.Helper()

	env := &testEnv{
		k:       newFakeKernel(),
		machine: &recordingMachine{},
		dirty:   &recordingDirtyModel{},
		bus:     &recordingBus{},
		limiter: &fakeLimiter{},
		discard: &recordingDiscarder{},
	}
	if setup != nil {
		setup(env.k)
	}

	s, err := New(env.k, cfg, Options{
		Logger:       quietLogger(),
		Machine:      env.machine,
		Bus:          env.bus,
		DirtyModel:   env.dirty,
		DirtyLimiter: env.limiter,
		Discarder:    env.discard,
		PageSize:     testPageSize,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	env.s = s
	return env
}

// guestRAM returns page-aligned host memory that stays alive for the test.
func guestRAM(t *testing.T, size uint64) uintptr {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("Mmap guest RAM: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(b) })
	return uintptr(unsafe.Pointer(&b[0]))
}

func ramSection(start, size uint64, host uintptr) Section {
	return Section{
		Start: start,
		Size:  size,
		Host:  host,
		RAM:   true,
	}
}

// runBytes is the kvm_run mapping the fake handed out for vcpuFd.
func (f *fakeKernel) runBytes(vcpuFd int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[vcpuFd]
}

func (f *fakeKernel) setRun(hook func(fd int, run *kvm.Run) error) {
	f.mu.Lock()
	f.onRun = hook
	f.mu.Unlock()
}

func (f *fakeKernel) kernelRegs(vcpuFd int) kvm.Regs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[vcpuFd]
}

func (f *fakeKernel) setKernelRegs(vcpuFd int, regs kvm.Regs) {
	f.mu.Lock()
	f.regs[vcpuFd] = regs
	f.mu.Unlock()
}
