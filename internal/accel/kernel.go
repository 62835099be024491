//go:build linux

package accel

import (
	"io"
	"sync"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/sys/unix"
)

// Kernel is the typed request surface of a KVM VM. *kvm.VM implements it;
// tests substitute a recording fake.
type Kernel interface {
	Fd() int
	Close() error

	CheckExtension(cap kvm.Capability) (int, error)
	VMCheckExtension(cap kvm.Capability) (int, error)
	EnableCap(cap kvm.Capability, flags uint32, args ...uint64) error
	VCPUMmapSize() (int, error)

	SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error
	SetUserMemoryRegion2(r *kvm.UserspaceMemoryRegion2) error
	GetDirtyLog(slot uint32, bitmap []uint64) error
	ClearDirtyLog(slot uint32, firstPage uint64, numPages uint32, bitmap []uint64) error
	ResetDirtyRings() (int, error)
	SetMemoryAttributes(addr, size, attrs uint64) error

	CreateIRQChip() error
	IRQLine(irq uint32, level bool) error
	SetGSIRouting(entries []kvm.IRQRoutingEntry) error
	IRQFD(req *kvm.IRQFD) error
	IOEventFD(req *kvm.IOEventFD) error
	SignalMSI(msi *kvm.MSI) (int, error)
	RegisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error
	UnregisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error

	CreateDevice(typ uint32, test bool) (int, error)
	HasDeviceAttr(fd int, attr *kvm.DeviceAttr) error
	GetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error
	SetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error

	StatsFd(fd int) (int, error)
	StatsReader(statsFd int) io.ReaderAt

	CreateVCPU(id int) (int, error)
	MapRun(vcpuFd int, size int) ([]byte, error)
	MapDirtyRing(vcpuFd int, bytes int) ([]byte, error)
	Unmap(b []byte) error
	Run(vcpuFd int) error
	GetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error
	SetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error
	GetRegs(vcpuFd int, regs *kvm.Regs) error
	SetRegs(vcpuFd int, regs *kvm.Regs) error
	SetSignalMask(vcpuFd int, set *unix.Sigset_t) error
	CloseFd(fd int) error
}

var _ Kernel = (*kvm.VM)(nil)

// Section is the generic memory model's description of one contiguous piece
// of guest physical memory, as handed to the listener callbacks.
type Section struct {
	// Start and Size locate the section in the address space.
	Start uint64
	Size  uint64

	// Host is the host virtual address backing Start. Zero for regions
	// without RAM.
	Host uintptr

	RAM      bool
	ReadOnly bool
	// ROMDevice regions are writable by emulation only; in ROMD mode reads
	// go straight to the backing RAM.
	ROMDevice bool
	ROMD      bool

	// DirtyLogMask is the set of dirty-tracking clients. Nonzero enables
	// dirty logging in the slot.
	DirtyLogMask uint8

	// Private is the guest_memfd backing of the section, nil for memory
	// that is only ever shared.
	Private *PrivateMemory

	Name string
}

// PrivateMemory locates a section's private pages in a guest_memfd.
type PrivateMemory struct {
	Memfd  int
	Offset uint64
}

func (s Section) end() uint64 {
	return s.Start + s.Size
}

// Bus dispatches guest I/O into the device models.
type Bus interface {
	PIO(port uint16, data []byte, isWrite bool)
	MMIO(addr uint64, data []byte, isWrite bool)
}

// Machine is the machine-level state the run loop escalates to. Its Lock
// and Unlock are the coarse lock.
type Machine interface {
	Lock()
	Unlock()

	RequestShutdown(reason string)
	RequestReset(reason string)
	GuestPanicked(cpu int, info string)
	// Stop halts the whole machine after an unrecoverable vCPU error.
	Stop(err error)
}

// DirtyModel is the generic dirty page map collected pages are merged into.
type DirtyModel interface {
	// SetDirtyBitmap marks pages of the slot starting at gpa. Bit i of
	// bitmap is page i.
	SetDirtyBitmap(as int, gpa uint64, bitmap []uint64, pages uint64)
}

// DirtyLimiter reports whether per-vCPU dirty rate throttling is running.
type DirtyLimiter interface {
	Active() bool
	// VCPUFull is called after a vCPU's ring was reaped on a full exit.
	VCPUFull(cpu int)
}

// Discarder releases backing memory after a private/shared conversion.
type Discarder interface {
	DiscardShared(host uintptr, size uint64) error
	DiscardPrivate(memfd int, offset, size uint64) error
}

type hostDiscarder struct{}

func (hostDiscarder) DiscardShared(host uintptr, size uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, host, uintptr(size), unix.MADV_DONTNEED)
	if errno != 0 {
		return errno
	}
	return nil
}

func (hostDiscarder) DiscardPrivate(memfd int, offset, size uint64) error {
	return unix.Fallocate(memfd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(size))
}

type nopMachine struct{ sync.Mutex }

func (*nopMachine) RequestShutdown(string)    {}
func (*nopMachine) RequestReset(string)       {}
func (*nopMachine) GuestPanicked(int, string) {}
func (*nopMachine) Stop(error)                {}

type nopDirtyModel struct{}

func (nopDirtyModel) SetDirtyBitmap(int, uint64, []uint64, uint64) {}

type nopLimiter struct{}

func (nopLimiter) Active() bool { return false }
func (nopLimiter) VCPUFull(int) {}

type nopBus struct{}

func (nopBus) PIO(uint16, []byte, bool)  {}
func (nopBus) MMIO(uint64, []byte, bool) {}
