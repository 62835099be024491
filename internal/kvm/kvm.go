//go:build linux

// Package kvm is a thin, typed binding of the Linux KVM ioctl ABI. Each
// request kind is one method; errors are the raw errno values from
// golang.org/x/sys/unix so callers can match them with errors.Is.
package kvm

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"golang.org/x/sys/unix"
)

// System is an open /dev/kvm handle.
type System struct {
	fd int
}

// Open opens the KVM device node and verifies the API version.
func Open(path string) (*System, error) {
	if path == "" {
		path = "/dev/kvm"
	}

	fd, err := unix.Open(path, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: could not access KVM kernel module %s: %w", path, err)
	}

	sys := &System{fd: fd}

	version, err := getAPIVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}

	if version != APIVersion {
		unix.Close(fd)
		return nil, &VersionError{Got: version}
	}

	return sys, nil
}

// VersionError reports a kernel whose KVM API is not the supported one.
type VersionError struct {
	Got int
}

func (e *VersionError) Error() string {
	if e.Got < APIVersion {
		return fmt.Sprintf("kvm: kernel API version %d too old, want %d", e.Got, APIVersion)
	}
	return fmt.Sprintf("kvm: kernel API version %d too new, want %d", e.Got, APIVersion)
}

func (s *System) Fd() int { return s.fd }

func (s *System) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// CheckExtension returns the support level of cap on the system fd.
func (s *System) CheckExtension(cap Capability) (int, error) {
	return checkExtension(s.fd, cap)
}

// VCPUMmapSize returns the size of the kvm_run mapping.
func (s *System) VCPUMmapSize() (int, error) {
	return getVCPUMmapSize(s.fd)
}

// CreateVM creates a VM of the given machine type.
func (s *System) CreateVM(typ uint64) (*VM, error) {
	fd, err := createVM(s.fd, typ)
	if err != nil {
		return nil, fmt.Errorf("kvm: ioctl(KVM_CREATE_VM) type=%d: %w", typ, err)
	}
	return &VM{sys: s, fd: fd}, nil
}

// VM issues VM- and vCPU-scoped requests.
type VM struct {
	sys *System
	fd  int
}

func (vm *VM) Fd() int { return vm.fd }

func (vm *VM) Close() error {
	if vm.fd < 0 {
		return nil
	}
	err := unix.Close(vm.fd)
	vm.fd = -1
	return err
}

// CheckExtension queries the system fd.
func (vm *VM) CheckExtension(cap Capability) (int, error) {
	return checkExtension(vm.sys.fd, cap)
}

// VMCheckExtension queries the VM fd, which reports per-VM limits.
func (vm *VM) VMCheckExtension(cap Capability) (int, error) {
	return checkExtension(vm.fd, cap)
}

func (vm *VM) EnableCap(cap Capability, flags uint32, args ...uint64) error {
	req := enableCap{Cap: uint32(cap), Flags: flags}
	copy(req.Args[:], args)

	debug.Writef("kvm enableCap", "cap=%s flags=%#x args=%v", cap, flags, args)

	_, err := ioctlPtr(vm.fd, kvmEnableCap, unsafe.Pointer(&req))
	return err
}

func (vm *VM) VCPUMmapSize() (int, error) {
	return getVCPUMmapSize(vm.sys.fd)
}

func (vm *VM) SetUserMemoryRegion(r *UserspaceMemoryRegion) error {
	debug.Writef("kvm setUserMemoryRegion", "slot=%#x flags=%#x gpa=%#x size=%#x hva=%#x",
		r.Slot, r.Flags, r.GuestPhysAddr, r.MemorySize, r.UserspaceAddr)

	_, err := ioctlPtr(vm.fd, kvmSetUserMemoryRegion, unsafe.Pointer(r))
	return err
}

func (vm *VM) SetUserMemoryRegion2(r *UserspaceMemoryRegion2) error {
	debug.Writef("kvm setUserMemoryRegion2", "slot=%#x flags=%#x gpa=%#x size=%#x hva=%#x memfd=%d+%#x",
		r.Slot, r.Flags, r.GuestPhysAddr, r.MemorySize, r.UserspaceAddr, r.GuestMemfd, r.GuestMemfdOffset)

	_, err := ioctlPtr(vm.fd, kvmSetUserMemoryRegion2, unsafe.Pointer(r))
	return err
}

// GetDirtyLog fills bitmap with the slot's dirty pages and write-protects
// them again.
func (vm *VM) GetDirtyLog(slot uint32, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}
	req := dirtyLog{Slot: slot, DirtyBitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	_, err := ioctlPtr(vm.fd, kvmGetDirtyLog, unsafe.Pointer(&req))
	return err
}

// ClearDirtyLog re-protects the pages set in bitmap, which covers
// [firstPage, firstPage+numPages) of the slot.
func (vm *VM) ClearDirtyLog(slot uint32, firstPage uint64, numPages uint32, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}
	req := clearDirtyLog{
		Slot:        slot,
		NumPages:    numPages,
		FirstPage:   firstPage,
		DirtyBitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	debug.Writef("kvm clearDirtyLog", "slot=%#x first=%d num=%d", slot, firstPage, numPages)

	_, err := ioctlPtr(vm.fd, kvmClearDirtyLog, unsafe.Pointer(&req))
	return err
}

// ResetDirtyRings returns the number of ring entries the kernel reset.
func (vm *VM) ResetDirtyRings() (int, error) {
	return resetDirtyRings(vm.fd)
}

// SetGSIRouting replaces the whole routing table.
func (vm *VM) SetGSIRouting(entries []IRQRoutingEntry) error {
	debug.Writef("kvm setGSIRouting", "vmFd=%d entries=%d", vm.fd, len(entries))

	// The ioctl takes the entries inline after the header.
	headerSize := int(unsafe.Sizeof(irqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(IRQRoutingEntry{}))
	buf := make([]byte, headerSize+len(entries)*entrySize)

	header := (*irqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))

	for i, ent := range entries {
		*(*IRQRoutingEntry)(unsafe.Pointer(&buf[headerSize+i*entrySize])) = ent
	}

	_, err := ioctlPtr(vm.fd, kvmSetGSIRouting, unsafe.Pointer(&buf[0]))
	return err
}

func (vm *VM) IRQFD(req *IRQFD) error {
	debug.Writef("kvm irqfd", "fd=%d gsi=%d flags=%#x resample=%d", req.FD, req.GSI, req.Flags, int32(req.ResampleFD))

	_, err := ioctlPtr(vm.fd, kvmIRQFD, unsafe.Pointer(req))
	return err
}

func (vm *VM) IOEventFD(req *IOEventFD) error {
	debug.Writef("kvm ioeventfd", "fd=%d addr=%#x len=%d flags=%#x datamatch=%#x",
		req.FD, req.Addr, req.Len, req.Flags, req.Datamatch)

	_, err := ioctlPtr(vm.fd, kvmIOEventFD, unsafe.Pointer(req))
	return err
}

// SignalMSI returns >0 if the interrupt was delivered, 0 if the guest
// blocked it.
func (vm *VM) SignalMSI(msi *MSI) (int, error) {
	v, err := ioctlPtr(vm.fd, kvmSignalMSI, unsafe.Pointer(msi))
	return int(v), err
}

func (vm *VM) IRQLine(irq uint32, level bool) error {
	req := irqLevel{IRQ: irq}
	if level {
		req.Level = 1
	}
	_, err := ioctlPtr(vm.fd, kvmIRQLine, unsafe.Pointer(&req))
	return err
}

func (vm *VM) CreateIRQChip() error {
	_, err := ioctlWithRetry(uintptr(vm.fd), kvmCreateIRQChip, 0)
	return err
}

func (vm *VM) SetMemoryAttributes(addr, size, attrs uint64) error {
	req := memoryAttributes{Address: addr, Size: size, Attributes: attrs}

	debug.Writef("kvm setMemoryAttributes", "addr=%#x size=%#x attrs=%#x", addr, size, attrs)

	_, err := ioctlPtr(vm.fd, kvmSetMemoryAttributes, unsafe.Pointer(&req))
	return err
}

// CreateGuestMemfd returns a new guest_memfd of the given size.
func (vm *VM) CreateGuestMemfd(size uint64) (int, error) {
	req := createGuestMemfd{Size: size}
	v, err := ioctlPtr(vm.fd, kvmCreateGuestMemfd, unsafe.Pointer(&req))
	if err != nil {
		return -1, err
	}
	return int(v), nil
}

func (vm *VM) RegisterCoalescedMMIO(zone CoalescedMMIOZone) error {
	_, err := ioctlPtr(vm.fd, kvmRegisterCoalescedMMIO, unsafe.Pointer(&zone))
	return err
}

func (vm *VM) UnregisterCoalescedMMIO(zone CoalescedMMIOZone) error {
	_, err := ioctlPtr(vm.fd, kvmUnregisterCoalescedMMIO, unsafe.Pointer(&zone))
	return err
}

// CreateDevice returns the device fd, or 0 when test is set.
func (vm *VM) CreateDevice(typ uint32, test bool) (int, error) {
	req := createDevice{Type: typ, FD: ^uint32(0)}
	if test {
		req.Flags = CreateDeviceTest
	}
	if _, err := ioctlPtr(vm.fd, kvmCreateDevice, unsafe.Pointer(&req)); err != nil {
		return -1, err
	}
	if test {
		return 0, nil
	}
	return int(req.FD), nil
}

// HasDeviceAttr, GetDeviceAttr and SetDeviceAttr accept a device, VM or vCPU
// fd; each object type answers KVM_*_DEVICE_ATTR. The value is passed as a
// pointer and stored in attr.Addr only for the duration of the request.
func (vm *VM) HasDeviceAttr(fd int, attr *DeviceAttr) error {
	_, err := ioctlPtr(fd, kvmHasDeviceAttr, unsafe.Pointer(attr))
	return err
}

func (vm *VM) GetDeviceAttr(fd int, attr *DeviceAttr, val unsafe.Pointer) error {
	return deviceAttrIoctl(fd, kvmGetDeviceAttr, attr, val)
}

func (vm *VM) SetDeviceAttr(fd int, attr *DeviceAttr, val unsafe.Pointer) error {
	return deviceAttrIoctl(fd, kvmSetDeviceAttr, attr, val)
}

func deviceAttrIoctl(fd int, req uint64, attr *DeviceAttr, val unsafe.Pointer) error {
	attr.Addr = uint64(uintptr(val))
	_, err := ioctlPtr(fd, req, unsafe.Pointer(attr))
	runtime.KeepAlive(val)
	return err
}

// StatsFd returns the binary stats fd of fd, a VM or vCPU.
func (vm *VM) StatsFd(fd int) (int, error) {
	return getStatsFd(fd)
}

// StatsReader reads a stats fd returned by StatsFd.
func (vm *VM) StatsReader(statsFd int) io.ReaderAt {
	return FdReaderAt(statsFd)
}

func (vm *VM) CreateVCPU(id int) (int, error) {
	return createVCPU(vm.fd, id)
}

// MapRun maps the kvm_run area of a vCPU.
func (vm *VM) MapRun(vcpuFd int, size int) ([]byte, error) {
	return unix.Mmap(vcpuFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// MapDirtyRing maps the dirty ring of a vCPU.
func (vm *VM) MapDirtyRing(vcpuFd int, bytes int) ([]byte, error) {
	off := int64(os.Getpagesize()) * DirtyLogPageOffset
	return unix.Mmap(vcpuFd, off, bytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (vm *VM) Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Run enters the guest. The caller must own the vCPU thread.
func (vm *VM) Run(vcpuFd int) error {
	_, err := ioctl(uintptr(vcpuFd), kvmRun, 0)
	return err
}

func (vm *VM) GetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error {
	req := oneReg{ID: id, Addr: uint64(uintptr(val))}
	_, err := ioctlPtr(vcpuFd, kvmGetOneReg, unsafe.Pointer(&req))
	return err
}

func (vm *VM) SetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error {
	req := oneReg{ID: id, Addr: uint64(uintptr(val))}
	_, err := ioctlPtr(vcpuFd, kvmSetOneReg, unsafe.Pointer(&req))
	return err
}

func (vm *VM) GetRegs(vcpuFd int, regs *Regs) error {
	_, err := ioctlPtr(vcpuFd, kvmGetRegs, unsafe.Pointer(regs))
	return err
}

func (vm *VM) SetRegs(vcpuFd int, regs *Regs) error {
	_, err := ioctlPtr(vcpuFd, kvmSetRegs, unsafe.Pointer(regs))
	return err
}

// SetSignalMask installs the mask applied while the vCPU is in KVM_RUN.
func (vm *VM) SetSignalMask(vcpuFd int, set *unix.Sigset_t) error {
	// The kernel sigset is 8 bytes on every KVM architecture.
	const kernelSigsetSize = 8

	buf := make([]byte, int(unsafe.Sizeof(signalMaskHeader{}))+kernelSigsetSize)
	(*signalMaskHeader)(unsafe.Pointer(&buf[0])).Len = kernelSigsetSize
	copy(buf[unsafe.Sizeof(signalMaskHeader{}):], unsafe.Slice((*byte)(unsafe.Pointer(set)), kernelSigsetSize))

	_, err := ioctlPtr(vcpuFd, kvmSetSignalMask, unsafe.Pointer(&buf[0]))
	return err
}

func (vm *VM) CloseFd(fd int) error {
	return unix.Close(fd)
}

// FdReaderAt reads a stats fd with pread.
type FdReaderAt int

func (f FdReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(f), p, off)
	if n < 0 {
		n = 0
	}
	return n, err
}
