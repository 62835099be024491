//go:build linux

package accel

import (
	"sync"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/sys/unix"
)

// gatedKernel holds the read side of gate for the duration of every VM,
// vCPU and device request. A commit that rewrites overlapping slots takes
// the write side and issues its own requests on the ungated kernel, so no
// other request observes the intermediate slot table.
//
// Mapping, unmapping and closing fds are not requests against the VM and
// pass straight through.
type gatedKernel struct {
	Kernel
	gate *sync.RWMutex
}

func gate(k Kernel, mu *sync.RWMutex) Kernel {
	return &gatedKernel{Kernel: k, gate: mu}
}

func (g *gatedKernel) enter() func() {
	g.gate.RLock()
	return g.gate.RUnlock
}

func (g *gatedKernel) CheckExtension(cap kvm.Capability) (int, error) {
	defer g.enter()()
	return g.Kernel.CheckExtension(cap)
}

func (g *gatedKernel) VMCheckExtension(cap kvm.Capability) (int, error) {
	defer g.enter()()
	return g.Kernel.VMCheckExtension(cap)
}

func (g *gatedKernel) EnableCap(cap kvm.Capability, flags uint32, args ...uint64) error {
	defer g.enter()()
	return g.Kernel.EnableCap(cap, flags, args...)
}

func (g *gatedKernel) SetUserMemoryRegion(r *kvm.UserspaceMemoryRegion) error {
	defer g.enter()()
	return g.Kernel.SetUserMemoryRegion(r)
}

func (g *gatedKernel) SetUserMemoryRegion2(r *kvm.UserspaceMemoryRegion2) error {
	defer g.enter()()
	return g.Kernel.SetUserMemoryRegion2(r)
}

func (g *gatedKernel) GetDirtyLog(slot uint32, bitmap []uint64) error {
	defer g.enter()()
	return g.Kernel.GetDirtyLog(slot, bitmap)
}

func (g *gatedKernel) ClearDirtyLog(slot uint32, firstPage uint64, numPages uint32, bitmap []uint64) error {
	defer g.enter()()
	return g.Kernel.ClearDirtyLog(slot, firstPage, numPages, bitmap)
}

func (g *gatedKernel) ResetDirtyRings() (int, error) {
	defer g.enter()()
	return g.Kernel.ResetDirtyRings()
}

func (g *gatedKernel) SetMemoryAttributes(addr, size, attrs uint64) error {
	defer g.enter()()
	return g.Kernel.SetMemoryAttributes(addr, size, attrs)
}

func (g *gatedKernel) CreateIRQChip() error {
	defer g.enter()()
	return g.Kernel.CreateIRQChip()
}

func (g *gatedKernel) IRQLine(irq uint32, level bool) error {
	defer g.enter()()
	return g.Kernel.IRQLine(irq, level)
}

func (g *gatedKernel) SetGSIRouting(entries []kvm.IRQRoutingEntry) error {
	defer g.enter()()
	return g.Kernel.SetGSIRouting(entries)
}

func (g *gatedKernel) IRQFD(req *kvm.IRQFD) error {
	defer g.enter()()
	return g.Kernel.IRQFD(req)
}

func (g *gatedKernel) IOEventFD(req *kvm.IOEventFD) error {
	defer g.enter()()
	return g.Kernel.IOEventFD(req)
}

func (g *gatedKernel) SignalMSI(msi *kvm.MSI) (int, error) {
	defer g.enter()()
	return g.Kernel.SignalMSI(msi)
}

func (g *gatedKernel) RegisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error {
	defer g.enter()()
	return g.Kernel.RegisterCoalescedMMIO(zone)
}

func (g *gatedKernel) UnregisterCoalescedMMIO(zone kvm.CoalescedMMIOZone) error {
	defer g.enter()()
	return g.Kernel.UnregisterCoalescedMMIO(zone)
}

func (g *gatedKernel) CreateDevice(typ uint32, test bool) (int, error) {
	defer g.enter()()
	return g.Kernel.CreateDevice(typ, test)
}

func (g *gatedKernel) HasDeviceAttr(fd int, attr *kvm.DeviceAttr) error {
	defer g.enter()()
	return g.Kernel.HasDeviceAttr(fd, attr)
}

func (g *gatedKernel) GetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error {
	defer g.enter()()
	return g.Kernel.GetDeviceAttr(fd, attr, val)
}

func (g *gatedKernel) SetDeviceAttr(fd int, attr *kvm.DeviceAttr, val unsafe.Pointer) error {
	defer g.enter()()
	return g.Kernel.SetDeviceAttr(fd, attr, val)
}

func (g *gatedKernel) StatsFd(fd int) (int, error) {
	defer g.enter()()
	return g.Kernel.StatsFd(fd)
}

func (g *gatedKernel) CreateVCPU(id int) (int, error) {
	defer g.enter()()
	return g.Kernel.CreateVCPU(id)
}

// Run holds the gate for the whole of KVM_RUN. Commits kick every vCPU
// before they wait for the write side.
func (g *gatedKernel) Run(vcpuFd int) error {
	defer g.enter()()
	return g.Kernel.Run(vcpuFd)
}

func (g *gatedKernel) GetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error {
	defer g.enter()()
	return g.Kernel.GetOneReg(vcpuFd, id, val)
}

func (g *gatedKernel) SetOneReg(vcpuFd int, id uint64, val unsafe.Pointer) error {
	defer g.enter()()
	return g.Kernel.SetOneReg(vcpuFd, id, val)
}

func (g *gatedKernel) GetRegs(vcpuFd int, regs *kvm.Regs) error {
	defer g.enter()()
	return g.Kernel.GetRegs(vcpuFd, regs)
}

func (g *gatedKernel) SetRegs(vcpuFd int, regs *kvm.Regs) error {
	defer g.enter()()
	return g.Kernel.SetRegs(vcpuFd, regs)
}

func (g *gatedKernel) SetSignalMask(vcpuFd int, set *unix.Sigset_t) error {
	defer g.enter()()
	return g.Kernel.SetSignalMask(vcpuFd, set)
}
