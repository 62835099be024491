package kvm

import (
	"testing"
	"unsafe"
)

func TestABISizesMatchIoctlNumbers(t *testing.T) {
	for _, tc := range []struct {
		name    string
		request uint64
		size    uintptr
	}{
		{"GET_DIRTY_LOG", kvmGetDirtyLog, unsafe.Sizeof(dirtyLog{})},
		{"SET_USER_MEMORY_REGION", kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})},
		{"SET_USER_MEMORY_REGION2", kvmSetUserMemoryRegion2, unsafe.Sizeof(UserspaceMemoryRegion2{})},
		{"IRQ_LINE", kvmIRQLine, unsafe.Sizeof(irqLevel{})},
		{"REGISTER_COALESCED_MMIO", kvmRegisterCoalescedMMIO, unsafe.Sizeof(CoalescedMMIOZone{})},
		{"SET_GSI_ROUTING", kvmSetGSIRouting, unsafe.Sizeof(irqRoutingHeader{})},
		{"IRQFD", kvmIRQFD, unsafe.Sizeof(IRQFD{})},
		{"IOEVENTFD", kvmIOEventFD, unsafe.Sizeof(IOEventFD{})},
		{"GET_REGS", kvmGetRegs, unsafe.Sizeof(Regs{})},
		{"ENABLE_CAP", kvmEnableCap, unsafe.Sizeof(enableCap{})},
		{"SIGNAL_MSI", kvmSignalMSI, unsafe.Sizeof(MSI{})},
		{"GET_ONE_REG", kvmGetOneReg, unsafe.Sizeof(oneReg{})},
		{"CLEAR_DIRTY_LOG", kvmClearDirtyLog, unsafe.Sizeof(clearDirtyLog{})},
		{"SET_MEMORY_ATTRIBUTES", kvmSetMemoryAttributes, unsafe.Sizeof(memoryAttributes{})},
		{"CREATE_GUEST_MEMFD", kvmCreateGuestMemfd, unsafe.Sizeof(createGuestMemfd{})},
		{"CREATE_DEVICE", kvmCreateDevice, unsafe.Sizeof(createDevice{})},
		{"SET_DEVICE_ATTR", kvmSetDeviceAttr, unsafe.Sizeof(DeviceAttr{})},
	} {
		if got := IoctlSize(tc.request); got != tc.size {
			t.Errorf("%s: ioctl encodes %d bytes, struct is %d", tc.name, got, tc.size)
		}
	}
}

func TestRunLayout(t *testing.T) {
	var r Run
	if off := unsafe.Offsetof(r.Exit); off != 32 {
		t.Fatalf("exit union at %d, want 32", off)
	}
	if off := unsafe.Offsetof(r.ValidRegs); off != 288 {
		t.Fatalf("kvm_valid_regs at %d, want 288", off)
	}
	if size := unsafe.Sizeof(r); size != 2352 {
		t.Fatalf("kvm_run is %d bytes, want 2352", size)
	}
	if DirtyGFNSize != 16 {
		t.Fatalf("kvm_dirty_gfn is %d bytes, want 16", DirtyGFNSize)
	}
	if size := unsafe.Sizeof(IRQRoutingEntry{}); size != 48 {
		t.Fatalf("kvm_irq_routing_entry is %d bytes, want 48", size)
	}
}

func TestImmediateExit(t *testing.T) {
	buf := make([]byte, unsafe.Sizeof(Run{}))
	r := RunFromBytes(buf)
	r.RequestInterruptWindow = 1

	r.StoreImmediateExit(1)
	if r.LoadImmediateExit() != 1 {
		t.Fatalf("immediate_exit not set")
	}
	if buf[1] != 1 {
		t.Fatalf("immediate_exit stored at wrong byte: % x", buf[:4])
	}
	if r.RequestInterruptWindow != 1 {
		t.Fatalf("request_interrupt_window clobbered")
	}

	r.StoreImmediateExit(0)
	if r.LoadImmediateExit() != 0 {
		t.Fatalf("immediate_exit not cleared")
	}
}

func TestCoalescedRing(t *testing.T) {
	if got := CoalescedMMIOMax(4096); got != 170 {
		t.Fatalf("CoalescedMMIOMax(4096) = %d, want 170", got)
	}

	page := make([]byte, 4096)
	ring := CoalescedRingFromBytes(page)
	ent := ring.Entry(page, 2)
	ent.PhysAddr = 0x1000
	ent.Len = 4

	if off := uintptr(unsafe.Pointer(ent)) - uintptr(unsafe.Pointer(&page[0])); off != 8+2*24 {
		t.Fatalf("entry 2 not at expected offset")
	}
}

func TestRouteEncoding(t *testing.T) {
	e := MSIRoute(5, 0xfee0_1000_0000_2000, 0x41, MSIValidDevID, 7)
	addr, data := e.MSI()
	if addr != 0xfee0_1000_0000_2000 || data != 0x41 {
		t.Fatalf("MSI() = %#x, %#x", addr, data)
	}

	e = IRQChipRoute(3, IRQChipIOAPIC, 3)
	chip, pin := e.IRQChip()
	if chip != IRQChipIOAPIC || pin != 3 {
		t.Fatalf("IRQChip() = %d, %d", chip, pin)
	}
}

func TestCapabilityNames(t *testing.T) {
	if CapDirtyLogRing.String() != "KVM_CAP_DIRTY_LOG_RING" {
		t.Fatalf("String() = %q", CapDirtyLogRing.String())
	}
	for _, name := range []string{"KVM_CAP_USER_MEMORY", "USER_MEMORY", "user_memory"} {
		c, ok := CapabilityByName(name)
		if !ok || c != CapUserMemory {
			t.Fatalf("CapabilityByName(%q) = %d, %v", name, c, ok)
		}
	}
	if ExitDirtyRingFull.String() != "KVM_EXIT_DIRTY_RING_FULL" {
		t.Fatalf("ExitReason.String() = %q", ExitDirtyRingFull.String())
	}
}
