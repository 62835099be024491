package kvm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Struct layouts adapted from include/uapi/linux/kvm.h. Field order and
// padding must match the kernel exactly.

type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type UserspaceMemoryRegion2 struct {
	Slot             uint32
	Flags            uint32
	GuestPhysAddr    uint64
	MemorySize       uint64
	UserspaceAddr    uint64
	GuestMemfdOffset uint64
	GuestMemfd       uint32
	_                uint32
	_                [14]uint64
}

type dirtyLog struct {
	Slot        uint32
	_           uint32
	DirtyBitmap uint64
}

type clearDirtyLog struct {
	Slot        uint32
	NumPages    uint32
	FirstPage   uint64
	DirtyBitmap uint64
}

type enableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]byte
}

// IRQRoutingEntry is struct kvm_irq_routing_entry.
type IRQRoutingEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32
	U     [32]byte
}

type irqRoutingHeader struct {
	NR    uint32
	Flags uint32
}

// IRQChipRoute builds an irqchip pin route.
func IRQChipRoute(gsi, irqchip, pin uint32) IRQRoutingEntry {
	e := IRQRoutingEntry{GSI: gsi, Type: IRQRoutingIRQChip}
	binary.NativeEndian.PutUint32(e.U[0:4], irqchip)
	binary.NativeEndian.PutUint32(e.U[4:8], pin)
	return e
}

// MSIRoute builds an MSI route. Pass flags=MSIValidDevID to make devid
// meaningful to the kernel.
func MSIRoute(gsi uint32, address uint64, data uint32, flags uint32, devid uint32) IRQRoutingEntry {
	e := IRQRoutingEntry{GSI: gsi, Type: IRQRoutingMSI, Flags: flags}
	binary.NativeEndian.PutUint32(e.U[0:4], uint32(address))
	binary.NativeEndian.PutUint32(e.U[4:8], uint32(address>>32))
	binary.NativeEndian.PutUint32(e.U[8:12], data)
	binary.NativeEndian.PutUint32(e.U[12:16], devid)
	return e
}

// IRQChip returns the irqchip and pin of an irqchip route.
func (e *IRQRoutingEntry) IRQChip() (irqchip, pin uint32) {
	return binary.NativeEndian.Uint32(e.U[0:4]), binary.NativeEndian.Uint32(e.U[4:8])
}

// MSI returns the address and data of an MSI route.
func (e *IRQRoutingEntry) MSI() (address uint64, data uint32) {
	lo := binary.NativeEndian.Uint32(e.U[0:4])
	hi := binary.NativeEndian.Uint32(e.U[4:8])
	return uint64(hi)<<32 | uint64(lo), binary.NativeEndian.Uint32(e.U[8:12])
}

type IRQFD struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]byte
}

type IOEventFD struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]byte
}

type MSI struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	DevID     uint32
	_         [12]byte
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type memoryAttributes struct {
	Address    uint64
	Size       uint64
	Attributes uint64
	Flags      uint64
}

type createGuestMemfd struct {
	Size  uint64
	Flags uint64
	_     [6]uint64
}

type CoalescedMMIOZone struct {
	Addr uint64
	Size uint32
	PIO  uint32
}

type createDevice struct {
	Type  uint32
	FD    uint32
	Flags uint32
}

type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

type oneReg struct {
	ID   uint64
	Addr uint64
}

type signalMaskHeader struct {
	Len uint32
}

// Run is the shared struct kvm_run mapped from the vCPU fd.
type Run struct {
	RequestInterruptWindow     uint8
	immediateExit              uint8
	_                          [6]uint8
	ExitReason                 ExitReason
	ReadyForInterruptInjection uint8
	IFFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64
	Exit                       [256]byte
	ValidRegs                  uint64
	DirtyRegs                  uint64
	S                          [2048]byte
}

// RunFromBytes views a mapped kvm_run area.
func RunFromBytes(b []byte) *Run {
	if len(b) < int(unsafe.Sizeof(Run{})) {
		panic("kvm: kvm_run mapping too small")
	}
	return (*Run)(unsafe.Pointer(&b[0]))
}

var immediateExitShift = func() uint {
	x := uint16(1)
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return 8
	}
	return 16
}()

// StoreImmediateExit publishes immediate_exit with a full barrier. Other
// threads share the containing word, so the byte is replaced with CAS.
func (r *Run) StoreImmediateExit(v uint8) {
	word := (*uint32)(unsafe.Pointer(r))
	for {
		old := atomic.LoadUint32(word)
		val := old&^(0xff<<immediateExitShift) | uint32(v)<<immediateExitShift
		if atomic.CompareAndSwapUint32(word, old, val) {
			return
		}
	}
}

func (r *Run) LoadImmediateExit() uint8 {
	word := (*uint32)(unsafe.Pointer(r))
	return uint8(atomic.LoadUint32(word) >> immediateExitShift)
}

type RunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

type RunMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}

type RunSystemEvent struct {
	Type  SystemEvent
	NData uint32
	Data  [16]uint64
}

type RunInternalError struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

type RunMemoryFault struct {
	Flags uint64
	GPA   uint64
	Size  uint64
}

type RunFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

func (r *Run) IO() *RunIO {
	return (*RunIO)(unsafe.Pointer(&r.Exit[0]))
}

func (r *Run) MMIO() *RunMMIO {
	return (*RunMMIO)(unsafe.Pointer(&r.Exit[0]))
}

func (r *Run) SystemEvent() *RunSystemEvent {
	return (*RunSystemEvent)(unsafe.Pointer(&r.Exit[0]))
}

func (r *Run) InternalError() *RunInternalError {
	return (*RunInternalError)(unsafe.Pointer(&r.Exit[0]))
}

func (r *Run) MemoryFault() *RunMemoryFault {
	return (*RunMemoryFault)(unsafe.Pointer(&r.Exit[0]))
}

func (r *Run) FailEntry() *RunFailEntry {
	return (*RunFailEntry)(unsafe.Pointer(&r.Exit[0]))
}

// HardwareExitReason is the payload of KVM_EXIT_UNKNOWN.
func (r *Run) HardwareExitReason() uint64 {
	return *(*uint64)(unsafe.Pointer(&r.Exit[0]))
}

// DirtyGFN is struct kvm_dirty_gfn, one entry of a vCPU dirty ring.
type DirtyGFN struct {
	Flags  uint32
	Slot   uint32
	Offset uint64
}

const DirtyGFNSize = int(unsafe.Sizeof(DirtyGFN{}))

// DirtyGFNAt returns entry i of a mapped dirty ring.
func DirtyGFNAt(ring []byte, i uint32) *DirtyGFN {
	return (*DirtyGFN)(unsafe.Pointer(&ring[int(i)*DirtyGFNSize]))
}

// Dirtied loads the flags with acquire ordering; slot and offset are valid
// only after it reports true.
func (g *DirtyGFN) Dirtied() bool {
	return atomic.LoadUint32(&g.Flags)&DirtyGFNFlagDirty != 0
}

// SetCollected hands the entry back to the kernel with release ordering.
func (g *DirtyGFN) SetCollected() {
	atomic.StoreUint32(&g.Flags, DirtyGFNFlagReset)
}

// CoalescedMMIO is one entry of the coalesced MMIO ring.
type CoalescedMMIO struct {
	PhysAddr uint64
	Len      uint32
	PIO      uint32
	Data     [8]byte
}

// CoalescedMMIORing is the header of the page shared with the kernel.
type CoalescedMMIORing struct {
	First uint32
	Last  uint32
}

const coalescedMMIOSize = int(unsafe.Sizeof(CoalescedMMIO{}))

// CoalescedMMIOMax is the ring capacity for the host page size.
func CoalescedMMIOMax(pageSize int) uint32 {
	return uint32((pageSize - int(unsafe.Sizeof(CoalescedMMIORing{}))) / coalescedMMIOSize)
}

// CoalescedRingFromBytes views a mapped coalesced MMIO page.
func CoalescedRingFromBytes(b []byte) *CoalescedMMIORing {
	return (*CoalescedMMIORing)(unsafe.Pointer(&b[0]))
}

// Entry returns entry i. b must be the page the ring was taken from.
func (r *CoalescedMMIORing) Entry(b []byte, i uint32) *CoalescedMMIO {
	off := int(unsafe.Sizeof(CoalescedMMIORing{})) + int(i)*coalescedMMIOSize
	return (*CoalescedMMIO)(unsafe.Pointer(&b[off]))
}

// LoadLast reads the producer index written by the kernel.
func (r *CoalescedMMIORing) LoadLast() uint32 {
	return atomic.LoadUint32(&r.Last)
}

// StoreFirst publishes the consumer index after the entry has been consumed.
func (r *CoalescedMMIORing) StoreFirst(v uint32) {
	atomic.StoreUint32(&r.First, v)
}

// Stats descriptor flags.
const (
	StatsTypeShift = 0
	StatsTypeMask  = 0xF << StatsTypeShift
	StatsUnitShift = 4
	StatsUnitMask  = 0xF << StatsUnitShift
	StatsBaseShift = 8
	StatsBaseMask  = 0xF << StatsBaseShift
)

const (
	StatsTypeCumulative = 0 << StatsTypeShift
	StatsTypeInstant    = 1 << StatsTypeShift
	StatsTypePeak       = 2 << StatsTypeShift
	StatsTypeLinearHist = 3 << StatsTypeShift
	StatsTypeLogHist    = 4 << StatsTypeShift
)

const (
	StatsUnitNone    = 0 << StatsUnitShift
	StatsUnitBytes   = 1 << StatsUnitShift
	StatsUnitSeconds = 2 << StatsUnitShift
	StatsUnitCycles  = 3 << StatsUnitShift
	StatsUnitBoolean = 4 << StatsUnitShift
)

const (
	StatsBasePow10 = 0 << StatsBaseShift
	StatsBasePow2  = 1 << StatsBaseShift
)

// StatsHeader is struct kvm_stats_header.
type StatsHeader struct {
	Flags      uint32
	NameSize   uint32
	NumDesc    uint32
	IDOffset   uint32
	DescOffset uint32
	DataOffset uint32
}

// statsDescHeader is the fixed part of struct kvm_stats_desc; the name
// follows it, NameSize bytes long.
type statsDescHeader struct {
	Flags      uint32
	Exponent   int16
	Size       uint16
	Offset     uint32
	BucketSize uint32
}
