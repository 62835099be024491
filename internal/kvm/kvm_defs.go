package kvm

import (
	"fmt"
	"strings"
)

// APIVersion is the only KVM_GET_API_VERSION value the kernel has ever
// reported for the stable ABI.
const APIVersion = 12

const (
	kvmGetAPIVersion           = 0xae00
	kvmCreateVM                = 0xae01
	kvmCheckExtension          = 0xae03
	kvmGetVCPUMmapSize         = 0xae04
	kvmCreateVCPU              = 0xae41
	kvmGetDirtyLog             = 0x4010ae42
	kvmSetUserMemoryRegion     = 0x4020ae46
	kvmSetUserMemoryRegion2    = 0x40a0ae49
	kvmCreateIRQChip           = 0xae60
	kvmIRQLine                 = 0x4008ae61
	kvmRegisterCoalescedMMIO   = 0x4010ae67
	kvmUnregisterCoalescedMMIO = 0x4010ae68
	kvmSetGSIRouting           = 0x4008ae6a
	kvmIRQFD                   = 0x4020ae76
	kvmIOEventFD               = 0x4040ae79
	kvmRun                     = 0xae80
	kvmGetRegs                 = 0x8090ae81
	kvmSetRegs                 = 0x4090ae82
	kvmSetSignalMask           = 0x4004ae8b
	kvmEnableCap               = 0x4068aea3
	kvmSignalMSI               = 0x4020aea5
	kvmGetOneReg               = 0x4010aeab
	kvmSetOneReg               = 0x4010aeac
	kvmClearDirtyLog           = 0xc018aec0
	kvmResetDirtyRings         = 0xaec7
	kvmGetStatsFd              = 0xaece
	kvmSetMemoryAttributes     = 0x4020aed2
	kvmCreateGuestMemfd        = 0xc040aed4
	kvmCreateDevice            = 0xc00caee0
	kvmSetDeviceAttr           = 0x4018aee1
	kvmGetDeviceAttr           = 0x4018aee2
	kvmHasDeviceAttr           = 0x4018aee3
)

// IoctlSize returns the argument size encoded in an _IOW/_IOR ioctl number.
func IoctlSize(request uint64) uintptr {
	return uintptr((request >> 16) & 0x3fff)
}

// Capability is a KVM_CAP_* extension number.
type Capability uint32

const (
	CapIRQChip                  Capability = 0
	CapUserMemory               Capability = 3
	CapNrVCPUs                  Capability = 9
	CapNrMemslots               Capability = 10
	CapCoalescedMMIO            Capability = 15
	CapSyncMMU                  Capability = 16
	CapDestroyMemoryRegionWorks Capability = 21
	CapSetGuestDebug            Capability = 23
	CapIRQRouting               Capability = 25
	CapJoinMemoryRegionsWorks   Capability = 30
	CapIRQFD                    Capability = 32
	CapIOEventFD                Capability = 36
	CapInternalErrorData        Capability = 40
	CapX86RobustSinglestep      Capability = 51
	CapMaxVCPUs                 Capability = 66
	CapSignalMSI                Capability = 77
	CapReadonlyMem              Capability = 81
	CapIRQFDResample            Capability = 82
	CapDeviceCtrl               Capability = 89
	CapIOEventFDNoLength        Capability = 100
	CapVMAttributes             Capability = 101
	CapMultiAddressSpace        Capability = 118
	CapSplitIRQChip             Capability = 121
	CapIOEventFDAnyLength       Capability = 122
	CapMaxVCPUID                Capability = 128
	CapMSIDevID                 Capability = 131
	CapImmediateExit            Capability = 136
	CapCoalescedPIO             Capability = 162
	CapManualDirtyLogProtect2   Capability = 168
	CapDirtyLogRing             Capability = 192
	CapBinaryStatsFd            Capability = 203
	CapDirtyLogRingAcqRel       Capability = 223
	CapDirtyLogRingWithBitmap   Capability = 225
	CapUserMemory2              Capability = 231
	CapMemoryFaultInfo          Capability = 232
	CapMemoryAttributes         Capability = 233
	CapGuestMemfd               Capability = 234
	CapVMTypes                  Capability = 235
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                  "KVM_CAP_IRQCHIP",
	CapUserMemory:               "KVM_CAP_USER_MEMORY",
	CapNrVCPUs:                  "KVM_CAP_NR_VCPUS",
	CapNrMemslots:               "KVM_CAP_NR_MEMSLOTS",
	CapCoalescedMMIO:            "KVM_CAP_COALESCED_MMIO",
	CapSyncMMU:                  "KVM_CAP_SYNC_MMU",
	CapDestroyMemoryRegionWorks: "KVM_CAP_DESTROY_MEMORY_REGION_WORKS",
	CapSetGuestDebug:            "KVM_CAP_SET_GUEST_DEBUG",
	CapIRQRouting:               "KVM_CAP_IRQ_ROUTING",
	CapJoinMemoryRegionsWorks:   "KVM_CAP_JOIN_MEMORY_REGIONS_WORKS",
	CapIRQFD:                    "KVM_CAP_IRQFD",
	CapIOEventFD:                "KVM_CAP_IOEVENTFD",
	CapInternalErrorData:        "KVM_CAP_INTERNAL_ERROR_DATA",
	CapX86RobustSinglestep:      "KVM_CAP_X86_ROBUST_SINGLESTEP",
	CapMaxVCPUs:                 "KVM_CAP_MAX_VCPUS",
	CapSignalMSI:                "KVM_CAP_SIGNAL_MSI",
	CapReadonlyMem:              "KVM_CAP_READONLY_MEM",
	CapIRQFDResample:            "KVM_CAP_IRQFD_RESAMPLE",
	CapDeviceCtrl:               "KVM_CAP_DEVICE_CTRL",
	CapIOEventFDNoLength:        "KVM_CAP_IOEVENTFD_NO_LENGTH",
	CapVMAttributes:             "KVM_CAP_VM_ATTRIBUTES",
	CapMultiAddressSpace:        "KVM_CAP_MULTI_ADDRESS_SPACE",
	CapSplitIRQChip:             "KVM_CAP_SPLIT_IRQCHIP",
	CapIOEventFDAnyLength:       "KVM_CAP_IOEVENTFD_ANY_LENGTH",
	CapMaxVCPUID:                "KVM_CAP_MAX_VCPU_ID",
	CapMSIDevID:                 "KVM_CAP_MSI_DEVID",
	CapImmediateExit:            "KVM_CAP_IMMEDIATE_EXIT",
	CapCoalescedPIO:             "KVM_CAP_COALESCED_PIO",
	CapManualDirtyLogProtect2:   "KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2",
	CapDirtyLogRing:             "KVM_CAP_DIRTY_LOG_RING",
	CapBinaryStatsFd:            "KVM_CAP_BINARY_STATS_FD",
	CapDirtyLogRingAcqRel:       "KVM_CAP_DIRTY_LOG_RING_ACQ_REL",
	CapDirtyLogRingWithBitmap:   "KVM_CAP_DIRTY_LOG_RING_WITH_BITMAP",
	CapUserMemory2:              "KVM_CAP_USER_MEMORY2",
	CapMemoryFaultInfo:          "KVM_CAP_MEMORY_FAULT_INFO",
	CapMemoryAttributes:         "KVM_CAP_MEMORY_ATTRIBUTES",
	CapGuestMemfd:               "KVM_CAP_GUEST_MEMFD",
	CapVMTypes:                  "KVM_CAP_VM_TYPES",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("KVM_CAP_???(%d)", uint32(c))
}

// CapabilityByName looks up a capability by its KVM_CAP_ name, ignoring case.
// The prefix is optional.
func CapabilityByName(name string) (Capability, bool) {
	for c, n := range capabilityNames {
		if strings.EqualFold(n, name) || strings.EqualFold(n, "KVM_CAP_"+name) {
			return c, true
		}
	}
	return 0, false
}

// Capabilities returns every capability with a known name.
func Capabilities() []Capability {
	ret := make([]Capability, 0, len(capabilityNames))
	for c := range capabilityNames {
		ret = append(ret, c)
	}
	return ret
}

// Memory slot flags.
const (
	MemLogDirtyPages uint32 = 1 << 0
	MemReadonly      uint32 = 1 << 1
	MemGuestMemfd    uint32 = 1 << 2
)

// MemoryAttributePrivate marks a range as private to a confidential guest.
const MemoryAttributePrivate uint64 = 1 << 3

// MemoryExitFlagPrivate is set in a memory fault exit when the access
// wanted private memory.
const MemoryExitFlagPrivate uint64 = 1 << 3

// KVM_CAP_MANUAL_DIRTY_LOG_PROTECT2 bits.
const (
	DirtyLogManualProtectEnable uint64 = 1 << 0
	DirtyLogInitiallySet        uint64 = 1 << 1
)

// kvm_dirty_gfn flags.
const (
	DirtyGFNFlagDirty uint32 = 1 << 0
	DirtyGFNFlagReset uint32 = 1 << 1
)

// DirtyLogPageOffset is the page offset of the dirty ring in the vCPU mmap.
const DirtyLogPageOffset = 64

const (
	IRQFDFlagDeassign = 1 << 0
	IRQFDFlagResample = 1 << 1
)

const (
	IOEventFDFlagDatamatch = 1 << 0
	IOEventFDFlagPIO       = 1 << 1
	IOEventFDFlagDeassign  = 1 << 2
)

const (
	IRQRoutingIRQChip = 1
	IRQRoutingMSI     = 2
)

const MSIValidDevID = 1 << 0

const CreateDeviceTest = 1

const (
	IRQChipPICMaster = 0
	IRQChipPICSlave  = 1
	IRQChipIOAPIC    = 2
)

// Internal error suberrors.
const (
	InternalErrorEmulation            = 1
	InternalErrorSimulEx              = 2
	InternalErrorDeliveryEv           = 3
	InternalErrorUnexpectedExitReason = 4
)

// ExitReason is kvm_run.exit_reason.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTPR        ExitReason = 11
	ExitTPRAccess     ExitReason = 12
	ExitNMI           ExitReason = 16
	ExitInternalError ExitReason = 17
	ExitWatchdog      ExitReason = 21
	ExitSystemEvent   ExitReason = 24
	ExitIOAPICEOI     ExitReason = 26
	ExitHyperv        ExitReason = 27
	ExitX86RDMSR      ExitReason = 29
	ExitX86WRMSR      ExitReason = 30
	ExitDirtyRingFull ExitReason = 31
	ExitAPResetHold   ExitReason = 32
	ExitX86BusLock    ExitReason = 33
	ExitXen           ExitReason = 34
	ExitNotify        ExitReason = 37
	ExitMemoryFault   ExitReason = 39
	ExitTDX           ExitReason = 40
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case ExitException:
		return "KVM_EXIT_EXCEPTION"
	case ExitIO:
		return "KVM_EXIT_IO"
	case ExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case ExitDebug:
		return "KVM_EXIT_DEBUG"
	case ExitHLT:
		return "KVM_EXIT_HLT"
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitIRQWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "KVM_EXIT_INTR"
	case ExitSetTPR:
		return "KVM_EXIT_SET_TPR"
	case ExitTPRAccess:
		return "KVM_EXIT_TPR_ACCESS"
	case ExitNMI:
		return "KVM_EXIT_NMI"
	case ExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case ExitWatchdog:
		return "KVM_EXIT_WATCHDOG"
	case ExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case ExitIOAPICEOI:
		return "KVM_EXIT_IOAPIC_EOI"
	case ExitHyperv:
		return "KVM_EXIT_HYPERV"
	case ExitX86RDMSR:
		return "KVM_EXIT_X86_RDMSR"
	case ExitX86WRMSR:
		return "KVM_EXIT_X86_WRMSR"
	case ExitDirtyRingFull:
		return "KVM_EXIT_DIRTY_RING_FULL"
	case ExitAPResetHold:
		return "KVM_EXIT_AP_RESET_HOLD"
	case ExitX86BusLock:
		return "KVM_EXIT_X86_BUS_LOCK"
	case ExitXen:
		return "KVM_EXIT_XEN"
	case ExitNotify:
		return "KVM_EXIT_NOTIFY"
	case ExitMemoryFault:
		return "KVM_EXIT_MEMORY_FAULT"
	case ExitTDX:
		return "KVM_EXIT_TDX"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(r))
	}
}

// SystemEvent is kvm_run.system_event.type.
type SystemEvent uint32

const (
	SystemEventShutdown SystemEvent = 1
	SystemEventReset    SystemEvent = 2
	SystemEventCrash    SystemEvent = 3
	SystemEventWakeup   SystemEvent = 4
	SystemEventSuspend  SystemEvent = 5
	SystemEventSEVTerm  SystemEvent = 6
	SystemEventTDXFatal SystemEvent = 7
)

func (e SystemEvent) String() string {
	switch e {
	case SystemEventShutdown:
		return "shutdown"
	case SystemEventReset:
		return "reset"
	case SystemEventCrash:
		return "crash"
	case SystemEventWakeup:
		return "wakeup"
	case SystemEventSuspend:
		return "suspend"
	case SystemEventSEVTerm:
		return "sev-term"
	case SystemEventTDXFatal:
		return "tdx-fatal"
	default:
		return fmt.Sprintf("system-event(%d)", uint32(e))
	}
}
