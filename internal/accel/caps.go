//go:build linux

package accel

import (
	"fmt"
	"regexp"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

// Capabilities is the write-once result of probing the kernel. The rest of
// the package branches on it without issuing further checks.
type Capabilities struct {
	RecommendedVCPUs int
	MaxVCPUs         int
	MaxVCPUID        int
	NrMemslots       int
	NrAddressSpaces  int

	// CoalescedMMIO is the page offset of the coalesced ring inside
	// kvm_run, or zero when unsupported.
	CoalescedMMIO int
	CoalescedPIO  bool

	ReadonlyMem        bool
	ImmediateExit      bool
	IOEventFD          bool
	IOEventFDAnyLength bool
	ManyIOEventFDs     bool
	IRQChip            bool
	IRQRouting         bool
	IRQFD              bool
	IRQFDResample      bool
	SignalMSI          bool
	MSIDevID           bool
	VMAttributes       bool
	SyncMMU            bool
	DeviceCtrl         bool
	BinaryStats        bool
	UserMemory2        bool
	GuestMemfd         bool

	// MemoryAttributes is the bitmask of supported memory attributes.
	MemoryAttributes uint64

	// DirtyRing is the ring capability that was found, or zero.
	DirtyRing           kvm.Capability
	DirtyRingMaxBytes   int
	DirtyRingWithBitmap bool
	// ManualProtect is the subset of KVM_DIRTY_LOG_MANUAL_PROTECT_ENABLE
	// and KVM_DIRTY_LOG_INITIALLY_SET the kernel offers.
	ManualProtect uint64
}

// requiredCapabilities must all be present for the accelerator to start.
var requiredCapabilities = []kvm.Capability{
	kvm.CapUserMemory,
	kvm.CapDestroyMemoryRegionWorks,
	kvm.CapJoinMemoryRegionsWorks,
}

func checkPositive(k Kernel, cap kvm.Capability) int {
	ret, err := k.CheckExtension(cap)
	if err != nil || ret < 0 {
		return 0
	}
	return ret
}

func vmCheckPositive(k Kernel, cap kvm.Capability) int {
	ret, err := k.VMCheckExtension(cap)
	if err != nil || ret < 0 {
		return 0
	}
	return ret
}

// Probe queries every capability the accelerator branches on. It issues
// only check requests; nothing is enabled.
func Probe(k Kernel) Capabilities {
	var c Capabilities

	c.RecommendedVCPUs = vmCheckPositive(k, kvm.CapNrVCPUs)
	if c.RecommendedVCPUs == 0 {
		c.RecommendedVCPUs = defaultRecommendedVCPUs
	}
	c.MaxVCPUs = checkPositive(k, kvm.CapMaxVCPUs)
	if c.MaxVCPUs == 0 {
		c.MaxVCPUs = c.RecommendedVCPUs
	}
	c.MaxVCPUID = checkPositive(k, kvm.CapMaxVCPUID)
	if c.MaxVCPUID == 0 {
		c.MaxVCPUID = c.MaxVCPUs
	}

	c.NrMemslots = checkPositive(k, kvm.CapNrMemslots)
	if c.NrMemslots == 0 {
		c.NrMemslots = defaultMemslots
	}
	c.NrAddressSpaces = checkPositive(k, kvm.CapMultiAddressSpace)
	if c.NrAddressSpaces <= 1 {
		c.NrAddressSpaces = 1
	}

	c.CoalescedMMIO = checkPositive(k, kvm.CapCoalescedMMIO)
	c.CoalescedPIO = c.CoalescedMMIO != 0 && checkPositive(k, kvm.CapCoalescedPIO) != 0

	c.ReadonlyMem = vmCheckPositive(k, kvm.CapReadonlyMem) > 0
	c.ImmediateExit = checkPositive(k, kvm.CapImmediateExit) > 0
	c.IOEventFD = checkPositive(k, kvm.CapIOEventFD) > 0
	c.IOEventFDAnyLength = checkPositive(k, kvm.CapIOEventFDAnyLength) > 0
	c.IRQChip = checkPositive(k, kvm.CapIRQChip) > 0
	c.IRQRouting = checkPositive(k, kvm.CapIRQRouting) > 0
	c.IRQFD = checkPositive(k, kvm.CapIRQFD) > 0
	c.IRQFDResample = checkPositive(k, kvm.CapIRQFDResample) > 0
	c.SignalMSI = checkPositive(k, kvm.CapSignalMSI) > 0
	c.MSIDevID = vmCheckPositive(k, kvm.CapMSIDevID) > 0
	c.VMAttributes = checkPositive(k, kvm.CapVMAttributes) > 0
	c.SyncMMU = vmCheckPositive(k, kvm.CapSyncMMU) > 0
	c.DeviceCtrl = checkPositive(k, kvm.CapDeviceCtrl) > 0
	c.BinaryStats = checkPositive(k, kvm.CapBinaryStatsFd) > 0
	c.UserMemory2 = checkPositive(k, kvm.CapUserMemory2) > 0

	c.MemoryAttributes = uint64(vmCheckPositive(k, kvm.CapMemoryAttributes))
	c.GuestMemfd = vmCheckPositive(k, kvm.CapGuestMemfd) > 0 &&
		c.UserMemory2 &&
		c.MemoryAttributes&kvm.MemoryAttributePrivate != 0

	if n := vmCheckPositive(k, kvm.CapDirtyLogRing); n > 0 {
		c.DirtyRing, c.DirtyRingMaxBytes = kvm.CapDirtyLogRing, n
	} else if n := vmCheckPositive(k, kvm.CapDirtyLogRingAcqRel); n > 0 {
		c.DirtyRing, c.DirtyRingMaxBytes = kvm.CapDirtyLogRingAcqRel, n
	}
	c.DirtyRingWithBitmap = vmCheckPositive(k, kvm.CapDirtyLogRingWithBitmap) > 0

	c.ManualProtect = uint64(checkPositive(k, kvm.CapManualDirtyLogProtect2)) &
		(kvm.DirtyLogManualProtectEnable | kvm.DirtyLogInitiallySet)

	return c
}

// checkRequired reports the first missing required capability.
func checkRequired(k Kernel, extra []string) error {
	for _, cap := range requiredCapabilities {
		if checkPositive(k, cap) == 0 {
			return &CapabilityError{Name: cap.String()}
		}
	}
	for _, name := range extra {
		cap, ok := kvm.CapabilityByName(name)
		if !ok {
			return fmt.Errorf("kvm: unknown capability %q", name)
		}
		if checkPositive(k, cap) == 0 {
			return &CapabilityError{Name: cap.String()}
		}
	}
	return nil
}

// HostKernel describes the running kernel release and which optional
// features it is new enough to offer.
type HostKernel struct {
	Release string
	Version string

	DirtyRing     bool
	ManualProtect bool
	GuestMemfd    bool
}

var releasePrefix = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

// kernelSemver turns a uname release such as "6.8.0-45-generic" into
// "v6.8.0".
func kernelSemver(release string) string {
	m := releasePrefix.FindStringSubmatch(release)
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

func hostKernelFromRelease(release string) HostKernel {
	h := HostKernel{Release: release, Version: kernelSemver(release)}
	if h.Version == "" {
		return h
	}
	h.DirtyRing = semver.Compare(h.Version, "v5.11.0") >= 0
	h.ManualProtect = semver.Compare(h.Version, "v5.8.0") >= 0
	h.GuestMemfd = semver.Compare(h.Version, "v6.8.0") >= 0
	return h
}

// DetectHostKernel reads the release with uname.
func DetectHostKernel() (HostKernel, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return HostKernel{}, fmt.Errorf("uname: %w", err)
	}
	return hostKernelFromRelease(unix.ByteSliceToString(uts.Release[:])), nil
}

// dirtyRingHint explains a missing dirty ring in terms of the host kernel.
func dirtyRingHint() string {
	h, err := DetectHostKernel()
	if err != nil || h.Version == "" {
		return "unknown host kernel"
	}
	if !h.DirtyRing {
		return fmt.Sprintf("host kernel %s predates dirty ring support (5.11)", h.Release)
	}
	return fmt.Sprintf("host kernel %s should support it; check the VM type", h.Release)
}

// initDirtyRing enables ring mode when configured. It returns false, with no
// error, when the kernel has no ring and bitmap mode must be used instead.
func (s *State) initDirtyRing() (bool, error) {
	size := s.cfg.DirtyRingSize
	if size == 0 {
		return false, nil
	}

	if s.caps.DirtyRing == 0 {
		s.log.Warn("kvm: dirty ring not available, using bitmap method", "hint", dirtyRingHint())
		return false, nil
	}

	bytes := int(size) * kvm.DirtyGFNSize
	if bytes > s.caps.DirtyRingMaxBytes {
		return false, fmt.Errorf("%w: %d entries requested, maximum is %d",
			ErrRingTooBig, size, s.caps.DirtyRingMaxBytes/kvm.DirtyGFNSize)
	}

	if err := s.k.EnableCap(s.caps.DirtyRing, 0, uint64(bytes)); err != nil {
		return false, fmt.Errorf("kvm: enable dirty ring of %d entries (try %d): %w",
			size, recommendedDirtyRingSize, err)
	}

	if s.caps.DirtyRingWithBitmap {
		if err := s.k.EnableCap(kvm.CapDirtyLogRingWithBitmap, 0); err != nil {
			return false, fmt.Errorf("kvm: enable dirty ring backup bitmap: %w", err)
		}
		s.ringWithBitmap = true
	}

	s.ringSize = size
	s.ringBytes = bytes
	return true, nil
}

// initManualProtect turns on manual dirty log protection. Failure is not
// fatal; the slot manager falls back to clearing on every get.
func (s *State) initManualProtect() {
	caps := s.caps.ManualProtect
	if caps == 0 {
		return
	}
	if err := s.k.EnableCap(kvm.CapManualDirtyLogProtect2, 0, caps); err != nil {
		s.log.Warn("kvm: cannot enable manual dirty log protect", "caps", caps, "error", err)
		return
	}
	s.manualProtect = caps
}

// probeManyIOEventFDs checks whether the kernel accepts several ioeventfds
// on one port distinguished only by datamatch.
func probeManyIOEventFDs(k Kernel, newEventfd func() (EventNotifier, error)) bool {
	const probes = 7

	var fds []EventNotifier
	defer func() {
		for i, fd := range fds {
			req := kvm.IOEventFD{
				Datamatch: uint64(i),
				Len:       2,
				FD:        int32(fd.FD()),
				Flags:     kvm.IOEventFDFlagDatamatch | kvm.IOEventFDFlagPIO | kvm.IOEventFDFlagDeassign,
			}
			_ = k.IOEventFD(&req)
			fd.Close()
		}
	}()

	for i := 0; i < probes; i++ {
		fd, err := newEventfd()
		if err != nil {
			return false
		}
		req := kvm.IOEventFD{
			Datamatch: uint64(i),
			Len:       2,
			FD:        int32(fd.FD()),
			Flags:     kvm.IOEventFDFlagDatamatch | kvm.IOEventFDFlagPIO,
		}
		if err := k.IOEventFD(&req); err != nil {
			fd.Close()
			return false
		}
		fds = append(fds, fd)
	}
	return true
}

// EventNotifier is an eventfd handed to the kernel for irqfd, resamplefd
// and ioeventfd. gvisor's eventfd.Eventfd satisfies it.
type EventNotifier interface {
	FD() int
	Notify() error
	Close() error
}
