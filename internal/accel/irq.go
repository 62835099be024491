//go:build linux

package accel

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
	"gvisor.dev/gvisor/pkg/bitmap"
)

// minRouteCapacity is the smallest routing table allocation.
const minRouteCapacity = 64

// MSIMessage is the address/data pair a device writes to signal an MSI.
type MSIMessage struct {
	Address uint64
	Data    uint32
}

func (s *State) initIRQChip() error {
	switch s.cfg.KernelIRQChip {
	case IRQChipOff:
		return nil
	case IRQChipSplit:
		if err := s.k.EnableCap(kvm.CapSplitIRQChip, 0, DefaultSplitIOAPICPins); err != nil {
			return fmt.Errorf("kvm: create kernel irqchip (split): %w", err)
		}
		s.irqchipSplit = true
	default:
		if !s.caps.IRQChip {
			s.log.Info("kvm: no in-kernel irqchip, emulating interrupt controllers")
			return nil
		}
		if err := s.k.CreateIRQChip(); err != nil {
			return fmt.Errorf("kvm: create kernel irqchip: %w", err)
		}
	}
	s.irqchipInKernel = true
	s.initRouting()
	return nil
}

func (s *State) initRouting() {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()

	if n := checkPositive(s.k, kvm.CapIRQRouting) - 1; n > 0 {
		s.gsiCount = uint32(n)
		s.usedGSI = bitmap.New(s.gsiCount)
		s.routingEnabled = true
	}
	s.routes = nil
	s.resampleFds = make(map[uint32]EventNotifier)
}

// KernelIRQChip reports whether interrupt controllers live in the kernel.
func (s *State) KernelIRQChip() bool { return s.irqchipInKernel }

// SplitIRQChip reports whether the IOAPIC is emulated in userspace.
func (s *State) SplitIRQChip() bool { return s.irqchipSplit }

// RoutingEnabled reports whether GSI routes can be programmed.
func (s *State) RoutingEnabled() bool { return s.routingEnabled }

// GSICount is the number of routable GSIs.
func (s *State) GSICount() uint32 { return s.gsiCount }

// Routes returns a copy of the routing table.
func (s *State) Routes() []kvm.IRQRoutingEntry {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return append([]kvm.IRQRoutingEntry(nil), s.routes...)
}

func (s *State) setGSI(gsi uint32) {
	if gsi < s.gsiCount {
		s.usedGSI.Add(gsi)
	}
}

func (s *State) clearGSI(gsi uint32) {
	if gsi < s.gsiCount {
		s.usedGSI.Remove(gsi)
	}
}

func (s *State) addRouteLocked(e kvm.IRQRoutingEntry) {
	if len(s.routes) == cap(s.routes) {
		n := max(cap(s.routes)*2, minRouteCapacity)
		grown := make([]kvm.IRQRoutingEntry, len(s.routes), n)
		copy(grown, s.routes)
		s.routes = grown
	}
	s.routes = append(s.routes, e)
	s.setGSI(e.GSI)
}

// AddRoute appends e and marks its GSI used. The kernel sees it at the next
// CommitRoutes.
func (s *State) AddRoute(e kvm.IRQRoutingEntry) {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	s.addRouteLocked(e)
}

func routeEqual(a, b *kvm.IRQRoutingEntry) bool {
	size := unsafe.Sizeof(*a)
	return bytes.Equal(
		unsafe.Slice((*byte)(unsafe.Pointer(a)), size),
		unsafe.Slice((*byte)(unsafe.Pointer(b)), size),
	)
}

func (s *State) updateRouteLocked(e kvm.IRQRoutingEntry) error {
	for i := range s.routes {
		if s.routes[i].GSI != e.GSI {
			continue
		}
		if !routeEqual(&s.routes[i], &e) {
			s.routes[i] = e
		}
		return nil
	}
	return fmt.Errorf("%w: gsi %d", ErrRouteNotFound, e.GSI)
}

// UpdateRoute replaces the route of e.GSI.
func (s *State) UpdateRoute(e kvm.IRQRoutingEntry) error {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return s.updateRouteLocked(e)
}

// ReleaseGSI drops every route of gsi and frees it.
func (s *State) ReleaseGSI(gsi uint32) {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()

	for i := 0; i < len(s.routes); {
		if s.routes[i].GSI == gsi {
			last := len(s.routes) - 1
			s.routes[i] = s.routes[last]
			s.routes = s.routes[:last]
			continue
		}
		i++
	}
	s.clearGSI(gsi)
}

func (s *State) freeGSILocked() (uint32, error) {
	if s.gsiCount == 0 {
		return 0, ErrNoSpace
	}
	gsi, err := s.usedGSI.FirstZero(0)
	if err != nil || gsi >= s.gsiCount {
		return 0, fmt.Errorf("%w (%d in use)", ErrNoSpace, s.usedGSI.GetNumOnes())
	}
	return gsi, nil
}

// FreeGSI returns the lowest unused GSI without reserving it.
func (s *State) FreeGSI() (uint32, error) {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return s.freeGSILocked()
}

// AddIRQChipRoute routes gsi to pin of an in-kernel interrupt controller.
func (s *State) AddIRQChipRoute(gsi, irqchip, pin uint32) {
	s.AddRoute(kvm.IRQChipRoute(gsi, irqchip, pin))
}

func (s *State) msiRoute(gsi uint32, msg MSIMessage, devid uint32) kvm.IRQRoutingEntry {
	var flags uint32
	if s.caps.MSIDevID {
		flags = kvm.MSIValidDevID
	} else {
		devid = 0
	}
	return kvm.MSIRoute(gsi, msg.Address, msg.Data, flags, devid)
}

// CommitRoutes hands the whole table to the kernel. There is no
// incremental update.
func (s *State) CommitRoutes() error {
	if !s.routingEnabled {
		return nil
	}

	s.irqMu.Lock()
	routes := append([]kvm.IRQRoutingEntry(nil), s.routes...)
	s.irqMu.Unlock()

	debug.Writef("kvm set gsi routing", "entries=%d", len(routes))

	if err := s.k.SetGSIRouting(routes); err != nil {
		return fmt.Errorf("kvm: set gsi routing (%d entries): %w", len(routes), err)
	}
	return nil
}

// RouteChange batches route additions so the table is committed once.
type RouteChange struct {
	s       *State
	changes int
}

func (s *State) BeginRouteChanges() *RouteChange {
	return &RouteChange{s: s}
}

// AddMSIRoute allocates a GSI and routes it to msg.
func (c *RouteChange) AddMSIRoute(msg MSIMessage, devid uint32) (uint32, error) {
	s := c.s
	if !s.routingEnabled {
		return 0, ErrUnsupported
	}

	s.irqMu.Lock()
	defer s.irqMu.Unlock()

	gsi, err := s.freeGSILocked()
	if err != nil {
		return 0, err
	}
	s.addRouteLocked(s.msiRoute(gsi, msg, devid))
	c.changes++
	return gsi, nil
}

// Changes is the number of routes added since the batch began.
func (c *RouteChange) Changes() int { return c.changes }

// Commit pushes the table if anything changed.
func (c *RouteChange) Commit() error {
	if c.changes == 0 {
		return nil
	}
	c.changes = 0
	return c.s.CommitRoutes()
}

// UpdateMSIRoute points an existing MSI route at msg. The table is not
// committed.
func (s *State) UpdateMSIRoute(gsi uint32, msg MSIMessage, devid uint32) error {
	if !s.routingEnabled {
		return ErrUnsupported
	}
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return s.updateRouteLocked(s.msiRoute(gsi, msg, devid))
}

// SendMSI injects msg directly. It reports the kernel's delivery count.
func (s *State) SendMSI(msg MSIMessage, devid uint32) (int, error) {
	if !s.directMSI {
		return 0, ErrUnsupported
	}

	m := kvm.MSI{
		AddressLo: uint32(msg.Address),
		AddressHi: uint32(msg.Address >> 32),
		Data:      msg.Data,
	}
	if s.caps.MSIDevID {
		m.Flags = kvm.MSIValidDevID
		m.DevID = devid
	}

	n, err := s.k.SignalMSI(&m)
	if err != nil {
		return 0, fmt.Errorf("kvm: signal msi addr=%#x data=%#x: %w", msg.Address, msg.Data, err)
	}
	return n, nil
}

// SetIRQ drives an interrupt line of the in-kernel irqchip.
func (s *State) SetIRQ(irq uint32, level bool) error {
	if err := s.k.IRQLine(irq, level); err != nil {
		return fmt.Errorf("kvm: irq line %d level=%t: %w", irq, level, err)
	}
	return nil
}

// SetupPCRouting installs the legacy PC routes: PIC master pins 0-7
// (except the cascade), PIC slave pins 8-15 and IOAPIC pins 0-23, with
// GSI 0 on IOAPIC pin 2. With a split irqchip the IOAPIC pins are
// delivered as MSIs, so one placeholder MSI route per pin is reserved
// instead.
func (s *State) SetupPCRouting() error {
	if !s.routingEnabled {
		return nil
	}

	if s.irqchipSplit {
		c := s.BeginRouteChanges()
		for i := 0; i < DefaultSplitIOAPICPins; i++ {
			if _, err := c.AddMSIRoute(MSIMessage{}, 0); err != nil {
				return fmt.Errorf("kvm: reserve IOAPIC route %d: %w", i, err)
			}
		}
		return c.Commit()
	}

	for i := uint32(0); i < 8; i++ {
		if i == 2 {
			continue
		}
		s.AddIRQChipRoute(i, kvm.IRQChipPICMaster, i)
	}
	for i := uint32(8); i < 16; i++ {
		s.AddIRQChipRoute(i, kvm.IRQChipPICSlave, i-8)
	}
	for i := uint32(0); i < DefaultSplitIOAPICPins; i++ {
		switch i {
		case 0:
			s.AddIRQChipRoute(i, kvm.IRQChipIOAPIC, 2)
		case 2:
		default:
			s.AddIRQChipRoute(i, kvm.IRQChipIOAPIC, i)
		}
	}
	return s.CommitRoutes()
}
