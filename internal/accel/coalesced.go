//go:build linux

package accel

import (
	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// Coalesced zones buffer guest writes in a ring shared with the kernel
// instead of exiting. Registration errors are ignored: an unregistered zone
// just exits on every write.

func (s *State) CoalescedMMIOAdd(addr uint64, size uint32) {
	if s.caps.CoalescedMMIO == 0 {
		return
	}
	debug.Writef("kvm coalesced mmio", "add addr=%#x size=%#x", addr, size)
	_ = s.k.RegisterCoalescedMMIO(kvm.CoalescedMMIOZone{Addr: addr, Size: size})
}

func (s *State) CoalescedMMIODel(addr uint64, size uint32) {
	if s.caps.CoalescedMMIO == 0 {
		return
	}
	debug.Writef("kvm coalesced mmio", "del addr=%#x size=%#x", addr, size)
	_ = s.k.UnregisterCoalescedMMIO(kvm.CoalescedMMIOZone{Addr: addr, Size: size})
}

func (s *State) CoalescedPIOAdd(port uint64, size uint32) {
	if !s.caps.CoalescedPIO {
		return
	}
	debug.Writef("kvm coalesced pio", "add port=%#x size=%#x", port, size)
	_ = s.k.RegisterCoalescedMMIO(kvm.CoalescedMMIOZone{Addr: port, Size: size, PIO: 1})
}

func (s *State) CoalescedPIODel(port uint64, size uint32) {
	if !s.caps.CoalescedPIO {
		return
	}
	debug.Writef("kvm coalesced pio", "del port=%#x size=%#x", port, size)
	_ = s.k.UnregisterCoalescedMMIO(kvm.CoalescedMMIOZone{Addr: port, Size: size, PIO: 1})
}

// FlushCoalesced replays every buffered write through the bus. The kernel
// produces at Last; the consumer index First is advanced with a release
// store only after the entry was dispatched. A flush started from inside a
// dispatch returns immediately.
func (s *State) FlushCoalesced() {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	defer s.flushing.Store(false)

	s.coalescedMu.Lock()
	defer s.coalescedMu.Unlock()

	page := s.coalescedRing
	if page == nil {
		return
	}

	ring := kvm.CoalescedRingFromBytes(page)
	max := kvm.CoalescedMMIOMax(int(s.pageSize))

	for ring.First != ring.LoadLast() {
		ent := ring.Entry(page, ring.First)
		n := min(ent.Len, uint32(len(ent.Data)))
		data := make([]byte, n)
		copy(data, ent.Data[:n])

		if ent.PIO == 1 {
			s.bus.PIO(uint16(ent.PhysAddr), data, true)
		} else {
			s.bus.MMIO(ent.PhysAddr, data, true)
		}

		ring.StoreFirst((ring.First + 1) % max)
	}
}
