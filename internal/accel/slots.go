//go:build linux

package accel

import (
	"fmt"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// Slot is one kernel memory slot. A slot is free while Size is zero.
type Slot struct {
	ID    int
	Start uint64
	Size  uint64
	Host  uintptr
	Flags uint32

	GuestMemfd       int
	GuestMemfdOffset uint64

	// oldFlags are the flags last programmed into the kernel.
	oldFlags uint32
	// bitmap caches dirty bits for the slot, one bit per host page.
	bitmap []uint64
}

func (sl *Slot) end() uint64 { return sl.Start + sl.Size }

// Listener mirrors one address space of the generic memory model into
// kernel memory slots. Updates are queued by RegionAdd and RegionDel and
// applied by Commit.
type Listener struct {
	s    *State
	as   int
	name string

	slots []Slot
	used  int

	pendingAdd []Section
	pendingDel []Section
}

// RegisterListener allocates the slot table for an address space.
func (s *State) RegisterListener(as int, name string) *Listener {
	l := &Listener{
		s:     s,
		as:    as,
		name:  name,
		slots: make([]Slot, s.caps.NrMemslots),
	}
	for i := range l.slots {
		l.slots[i].ID = i
		l.slots[i].GuestMemfd = -1
	}

	s.slotsMu.Lock()
	s.listeners = append(s.listeners, l)
	s.slotsMu.Unlock()

	return l
}

// Listener returns the listener of an address space, or nil.
func (s *State) Listener(as int) *Listener {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return s.listenerLocked(as)
}

func (s *State) listenerLocked(as int) *Listener {
	for _, l := range s.listeners {
		if l.as == as {
			return l
		}
	}
	return nil
}

func (l *Listener) AddressSpace() int { return l.as }
func (l *Listener) Name() string      { return l.name }

// Slots returns a copy of the active slots.
func (l *Listener) Slots() []Slot {
	l.s.slotsMu.Lock()
	defer l.s.slotsMu.Unlock()

	var ret []Slot
	for _, sl := range l.slots {
		if sl.Size != 0 {
			sl.bitmap = nil
			ret = append(ret, sl)
		}
	}
	return ret
}

// Used is the number of slots in use.
func (l *Listener) Used() int {
	l.s.slotsMu.Lock()
	defer l.s.slotsMu.Unlock()
	return l.used
}

// alignSection rounds the start of sec up to a page boundary and truncates
// the size to whole pages. A zero size means nothing is left to map.
func (s *State) alignSection(sec Section) (start, size, delta uint64) {
	mask := s.pageSize - 1
	start = (sec.Start + mask) &^ mask
	delta = start - sec.Start
	if delta > sec.Size {
		return start, 0, delta
	}
	return start, (sec.Size - delta) &^ mask, delta
}

func (s *State) memFlags(sec Section) uint32 {
	var flags uint32
	if sec.DirtyLogMask != 0 {
		flags |= kvm.MemLogDirtyPages
	}
	if (sec.ReadOnly || sec.ROMD) && s.readonlyMem {
		flags |= kvm.MemReadonly
	}
	if s.privateBacked(sec) {
		flags |= kvm.MemGuestMemfd
	}
	return flags
}

// privateBacked reports whether sec is programmed with guest_memfd backing.
// Without kernel support the private backing is ignored.
func (s *State) privateBacked(sec Section) bool {
	if sec.Private == nil {
		return false
	}
	if !s.caps.GuestMemfd {
		s.once.Error(s.log, "kvm: private memory", ErrUnsupported, "region", sec.Name)
		return false
	}
	return true
}

func (l *Listener) lookupMatching(start, size uint64) *Slot {
	for i := range l.slots {
		sl := &l.slots[i]
		if sl.Size != 0 && sl.Start == start && sl.Size == size {
			return sl
		}
	}
	return nil
}

// lookupContaining finds the slot holding all of [start, start+size).
func (l *Listener) lookupContaining(start, size uint64) *Slot {
	for i := range l.slots {
		sl := &l.slots[i]
		if sl.Size != 0 && start >= sl.Start && start+size <= sl.end() {
			return sl
		}
	}
	return nil
}

func (l *Listener) allocSlot() *Slot {
	for i := range l.slots {
		if l.slots[i].Size == 0 {
			return &l.slots[i]
		}
	}
	panic(fmt.Sprintf("kvm: %s ran out of memory slots (%d in use)", l.name, l.used))
}

func (s *State) initSlotBitmap(sl *Slot) {
	if sl.Flags&kvm.MemLogDirtyPages == 0 || sl.bitmap != nil {
		return
	}
	sl.bitmap = newBitmap(sl.Size / s.pageSize)
}

// program writes the slot to the kernel. Toggling read-only on a live slot
// first removes it, since some kernels keep stale mappings otherwise.
func (l *Listener) program(k Kernel, sl *Slot, isNew bool) error {
	s := l.s
	id := uint32(sl.ID) | uint32(l.as)<<16

	if sl.Size != 0 && !isNew && (sl.Flags^sl.oldFlags)&kvm.MemReadonly != 0 {
		if err := s.setUserMemory(k, id, sl, 0); err != nil {
			return err
		}
	}

	if err := s.setUserMemory(k, id, sl, sl.Size); err != nil {
		return err
	}
	sl.oldFlags = sl.Flags
	return nil
}

func (s *State) setUserMemory(k Kernel, id uint32, sl *Slot, size uint64) error {
	debug.Writef("kvm set user memory region", "slot=%#x start=%#x size=%#x host=%#x flags=%#x",
		id, sl.Start, size, sl.Host, sl.Flags)

	var err error
	if s.caps.GuestMemfd {
		r := kvm.UserspaceMemoryRegion2{
			Slot:          id,
			Flags:         sl.Flags,
			GuestPhysAddr: sl.Start,
			MemorySize:    size,
			UserspaceAddr: uint64(sl.Host),
		}
		if sl.GuestMemfd >= 0 {
			r.GuestMemfd = uint32(sl.GuestMemfd)
			r.GuestMemfdOffset = sl.GuestMemfdOffset
		}
		err = k.SetUserMemoryRegion2(&r)
	} else {
		err = k.SetUserMemoryRegion(&kvm.UserspaceMemoryRegion{
			Slot:          id,
			Flags:         sl.Flags,
			GuestPhysAddr: sl.Start,
			MemorySize:    size,
			UserspaceAddr: uint64(sl.Host),
		})
	}
	if err != nil {
		return fmt.Errorf("kvm: set user memory region slot=%d start=%#x size=%#x flags=%#x: %w",
			id&0xffff, sl.Start, size, sl.Flags, err)
	}
	return nil
}

// updateFlags recomputes the slot flags from sec and reprograms the slot if
// they changed.
func (l *Listener) updateFlags(sl *Slot, sec Section) error {
	sl.Flags = l.s.memFlags(sec)
	if sl.Flags == sl.oldFlags {
		return nil
	}
	l.s.initSlotBitmap(sl)
	return l.program(l.s.k, sl, false)
}

func (l *Listener) sectionUpdateFlags(sec Section) error {
	s := l.s
	start, size, _ := s.alignSection(sec)
	for size > 0 {
		chunk := min(s.maxSlotSize, size)
		sl := l.lookupMatching(start, chunk)
		if sl == nil {
			// Regions that trap every access have no slot.
			return nil
		}
		if err := l.updateFlags(sl, sec); err != nil {
			return err
		}
		start += chunk
		size -= chunk
	}
	return nil
}

// setPhysMem applies one queued update. With strict set, a deletion of a
// region that has no slot is an internal inconsistency.
func (l *Listener) setPhysMem(sec Section, add, strict bool) {
	s := l.s

	if !sec.RAM {
		writable := !sec.ReadOnly && !sec.ROMDevice
		if writable || !s.readonlyMem {
			return
		}
		if !sec.ROMD {
			// Not in ROMD mode: drop the slot so every access traps.
			add = false
			strict = false
		}
	}

	start, size, delta := s.alignSection(sec)
	if size == 0 {
		return
	}
	host := sec.Host + uintptr(delta)
	private := s.privateBacked(sec)
	memfd, memfdOffset := -1, uint64(0)
	if private {
		memfd, memfdOffset = sec.Private.Memfd, sec.Private.Offset+delta
	}

	if !add {
		for size > 0 {
			chunk := min(s.maxSlotSize, size)
			sl := l.lookupMatching(start, chunk)
			if sl == nil {
				if strict {
					panic(fmt.Sprintf("kvm: %s: no slot for region %q at %#x size %#x",
						l.name, sec.Name, start, chunk))
				}
				return
			}

			if sl.Flags&kvm.MemLogDirtyPages != 0 {
				if s.ringSize > 0 {
					s.reapLocked(s.raw, nil)
					if s.ringWithBitmap {
						s.syncSlot(l, sl)
						s.getDirtyLog(s.raw, l, sl)
					}
				} else {
					s.getDirtyLog(s.raw, l, sl)
				}
				s.syncSlot(l, sl)
			}

			sl.bitmap = nil
			sl.Size = 0
			sl.Flags = 0
			if err := l.program(s.raw, sl, false); err != nil {
				panic(fmt.Sprintf("kvm: %s: unregister slot %d: %v", l.name, sl.ID, err))
			}
			sl.Start = 0
			sl.Host = 0
			sl.GuestMemfd = -1
			sl.GuestMemfdOffset = 0
			l.used--

			start += chunk
			size -= chunk
		}
		return
	}

	for size > 0 {
		chunk := min(s.maxSlotSize, size)
		sl := l.allocSlot()
		sl.Start = start
		sl.Size = chunk
		sl.Host = host
		sl.Flags = s.memFlags(sec)
		sl.GuestMemfd = memfd
		sl.GuestMemfdOffset = memfdOffset
		s.initSlotBitmap(sl)

		if err := l.program(s.raw, sl, true); err != nil {
			panic(fmt.Sprintf("kvm: %s: register slot %d: %v", l.name, sl.ID, err))
		}
		l.used++

		if private {
			if err := s.setMemoryAttributes(s.raw, start, chunk, kvm.MemoryAttributePrivate); err != nil {
				panic(fmt.Sprintf("kvm: %s: mark [%#x, +%#x) private: %v", l.name, start, chunk, err))
			}
		}

		start += chunk
		host += uintptr(chunk)
		memfdOffset += chunk
		size -= chunk
	}
}

// RegionAdd queues sec for registration at the next Commit.
func (l *Listener) RegionAdd(sec Section) {
	l.s.slotsMu.Lock()
	l.pendingAdd = append(l.pendingAdd, sec)
	l.s.slotsMu.Unlock()
}

// RegionDel queues sec for removal at the next Commit.
func (l *Listener) RegionDel(sec Section) {
	l.s.slotsMu.Lock()
	l.pendingDel = append(l.pendingDel, sec)
	l.s.slotsMu.Unlock()
}

// LogStart enables dirty logging on the slots of sec when the first client
// starts logging.
func (l *Listener) LogStart(sec Section, old, new uint8) {
	if old != 0 {
		return
	}
	l.s.slotsMu.Lock()
	defer l.s.slotsMu.Unlock()
	if err := l.sectionUpdateFlags(sec); err != nil {
		panic(fmt.Sprintf("kvm: %s: start dirty logging: %v", l.name, err))
	}
}

// LogStop disables dirty logging once the last client stops.
func (l *Listener) LogStop(sec Section, old, new uint8) {
	if new != 0 {
		return
	}
	l.s.slotsMu.Lock()
	defer l.s.slotsMu.Unlock()
	if err := l.sectionUpdateFlags(sec); err != nil {
		panic(fmt.Sprintf("kvm: %s: stop dirty logging: %v", l.name, err))
	}
}

// AccelHasMemory reports whether [start, start+size) of address space as
// is backed by a slot.
func (s *State) AccelHasMemory(as int, start, size uint64) bool {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	l := s.listenerLocked(as)
	if l == nil {
		return false
	}
	return l.lookupMatching(start, min(s.maxSlotSize, size)) != nil
}
