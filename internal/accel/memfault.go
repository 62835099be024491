//go:build linux

package accel

import (
	"fmt"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

func (s *State) setMemoryAttributes(k Kernel, addr, size, attrs uint64) error {
	if attrs&s.caps.MemoryAttributes != attrs {
		return fmt.Errorf("%w: memory attributes %#x, supported %#x", ErrUnsupported, attrs, s.caps.MemoryAttributes)
	}

	debug.Writef("kvm set memory attributes", "addr=%#x size=%#x attrs=%#x", addr, size, attrs)

	if err := k.SetMemoryAttributes(addr, size, attrs); err != nil {
		return fmt.Errorf("kvm: set memory attributes [%#x, +%#x) to %#x: %w", addr, size, attrs, err)
	}
	return nil
}

// ConvertMemory flips [gpa, gpa+size) between private and shared and
// discards the backing the guest can no longer reach.
func (s *State) ConvertMemory(gpa, size uint64, toPrivate bool) error {
	mask := s.pageSize - 1
	if gpa&mask != 0 || size&mask != 0 || size == 0 {
		return fmt.Errorf("%w: unaligned conversion [%#x, +%#x)", ErrMemoryFault, gpa, size)
	}

	s.slotsMu.Lock()
	var (
		found bool
		sl    Slot
	)
	if l := s.listenerLocked(0); l != nil {
		if p := l.lookupContaining(gpa, size); p != nil {
			found, sl = true, *p
		}
	}
	s.slotsMu.Unlock()

	if !found {
		// The guest may convert unassigned ranges to shared.
		if toPrivate {
			return fmt.Errorf("%w: convert unassigned [%#x, +%#x) to private", ErrMemoryFault, gpa, size)
		}
		return nil
	}

	if sl.GuestMemfd < 0 {
		// MMIO is always shared.
		if toPrivate {
			return fmt.Errorf("%w: [%#x, +%#x) has no private backing", ErrMemoryFault, gpa, size)
		}
		return nil
	}

	var attrs uint64
	if toPrivate {
		attrs = kvm.MemoryAttributePrivate
	}
	if err := s.setMemoryAttributes(s.k, gpa, size, attrs); err != nil {
		return fmt.Errorf("%w: %w", ErrMemoryFault, err)
	}

	off := gpa - sl.Start
	var err error
	if toPrivate {
		err = s.discard.DiscardShared(sl.Host+uintptr(off), size)
	} else {
		err = s.discard.DiscardPrivate(sl.GuestMemfd, sl.GuestMemfdOffset+off, size)
	}
	if err != nil {
		return fmt.Errorf("%w: discard after conversion of [%#x, +%#x): %w", ErrMemoryFault, gpa, size, err)
	}

	debug.Writef("kvm convert memory", "gpa=%#x size=%#x private=%t", gpa, size, toPrivate)
	return nil
}

func (c *VCPU) handleMemoryFault() error {
	mf := c.runData.MemoryFault()
	if mf.Flags&^kvm.MemoryExitFlagPrivate != 0 {
		return fmt.Errorf("%w: unknown flags %#x", ErrMemoryFault, mf.Flags)
	}

	s := c.s
	s.machine.Lock()
	defer s.machine.Unlock()
	return s.ConvertMemory(mf.GPA, mf.Size, mf.Flags&kvm.MemoryExitFlagPrivate != 0)
}
