//go:build linux

package accel

import (
	"fmt"
	"time"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
	"github.com/tinyrange/kvmaccel/internal/timeslice"
)

// markPage sets one page dirty in the cached bitmap of the slot named by a
// ring entry. Entries naming an unknown slot or offset are dropped.
func (s *State) markPage(as, slotID uint32, offset uint64) {
	l := s.listenerLocked(int(as))
	if l == nil || int(slotID) >= len(l.slots) {
		return
	}
	sl := &l.slots[slotID]
	if sl.Size == 0 || offset >= sl.Size/s.pageSize || sl.bitmap == nil {
		return
	}
	setBitAtomic(sl.bitmap, offset)
}

// reapOne collects the dirtied entries of one vCPU ring starting at its
// fetch index. The kernel is the producer: Dirtied is an acquire load and
// SetCollected a release store, so slot and offset are read only after the
// kernel published them.
func (s *State) reapOne(cpu *VCPU) uint32 {
	if cpu.ring == nil {
		return 0
	}

	var count uint32
	for count < s.ringSize {
		ent := kvm.DirtyGFNAt(cpu.ring, cpu.fetch%s.ringSize)
		if !ent.Dirtied() {
			break
		}
		s.markPage(ent.Slot>>16, ent.Slot&0xffff, ent.Offset)
		ent.SetCollected()
		cpu.fetch++
		count++
	}
	cpu.dirtyPages += uint64(count)
	return count
}

// reapLocked reaps one vCPU, or all of them when cpu is nil, and resets the
// rings in the kernel. Callers hold slotsMu, so bits reaped here reach no
// consumer before the pages are write-protected again.
func (s *State) reapLocked(k Kernel, cpu *VCPU) uint64 {
	start := time.Now()

	var total uint64
	if cpu != nil {
		total = uint64(s.reapOne(cpu))
	} else {
		s.vcpuMu.Lock()
		for _, c := range s.vcpus {
			total += uint64(s.reapOne(c))
		}
		s.vcpuMu.Unlock()
	}

	if total > 0 {
		n, err := k.ResetDirtyRings()
		if err != nil {
			panic(fmt.Sprintf("kvm: reset dirty rings: %v", err))
		}
		if uint64(n) != total {
			panic(fmt.Sprintf("kvm: reset dirty rings returned %d, collected %d", n, total))
		}
	}

	debug.Writef("kvm reap dirty rings", "total=%d", total)
	timeslice.Since(tsReap, start)
	return total
}

// ReapDirtyRings reaps cpu, or every vCPU when cpu is nil, and returns the
// number of pages collected.
func (s *State) ReapDirtyRings(cpu *VCPU) uint64 {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return s.reapLocked(s.k, cpu)
}

// LogSyncGlobal flushes every ring into the slot bitmaps and publishes all
// logging slots to the dirty model. With lastStage set, slots with a backup
// bitmap are also read from the kernel.
//
// Call it without holding the machine lock. It waits for every vCPU to
// leave KVM_RUN, and a vCPU may be waiting for that lock.
func (s *State) LogSyncGlobal(lastStage bool) {
	start := time.Now()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.ringSize > 0 {
		// Leaving KVM_RUN flushes the hardware dirty buffers into the rings.
		s.SynchronizeKickAll()
		s.ReapDirtyRings(nil)
	}

	s.slotsMu.Lock()
	for _, l := range s.listeners {
		for i := range l.slots {
			sl := &l.slots[i]
			if sl.Size == 0 || sl.Flags&kvm.MemLogDirtyPages == 0 {
				continue
			}
			s.syncSlot(l, sl)
			if s.ringWithBitmap && lastStage && s.getDirtyLog(s.k, l, sl) {
				s.syncSlot(l, sl)
			}
			clear(sl.bitmap)
		}
	}
	s.slotsMu.Unlock()

	timeslice.Since(tsLogSync, start)
}
