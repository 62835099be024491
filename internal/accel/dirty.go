//go:build linux

package accel

import (
	"errors"
	"time"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/timeslice"
	"golang.org/x/sys/unix"
)

// clearAlignPages is the granularity of KVM_CLEAR_DIRTY_LOG.
const clearAlignPages = 64

// getDirtyLog ORs the kernel's bitmap for sl into the cached one. It reports
// false when nothing could be read. Callers hold slotsMu.
func (s *State) getDirtyLog(k Kernel, l *Listener, sl *Slot) bool {
	if sl.bitmap == nil {
		return false
	}

	scratch := make([]uint64, len(sl.bitmap))
	id := uint32(sl.ID) | uint32(l.as)<<16

	err := k.GetDirtyLog(id, scratch)
	switch {
	case err == nil:
	case errors.Is(err, unix.ENOENT):
		// The kernel has no bitmap for this slot.
		return true
	default:
		s.once.Error(s.log, "kvm: get dirty log", err, "slot", sl.ID, "as", l.as)
		return false
	}

	orBitmap(sl.bitmap, scratch)
	return true
}

// syncSlot publishes the cached bits of sl to the dirty model.
func (s *State) syncSlot(l *Listener, sl *Slot) {
	if sl.bitmap == nil {
		return
	}
	s.dirty.SetDirtyBitmap(l.as, sl.Start, sl.bitmap, sl.Size/s.pageSize)
}

// LogSync pulls dirty pages for sec into the dirty model. In ring mode it
// is a global sync.
func (l *Listener) LogSync(sec Section) {
	s := l.s
	if s.ringSize > 0 {
		s.LogSyncGlobal(false)
		return
	}

	start := time.Now()
	defer timeslice.Since(tsLogSync, start)

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	addr, size, _ := s.alignSection(sec)
	for size > 0 {
		chunk := min(s.maxSlotSize, size)
		sl := l.lookupMatching(addr, chunk)
		if sl == nil {
			return
		}
		if s.getDirtyLog(s.k, l, sl) {
			s.syncSlot(l, sl)
			if s.manualProtect == 0 {
				clear(sl.bitmap)
			}
		}
		addr += chunk
		size -= chunk
	}
}

// LogClear re-protects [sec.Start, sec.Start+sec.Size) in the kernel. It is
// a no-op unless manual protection is enabled.
func (l *Listener) LogClear(sec Section) {
	s := l.s
	if s.manualProtect == 0 || sec.Size == 0 {
		return
	}

	begin := time.Now()
	defer timeslice.Since(tsLogClear, begin)

	start, size := sec.Start, sec.Size

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	for i := range l.slots {
		sl := &l.slots[i]
		if sl.Size == 0 || sl.Start > start+size-1 || start > sl.end()-1 {
			continue
		}

		var off, count uint64
		if start >= sl.Start {
			off = start - sl.Start
			count = min(sl.Size-off, size)
		} else {
			off = 0
			count = min(sl.Size, size-(sl.Start-start))
		}

		s.clearOneSlot(l, sl, off, count)
	}
}

// clearOneSlot clears [off, off+size) bytes of sl. The kernel wants the
// first page 64-page aligned and the count either 64-page aligned or
// reaching the end of the slot, so the range is widened and the widening
// masked out of the bitmap handed over.
func (s *State) clearOneSlot(l *Listener, sl *Slot, off, size uint64) {
	ps := s.pageSize
	alignBytes := ps * clearAlignPages

	bmapStart := off &^ (alignBytes - 1)
	startDelta := off - bmapStart
	bmapStart /= ps

	npages := ((size + startDelta + alignBytes - 1) / alignBytes) * clearAlignPages
	end := sl.Size / ps
	if npages > end-bmapStart {
		npages = end - bmapStart
	}
	startDelta /= ps

	if sl.bitmap == nil {
		return
	}

	var bm []uint64
	if startDelta != 0 || npages != size/ps {
		bm = newBitmap(npages)
		copyBitsFrom(bm, sl.bitmap, bmapStart, min(startDelta+size/ps, npages))
		clearBits(bm, 0, startDelta)
	} else {
		bm = sl.bitmap[bmapStart/64:]
	}

	id := uint32(sl.ID) | uint32(l.as)<<16
	debug.Writef("kvm clear dirty log", "slot=%#x first=%d num=%d", id, bmapStart, npages)

	err := s.k.ClearDirtyLog(id, bmapStart, uint32(npages), bm)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		s.log.Error("kvm: clear dirty log", "slot", sl.ID, "first_page", bmapStart,
			"num_pages", npages, "error", err)
	}

	// Clear the cached copy too, so a second clear of the same range does
	// not touch bits synced in between.
	clearBits(sl.bitmap, bmapStart+startDelta, size/ps)
}

// DirtyPages counts the cached dirty bits of every slot.
func (l *Listener) DirtyPages() int {
	l.s.slotsMu.Lock()
	defer l.s.slotsMu.Unlock()

	n := 0
	for i := range l.slots {
		if l.slots[i].bitmap != nil {
			n += countBits(l.slots[i].bitmap)
		}
	}
	return n
}
