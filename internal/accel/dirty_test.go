//go:build linux

package accel

import (
	"slices"
	"testing"
	"time"

	"github.com/tinyrange/kvmaccel/internal/kvm"
)

const logBase = 0x100000

// addLoggedRAM maps 16 pages at logBase with dirty logging on.
func addLoggedRAM(t *testing.T, env *testEnv) Section {
	t.Helper()
	l := env.s.Listener(0)
	sec := ramSection(logBase, 16*testPageSize, guestRAM(t, 16*testPageSize))
	sec.DirtyLogMask = 1
	l.RegionAdd(sec)
	l.Commit()
	return sec
}

func TestLogSyncBitmap(t *testing.T) {
	env := newTestState(t, Config{}, nil)
	l := env.s.Listener(0)
	sec := addLoggedRAM(t, env)

	env.k.markDirty(0, 3)
	env.k.markDirty(0, 15)
	l.LogSync(sec)

	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{3, 15}) {
		t.Fatalf("dirty pages = %v, want [3 15]", got)
	}
	// Without manual protect the get already re-protected the pages.
	if n := l.DirtyPages(); n != 0 {
		t.Fatalf("cached dirty pages = %d after sync", n)
	}

	l.LogSync(sec)
	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{3, 15}) {
		t.Fatalf("second sync reported new pages: %v", got)
	}

	// LogClear is a no-op without manual protect.
	l.LogClear(sec)
	if len(env.k.clears) != 0 {
		t.Fatalf("LogClear issued %d clears", len(env.k.clears))
	}
}

func TestLogSyncUnloggedRegion(t *testing.T) {
	env := newTestState(t, Config{}, nil)
	l := env.s.Listener(0)
	sec := ramSection(0, 4*testPageSize, guestRAM(t, 4*testPageSize))
	l.RegionAdd(sec)
	l.Commit()

	env.k.markDirty(0, 1)
	l.LogSync(sec)
	if len(env.dirty.calls) != 0 {
		t.Fatalf("unlogged slot published dirty pages: %+v", env.dirty.calls)
	}
}

func TestLogClearManualProtect(t *testing.T) {
	env := newTestState(t, Config{}, func(k *fakeKernel) {
		k.caps[kvm.CapManualDirtyLogProtect2] = 1
	})
	l := env.s.Listener(0)
	sec := addLoggedRAM(t, env)

	env.k.markDirty(0, 3)
	env.k.markDirty(0, 4)
	l.LogSync(sec)

	// Bits stay cached until cleared.
	if n := l.DirtyPages(); n != 2 {
		t.Fatalf("cached dirty pages = %d, want 2", n)
	}

	page3 := Section{Start: logBase + 3*testPageSize, Size: testPageSize}
	l.LogClear(page3)

	if len(env.k.clears) != 1 {
		t.Fatalf("clears = %+v", env.k.clears)
	}
	c := env.k.clears[0]
	// The range is widened to the 64-page boundary and capped by the slot.
	if c.slot != 0 || c.firstPage != 0 || c.numPages != 16 {
		t.Fatalf("clear = %+v, want slot 0 first 0 num 16", c)
	}
	if c.bitmap[0] != 1<<3 {
		t.Fatalf("clear bitmap = %#x, want only page 3", c.bitmap[0])
	}
	if n := l.DirtyPages(); n != 1 {
		t.Fatalf("cached dirty pages = %d after clearing one", n)
	}

	// Clearing the same range again hands the kernel nothing.
	l.LogClear(page3)
	if len(env.k.clears) != 2 || env.k.clears[1].bitmap[0] != 0 {
		t.Fatalf("second clear = %+v", env.k.clears[len(env.k.clears)-1])
	}

	// A range past the slot end is clipped.
	l.LogClear(Section{Start: logBase + 4*testPageSize, Size: 64 * testPageSize})
	c = env.k.clears[2]
	if c.firstPage != 0 || c.numPages != 16 || c.bitmap[0] != 1<<4 {
		t.Fatalf("clipped clear = %+v", c)
	}
	if n := l.DirtyPages(); n != 0 {
		t.Fatalf("cached dirty pages = %d", n)
	}
}

func TestLogClearUnalignedRangeKeepsNeighbours(t *testing.T) {
	env := newTestState(t, Config{}, func(k *fakeKernel) {
		k.caps[kvm.CapManualDirtyLogProtect2] = 1
	})
	l := env.s.Listener(0)
	sec := addLoggedRAM(t, env)

	for _, p := range []uint64{1, 2, 5, 6} {
		env.k.markDirty(0, p)
	}
	l.LogSync(sec)

	l.LogClear(Section{Start: logBase + 2*testPageSize, Size: 4 * testPageSize})
	c := env.k.clears[0]
	if want := uint64(1<<2 | 1<<5); c.bitmap[0] != want {
		t.Fatalf("clear bitmap = %#b, want %#b", c.bitmap[0], want)
	}
	if n := l.DirtyPages(); n != 2 {
		t.Fatalf("cached dirty pages = %d, want pages 1 and 6 left", n)
	}
}

func newRingEnv(t *testing.T, interval time.Duration) *testEnv {
	t.Helper()
	return newTestState(t, Config{DirtyRingSize: 16, DirtyRingReapInterval: interval}, func(k *fakeKernel) {
		k.caps[kvm.CapDirtyLogRing] = 4096
	})
}

func TestReapDirtyRing(t *testing.T) {
	env := newRingEnv(t, time.Hour)
	addLoggedRAM(t, env)

	c, err := env.s.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	env.k.pushDirty(c.Fd(), 0, 0, 5, 16)
	env.k.pushDirty(c.Fd(), 1, 0, 7, 16)

	if n := env.s.ReapDirtyRings(nil); n != 2 {
		t.Fatalf("ReapDirtyRings = %d, want 2", n)
	}
	if c.fetch != 2 || c.DirtyPages() != 2 || env.k.resets != 1 {
		t.Fatalf("fetch = %d pages = %d resets = %d", c.fetch, c.DirtyPages(), env.k.resets)
	}

	// Nothing new: no reset is issued.
	if n := env.s.ReapDirtyRings(c); n != 0 {
		t.Fatalf("empty reap = %d", n)
	}
	if env.k.resets != 1 {
		t.Fatalf("empty reap reset the rings")
	}

	// Offsets outside the slot are collected but not marked.
	env.k.pushDirty(c.Fd(), 2, 0, 9, 16)
	env.k.pushDirty(c.Fd(), 3, 0, 100, 16)
	if n := env.s.ReapDirtyRings(c); n != 2 {
		t.Fatalf("ReapDirtyRings(c) = %d, want 2", n)
	}
	if c.fetch != 4 {
		t.Fatalf("fetch = %d, want 4", c.fetch)
	}

	env.s.LogSyncGlobal(false)
	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{5, 7, 9}) {
		t.Fatalf("published pages = %v, want [5 7 9]", got)
	}
	if n := env.s.Listener(0).DirtyPages(); n != 0 {
		t.Fatalf("bitmaps not cleared after global sync: %d", n)
	}
}

func TestReapDirtyRingWraps(t *testing.T) {
	env := newRingEnv(t, time.Hour)
	addLoggedRAM(t, env)

	c, err := env.s.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	for round := uint32(0); round < 3; round++ {
		for i := uint32(0); i < 10; i++ {
			idx := round*10 + i
			env.k.pushDirty(c.Fd(), idx, 0, uint64(idx%16), 16)
		}
		if n := env.s.ReapDirtyRings(c); n != 10 {
			t.Fatalf("round %d: reaped %d, want 10", round, n)
		}
	}
	if c.fetch != 30 {
		t.Fatalf("fetch = %d, want 30", c.fetch)
	}
}

func TestLogSyncInRingModeIsGlobal(t *testing.T) {
	env := newRingEnv(t, time.Hour)
	sec := addLoggedRAM(t, env)

	c, err := env.s.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	env.k.pushDirty(c.Fd(), 0, 0, 2, 16)

	env.s.Listener(0).LogSync(sec)
	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{2}) {
		t.Fatalf("published pages = %v", got)
	}
}

func TestDeleteLoggedSlotSyncsFirst(t *testing.T) {
	env := newTestState(t, Config{}, nil)
	l := env.s.Listener(0)
	sec := addLoggedRAM(t, env)

	env.k.markDirty(0, 8)
	l.RegionDel(sec)
	l.Commit()

	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{8}) {
		t.Fatalf("pages dirtied before removal = %v, want [8]", got)
	}
}

func TestDestroyVCPUReapsRing(t *testing.T) {
	env := newRingEnv(t, time.Hour)
	addLoggedRAM(t, env)

	c, err := env.s.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	env.k.pushDirty(c.Fd(), 0, 0, 11, 16)

	if err := env.s.DestroyVCPU(c); err != nil {
		t.Fatalf("DestroyVCPU: %v", err)
	}
	env.s.LogSyncGlobal(false)
	if got := env.dirty.dirtyPages(logBase); !slices.Equal(got, []uint64{11}) {
		t.Fatalf("published pages = %v, want [11]", got)
	}
}

func TestReaper(t *testing.T) {
	env := newRingEnv(t, 5*time.Millisecond)
	addLoggedRAM(t, env)

	c, err := env.s.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
	env.k.pushDirty(c.Fd(), 0, 0, 1, 16)

	deadline := time.Now().Add(5 * time.Second)
	for c.DirtyPages() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reaper never collected the ring")
		}
		time.Sleep(time.Millisecond)
	}
	if st := env.s.ReaperStats(); st.Iteration == 0 && st.State == ReaperNone {
		t.Fatalf("reaper stats = %+v", st)
	}
}

func TestBitopsClearBits(t *testing.T) {
	bm := []uint64{^uint64(0), ^uint64(0)}
	clearBits(bm, 60, 8)
	if bm[0] != ^uint64(0)>>4 || bm[1] != ^uint64(0)&^0xf {
		t.Fatalf("bitmap = %#x %#x", bm[0], bm[1])
	}
	clearBits(bm, 0, 128)
	if countBits(bm) != 0 {
		t.Fatalf("bits left after clearing all: %d", countBits(bm))
	}
}
