//go:build linux

package accel

import (
	"slices"
	"time"

	"github.com/tinyrange/kvmaccel/internal/timeslice"
)

// Commit applies the queued deletions and then the queued additions. When
// an addition overlaps a deletion, vCPUs are kept out of KVM_RUN for the
// duration so the guest never sees the hole between the two.
func (l *Listener) Commit() {
	s := l.s
	start := time.Now()

	s.slotsMu.Lock()
	if len(l.pendingAdd) == 0 && len(l.pendingDel) == 0 {
		s.slotsMu.Unlock()
		return
	}

	inhibit := overlaps(l.pendingDel, l.pendingAdd)
	if inhibit {
		s.kickAll()
		s.inhibit.Lock()
	}

	for _, sec := range l.pendingDel {
		l.setPhysMem(sec, false, true)
	}
	for _, sec := range l.pendingAdd {
		l.setPhysMem(sec, true, true)
	}
	l.pendingDel = l.pendingDel[:0]
	l.pendingAdd = l.pendingAdd[:0]

	if inhibit {
		s.inhibit.Unlock()
	}
	s.slotsMu.Unlock()

	timeslice.Since(tsCommit, start)
}

// overlaps reports whether any range in a intersects any range in b. Both
// are walked in address order.
func overlaps(a, b []Section) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	byStart := func(x, y Section) int {
		switch {
		case x.Start < y.Start:
			return -1
		case x.Start > y.Start:
			return 1
		}
		return 0
	}
	a = slices.SortedStableFunc(slices.Values(a), byStart)
	b = slices.SortedStableFunc(slices.Values(b), byStart)

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		x, y := a[i], b[j]
		if x.Size != 0 && y.Size != 0 && x.Start < y.end() && y.Start < x.end() {
			return true
		}
		if x.Start < y.Start {
			i++
		} else {
			j++
		}
	}
	return false
}
