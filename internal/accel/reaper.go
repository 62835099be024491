//go:build linux

package accel

import (
	"sync"
	"sync/atomic"
	"time"
)

// ReaperState is what the background reaper is doing.
type ReaperState int32

const (
	ReaperNone ReaperState = iota
	ReaperWait
	ReaperReaping
)

func (r ReaperState) String() string {
	switch r {
	case ReaperWait:
		return "wait"
	case ReaperReaping:
		return "reaping"
	default:
		return "none"
	}
}

type ReaperStats struct {
	State     ReaperState
	Iteration uint64
}

// reaper periodically collects every vCPU's dirty ring so that vCPUs rarely
// hit a full ring.
type reaper struct {
	s        *State
	interval time.Duration

	state     atomic.Int32
	iteration atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func startReaper(s *State, interval time.Duration) *reaper {
	r := &reaper{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *reaper) run() {
	defer r.wg.Done()

	t := time.NewTimer(r.interval)
	defer t.Stop()

	for {
		r.state.Store(int32(ReaperWait))

		select {
		case <-r.done:
			r.state.Store(int32(ReaperNone))
			return
		case <-t.C:
		}
		t.Reset(r.interval)

		// The dirty rate limiter reaps on its own schedule.
		if r.s.limiter.Active() {
			continue
		}

		r.state.Store(int32(ReaperReaping))
		r.s.machine.Lock()
		r.s.ReapDirtyRings(nil)
		r.s.machine.Unlock()
		r.iteration.Add(1)
	}
}

func (r *reaper) stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *reaper) Stats() ReaperStats {
	return ReaperStats{
		State:     ReaperState(r.state.Load()),
		Iteration: r.iteration.Load(),
	}
}
