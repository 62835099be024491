//go:build linux

package accel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
	"github.com/tinyrange/kvmaccel/internal/timeslice"
	"golang.org/x/sys/unix"
)

// ExitAction tells the caller of Exec what to do next.
type ExitAction int

const (
	// ExitContinue re-enters the guest.
	ExitContinue ExitAction = iota
	// ExitInterrupt returns to the vCPU thread to process queued work.
	ExitInterrupt
	// ExitHalt parks the vCPU until an interrupt arrives.
	ExitHalt
	// ExitDebug stops at a guest debug event.
	ExitDebug
)

func (a ExitAction) String() string {
	switch a {
	case ExitContinue:
		return "continue"
	case ExitInterrupt:
		return "interrupt"
	case ExitHalt:
		return "halt"
	case ExitDebug:
		return "debug"
	default:
		return fmt.Sprintf("ExitAction(%d)", int(a))
	}
}

var (
	tsExitIO          = timeslice.RegisterKind("kvm_exit_io", 0)
	tsExitMMIO        = timeslice.RegisterKind("kvm_exit_mmio", 0)
	tsExitDirtyRing   = timeslice.RegisterKind("kvm_exit_dirty_ring_full", 0)
	tsExitSystemEvent = timeslice.RegisterKind("kvm_exit_system_event", 0)
	tsExitMemoryFault = timeslice.RegisterKind("kvm_exit_memory_fault", 0)
	tsExitOther       = timeslice.RegisterKind("kvm_exit_other", 0)
)

func exitKind(r kvm.ExitReason) timeslice.Kind {
	switch r {
	case kvm.ExitIO:
		return tsExitIO
	case kvm.ExitMMIO:
		return tsExitMMIO
	case kvm.ExitDirtyRingFull:
		return tsExitDirtyRing
	case kvm.ExitSystemEvent:
		return tsExitSystemEvent
	case kvm.ExitMemoryFault:
		return tsExitMemoryFault
	default:
		return tsExitOther
	}
}

// Exec runs the guest until an exit needs the vCPU thread: an interrupt
// request, a halt or debug stop, or an error. It must run on the vCPU
// thread. An error return means the machine was stopped.
func (c *VCPU) Exec() (ExitAction, error) {
	s := c.s
	defer c.exitRequest.Store(false)

	if s.arch.ProcessAsyncEvents(c) {
		return ExitHalt, nil
	}

	for {
		if c.regsDirty {
			if err := s.arch.PutRegisters(c, LevelRuntime); err != nil {
				return ExitInterrupt, c.fatal(fmt.Errorf("put registers: %w", err))
			}
			c.regsDirty = false
		}

		s.arch.PreRun(c)
		if c.exitRequest.Load() {
			// KVM_RUN must still be entered to finish an I/O exit; make it
			// return at once.
			c.runData.StoreImmediateExit(1)
		}

		start := time.Now()
		err := s.k.Run(c.fd)
		timeslice.Since(tsRun, start)

		s.arch.PostRun(c)

		s.FlushCoalesced()

		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				c.runData.StoreImmediateExit(0)
				return ExitInterrupt, nil
			}
			if errors.Is(err, unix.EFAULT) && c.runData.ExitReason == kvm.ExitMemoryFault {
				if ferr := c.handleMemoryFault(); ferr != nil {
					return ExitInterrupt, c.fatal(ferr)
				}
				continue
			}
			return ExitInterrupt, c.fatal(fmt.Errorf("kvm run failed: %w", err))
		}

		reason := c.runData.ExitReason
		exitStart := time.Now()
		action, err := c.dispatch(reason)
		timeslice.Since(exitKind(reason), exitStart)
		if err != nil {
			return ExitInterrupt, c.fatal(err)
		}
		if action != ExitContinue {
			return action, nil
		}
	}
}

func (c *VCPU) dispatch(reason kvm.ExitReason) (ExitAction, error) {
	s := c.s
	run := c.runData

	switch reason {
	case kvm.ExitIO:
		pio := run.IO()
		size := uint64(pio.Size)
		for i := uint64(0); i < uint64(pio.Count); i++ {
			off := pio.DataOffset + i*size
			if off+size > uint64(len(c.run)) {
				return ExitInterrupt, fmt.Errorf("io exit data outside kvm_run: offset %#x size %d", off, size)
			}
			s.bus.PIO(pio.Port, c.run[off:off+size], pio.Direction == kvm.ExitIOOut)
		}
		return ExitContinue, nil

	case kvm.ExitMMIO:
		mmio := run.MMIO()
		n := min(mmio.Len, uint32(len(mmio.Data)))
		s.bus.MMIO(mmio.PhysAddr, mmio.Data[:n], mmio.IsWrite != 0)
		return ExitContinue, nil

	case kvm.ExitIRQWindowOpen:
		return ExitInterrupt, nil

	case kvm.ExitShutdown:
		s.machine.RequestReset("guest triple fault")
		return ExitInterrupt, nil

	case kvm.ExitUnknown:
		return ExitInterrupt, fmt.Errorf("unknown exit, hardware reason %#x", run.HardwareExitReason())

	case kvm.ExitFailEntry:
		fe := run.FailEntry()
		return ExitInterrupt, fmt.Errorf("entry failed, hardware reason %#x on cpu %d",
			fe.HardwareEntryFailureReason, fe.CPU)

	case kvm.ExitInternalError:
		return c.internalError()

	case kvm.ExitDirtyRingFull:
		// The ring stays full until KVM_RESET_DIRTY_RINGS, so reap before
		// re-entering.
		debug.Writef("kvm dirty ring full", "vcpu=%d", c.id)
		if s.limiter.Active() {
			s.ReapDirtyRings(c)
			s.limiter.VCPUFull(c.id)
		} else {
			s.ReapDirtyRings(nil)
		}
		return ExitContinue, nil

	case kvm.ExitSystemEvent:
		ev := run.SystemEvent()
		switch ev.Type {
		case kvm.SystemEventShutdown:
			s.machine.RequestShutdown("guest shutdown")
			return ExitInterrupt, nil
		case kvm.SystemEventReset:
			s.machine.RequestReset("guest reset")
			return ExitInterrupt, nil
		case kvm.SystemEventCrash:
			if err := c.SynchronizeState(); err != nil {
				return ExitInterrupt, err
			}
			s.machine.Lock()
			s.machine.GuestPanicked(c.id, c.crashInfo(ev))
			s.machine.Unlock()
			return ExitContinue, nil
		}
		return s.arch.HandleExit(c, run)

	default:
		return s.arch.HandleExit(c, run)
	}
}

func (c *VCPU) crashInfo(ev *kvm.RunSystemEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "vcpu %d crashed", c.id)
	for i := uint32(0); i < ev.NData && i < uint32(len(ev.Data)); i++ {
		fmt.Fprintf(&b, " data[%d]=%#x", i, ev.Data[i])
	}
	return b.String()
}

func (c *VCPU) internalError() (ExitAction, error) {
	s := c.s
	ie := c.runData.InternalError()

	var b strings.Builder
	fmt.Fprintf(&b, "internal error, suberror %d", ie.Suberror)
	if checkPositive(s.k, kvm.CapInternalErrorData) > 0 {
		for i := uint32(0); i < ie.NData && i < uint32(len(ie.Data)); i++ {
			fmt.Fprintf(&b, " data[%d]=%#016x", i, ie.Data[i])
		}
	}

	if ie.Suberror == kvm.InternalErrorEmulation {
		s.log.Error("kvm: emulation failure", "vcpu", c.id, "detail", b.String())
		if !s.arch.StopOnEmulationError(c) {
			var dump strings.Builder
			s.arch.DumpState(c, &dump)
			s.log.Error("kvm: vcpu state", "vcpu", c.id, "state", dump.String())
			return ExitInterrupt, nil
		}
	}
	return ExitInterrupt, errors.New(b.String())
}

// fatal dumps the vCPU and stops the machine.
func (c *VCPU) fatal(err error) error {
	s := c.s

	var dump strings.Builder
	s.arch.DumpState(c, &dump)
	s.log.Error("kvm: vcpu stopped", "vcpu", c.id, "error", err, "state", dump.String())

	err = fmt.Errorf("%w: vcpu %d: %w", ErrHalted, c.id, err)
	s.machine.Stop(err)
	return err
}
