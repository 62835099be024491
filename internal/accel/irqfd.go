//go:build linux

package accel

import (
	"fmt"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// AssignIRQFD binds event to gsi so that signalling it injects the
// interrupt. With a split irqchip the kernel never sees the EOI of a
// userspace IOAPIC pin, so resample is remembered here and signalled by
// NotifyResample instead.
func (s *State) AssignIRQFD(event, resample EventNotifier, gsi uint32, assign bool) error {
	req := kvm.IRQFD{
		FD:  uint32(event.FD()),
		GSI: gsi,
	}
	if !assign {
		req.Flags = kvm.IRQFDFlagDeassign
	}

	if resample != nil {
		if !assign {
			return fmt.Errorf("kvm: irqfd: resample fd given on deassign of gsi %d", gsi)
		}
		if s.irqchipSplit {
			s.irqMu.Lock()
			s.resampleFds[gsi] = resample
			s.irqMu.Unlock()
		} else {
			req.Flags |= kvm.IRQFDFlagResample
			req.ResampleFD = uint32(resample.FD())
		}
	} else if !assign && s.irqchipSplit {
		s.irqMu.Lock()
		delete(s.resampleFds, gsi)
		s.irqMu.Unlock()
	}

	if !s.caps.IRQFD {
		return ErrUnsupported
	}

	debug.Writef("kvm irqfd", "fd=%d gsi=%d flags=%#x resample=%d", req.FD, gsi, req.Flags, req.ResampleFD)

	if err := s.k.IRQFD(&req); err != nil {
		return fmt.Errorf("kvm: irqfd gsi=%d assign=%t: %w", gsi, assign, err)
	}
	return nil
}

// NotifyResample signals the resample event of gsi after its EOI. It
// reports whether one was registered.
func (s *State) NotifyResample(gsi uint32) bool {
	s.irqMu.Lock()
	ev, ok := s.resampleFds[gsi]
	s.irqMu.Unlock()
	if !ok {
		return false
	}
	if err := ev.Notify(); err != nil {
		s.log.Error("kvm: notify resample fd", "gsi", gsi, "error", err)
	}
	return true
}

// AddIRQFDNotifierGSI assigns an irqfd to gsi.
func (s *State) AddIRQFDNotifierGSI(event, resample EventNotifier, gsi uint32) error {
	return s.AssignIRQFD(event, resample, gsi, true)
}

// RemoveIRQFDNotifierGSI deassigns an irqfd from gsi.
func (s *State) RemoveIRQFDNotifierGSI(event EventNotifier, gsi uint32) error {
	return s.AssignIRQFD(event, nil, gsi, false)
}

// SetIRQLineGSI records which GSI an abstract interrupt line drives.
func (s *State) SetIRQLineGSI(line any, gsi uint32) {
	s.irqMu.Lock()
	s.gsiMap[line] = gsi
	s.irqMu.Unlock()
}

func (s *State) lineGSI(line any) (uint32, error) {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	gsi, ok := s.gsiMap[line]
	if !ok {
		return 0, ErrNoGSIMapping
	}
	return gsi, nil
}

// AddIRQFDNotifier assigns an irqfd to the GSI of line.
func (s *State) AddIRQFDNotifier(event, resample EventNotifier, line any) error {
	gsi, err := s.lineGSI(line)
	if err != nil {
		return err
	}
	return s.AddIRQFDNotifierGSI(event, resample, gsi)
}

// RemoveIRQFDNotifier deassigns an irqfd from the GSI of line.
func (s *State) RemoveIRQFDNotifier(event EventNotifier, line any) error {
	gsi, err := s.lineGSI(line)
	if err != nil {
		return err
	}
	return s.RemoveIRQFDNotifierGSI(event, gsi)
}
