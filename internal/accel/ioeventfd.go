//go:build linux

package accel

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// IOEvent binds an eventfd to a guest write. With Match set, only writes of
// Data wake the eventfd.
type IOEvent struct {
	Event EventNotifier
	PIO   bool
	Addr  uint64
	Size  uint32
	Match bool
	Data  uint64
}

func hostIsBigEndian() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 0
}

// adjustEndianness converts a guest-order datamatch value to the order the
// kernel compares in.
func (s *State) adjustEndianness(val uint64, size uint32) uint64 {
	if s.cfg.GuestBigEndian == s.hostBigEndian {
		return val
	}
	switch size {
	case 2:
		return uint64(bits.ReverseBytes16(uint16(val)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(val)))
	case 8:
		return bits.ReverseBytes64(val)
	}
	return val
}

func (s *State) setIOEventFD(ev IOEvent, assign bool) error {
	if !s.caps.IOEventFD {
		return ErrUnsupported
	}

	req := kvm.IOEventFD{
		Addr: ev.Addr,
		Len:  ev.Size,
		FD:   int32(ev.Event.FD()),
	}
	if ev.Match {
		req.Datamatch = s.adjustEndianness(ev.Data, ev.Size)
		req.Flags |= kvm.IOEventFDFlagDatamatch
	}
	if ev.PIO {
		req.Flags |= kvm.IOEventFDFlagPIO
	}
	if !assign {
		req.Flags |= kvm.IOEventFDFlagDeassign
	}

	debug.Writef("kvm ioeventfd", "fd=%d addr=%#x len=%d flags=%#x datamatch=%#x",
		req.FD, req.Addr, req.Len, req.Flags, req.Datamatch)

	if err := s.k.IOEventFD(&req); err != nil {
		space := "mmio"
		if ev.PIO {
			space = "pio"
		}
		return fmt.Errorf("kvm: ioeventfd %s addr=%#x size=%d assign=%t: %w", space, ev.Addr, ev.Size, assign, err)
	}
	return nil
}

// IOEventFDAdd registers ev with the kernel.
func (s *State) IOEventFDAdd(ev IOEvent) error {
	return s.setIOEventFD(ev, true)
}

// IOEventFDDel removes a registration made by IOEventFDAdd.
func (s *State) IOEventFDDel(ev IOEvent) error {
	return s.setIOEventFD(ev, false)
}
