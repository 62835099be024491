// Package iobus dispatches guest port and memory-mapped I/O to device
// models and drives their interrupt lines.
package iobus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/tinyrange/kvmaccel/internal/debug"
)

type namedDevice struct {
	name string
	dev  Device
}

// Bus is the built dispatch table. It is safe for concurrent use by vCPU
// threads; handlers do their own locking.
type Bus struct {
	devices   []namedDevice
	pio       []pioBinding
	mmio      []mmioBinding
	coalesced []Region
	reg       CoalescedRegistrar
	log       *slog.Logger

	unhandled atomic.Uint64
	failed    atomic.Uint64
}

// Stats counts accesses that found no handler and handler errors.
type Stats struct {
	Unhandled uint64
	Failed    uint64
}

func (b *Bus) Stats() Stats {
	return Stats{Unhandled: b.unhandled.Load(), Failed: b.failed.Load()}
}

func (b *Bus) each(what string, fn func(Device) error) error {
	for _, d := range b.devices {
		if err := fn(d.dev); err != nil {
			return fmt.Errorf("iobus: %s device %q: %w", what, d.name, err)
		}
	}
	return nil
}

func (b *Bus) Start() error { return b.each("start", Device.Start) }
func (b *Bus) Reset() error { return b.each("reset", Device.Reset) }

// Stop stops every device and unregisters the coalesced zones.
func (b *Bus) Stop() error {
	if b.reg != nil {
		for _, r := range b.coalesced {
			b.reg.CoalescedMMIODel(r.Addr, uint32(r.Size))
		}
	}
	return b.each("stop", Device.Stop)
}

func (b *Bus) findPIO(port uint16) PIOHandler {
	i := sort.Search(len(b.pio), func(i int) bool {
		return uint32(b.pio[i].base)+uint32(b.pio[i].count) > uint32(port)
	})
	if i < len(b.pio) && b.pio[i].contains(port) {
		return b.pio[i].handler
	}
	return nil
}

func (b *Bus) findMMIO(addr, size uint64) MMIOHandler {
	i := sort.Search(len(b.mmio), func(i int) bool {
		return b.mmio[i].region.end() > addr
	})
	if i < len(b.mmio) {
		r := b.mmio[i].region
		if addr >= r.Addr && addr+size <= r.end() {
			return b.mmio[i].handler
		}
	}
	return nil
}

// fill answers an unhandled read like a floating bus.
func fill(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

// PIO dispatches a port access. Unhandled reads return all ones.
func (b *Bus) PIO(port uint16, data []byte, isWrite bool) {
	h := b.findPIO(port)
	if h == nil {
		b.unhandled.Add(1)
		debug.Writef("iobus unhandled pio", "port=%#x len=%d write=%t", port, len(data), isWrite)
		if !isWrite {
			fill(data)
		}
		return
	}

	var err error
	if isWrite {
		err = h.WritePort(port, data)
	} else {
		err = h.ReadPort(port, data)
	}
	if err != nil {
		b.failed.Add(1)
		b.log.Warn("iobus: port access failed", "port", port, "write", isWrite, "error", err)
	}
}

// MMIO dispatches a memory-mapped access. Unhandled reads return all ones.
func (b *Bus) MMIO(addr uint64, data []byte, isWrite bool) {
	h := b.findMMIO(addr, uint64(len(data)))
	if h == nil {
		b.unhandled.Add(1)
		debug.Writef("iobus unhandled mmio", "addr=%#x len=%d write=%t", addr, len(data), isWrite)
		if !isWrite {
			fill(data)
		}
		return
	}

	var err error
	if isWrite {
		err = h.WriteMMIO(addr, data)
	} else {
		err = h.ReadMMIO(addr, data)
	}
	if err != nil {
		b.failed.Add(1)
		b.log.Warn("iobus: mmio access failed", "addr", addr, "write", isWrite, "error", err)
	}
}
