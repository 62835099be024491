package iobus

import (
	"fmt"
	"log/slog"
	"slices"
)

// CoalescedRegistrar registers coalesced MMIO zones with the kernel.
type CoalescedRegistrar interface {
	CoalescedMMIOAdd(addr uint64, size uint32)
	CoalescedMMIODel(addr uint64, size uint32)
}

type pioBinding struct {
	base, count uint16
	handler     PIOHandler
}

func (b pioBinding) contains(port uint16) bool {
	return port >= b.base && uint32(port) < uint32(b.base)+uint32(b.count)
}

type mmioBinding struct {
	region  Region
	handler MMIOHandler
}

// Builder collects devices and their intercepts before a Bus is built.
type Builder struct {
	devices   map[string]Device
	pio       []pioBinding
	mmio      []mmioBinding
	coalesced []Region
	log       *slog.Logger
}

func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
		log:     slog.Default(),
	}
}

// WithLogger sets the logger unhandled accesses and handler errors go to.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.log = l
	return b
}

// RegisterDevice adds dev and every intercept it reports.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("iobus: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("iobus: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("iobus: device %q already registered", name)
	}

	for _, ic := range dev.PIO() {
		if err := b.WithPIORange(ic.Base, ic.Count, ic.Handler); err != nil {
			return fmt.Errorf("iobus: device %q: %w", name, err)
		}
	}
	for _, ic := range dev.MMIO() {
		for _, r := range ic.Regions {
			if err := b.WithMMIORegion(r, ic.Handler); err != nil {
				return fmt.Errorf("iobus: device %q: %w", name, err)
			}
			if ic.Coalesced {
				b.coalesced = append(b.coalesced, r)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPIORange routes count ports from base to handler.
func (b *Builder) WithPIORange(base, count uint16, handler PIOHandler) error {
	if handler == nil {
		return fmt.Errorf("port %#x: nil handler", base)
	}
	if count == 0 {
		return fmt.Errorf("port %#x: empty range", base)
	}
	if uint32(base)+uint32(count) > 0x10000 {
		return fmt.Errorf("ports %#x+%d past the end of I/O space", base, count)
	}
	nb := pioBinding{base: base, count: count, handler: handler}
	for _, existing := range b.pio {
		if existing.contains(base) || nb.contains(existing.base) {
			return fmt.Errorf("ports %#x+%d overlap %#x+%d", base, count, existing.base, existing.count)
		}
	}
	b.pio = append(b.pio, nb)
	return nil
}

// WithMMIORegion routes r to handler.
func (b *Builder) WithMMIORegion(r Region, handler MMIOHandler) error {
	if handler == nil {
		return fmt.Errorf("mmio %#x: nil handler", r.Addr)
	}
	if r.Size == 0 {
		return fmt.Errorf("mmio %#x: zero size", r.Addr)
	}
	if r.end() < r.Addr {
		return fmt.Errorf("mmio %#x size %#x overflows", r.Addr, r.Size)
	}
	for _, existing := range b.mmio {
		if r.overlaps(existing.region) {
			return fmt.Errorf("mmio %#x-%#x overlaps %#x-%#x",
				r.Addr, r.end()-1, existing.region.Addr, existing.region.end()-1)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{region: r, handler: handler})
	return nil
}

// Build returns the bus. Coalesced regions are registered with reg when it
// is not nil.
func (b *Builder) Build(reg CoalescedRegistrar) *Bus {
	pio := slices.Clone(b.pio)
	slices.SortFunc(pio, func(x, y pioBinding) int { return int(x.base) - int(y.base) })

	mmio := slices.Clone(b.mmio)
	slices.SortFunc(mmio, func(x, y mmioBinding) int {
		switch {
		case x.region.Addr < y.region.Addr:
			return -1
		case x.region.Addr > y.region.Addr:
			return 1
		}
		return 0
	})

	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	devices := make([]namedDevice, 0, len(names))
	for _, name := range names {
		devices = append(devices, namedDevice{name, b.devices[name]})
	}

	bus := &Bus{
		devices:   devices,
		pio:       pio,
		mmio:      mmio,
		coalesced: slices.Clone(b.coalesced),
		reg:       reg,
		log:       b.log,
	}
	if reg != nil {
		for _, r := range bus.coalesced {
			reg.CoalescedMMIOAdd(r.Addr, uint32(r.Size))
		}
	}
	return bus
}
