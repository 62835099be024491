package iobus

// PIOHandler serves reads and writes to I/O ports.
type PIOHandler interface {
	ReadPort(port uint16, data []byte) error
	WritePort(port uint16, data []byte) error
}

// PIOIntercept is a device's port range and its handler.
type PIOIntercept struct {
	Base    uint16
	Count   uint16
	Handler PIOHandler
}

// MMIOHandler serves reads and writes to memory-mapped regions.
type MMIOHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Region is a guest physical address range.
type Region struct {
	Addr uint64
	Size uint64
}

func (r Region) end() uint64 { return r.Addr + r.Size }

func (r Region) overlaps(o Region) bool {
	return r.Addr < o.end() && o.Addr < r.end()
}

// MMIOIntercept is a device's regions and their handler.
type MMIOIntercept struct {
	Regions []Region
	Handler MMIOHandler
	// Coalesced regions buffer writes in the kernel instead of exiting.
	Coalesced bool
}

// Lifecycle hooks of a device.
type Lifecycle interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is anything attached to the bus.
type Device interface {
	Lifecycle

	PIO() []PIOIntercept
	MMIO() []MMIOIntercept
}

// LineInterrupt is an interrupt line with level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	Pulse()
}

type lineFunc func(bool)

func (f lineFunc) SetLevel(level bool) { f(level) }

func (f lineFunc) Pulse() {
	f(true)
	f(false)
}

// LineFromFunc adapts a level function to LineInterrupt.
func LineFromFunc(fn func(bool)) LineInterrupt {
	if fn == nil {
		return lineFunc(func(bool) {})
	}
	return lineFunc(fn)
}
