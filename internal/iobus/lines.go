package iobus

import (
	"log/slog"
	"sync"
)

// InterruptSink raises and lowers interrupt lines, such as the in-kernel
// irqchip's KVM_IRQ_LINE.
type InterruptSink interface {
	SetIRQ(irq uint32, level bool) error
}

// EOITarget is told about end-of-interrupt for a GSI, so level-triggered
// irqfds can be resampled.
type EOITarget interface {
	NotifyResample(gsi uint32) bool
}

// LineSet hands out interrupt lines and forwards level changes to a sink.
type LineSet struct {
	mu     sync.Mutex
	sink   InterruptSink
	target EOITarget
	log    *slog.Logger
	levels map[uint32]bool
	eoi    map[uint32][]func()
}

func NewLineSet(sink InterruptSink, log *slog.Logger) *LineSet {
	if log == nil {
		log = slog.Default()
	}
	return &LineSet{
		sink:   sink,
		log:    log,
		levels: make(map[uint32]bool),
		eoi:    make(map[uint32][]func()),
	}
}

// AttachEOITarget sets where BroadcastEOI is forwarded.
func (l *LineSet) AttachEOITarget(t EOITarget) {
	l.mu.Lock()
	l.target = t
	l.mu.Unlock()
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h lineHandle) SetLevel(high bool) { h.owner.setLevel(h.irq, high) }

func (h lineHandle) Pulse() {
	h.owner.mu.Lock()
	h.owner.levels[h.irq] = false
	h.owner.mu.Unlock()
	h.owner.drive(h.irq, true)
	h.owner.drive(h.irq, false)
}

// Line returns the handle for irq.
func (l *LineSet) Line(irq uint32) LineInterrupt {
	return lineHandle{owner: l, irq: irq}
}

// Level reports the last level driven on irq.
func (l *LineSet) Level(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[irq]
}

// OnEOI registers fn to run when irq is acknowledged.
func (l *LineSet) OnEOI(irq uint32, fn func()) {
	l.mu.Lock()
	l.eoi[irq] = append(l.eoi[irq], fn)
	l.mu.Unlock()
}

// BroadcastEOI runs the callbacks registered for irq, then resamples its
// irqfd. It reports whether a resampler was notified.
func (l *LineSet) BroadcastEOI(irq uint32) bool {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[irq]...)
	target := l.target
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	if target == nil {
		return false
	}
	return target.NotifyResample(irq)
}

func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	changed := l.levels[irq] != high
	l.levels[irq] = high
	l.mu.Unlock()

	if changed {
		l.drive(irq, high)
	}
}

func (l *LineSet) drive(irq uint32, high bool) {
	if l.sink == nil {
		return
	}
	if err := l.sink.SetIRQ(irq, high); err != nil {
		l.log.Warn("iobus: set irq line", "irq", irq, "level", high, "error", err)
	}
}
