package iobus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type access struct {
	kind  string
	addr  uint64
	write bool
	data  []byte
}

type recorder struct {
	mu       sync.Mutex
	accesses []access
	reply    byte
	err      error
}

func (r *recorder) record(kind string, addr uint64, data []byte, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !write {
		for i := range data {
			data[i] = r.reply
		}
	}
	r.accesses = append(r.accesses, access{kind, addr, write, slices.Clone(data)})
	return r.err
}

func (r *recorder) ReadPort(port uint16, data []byte) error {
	return r.record("pio", uint64(port), data, false)
}

func (r *recorder) WritePort(port uint16, data []byte) error {
	return r.record("pio", uint64(port), data, true)
}

func (r *recorder) ReadMMIO(addr uint64, data []byte) error {
	return r.record("mmio", addr, data, false)
}

func (r *recorder) WriteMMIO(addr uint64, data []byte) error {
	return r.record("mmio", addr, data, true)
}

type fakeDevice struct {
	name   string
	events *[]string
	pio    []PIOIntercept
	mmio   []MMIOIntercept
	fail   bool
}

func (d *fakeDevice) note(what string) error {
	if d.events != nil {
		*d.events = append(*d.events, what+" "+d.name)
	}
	if d.fail {
		return errors.New("broken")
	}
	return nil
}

func (d *fakeDevice) Start() error { return d.note("start") }
func (d *fakeDevice) Stop() error { return d.note("stop") }
func (d *fakeDevice) Reset() error { return d.note("reset") }
func (d *fakeDevice) PIO() []PIOIntercept { return d.pio }
func (d *fakeDevice) MMIO() []MMIOIntercept { return d.mmio }

type zoneCall struct {
	add  bool
	addr uint64
	size uint32
}

type fakeRegistrar struct {
	calls []zoneCall
}

func (f *fakeRegistrar) CoalescedMMIOAdd(addr uint64, size uint32) {
	f.calls = append(f.calls, zoneCall{true, addr, size})
}

func (f *fakeRegistrar) CoalescedMMIODel(addr uint64, size uint32) {
	f.calls = append(f.calls, zoneCall{false, addr, size})
}

func TestBuilderValidation(t *testing.T) {
	h := &recorder{}
	b := NewBuilder().WithLogger(quietLogger())

	if err := b.WithPIORange(0x3f8, 8, h); err != nil {
		t.Fatalf("WithPIORange: %v", err)
	}
	if err := b.WithMMIORegion(Region{Addr: 0xd000_0000, Size: 0x1000}, h); err != nil {
		t.Fatalf("WithMMIORegion: %v", err)
	}

	pioCases := []struct {
		name        string
		base, count uint16
		handler     PIOHandler
	}{
		{"nil handler", 0x60, 1, nil},
		{"empty", 0x60, 0, h},
		{"past end", 0xfff0, 0x20, h},
		{"overlap start", 0x3fc, 4, h},
		{"overlap cover", 0x3f0, 0x20, h},
		{"same", 0x3f8, 8, h},
	}
	for _, tc := range pioCases {
		if err := b.WithPIORange(tc.base, tc.count, tc.handler); err == nil {
			t.Errorf("WithPIORange(%s): expected error", tc.name)
		}
	}
	if err := b.WithPIORange(0x3f0, 8, h); err != nil {
		t.Errorf("WithPIORange adjacent: %v", err)
	}
	if err := b.WithPIORange(0xfff0, 0x10, h); err != nil {
		t.Errorf("WithPIORange last ports: %v", err)
	}

	mmioCases := []struct {
		name    string
		r       Region
		handler MMIOHandler
	}{
		{"nil handler", Region{Addr: 0x1000, Size: 0x10}, nil},
		{"zero size", Region{Addr: 0x1000}, h},
		{"overflow", Region{Addr: ^uint64(0) - 0xf, Size: 0x20}, h},
		{"overlap", Region{Addr: 0xd000_0800, Size: 0x1000}, h},
		{"inside", Region{Addr: 0xd000_0100, Size: 8}, h},
	}
	for _, tc := range mmioCases {
		if err := b.WithMMIORegion(tc.r, tc.handler); err == nil {
			t.Errorf("WithMMIORegion(%s): expected error", tc.name)
		}
	}
	if err := b.WithMMIORegion(Region{Addr: 0xd000_1000, Size: 0x1000}, h); err != nil {
		t.Errorf("WithMMIORegion adjacent: %v", err)
	}
}

func TestRegisterDevice(t *testing.T) {
	b := NewBuilder()
	h := &recorder{}
	dev := &fakeDevice{name: "uart", pio: []PIOIntercept{{Base: 0x3f8, Count: 8, Handler: h}}}

	if err := b.RegisterDevice("", dev); err == nil {
		t.Fatalf("RegisterDevice with empty name succeeded")
	}
	if err := b.RegisterDevice("uart", nil); err == nil {
		t.Fatalf("RegisterDevice with nil device succeeded")
	}
	if err := b.RegisterDevice("uart", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("uart", &fakeDevice{name: "uart"}); err == nil {
		t.Fatalf("RegisterDevice duplicate succeeded")
	}

	clash := &fakeDevice{name: "clash", pio: []PIOIntercept{{Base: 0x3fa, Count: 1, Handler: h}}}
	err := b.RegisterDevice("clash", clash)
	if err == nil || !strings.Contains(err.Error(), `"clash"`) {
		t.Fatalf("RegisterDevice overlapping = %v, want error naming the device", err)
	}
}

func TestPIODispatch(t *testing.T) {
	low := &recorder{reply: 0x11}
	high := &recorder{reply: 0x22}
	b := NewBuilder().WithLogger(quietLogger())
	if err := b.WithPIORange(0x3f8, 8, high); err != nil {
		t.Fatalf("WithPIORange: %v", err)
	}
	if err := b.WithPIORange(0x60, 5, low); err != nil {
		t.Fatalf("WithPIORange: %v", err)
	}
	bus := b.Build(nil)

	buf := make([]byte, 1)
	bus.PIO(0x64, buf, false)
	if buf[0] != 0x11 {
		t.Fatalf("read 0x64 = %#x, want 0x11", buf[0])
	}
	bus.PIO(0x3ff, []byte{0x5a}, true)
	if len(high.accesses) != 1 || high.accesses[0].addr != 0x3ff || !high.accesses[0].write {
		t.Fatalf("high accesses = %+v", high.accesses)
	}
	if high.accesses[0].data[0] != 0x5a {
		t.Fatalf("written byte = %#x, want 0x5a", high.accesses[0].data[0])
	}

	wide := make([]byte, 2)
	bus.PIO(0x65, wide, false)
	if wide[0] != 0xff || wide[1] != 0xff {
		t.Fatalf("unhandled read = %x, want ffff", wide)
	}
	bus.PIO(0x400, []byte{1}, true)

	if got := bus.Stats(); got.Unhandled != 2 || got.Failed != 0 {
		t.Fatalf("Stats = %+v, want 2 unhandled", got)
	}
	if len(low.accesses) != 1 {
		t.Fatalf("low saw %d accesses, want 1", len(low.accesses))
	}
}

func TestMMIODispatch(t *testing.T) {
	a := &recorder{reply: 0xaa}
	c := &recorder{reply: 0xcc}
	b := NewBuilder().WithLogger(quietLogger())
	if err := b.WithMMIORegion(Region{Addr: 0xfee0_0000, Size: 0x1000}, c); err != nil {
		t.Fatalf("WithMMIORegion: %v", err)
	}
	if err := b.WithMMIORegion(Region{Addr: 0xd000_0000, Size: 0x100}, a); err != nil {
		t.Fatalf("WithMMIORegion: %v", err)
	}
	bus := b.Build(nil)

	buf := make([]byte, 4)
	bus.MMIO(0xd000_00fc, buf, false)
	if buf[3] != 0xaa {
		t.Fatalf("read at end of region = %x", buf)
	}

	// Straddles the end of the region.
	bus.MMIO(0xd000_00fe, buf, false)
	if buf[0] != 0xff {
		t.Fatalf("straddling read = %x, want ff fill", buf)
	}

	bus.MMIO(0xfee0_00b0, []byte{0, 0, 0, 0}, true)
	if len(c.accesses) != 1 || c.accesses[0].addr != 0xfee0_00b0 {
		t.Fatalf("lapic accesses = %+v", c.accesses)
	}

	bus.MMIO(0x1000, buf, true)
	if got := bus.Stats(); got.Unhandled != 2 {
		t.Fatalf("Unhandled = %d, want 2", got.Unhandled)
	}
}

func TestHandlerErrorsCounted(t *testing.T) {
	h := &recorder{err: errors.New("device busy")}
	b := NewBuilder().WithLogger(quietLogger())
	if err := b.WithPIORange(0x80, 1, h); err != nil {
		t.Fatalf("WithPIORange: %v", err)
	}
	if err := b.WithMMIORegion(Region{Addr: 0x1000, Size: 0x1000}, h); err != nil {
		t.Fatalf("WithMMIORegion: %v", err)
	}
	bus := b.Build(nil)

	bus.PIO(0x80, []byte{1}, true)
	bus.MMIO(0x1800, make([]byte, 8), false)
	if got := bus.Stats(); got.Failed != 2 || got.Unhandled != 0 {
		t.Fatalf("Stats = %+v, want 2 failed", got)
	}
}

func TestCoalescedZones(t *testing.T) {
	h := &recorder{}
	dev := &fakeDevice{
		name: "fb",
		mmio: []MMIOIntercept{
			{Regions: []Region{{Addr: 0xe000_0000, Size: 0x10000}}, Handler: h, Coalesced: true},
			{Regions: []Region{{Addr: 0xe001_0000, Size: 0x100}}, Handler: h},
		},
	}
	b := NewBuilder()
	if err := b.RegisterDevice("fb", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	reg := &fakeRegistrar{}
	bus := b.Build(reg)
	want := []zoneCall{{true, 0xe000_0000, 0x10000}}
	if !slices.Equal(reg.calls, want) {
		t.Fatalf("after Build calls = %+v, want %+v", reg.calls, want)
	}

	if err := bus.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want = append(want, zoneCall{false, 0xe000_0000, 0x10000})
	if !slices.Equal(reg.calls, want) {
		t.Fatalf("after Stop calls = %+v, want %+v", reg.calls, want)
	}

	// A bus built without a registrar leaves the kernel alone.
	if err := b.Build(nil).Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestLifecycleOrder(t *testing.T) {
	var events []string
	b := NewBuilder()
	for _, name := range []string{"uart", "pic", "rtc"} {
		if err := b.RegisterDevice(name, &fakeDevice{name: name, events: &events}); err != nil {
			t.Fatalf("RegisterDevice(%s): %v", name, err)
		}
	}
	bus := b.Build(nil)

	if err := bus.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := bus.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	want := []string{"start pic", "start rtc", "start uart", "reset pic", "reset rtc", "reset uart"}
	if !slices.Equal(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestLifecycleError(t *testing.T) {
	var events []string
	b := NewBuilder()
	if err := b.RegisterDevice("a", &fakeDevice{name: "a", events: &events, fail: true}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("b", &fakeDevice{name: "b", events: &events}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	err := b.Build(nil).Start()
	if err == nil || !strings.Contains(err.Error(), `start device "a"`) {
		t.Fatalf("Start = %v, want error from device a", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v, want to stop at first failure", events)
	}
}

type sinkCall struct {
	irq   uint32
	level bool
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (s *fakeSink) SetIRQ(irq uint32, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{irq, level})
	return s.err
}

type fakeResampler struct {
	notified []uint32
	has      bool
}

func (f *fakeResampler) NotifyResample(gsi uint32) bool {
	f.notified = append(f.notified, gsi)
	return f.has
}

func TestLineLevels(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink, quietLogger())
	line := lines.Line(4)

	line.SetLevel(false)
	line.SetLevel(true)
	line.SetLevel(true)
	if !lines.Level(4) {
		t.Fatalf("Level(4) = false after raise")
	}
	line.SetLevel(false)

	want := []sinkCall{{4, true}, {4, false}}
	if !slices.Equal(sink.calls, want) {
		t.Fatalf("sink calls = %v, want %v", sink.calls, want)
	}
}

func TestLinePulse(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink, quietLogger())
	line := lines.Line(8)

	line.Pulse()
	line.Pulse()
	want := []sinkCall{{8, true}, {8, false}, {8, true}, {8, false}}
	if !slices.Equal(sink.calls, want) {
		t.Fatalf("sink calls = %v, want %v", sink.calls, want)
	}
	if lines.Level(8) {
		t.Fatalf("Level(8) = true after pulse")
	}

	// A pulse on a raised line leaves it low.
	line.SetLevel(true)
	line.Pulse()
	if lines.Level(8) {
		t.Fatalf("Level(8) = true after pulse on raised line")
	}
}

func TestLineSinkError(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("no irqchip")}
	lines := NewLineSet(sink, quietLogger())
	lines.Line(1).SetLevel(true)
	if !lines.Level(1) {
		t.Fatalf("level not recorded after sink error")
	}

	// No sink at all is allowed.
	NewLineSet(nil, nil).Line(1).Pulse()
}

func TestBroadcastEOI(t *testing.T) {
	lines := NewLineSet(&fakeSink{}, quietLogger())

	var order []string
	lines.OnEOI(10, func() { order = append(order, "first") })
	lines.OnEOI(10, func() { order = append(order, "second") })
	lines.OnEOI(11, func() { order = append(order, "other") })

	if lines.BroadcastEOI(10) {
		t.Fatalf("BroadcastEOI without target reported a resample")
	}
	if !slices.Equal(order, []string{"first", "second"}) {
		t.Fatalf("callbacks = %v", order)
	}

	target := &fakeResampler{has: true}
	lines.AttachEOITarget(target)
	if !lines.BroadcastEOI(11) {
		t.Fatalf("BroadcastEOI did not report the resample")
	}
	if !slices.Equal(target.notified, []uint32{11}) {
		t.Fatalf("notified = %v, want [11]", target.notified)
	}
}

func TestLineFromFunc(t *testing.T) {
	var levels []bool
	line := LineFromFunc(func(high bool) { levels = append(levels, high) })
	line.SetLevel(true)
	line.Pulse()
	if !slices.Equal(levels, []bool{true, true, false}) {
		t.Fatalf("levels = %v", levels)
	}
	LineFromFunc(nil).Pulse()
}
