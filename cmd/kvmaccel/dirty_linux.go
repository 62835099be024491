package main

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/kvmaccel/internal/accel"
	"github.com/tinyrange/kvmaccel/internal/iobus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func init() {
	register(command{
		name:  "dirty",
		usage: "run a tiny guest that writes memory and report what dirty tracking saw",
		run:   runDirty,
	})
}

const (
	// lowRAMSize is the 64KiB real mode data segment the guest writes.
	lowRAMSize = 0x10000
	// biosBase maps the last 64KiB below 4GiB, where the reset vector is.
	biosBase = 0xffff0000
	biosSize = 0x10000

	doorbellPort = 0x80
	// doorbellIRQ is pulsed on every ring. The guest runs with interrupts
	// masked, so this only exercises the irqchip path.
	doorbellIRQ = 5
)

// dirtyGuest is 16-bit code at the reset vector (CS base 0xffff0000,
// IP 0xfff0). It writes one byte to every 4KiB page of the data segment,
// rings the doorbell and starts over:
//
//	start: xor bx, bx
//	loop:  mov [bx], al
//	       add bx, 0x1000
//	       jnz loop
//	       out 0x80, al
//	       jmp start
var dirtyGuest = []byte{
	0x31, 0xdb,
	0x88, 0x07,
	0x81, 0xc3, 0x00, 0x10,
	0x75, 0xf8,
	0xe6, doorbellPort,
	0xeb, 0xf2,
}

// doorbell ends a round when the guest writes the doorbell port, and
// pulses its interrupt line when one is attached.
type doorbell struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	line   iobus.LineInterrupt
	rings  atomic.Uint64
}

func (d *doorbell) arm(cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
}

func (d *doorbell) attach(line iobus.LineInterrupt) {
	d.mu.Lock()
	d.line = line
	d.mu.Unlock()
}

func (d *doorbell) Start() error { return nil }
func (d *doorbell) Stop() error  { return nil }

func (d *doorbell) Reset() error {
	d.rings.Store(0)
	return nil
}

func (d *doorbell) PIO() []iobus.PIOIntercept {
	return []iobus.PIOIntercept{{Base: doorbellPort, Count: 1, Handler: d}}
}

func (d *doorbell) MMIO() []iobus.MMIOIntercept { return nil }

func (d *doorbell) ReadPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (d *doorbell) WritePort(port uint16, data []byte) error {
	d.rings.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.line != nil {
		d.line.Pulse()
	}
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// pageCounter counts the dirty pages published for each guest address.
type pageCounter struct {
	mu    sync.Mutex
	pages map[uint64]uint64
}

func (p *pageCounter) SetDirtyBitmap(as int, gpa uint64, bitmap []uint64, pages uint64) {
	n := 0
	for _, w := range bitmap {
		n += bits.OnesCount64(w)
	}
	p.mu.Lock()
	p.pages[gpa] += uint64(n)
	p.mu.Unlock()
}

func (p *pageCounter) take(gpa uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pages[gpa]
	delete(p.pages, gpa)
	return n
}

func mapGuestRAM(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("map guest memory: %w", err)
	}
	return mem, nil
}

func hostAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func runDirty(args []string) error {
	fs := newFlagSet("dirty")
	sf := addStateFlags(fs)
	rounds := fs.Int("rounds", 100, "number of times the guest rewrites its memory")
	timeout := fs.Duration("timeout", 5*time.Second, "maximum time for one round")
	fs.Parse(args)

	bell := &doorbell{}
	counter := &pageCounter{pages: map[uint64]uint64{}}
	m := &machine{}
	log := newLogger(*sf.verbose)

	b := iobus.NewBuilder().WithLogger(log)
	if err := b.RegisterDevice("doorbell", bell); err != nil {
		return err
	}
	bus := b.Build(nil)

	s, err := sf.open(accel.Options{Logger: log, Bus: bus, DirtyModel: counter, Machine: m})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := bus.Start(); err != nil {
		return err
	}
	defer bus.Stop()

	if s.KernelIRQChip() {
		lines := iobus.NewLineSet(s, log)
		lines.AttachEOITarget(s)
		bell.attach(lines.Line(doorbellIRQ))
	}

	low, err := mapGuestRAM(lowRAMSize)
	if err != nil {
		return err
	}
	defer unix.Munmap(low)
	bios, err := mapGuestRAM(biosSize)
	if err != nil {
		return err
	}
	defer unix.Munmap(bios)
	copy(bios[biosSize-0x10:], dirtyGuest)

	l := s.Listener(0)
	lowSec := accel.Section{
		Start:        0,
		Size:         lowRAMSize,
		Host:         hostAddr(low),
		RAM:          true,
		DirtyLogMask: 1,
		Name:         "low-ram",
	}
	biosSec := accel.Section{
		Start:    biosBase,
		Size:     biosSize,
		Host:     hostAddr(bios),
		RAM:      true,
		ReadOnly: s.Caps().ReadonlyMem,
		Name:     "bios",
	}
	l.RegionAdd(lowSec)
	l.RegionAdd(biosSec)
	l.Commit()
	defer func() {
		l.RegionDel(lowSec)
		l.RegionDel(biosSec)
		l.Commit()
	}()

	c, err := s.CreateVCPU(0)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(*rounds), "dirty rounds")
	} else {
		bar = progressbar.DefaultSilent(int64(*rounds))
	}
	defer bar.Close()

	wantPages := uint64(lowRAMSize / s.PageSize())
	var total, short uint64
	start := time.Now()

	for i := 0; i < *rounds; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		bell.arm(cancel)
		action, err := c.Run(ctx)
		cancel()

		switch {
		case errors.Is(err, context.Canceled):
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("round %d: guest did not ring the doorbell within %s", i, *timeout)
		case err != nil:
			return fmt.Errorf("round %d: %w", i, err)
		default:
			return fmt.Errorf("round %d: guest stopped with %s", i, action)
		}

		l.LogSync(lowSec)
		l.LogClear(lowSec)
		n := counter.take(lowSec.Start)
		total += n
		if n < wantPages {
			short++
		}
		bar.Add(1)
	}
	bar.Finish()

	elapsed := time.Since(start)
	mode := "bitmap"
	if s.DirtyRingSize() > 0 {
		mode = fmt.Sprintf("ring (%d entries)", s.DirtyRingSize())
	}

	t := newTable()
	t.row("mode", mode)
	t.row("rounds", fmt.Sprint(*rounds))
	t.row("doorbells", fmt.Sprint(bell.rings.Load()))
	if st := bus.Stats(); st.Unhandled+st.Failed > 0 {
		t.row("bus errors", fmt.Sprintf("%d unhandled, %d failed", st.Unhandled, st.Failed))
	}
	t.row("dirty pages", fmt.Sprintf("%d (%d expected per round)", total, wantPages))
	t.row("short rounds", fmt.Sprint(short))
	t.row("pages reaped from ring", fmt.Sprint(c.DirtyPages()))
	t.row("elapsed", elapsed.String())
	if st := s.ReaperStats(); st.Iteration > 0 {
		t.row("reaper", fmt.Sprintf("%d passes, %s", st.Iteration, st.State))
	}
	if len(m.events) > 0 {
		t.row("machine events", fmt.Sprint(m.events))
	}
	return t.write(os.Stdout)
}
