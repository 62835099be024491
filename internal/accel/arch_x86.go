//go:build linux

package accel

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// maxInstLen is the longest x86 instruction.
const maxInstLen = 15

type x86Arch struct {
	s *State
}

func newX86Arch(s *State) Arch {
	return &x86Arch{s: s}
}

// InitVCPU seeds the register cache with the kernel's reset state.
func (a *x86Arch) InitVCPU(c *VCPU) error {
	return a.GetRegisters(c)
}

func (a *x86Arch) DestroyVCPU(c *VCPU) error { return nil }

func (a *x86Arch) GetRegisters(c *VCPU) error {
	if err := a.s.k.GetRegs(c.fd, &c.regs); err != nil {
		return fmt.Errorf("kvm: get regs: %w", err)
	}
	return nil
}

// PutRegisters writes the general purpose registers. They are the whole
// cache, so every level writes the same state.
func (a *x86Arch) PutRegisters(c *VCPU, level RegisterLevel) error {
	if err := a.s.k.SetRegs(c.fd, &c.regs); err != nil {
		return fmt.Errorf("kvm: set regs (level %d): %w", level, err)
	}
	return nil
}

func (a *x86Arch) PreRun(c *VCPU)  {}
func (a *x86Arch) PostRun(c *VCPU) {}

func (a *x86Arch) ProcessAsyncEvents(c *VCPU) bool { return false }

func (a *x86Arch) HandleExit(c *VCPU, run *kvm.Run) (ExitAction, error) {
	switch run.ExitReason {
	case kvm.ExitHLT:
		return ExitHalt, nil
	case kvm.ExitDebug:
		return ExitDebug, nil
	}
	return ExitInterrupt, fmt.Errorf("unhandled exit %s", run.ExitReason)
}

func (a *x86Arch) StopOnEmulationError(c *VCPU) bool { return true }

// DumpState prints the registers and decodes the instruction at RIP. RIP
// is treated as a guest physical address, which holds for identity mapped
// guests.
func (a *x86Arch) DumpState(c *VCPU, w io.Writer) {
	var r kvm.Regs
	if c.regsDirty {
		r = c.regs
	} else if err := a.s.k.GetRegs(c.fd, &r); err != nil {
		fmt.Fprintf(w, "registers unavailable: %v\n", err)
		return
	}

	fmt.Fprintf(w, "RAX=%016x RBX=%016x RCX=%016x RDX=%016x\n", r.RAX, r.RBX, r.RCX, r.RDX)
	fmt.Fprintf(w, "RSI=%016x RDI=%016x RBP=%016x RSP=%016x\n", r.RSI, r.RDI, r.RBP, r.RSP)
	fmt.Fprintf(w, "R8 =%016x R9 =%016x R10=%016x R11=%016x\n", r.R8, r.R9, r.R10, r.R11)
	fmt.Fprintf(w, "R12=%016x R13=%016x R14=%016x R15=%016x\n", r.R12, r.R13, r.R14, r.R15)
	fmt.Fprintf(w, "RIP=%016x RFL=%08x\n", r.RIP, r.RFLAGS)

	code := a.s.guestBytes(r.RIP, maxInstLen)
	if len(code) == 0 {
		fmt.Fprintf(w, "Code=<unavailable>\n")
		return
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		fmt.Fprintf(w, "Code=% x <%v>\n", code, err)
		return
	}
	fmt.Fprintf(w, "Code=% x\n%#x: %s\n", code[:inst.Len], r.RIP, x86asm.GNUSyntax(inst, r.RIP, nil))
}

// guestBytes copies up to n bytes of guest memory at gpa out of the slot
// that maps it.
func (s *State) guestBytes(gpa uint64, n int) []byte {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	l := s.listenerLocked(0)
	if l == nil {
		return nil
	}
	sl := l.lookupContaining(gpa, 1)
	if sl == nil || sl.Host == 0 {
		return nil
	}
	avail := min(uint64(n), sl.end()-gpa)
	src := unsafe.Slice((*byte)(unsafe.Pointer(sl.Host+uintptr(gpa-sl.Start))), avail)
	return append([]byte(nil), src...)
}
