package main

import (
	"fmt"
	"os"

	"github.com/tinyrange/kvmaccel/internal/accel"
)

func init() {
	register(command{
		name:  "probe",
		usage: "open a VM and report the capabilities the accelerator found",
		run:   runProbe,
	})
}

type probeReport struct {
	Host struct {
		Release       string `yaml:"release"`
		Version       string `yaml:"version,omitempty"`
		DirtyRing     bool   `yaml:"dirty_ring"`
		ManualProtect bool   `yaml:"manual_protect"`
		GuestMemfd    bool   `yaml:"guest_memfd"`
	} `yaml:"host"`

	Config accel.Config `yaml:"config"`

	Caps struct {
		RecommendedVCPUs int    `yaml:"recommended_vcpus"`
		MaxVCPUs         int    `yaml:"max_vcpus"`
		MaxVCPUID        int    `yaml:"max_vcpu_id"`
		Memslots         int    `yaml:"memslots"`
		AddressSpaces    int    `yaml:"address_spaces"`
		CoalescedMMIO    bool   `yaml:"coalesced_mmio"`
		CoalescedPIO     bool   `yaml:"coalesced_pio"`
		ReadonlyMem      bool   `yaml:"readonly_mem"`
		ImmediateExit    bool   `yaml:"immediate_exit"`
		IOEventFD        bool   `yaml:"ioeventfd"`
		ManyIOEventFDs   bool   `yaml:"many_ioeventfds"`
		IRQRouting       bool   `yaml:"irq_routing"`
		IRQFDResample    bool   `yaml:"irqfd_resample"`
		SignalMSI        bool   `yaml:"signal_msi"`
		MSIDevID         bool   `yaml:"msi_devid"`
		BinaryStats      bool   `yaml:"binary_stats"`
		GuestMemfd       bool   `yaml:"guest_memfd"`
		MemoryAttributes uint64 `yaml:"memory_attributes"`
	} `yaml:"capabilities"`

	Dirty struct {
		Mode          string `yaml:"mode"`
		RingEntries   uint32 `yaml:"ring_entries,omitempty"`
		RingMaxBytes  int    `yaml:"ring_max_bytes,omitempty"`
		ManualProtect uint64 `yaml:"manual_protect"`
	} `yaml:"dirty_tracking"`

	IRQ struct {
		KernelIRQChip bool   `yaml:"kernel_irqchip"`
		Split         bool   `yaml:"split"`
		GSIs          uint32 `yaml:"gsis"`
	} `yaml:"irq"`
}

func runProbe(args []string) error {
	fs := newFlagSet("probe")
	sf := addStateFlags(fs)
	asYAML := fs.Bool("yaml", false, "print the report as YAML")
	fs.Parse(args)

	var r probeReport
	host, err := accel.DetectHostKernel()
	if err != nil {
		return err
	}
	r.Host.Release = host.Release
	r.Host.Version = host.Version
	r.Host.DirtyRing = host.DirtyRing
	r.Host.ManualProtect = host.ManualProtect
	r.Host.GuestMemfd = host.GuestMemfd

	s, err := sf.open(accel.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	r.Config = s.Config()

	c := s.Caps()
	r.Caps.RecommendedVCPUs = c.RecommendedVCPUs
	r.Caps.MaxVCPUs = c.MaxVCPUs
	r.Caps.MaxVCPUID = c.MaxVCPUID
	r.Caps.Memslots = c.NrMemslots
	r.Caps.AddressSpaces = c.NrAddressSpaces
	r.Caps.CoalescedMMIO = c.CoalescedMMIO != 0
	r.Caps.CoalescedPIO = c.CoalescedPIO
	r.Caps.ReadonlyMem = c.ReadonlyMem
	r.Caps.ImmediateExit = c.ImmediateExit
	r.Caps.IOEventFD = c.IOEventFD
	r.Caps.ManyIOEventFDs = c.ManyIOEventFDs
	r.Caps.IRQRouting = c.IRQRouting
	r.Caps.IRQFDResample = c.IRQFDResample
	r.Caps.SignalMSI = c.SignalMSI
	r.Caps.MSIDevID = c.MSIDevID
	r.Caps.BinaryStats = c.BinaryStats
	r.Caps.GuestMemfd = c.GuestMemfd
	r.Caps.MemoryAttributes = c.MemoryAttributes

	r.Dirty.Mode = "bitmap"
	if n := s.DirtyRingSize(); n > 0 {
		r.Dirty.Mode = "ring"
		r.Dirty.RingEntries = n
		r.Dirty.RingMaxBytes = c.DirtyRingMaxBytes
		if c.DirtyRingWithBitmap {
			r.Dirty.Mode = "ring+bitmap"
		}
	}
	r.Dirty.ManualProtect = s.ManualProtect()

	r.IRQ.KernelIRQChip = s.KernelIRQChip()
	r.IRQ.Split = s.SplitIRQChip()
	r.IRQ.GSIs = s.GSICount()

	if *asYAML {
		return writeYAML(r)
	}

	t := newTable()
	t.row("host kernel", fmt.Sprintf("%s (%s)", r.Host.Release, orNone(r.Host.Version)))
	t.row("device", r.Config.Device)
	t.row("vcpus", fmt.Sprintf("%d configured, %d recommended, %d max, ids below %d",
		r.Config.CPUs, c.RecommendedVCPUs, c.MaxVCPUs, c.MaxVCPUID))
	t.row("memslots", fmt.Sprintf("%d in %d address space(s)", c.NrMemslots, c.NrAddressSpaces))
	t.row("dirty tracking", dirtySummary(r))
	t.row("irqchip", irqSummary(r))
	t.row("readonly memory", yesNo(c.ReadonlyMem))
	t.row("immediate exit", yesNo(c.ImmediateExit))
	t.row("coalesced mmio/pio", yesNo(c.CoalescedMMIO != 0)+"/"+yesNo(c.CoalescedPIO))
	t.row("ioeventfd", fmt.Sprintf("%s (many: %s)", yesNo(c.IOEventFD), yesNo(c.ManyIOEventFDs)))
	t.row("msi", fmt.Sprintf("%s (devid: %s)", yesNo(c.SignalMSI), yesNo(c.MSIDevID)))
	t.row("binary stats", yesNo(c.BinaryStats))
	t.row("guest memfd", fmt.Sprintf("%s (attributes %#x)", yesNo(c.GuestMemfd), c.MemoryAttributes))
	return t.write(os.Stdout)
}

func dirtySummary(r probeReport) string {
	s := r.Dirty.Mode
	if r.Dirty.RingEntries > 0 {
		s += fmt.Sprintf(", %d entries per vcpu", r.Dirty.RingEntries)
	}
	if r.Dirty.ManualProtect != 0 {
		s += fmt.Sprintf(", manual protect %#x", r.Dirty.ManualProtect)
	}
	return s
}

func irqSummary(r probeReport) string {
	switch {
	case !r.IRQ.KernelIRQChip:
		return "userspace"
	case r.IRQ.Split:
		return fmt.Sprintf("split, %d gsis", r.IRQ.GSIs)
	default:
		return fmt.Sprintf("in kernel, %d gsis", r.IRQ.GSIs)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return "unparsed"
	}
	return s
}
