package accel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("cpus: 2\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Device != DefaultDevice {
		t.Fatalf("device = %q, want %q", cfg.Device, DefaultDevice)
	}
	if cfg.CPUs != 2 || cfg.MaxCPUs != 2 {
		t.Fatalf("cpus = %d max_cpus = %d, want 2 and 2", cfg.CPUs, cfg.MaxCPUs)
	}
	if cfg.KernelIRQChip != IRQChipOn {
		t.Fatalf("kernel_irqchip = %q, want %q", cfg.KernelIRQChip, IRQChipOn)
	}
	if cfg.DirtyRingReapInterval != DefaultReapInterval {
		t.Fatalf("reap interval = %v", cfg.DirtyRingReapInterval)
	}
}

func TestParseConfigFull(t *testing.T) {
	doc := `
device: /dev/kvm-test
cpus: 2
max_cpus: 8
kernel_irqchip: split
dirty_ring_size: 4096
dirty_ring_reap_interval: 250ms
guest_big_endian: true
required_capabilities:
  - KVM_CAP_IRQFD
  - ioeventfd
`
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.KernelIRQChip != IRQChipSplit {
		t.Fatalf("kernel_irqchip = %q", cfg.KernelIRQChip)
	}
	if cfg.DirtyRingSize != 4096 {
		t.Fatalf("dirty_ring_size = %d", cfg.DirtyRingSize)
	}
	if cfg.DirtyRingReapInterval != 250*time.Millisecond {
		t.Fatalf("reap interval = %v", cfg.DirtyRingReapInterval)
	}
	if !cfg.GuestBigEndian {
		t.Fatalf("guest_big_endian not set")
	}
	if len(cfg.RequiredCapabilities) != 2 {
		t.Fatalf("required_capabilities = %v", cfg.RequiredCapabilities)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{"irqchip", "kernel_irqchip: maybe\n", "kernel_irqchip"},
		{"ring not power of two", "dirty_ring_size: 1000\n", "power of two"},
		{"max below cpus", "cpus: 4\nmax_cpus: 2\n", "max_cpus"},
		{"unknown capability", "required_capabilities: [KVM_CAP_WARP_DRIVE]\n", "unknown capability"},
		{"unaligned slot size", "max_slot_size: 100\n", "page aligned"},
		{"bad yaml", "cpus: [\n", "parse config"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.doc))
			if err == nil {
				t.Fatalf("ParseConfig accepted %q", tc.doc)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWriteConfigFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvm.yaml")

	if err := WriteConfig(path, Config{CPUs: 3, DirtyRingSize: 512}); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "device: /dev/kvm") {
		t.Fatalf("written config lacks the default device:\n%s", data)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.CPUs != 3 || cfg.MaxCPUs != 3 || cfg.DirtyRingSize != 512 {
		t.Fatalf("loaded config = %+v", cfg)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadConfig of a missing file succeeded")
	}
}
