package accel

import (
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/tinyrange/kvmaccel/internal/kvm"
	"gopkg.in/yaml.v3"
)

// IRQChipMode selects where the interrupt controllers are emulated.
type IRQChipMode string

const (
	IRQChipOn    IRQChipMode = "on"
	IRQChipSplit IRQChipMode = "split"
	IRQChipOff   IRQChipMode = "off"
)

const (
	DefaultDevice            = "/dev/kvm"
	DefaultReapInterval      = time.Second
	DefaultSplitIOAPICPins   = 24
	defaultRecommendedVCPUs  = 4
	defaultMemslots          = 32
	recommendedDirtyRingSize = 1024
)

// Config is the accelerator configuration. It is fixed once a State has
// been created from it.
type Config struct {
	Device        string      `yaml:"device,omitempty"`
	VMType        uint64      `yaml:"vm_type,omitempty"`
	CPUs          int         `yaml:"cpus,omitempty"`
	MaxCPUs       int         `yaml:"max_cpus,omitempty"`
	KernelIRQChip IRQChipMode `yaml:"kernel_irqchip,omitempty"`

	// DirtyRingSize is in entries. Zero selects bitmap mode.
	DirtyRingSize         uint32        `yaml:"dirty_ring_size,omitempty"`
	DirtyRingReapInterval time.Duration `yaml:"dirty_ring_reap_interval,omitempty"`

	// MaxSlotSize splits large regions into several slots. Zero means no
	// limit.
	MaxSlotSize uint64 `yaml:"max_slot_size,omitempty"`

	GuestBigEndian bool `yaml:"guest_big_endian,omitempty"`

	TraceFile     string `yaml:"trace_file,omitempty"`
	TimesliceFile string `yaml:"timeslice_file,omitempty"`

	RequiredCapabilities []string `yaml:"required_capabilities,omitempty"`
}

func (c *Config) normalize() {
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MaxCPUs == 0 {
		c.MaxCPUs = c.CPUs
	}
	if c.KernelIRQChip == "" {
		c.KernelIRQChip = IRQChipOn
	}
	if c.DirtyRingReapInterval == 0 {
		c.DirtyRingReapInterval = DefaultReapInterval
	}
}

// Validate checks a normalized config.
func (c *Config) Validate() error {
	switch c.KernelIRQChip {
	case IRQChipOn, IRQChipSplit, IRQChipOff:
	default:
		return fmt.Errorf("kernel_irqchip: unknown mode %q", c.KernelIRQChip)
	}
	if c.CPUs < 0 || c.MaxCPUs < c.CPUs {
		return fmt.Errorf("max_cpus (%d) must be at least cpus (%d)", c.MaxCPUs, c.CPUs)
	}
	if c.DirtyRingSize != 0 && bits.OnesCount32(c.DirtyRingSize) != 1 {
		return fmt.Errorf("dirty_ring_size must be a power of two, got %d", c.DirtyRingSize)
	}
	if c.DirtyRingReapInterval < 0 {
		return fmt.Errorf("dirty_ring_reap_interval must be positive")
	}
	if c.MaxSlotSize%uint64(os.Getpagesize()) != 0 {
		return fmt.Errorf("max_slot_size %#x is not page aligned", c.MaxSlotSize)
	}
	for _, name := range c.RequiredCapabilities {
		if _, ok := kvm.CapabilityByName(name); !ok {
			return fmt.Errorf("required_capabilities: unknown capability %q", name)
		}
	}
	return nil
}

// ParseConfig decodes, normalizes and validates a YAML document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// WriteConfig writes cfg back out as YAML, with defaults filled in.
func WriteConfig(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
