package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/tinyrange/kvmaccel/internal/accel"
	"gopkg.in/yaml.v3"
)

// stateFlags are the flags every command that opens a VM accepts.
type stateFlags struct {
	config    *string
	device    *string
	cpus      *int
	ringSize  *uint
	trace     *string
	timeslice *string
	verbose   *bool
}

func addStateFlags(fs *flag.FlagSet) *stateFlags {
	return &stateFlags{
		config:    fs.String("config", "", "accelerator config file (YAML)"),
		device:    fs.String("device", "", "KVM device node (default "+accel.DefaultDevice+")"),
		cpus:      fs.Int("cpus", 0, "number of vCPUs the VM is sized for"),
		ringSize:  fs.Uint("dirty-ring", 0, "dirty ring entries per vCPU, 0 for bitmap mode"),
		trace:     fs.String("trace", "", "record kernel requests to this trace file"),
		timeslice: fs.String("tsfile", "", "record a timeslice file for later analysis"),
		verbose:   fs.Bool("v", false, "log at debug level"),
	}
}

func (f *stateFlags) configFromFlags() (accel.Config, error) {
	var cfg accel.Config
	if *f.config != "" {
		var err error
		if cfg, err = accel.LoadConfig(*f.config); err != nil {
			return cfg, err
		}
	}
	if *f.device != "" {
		cfg.Device = *f.device
	}
	if *f.cpus != 0 {
		cfg.CPUs = *f.cpus
	}
	if *f.ringSize != 0 {
		cfg.DirtyRingSize = uint32(*f.ringSize)
	}
	if *f.trace != "" {
		cfg.TraceFile = *f.trace
	}
	if *f.timeslice != "" {
		cfg.TimesliceFile = *f.timeslice
	}
	return cfg, nil
}

func (f *stateFlags) open(opts accel.Options) (*accel.State, error) {
	cfg, err := f.configFromFlags()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = newLogger(*f.verbose)
	}
	s, err := accel.Open(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("open accelerator: %w", err)
	}
	return s, nil
}

func writeYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// machine records what the run loop escalates.
type machine struct {
	sync.Mutex

	mu      sync.Mutex
	stopErr error
	events  []string
}

func (m *machine) record(ev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *machine) RequestShutdown(reason string)   { m.record("shutdown: " + reason) }
func (m *machine) RequestReset(reason string)      { m.record("reset: " + reason) }
func (m *machine) GuestPanicked(cpu int, s string) { m.record(fmt.Sprintf("panic on cpu %d: %s", cpu, s)) }

func (m *machine) Stop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr == nil {
		m.stopErr = err
	}
}
