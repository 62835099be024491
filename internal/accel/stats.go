//go:build linux

package accel

import (
	"fmt"
	"slices"

	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// StatsTarget selects whose binary stats are read.
type StatsTarget int

const (
	StatsTargetVM StatsTarget = iota
	StatsTargetVCPU
)

func (t StatsTarget) String() string {
	if t == StatsTargetVCPU {
		return "vcpu"
	}
	return "vm"
}

// statsSchema is the decoded layout of one stats fd. It is the same for
// every fd of a target kind; the id string is not, and is read per fd.
type statsSchema struct {
	hdr   kvm.StatsHeader
	descs []kvm.StatsDesc
}

// Stat is one published counter. Value is a uint64, or a []uint64 for
// multi-element stats such as histograms.
type Stat struct {
	Name  string
	Value any
}

// StatsResult is the counters of one VM or vCPU.
type StatsResult struct {
	Provider string
	// Path is "vm" or "vcpuN".
	Path  string
	ID    string
	Stats []Stat
}

// StatsSchema describes one counter.
type StatsSchema struct {
	Name       string
	Type       string
	Unit       string
	Base       int
	Exponent   int16
	BucketSize uint32
}

func statsType(d kvm.StatsDesc) (string, bool) {
	switch d.Type() {
	case kvm.StatsTypeCumulative:
		return "cumulative", true
	case kvm.StatsTypeInstant:
		return "instant", true
	case kvm.StatsTypePeak:
		return "peak", true
	case kvm.StatsTypeLinearHist:
		return "linear-histogram", true
	case kvm.StatsTypeLogHist:
		return "log2-histogram", true
	}
	return "", false
}

func statsUnit(d kvm.StatsDesc) (string, bool) {
	switch d.Unit() {
	case kvm.StatsUnitNone:
		return "", true
	case kvm.StatsUnitBytes:
		return "bytes", true
	case kvm.StatsUnitSeconds:
		return "seconds", true
	case kvm.StatsUnitCycles:
		return "cycles", true
	case kvm.StatsUnitBoolean:
		return "boolean", true
	}
	return "", false
}

func statsBase(d kvm.StatsDesc) (int, bool) {
	switch d.Base() {
	case kvm.StatsBasePow10:
		return 10, true
	case kvm.StatsBasePow2:
		return 2, true
	}
	return 0, false
}

func supportedStat(d kvm.StatsDesc) bool {
	_, okType := statsType(d)
	_, okUnit := statsUnit(d)
	_, okBase := statsBase(d)
	return okType && okUnit && okBase
}

// schema reads the layout of fd once per target kind.
func (s *State) schema(target StatsTarget, fd int) (*statsSchema, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if sc, ok := s.statsCache[target]; ok {
		return sc, nil
	}

	r := s.k.StatsReader(fd)
	hdr, err := kvm.ReadStatsHeader(r)
	if err != nil {
		return nil, err
	}
	descs, err := kvm.ReadStatsDescriptors(r, hdr)
	if err != nil {
		return nil, err
	}

	sc := &statsSchema{hdr: hdr, descs: descs}
	s.statsCache[target] = sc
	return sc, nil
}

func (s *State) readStats(target StatsTarget, fd int, path string, names []string) (StatsResult, error) {
	res := StatsResult{Provider: "kvm", Path: path}

	sc, err := s.schema(target, fd)
	if err != nil {
		return res, err
	}
	r := s.k.StatsReader(fd)
	if res.ID, err = kvm.ReadStatsID(r, sc.hdr); err != nil {
		return res, err
	}
	data, err := kvm.ReadStatsData(r, sc.hdr, sc.descs)
	if err != nil {
		return res, err
	}

	for _, d := range sc.descs {
		if names != nil && !slices.Contains(names, d.Name) {
			continue
		}
		if !supportedStat(d) {
			continue
		}
		vals := d.Values(data)
		switch len(vals) {
		case 0:
			continue
		case 1:
			res.Stats = append(res.Stats, Stat{Name: d.Name, Value: vals[0]})
		default:
			res.Stats = append(res.Stats, Stat{Name: d.Name, Value: vals})
		}
	}
	return res, nil
}

// QueryStats reads the counters of the VM, or of each of cpus. A nil names
// selects every counter.
func (s *State) QueryStats(target StatsTarget, cpus []*VCPU, names []string) ([]StatsResult, error) {
	if target == StatsTargetVM {
		if s.vmStatsFd < 0 {
			return nil, fmt.Errorf("%w: vm stats fd", ErrUnsupported)
		}
		res, err := s.readStats(target, s.vmStatsFd, "vm", names)
		if err != nil {
			s.once.Error(s.log, "kvm: read vm stats", err)
			return nil, fmt.Errorf("kvm: read vm stats: %w", err)
		}
		return []StatsResult{res}, nil
	}

	var out []StatsResult
	for _, c := range cpus {
		var res StatsResult
		ok, err := c.withStatsFd(func(fd int) (err error) {
			res, err = s.readStats(target, fd, fmt.Sprintf("vcpu%d", c.id), names)
			return err
		})
		if !ok {
			continue
		}
		if err != nil {
			s.once.Error(s.log, "kvm: read vcpu stats", err, "vcpu", c.id)
			return out, fmt.Errorf("kvm: read vcpu %d stats: %w", c.id, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// QueryStatsSchemas describes the counters of a target kind. vCPU schemas
// need at least one vCPU.
func (s *State) QueryStatsSchemas(target StatsTarget) ([]StatsSchema, error) {
	var (
		sc  *statsSchema
		err error
		ok  bool
	)
	if target == StatsTargetVCPU {
		for _, c := range s.VCPUs() {
			ok, err = c.withStatsFd(func(fd int) (err error) {
				sc, err = s.schema(target, fd)
				return err
			})
			if ok {
				break
			}
		}
	} else if s.vmStatsFd >= 0 {
		ok = true
		sc, err = s.schema(target, s.vmStatsFd)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s stats fd", ErrUnsupported, target)
	}
	if err != nil {
		return nil, fmt.Errorf("kvm: read %s stats schema: %w", target, err)
	}

	var out []StatsSchema
	for _, d := range sc.descs {
		if !supportedStat(d) {
			continue
		}
		typ, _ := statsType(d)
		unit, _ := statsUnit(d)
		base, _ := statsBase(d)
		out = append(out, StatsSchema{
			Name:       d.Name,
			Type:       typ,
			Unit:       unit,
			Base:       base,
			Exponent:   d.Exponent,
			BucketSize: d.BucketSize,
		})
	}
	return out, nil
}
