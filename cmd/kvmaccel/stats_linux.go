package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/tinyrange/kvmaccel/internal/accel"
)

func init() {
	register(command{
		name:  "stats",
		usage: "print the kernel's binary statistics for a VM and its vCPUs",
		run:   runStats,
	})
}

func runStats(args []string) error {
	fs := newFlagSet("stats")
	sf := addStateFlags(fs)
	vcpus := fs.Int("vcpus", 1, "number of vCPUs to create and query")
	names := fs.String("names", "", "comma separated counters to print (default all)")
	schema := fs.Bool("schema", false, "describe the counters instead of reading them")
	asYAML := fs.Bool("yaml", false, "print as YAML")
	fs.Parse(args)

	s, err := sf.open(accel.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	var cpus []*accel.VCPU
	for id := 0; id < *vcpus; id++ {
		c, err := s.CreateVCPU(id)
		if err != nil {
			return err
		}
		cpus = append(cpus, c)
	}

	if *schema {
		return printSchemas(s, *asYAML)
	}

	var filter []string
	if *names != "" {
		filter = strings.Split(*names, ",")
	}

	results, err := s.QueryStats(accel.StatsTargetVM, nil, filter)
	if err != nil {
		return err
	}
	vcpuResults, err := s.QueryStats(accel.StatsTargetVCPU, cpus, filter)
	if err != nil {
		return err
	}
	results = append(results, vcpuResults...)

	if *asYAML {
		return writeYAML(statsYAML(results))
	}

	t := newTable("PATH", "NAME", "VALUE")
	for _, r := range results {
		for _, st := range r.Stats {
			t.row(r.Path, st.Name, fmt.Sprint(st.Value))
		}
	}
	return t.write(os.Stdout)
}

func statsYAML(results []accel.StatsResult) map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, r := range results {
		m := map[string]any{}
		for _, st := range r.Stats {
			m[st.Name] = st.Value
		}
		out[r.Path] = m
	}
	return out
}

func printSchemas(s *accel.State, asYAML bool) error {
	type targetSchemas struct {
		Target  string              `yaml:"target"`
		Schemas []accel.StatsSchema `yaml:"schemas"`
	}

	var all []targetSchemas
	for _, target := range []accel.StatsTarget{accel.StatsTargetVM, accel.StatsTargetVCPU} {
		sc, err := s.QueryStatsSchemas(target)
		if err != nil {
			return err
		}
		all = append(all, targetSchemas{Target: target.String(), Schemas: sc})
	}

	if asYAML {
		return writeYAML(all)
	}

	t := newTable("TARGET", "NAME", "TYPE", "UNIT", "SCALE", "BUCKET")
	for _, ts := range all {
		for _, sc := range ts.Schemas {
			scale := ""
			if sc.Exponent != 0 {
				scale = fmt.Sprintf("%d^%d", sc.Base, sc.Exponent)
			}
			bucket := ""
			if sc.BucketSize != 0 {
				bucket = fmt.Sprint(sc.BucketSize)
			}
			t.row(ts.Target, sc.Name, sc.Type, sc.Unit, scale, bucket)
		}
	}
	return t.write(os.Stdout)
}
