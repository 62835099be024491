package main

import (
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/kvmaccel/internal/timeslice"
)

func init() {
	register(command{
		name:  "timeslice",
		usage: "summarise or dump a timeslice recording",
		run:   runTimeslice,
	})
}

func runTimeslice(args []string) error {
	fs := newFlagSet("timeslice")
	raw := fs.Bool("raw", false, "print every sample instead of per-phase totals")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("timeslice: expected one file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if *raw {
		return timeslice.ReadAllRecords(f, func(name string, flags timeslice.Flags, d time.Duration) error {
			fmt.Printf("%s %s %s\n", name, flags, d)
			return nil
		})
	}

	sums, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}

	var total time.Duration
	for _, s := range sums {
		total += s.Total
	}

	t := newTable("PHASE", "FLAGS", "COUNT", "TOTAL", "MEAN", "MAX", "SHARE")
	for _, s := range sums {
		share := 0.0
		if total > 0 {
			share = 100 * float64(s.Total) / float64(total)
		}
		t.row(s.Name, s.Flags.String(), fmt.Sprint(s.Count), s.Total.String(),
			s.Mean().String(), s.Max.String(), fmt.Sprintf("%.1f%%", share))
	}
	return t.write(os.Stdout)
}
