package main

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/tinyrange/kvmaccel/internal/debug"
)

func init() {
	register(command{
		name:  "trace",
		usage: "print the kernel requests recorded in a trace file",
		run:   runTrace,
	})
}

func runTrace(args []string) error {
	fs := newFlagSet("trace")
	list := fs.Bool("list", false, "list the sources in the trace, one per line")
	timeRange := fs.Bool("range", false, "print the earliest and latest timestamps")
	source := fs.String("source", "", "regex to filter sources")
	match := fs.String("match", "", "regex to filter messages")
	limit := fs.Int("limit", 100, "maximum entries to print (0 for unlimited)")
	tail := fs.Bool("tail", false, "print the last entries instead of failing when over the limit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `USAGE:
  kvmaccel trace [flags] <filename>

Each entry is printed as: TIMESTAMP [SOURCE] MESSAGE

EXAMPLES:
  kvmaccel trace -source '^kvm set user memory' trace.bin
  kvmaccel trace -match 'slot=3' -tail -limit 20 trace.bin

FLAGS:
`)
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace: expected one file")
	}

	entries, err := debug.ReadFile(fs.Arg(0), debug.Filter{})
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	if *list {
		var sources []string
		for _, e := range entries {
			sources = append(sources, e.Source)
		}
		slices.Sort(sources)
		for _, s := range slices.Compact(sources) {
			fmt.Println(s)
		}
		return nil
	}

	if *timeRange {
		if len(entries) == 0 {
			return fmt.Errorf("trace is empty")
		}
		earliest, latest := entries[0].Time, entries[len(entries)-1].Time
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n",
			earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	entries = slices.DeleteFunc(entries, func(e debug.Entry) bool {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return true
		}
		return matchRe != nil && !matchRe.MatchString(string(e.Data))
	})

	if *limit > 0 && len(entries) > *limit {
		if !*tail {
			return fmt.Errorf("too many entries: %d (limit is %d); use -tail for the last %d or raise -limit",
				len(entries), *limit, *limit)
		}
		entries = entries[len(entries)-*limit:]
	}

	for _, e := range entries {
		data := string(e.Data)
		if e.Kind == debug.KindBytes {
			data = fmt.Sprintf("% x", e.Data)
		}
		fmt.Printf("%s [%s] %s\n", e.Time.Format(time.RFC3339Nano), e.Source, data)
	}
	return nil
}
