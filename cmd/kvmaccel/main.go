// Command kvmaccel inspects the KVM accelerator: what the host kernel
// offers, the binary stats of a VM, dirty tracking on a live guest, and the
// trace and timeslice files an accelerator run leaves behind.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands []command

func register(c command) {
	commands = append(commands, c)
	slices.SortFunc(commands, func(a, b command) int {
		return strings.Compare(a.name, b.name)
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "kvmaccel - inspect the KVM accelerator\n\nUSAGE:\n  kvmaccel <command> [flags]\n\nCOMMANDS:\n")
	t := newTable()
	for _, c := range commands {
		t.row("  "+c.name, c.usage)
	}
	t.write(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nRun 'kvmaccel <command> -h' for the flags of a command.\n")
}

// newLogger returns a text logger on stderr at debug level when verbose.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet("kvmaccel "+name, flag.ExitOnError)
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "-h" || name == "-help" || name == "help" {
		usage()
		return nil
	}

	for _, c := range commands {
		if c.name == name {
			return c.run(os.Args[2:])
		}
	}
	usage()
	return fmt.Errorf("unknown command %q", name)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kvmaccel: %v\n", err)
		os.Exit(1)
	}
}
