package main

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// table lays out rows in aligned columns. Cells may carry ANSI styling;
// widths are measured in terminal cells.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	t := &table{}
	if strings.Join(header, "") != "" {
		t.header = header
	}
	return t
}

func (t *table) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

// terminalWidth is the width of stdout, or zero when it is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

func (t *table) write(w io.Writer) error {
	all := t.rows
	if t.header != nil {
		all = append([][]string{t.header}, t.rows...)
	}

	var widths []int
	for _, r := range all {
		for i, c := range r {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], ansi.StringWidth(c))
		}
	}

	maxWidth := terminalWidth()

	var b strings.Builder
	for _, r := range all {
		var line strings.Builder
		for i, c := range r {
			line.WriteString(c)
			if i < len(r)-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(c)+2))
			}
		}
		s := line.String()
		if maxWidth > 0 && ansi.StringWidth(s) > maxWidth {
			s = ansi.Truncate(s, maxWidth, "…")
		}
		b.WriteString(s)
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}
