package pipeline

import (
	"fmt"
	"io"
	"os"
)

// Progress prints one status line per stage.
type Progress struct {
	out io.Writer

	colorGreen  string
	colorRed    string
	colorYellow string
	colorReset  string
}

// NewProgress writes to out. Colors are used only when out is a terminal.
func NewProgress(out io.Writer) *Progress {
	p := &Progress{out: out}
	if f, ok := out.(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			p.colorGreen = "\033[32m"
			p.colorRed = "\033[31m"
			p.colorYellow = "\033[33m"
			p.colorReset = "\033[0m"
		}
	}
	return p
}

// Start prints the stage title, padded for the status marker.
func (p *Progress) Start(msg string) {
	fmt.Fprintf(p.out, "%-70s", msg)
}

// OK completes a started line.
func (p *Progress) OK() {
	fmt.Fprintf(p.out, "%s[OK]%s\n", p.colorGreen, p.colorReset)
}

// Fail completes a started line.
func (p *Progress) Fail() {
	fmt.Fprintf(p.out, "%s[FAIL]%s\n", p.colorRed, p.colorReset)
}

// Warn prints a full warning line.
func (p *Progress) Warn(msg string) {
	fmt.Fprintf(p.out, "%-70s%s[WARN]%s\n", msg, p.colorYellow, p.colorReset)
}
