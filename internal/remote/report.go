package remote

import (
	"regexp"
	"strings"
)

var reportLine = regexp.MustCompile(`^([a-z][a-z0-9_]*)=(.*)$`)

type pair struct {
	key   string
	value string
}

// Report holds the key=value lines a script printed, in order. Keys may
// repeat; lines that are not key=value are ignored.
type Report struct {
	pairs []pair
}

// ParseReport extracts key=value lines from script output.
func ParseReport(out string) Report {
	var r Report
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := reportLine.FindStringSubmatch(line); m != nil {
			r.pairs = append(r.pairs, pair{key: m[1], value: strings.TrimSpace(m[2])})
		}
	}
	return r
}

// Get returns the last value printed for key.
func (r Report) Get(key string) string {
	for i := len(r.pairs) - 1; i >= 0; i-- {
		if r.pairs[i].key == key {
			return r.pairs[i].value
		}
	}
	return ""
}

// Has reports whether key was printed at all.
func (r Report) Has(key string) bool {
	for _, p := range r.pairs {
		if p.key == key {
			return true
		}
	}
	return false
}

// All returns every value printed for key, in order.
func (r Report) All(key string) []string {
	var values []string
	for _, p := range r.pairs {
		if p.key == key {
			values = append(values, p.value)
		}
	}
	return values
}

// Warnings returns the warn= lines.
func (r Report) Warnings() []string {
	return r.All("warn")
}
