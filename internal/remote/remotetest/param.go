package remotetest

import (
	"strings"

	"github.com/kballard/go-shellquote"
)

// ScriptParam returns the unquoted value of the NAME=value assignment in a
// rendered script.
func ScriptParam(script, name string) string {
	for _, line := range strings.Split(script, "\n") {
		rhs, ok := strings.CutPrefix(line, name+"=")
		if !ok {
			continue
		}
		words, err := shellquote.Split(rhs)
		if err != nil || len(words) != 1 {
			return rhs
		}
		return words[0]
	}
	return ""
}
