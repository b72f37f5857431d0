package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const defaultWidth = 120

// terminalWidth returns the width of stdout when it is a terminal, or def.
func terminalWidth(def int) int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return def
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return def
	}
	return w
}

// truncate shortens s to at most n runes on a single line, marking the cut
// with an ellipsis.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// formatConfidence renders a score as a whole percentage.
func formatConfidence(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// defaultActor is the local user name, used when --reviewer is not given.
func defaultActor() string {
	for _, k := range []string{"RD_ACTOR", "USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
