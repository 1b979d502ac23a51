// Package ui renders human-facing console output.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ANSI 256 palette.
const (
	colorAccent = 74
	colorMuted  = 245
	colorWarn   = 214
)

// Styler colors text when enabled.
type Styler struct {
	Color bool
}

func (s Styler) paint(code int, text string) string {
	if !s.Color {
		return text
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, text)
}

func (s Styler) Accent(text string) string { return s.paint(colorAccent, text) }
func (s Styler) Muted(text string) string  { return s.paint(colorMuted, text) }
func (s Styler) Warn(text string) string   { return s.paint(colorWarn, text) }

// WriteFrequencies prints one line per key with its message rate over
// window, busiest first. Keys with equal counts are sorted by name.
func WriteFrequencies(w io.Writer, st Styler, counts map[string]int, window time.Duration) error {
	if window <= 0 {
		window = time.Second
	}
	keys := make([]string, 0, len(counts))
	total := 0
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", st.Accent(fmt.Sprintf("Message frequencies over %s (%d messages)", window, total)))
	if len(keys) == 0 {
		fmt.Fprintf(&b, "  %s\n", st.Warn("no messages"))
	}
	for _, k := range keys {
		hz := float64(counts[k]) / window.Seconds()
		fmt.Fprintf(&b, "  %8.2f Hz  %s\n", hz, st.Muted(k))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
