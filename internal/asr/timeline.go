package asr

import (
	"fmt"
	"strings"
)

// Timeline renders one "[start --> end] text" line per segment.
func (r Result) Timeline() string {
	var b strings.Builder
	for _, seg := range r.segments {
		fmt.Fprintf(&b, "[%s --> %s] %s\n", FormatMS(seg.StartMS), FormatMS(seg.EndMS), seg.Text)
	}
	return b.String()
}

// FormatMS renders a millisecond offset as HH:MM:SS.mmm.
func FormatMS(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}
