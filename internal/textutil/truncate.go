package textutil

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// suffixReserve is runes reserved for the truncation message (approximate; actual suffix length varies with digit count).
const suffixReserve = 40

// Truncate caps s at maxRunes runes. If maxRunes <= 0, returns s unchanged.
// Truncation preserves the start of the string and appends a suffix with the original size.
// Used for provider error bodies kept for diagnostics.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	keep := maxRunes - suffixReserve
	if keep <= 0 {
		keep = 1
	}
	suffix := "...[truncated, " + humanize.Bytes(uint64(len(s))) + " total]"
	return string(r[:keep]) + suffix
}

// ElisionMarker opens the marker spliced into the middle of an elided message.
const ElisionMarker = "\n[... "

// Elide shortens s to roughly keepRunes runes by keeping a head and a tail and
// splicing a marker in between. headFrac is the share of keepRunes taken from
// the head (0.6 keeps 60% head, 40% tail). Returns s unchanged when it already
// fits, when keepRunes <= 0, or when the marker would not make s shorter.
func Elide(s string, keepRunes int, headFrac float64) string {
	r := []rune(s)
	if keepRunes <= 0 || len(r) <= keepRunes {
		return s
	}
	if headFrac <= 0 || headFrac >= 1 {
		headFrac = 0.6
	}
	head := int(float64(keepRunes) * headFrac)
	tail := keepRunes - head
	omitted := len(r) - head - tail
	marker := ElisionMarker + strconv.Itoa(omitted) + " chars omitted ...]\n"
	if len([]rune(marker)) >= omitted {
		return s
	}
	var b strings.Builder
	b.WriteString(string(r[:head]))
	b.WriteString(marker)
	b.WriteString(string(r[len(r)-tail:]))
	return b.String()
}

// IsElided reports whether s already carries an elision marker.
func IsElided(s string) bool {
	i := strings.Index(s, ElisionMarker)
	return i >= 0 && strings.Contains(s[i:], " chars omitted ...]")
}
