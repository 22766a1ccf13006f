// Package speech turns streamed response text into speakable units and
// models how long each unit takes to say.
package speech

import (
	"regexp"
	"strings"
)

// terminatorRun matches one or more sentence-terminal marks. "?!" and "..."
// count as a single boundary.
var terminatorRun = regexp.MustCompile(`[.!?]+`)

// Unit is one sentence-equivalent piece of text queued for synthesis.
// Text is never empty and carries no surrounding whitespace.
type Unit struct {
	Text string
}

// NewUnit trims text and reports false when nothing speakable is left.
func NewUnit(text string) (Unit, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Unit{}, false
	}
	return Unit{Text: text}, true
}

// Segment splits a fragment on sentence-terminal punctuation. Only pieces that
// are closed by a terminator become units; trailing text without one is a
// partial sentence and is dropped. Segment keeps no state between calls.
func Segment(fragment string) []Unit {
	units, _ := SegmentFrom("", fragment)
	return units
}

// SegmentFrom segments remainder+fragment and returns the trailing partial
// sentence as rest, ready to be threaded into the next call.
func SegmentFrom(remainder, fragment string) (units []Unit, rest string) {
	text := remainder + fragment
	start := 0
	for _, loc := range terminatorRun.FindAllStringIndex(text, -1) {
		if u, ok := NewUnit(text[start:loc[0]]); ok {
			units = append(units, u)
		}
		start = loc[1]
	}
	rest = text[start:]
	if strings.TrimSpace(rest) == "" {
		rest = ""
	}
	return units, rest
}

// Segmenter carries the partial-sentence remainder across streamed fragments.
// It is not safe for concurrent use.
type Segmenter struct {
	remainder string
}

// Push feeds the next fragment and returns the units it completed.
func (s *Segmenter) Push(fragment string) []Unit {
	units, rest := SegmentFrom(s.remainder, fragment)
	s.remainder = rest
	return units
}

// Flush force-emits the pending remainder as one unit, e.g. at end of stream
// when the last sentence never got its terminator.
func (s *Segmenter) Flush() (Unit, bool) {
	u, ok := NewUnit(s.remainder)
	s.remainder = ""
	return u, ok
}

// Pending returns the text waiting for a terminator.
func (s *Segmenter) Pending() string {
	return s.remainder
}

// Reset discards the pending remainder.
func (s *Segmenter) Reset() {
	s.remainder = ""
}
