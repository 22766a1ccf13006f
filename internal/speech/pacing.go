package speech

import (
	"time"
	"unicode/utf8"
)

// Pacing models how long the avatar spends saying a unit. The service only
// acknowledges that speech was accepted, so the dispatcher waits this long
// before sending the next unit unless an end-of-speech signal arrives first.
type Pacing struct {
	PerRune time.Duration // Modeled speaking time per character
	Floor   time.Duration // Minimum duration for any unit
	Ceiling time.Duration // Upper bound; zero disables it
}

// DefaultPacing returns a speaking rate of roughly 15 characters per second.
func DefaultPacing() Pacing {
	return Pacing{
		PerRune: 65 * time.Millisecond,
		Floor:   1500 * time.Millisecond,
	}
}

// Duration returns the modeled speaking duration for text.
func (p Pacing) Duration(text string) time.Duration {
	d := time.Duration(utf8.RuneCountInString(text)) * p.PerRune
	if d < p.Floor {
		d = p.Floor
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}
