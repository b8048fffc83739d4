// Package policy defines the tunable word lists and buffer sizes used by the
// orchestrator. Numeric thresholds live in config; this package holds the
// vocabulary that decides how an answer reads.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflictingTerms is returned when a term is both bullish and bearish.
var ErrConflictingTerms = errors.New("term listed as both bullish and bearish")

// Config contains the orchestrator's vocabulary and event policies.
type Config struct {
	// Direction controls how answers are classified as bullish or bearish.
	Direction DirectionPolicy

	// Events controls the progress event buffer.
	Events EventPolicy
}

// DirectionPolicy lists the terms used by the lexical direction classifier.
type DirectionPolicy struct {
	// BullishTerms push an answer towards a bullish reading.
	BullishTerms []string

	// BearishTerms push an answer towards a bearish reading.
	BearishTerms []string

	// NegationTerms flip the term that immediately follows them.
	NegationTerms []string

	// MarkerWeight is how many plain terms an explicit "direction: x" marker counts for.
	MarkerWeight int
}

// EventPolicy controls progress event delivery.
type EventPolicy struct {
	// BufferSize is the capacity of the event channel.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Direction: DirectionPolicy{
			BullishTerms: []string{
				"bullish", "buy", "undervalued", "outperform", "upside",
				"positive", "growth", "growing", "strong", "stronger",
				"improving", "improved", "increase", "increased", "expanding",
				"beat", "beats", "accelerating", "favorable", "resilient",
			},
			BearishTerms: []string{
				"bearish", "sell", "overvalued", "underperform", "downside",
				"negative", "decline", "declining", "weak", "weaker",
				"deteriorating", "deteriorated", "decrease", "decreased", "contracting",
				"miss", "missed", "slowing", "unfavorable", "headwinds",
			},
			NegationTerms: []string{"not", "no", "never", "without", "lack"},
			MarkerWeight:  5,
		},
		Events: EventPolicy{
			BufferSize: 256,
		},
	}
}

// Validate fills in values that are out of range and rejects a vocabulary
// that reads the same term both ways.
func (c *Config) Validate() error {
	def := Default()
	if len(c.Direction.BullishTerms) == 0 {
		c.Direction.BullishTerms = def.Direction.BullishTerms
	}
	if len(c.Direction.BearishTerms) == 0 {
		c.Direction.BearishTerms = def.Direction.BearishTerms
	}
	if c.Direction.MarkerWeight < 1 {
		c.Direction.MarkerWeight = def.Direction.MarkerWeight
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = def.Events.BufferSize
	}

	bull := make(map[string]bool, len(c.Direction.BullishTerms))
	for _, t := range c.Direction.BullishTerms {
		bull[strings.ToLower(t)] = true
	}
	for _, t := range c.Direction.BearishTerms {
		if bull[strings.ToLower(t)] {
			return fmt.Errorf("%w: %q", ErrConflictingTerms, t)
		}
	}
	return nil
}
