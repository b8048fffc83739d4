package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Preset is a named depth/breadth pair for an analysis.
type Preset struct {
	Name        string
	MaxLevels   int
	MaxChildren int
}

// Presets trade depth for speed.
var Presets = map[string]Preset{
	"fast":     {Name: "fast", MaxLevels: 2, MaxChildren: 1},
	"balanced": {Name: "balanced", MaxLevels: 3, MaxChildren: 2},
	"thorough": {Name: "thorough", MaxLevels: 4, MaxChildren: 2},
}

// PresetNames returns the preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset sets max levels and children from a named preset.
func (c *Config) ApplyPreset(name string) error {
	p, ok := Presets[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown preset %q (want one of %s)", name, strings.Join(PresetNames(), ", "))
	}
	c.Analysis.Preset = p.Name
	c.Analysis.MaxLevels = p.MaxLevels
	c.Analysis.MaxChildren = p.MaxChildren
	return nil
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	t := c.Thresholds
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }

	check(c.Analysis.MaxLevels >= 1, "analysis.max_levels must be >= 1, got %d", c.Analysis.MaxLevels)
	check(c.Analysis.MaxChildren >= 1, "analysis.max_children must be >= 1, got %d", c.Analysis.MaxChildren)
	check(c.Analysis.Concurrency >= 1, "analysis.concurrency must be >= 1, got %d", c.Analysis.Concurrency)
	check(c.Analysis.MissingQuestions >= 0, "analysis.missing_questions must be >= 0, got %d", c.Analysis.MissingQuestions)
	check(inUnit(t.Alias) && t.Alias > 0, "thresholds.alias_threshold must be in (0,1], got %v", t.Alias)
	check(inUnit(t.SummaryBandLow), "thresholds.summary_band_low must be in [0,1], got %v", t.SummaryBandLow)
	check(t.SummaryBandLow < t.SummaryBandHigh, "thresholds.summary_band_low (%v) must be below summary_band_high (%v)", t.SummaryBandLow, t.SummaryBandHigh)
	check(t.SummaryBandHigh <= t.Alias, "thresholds.summary_band_high (%v) must not exceed alias_threshold (%v)", t.SummaryBandHigh, t.Alias)
	check(inUnit(t.Combination) && t.Combination < t.Alias, "thresholds.combination_threshold must be in [0, alias_threshold), got %v", t.Combination)
	check(t.Margin >= 0 && t.Margin < 0.25, "thresholds.dedup_margin must be in [0,0.25), got %v", t.Margin)
	check(c.Combination.MinLevel >= 1, "combination.min_level must be >= 1, got %d", c.Combination.MinLevel)
	check(c.Combination.MaxPerLevel >= 0, "combination.max_per_level must be >= 0, got %d", c.Combination.MaxPerLevel)
	check(c.Combination.MaxCandidates >= 2, "combination.max_candidates must be >= 2, got %d", c.Combination.MaxCandidates)
	check(c.Evidence.MinCitations >= 0 && c.Evidence.MinVendors >= 0, "evidence minimums must be >= 0")
	check(c.Evidence.InsufficientPenalty > 0 && c.Evidence.InsufficientPenalty < 1, "evidence.insufficient_penalty must be in (0,1), got %v", c.Evidence.InsufficientPenalty)
	check(c.Evidence.ContradictionPenalty > 0 && c.Evidence.ContradictionPenalty < 1, "evidence.contradiction_penalty must be in (0,1), got %v", c.Evidence.ContradictionPenalty)
	check(inUnit(c.Evidence.Floor), "evidence.floor must be in [0,1], got %v", c.Evidence.Floor)
	check(inUnit(c.Evidence.TopicOverlap), "evidence.topic_overlap must be in [0,1], got %v", c.Evidence.TopicOverlap)
	check(inUnit(c.Synthesis.LLMConfidenceWeight), "synthesis.llm_confidence_weight must be in [0,1], got %v", c.Synthesis.LLMConfidenceWeight)
	check(c.Retrieval.TopK >= 1, "retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK)
	check(c.Retrieval.MaxContextChars >= 0, "retrieval.max_context_chars must be >= 0")
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	switch c.Similarity.Backend {
	case "lexical", "genai":
	default:
		check(false, "similarity.backend must be lexical or genai, got %q", c.Similarity.Backend)
	}

	return errors.Join(errs...)
}
