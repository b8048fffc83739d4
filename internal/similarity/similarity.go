// Package similarity scores how alike two question strings are.
//
// The dedup, summary and combination passes only depend on the Scorer
// interface, so the lexical scorer and the embedding scorer are interchangeable.
package similarity

import (
	"context"
	"regexp"
	"strings"
)

// Scorer returns a similarity in [0,1] between two texts.
type Scorer interface {
	Score(ctx context.Context, a, b string) (float64, error)
}

// ScoreFunc adapts a plain function to the Scorer interface.
type ScoreFunc func(ctx context.Context, a, b string) (float64, error)

// Score implements Scorer.
func (f ScoreFunc) Score(ctx context.Context, a, b string) (float64, error) {
	return f(ctx, a, b)
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// questionStopwords are dropped when canonicalizing questions. The list covers
// question scaffolding ("what", "should", "consider") that carries no topic.
var questionStopwords = map[string]bool{
	"the": true, "is": true, "a": true, "an": true, "of": true, "for": true,
	"to": true, "and": true, "in": true, "on": true, "with": true, "about": true,
	"does": true, "should": true, "what": true, "how": true, "why": true,
	"when": true, "where": true, "can": true, "we": true, "our": true,
	"be": true, "are": true, "do": true, "need": true, "using": true,
	"consider": true, "considering": true,
}

// Tokens returns the lowercase topic tokens of a question.
func Tokens(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if !questionStopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

// Canonicalize reduces a question to its space-joined topic tokens, so
// "What is the revenue growth?" and "revenue growth" compare equal.
func Canonicalize(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Lexical scores questions by token and character-bigram overlap.
// It needs no network and is deterministic.
type Lexical struct{}

// NewLexical creates a lexical scorer.
func NewLexical() *Lexical {
	return &Lexical{}
}

// Score returns 1 for identical canonical forms, otherwise the mean of the
// token Jaccard index and the character-bigram Dice coefficient.
func (l *Lexical) Score(_ context.Context, a, b string) (float64, error) {
	ca, cb := Canonicalize(a), Canonicalize(b)
	if ca == "" && cb == "" {
		return boolScore(strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))), nil
	}
	if ca == cb {
		return 1, nil
	}
	return clamp(0.5*jaccard(strings.Fields(ca), strings.Fields(cb)) + 0.5*dice(ca, cb)), nil
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]int {
	s = strings.ReplaceAll(s, " ", "")
	out := make(map[string]int)
	for i := 0; i+1 < len(s); i++ {
		out[s[i:i+2]]++
	}
	return out
}

func dice(a, b string) float64 {
	ba, bb := bigrams(a), bigrams(b)
	total := 0
	for _, n := range ba {
		total += n
	}
	for _, n := range bb {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			shared += min(n, m)
		}
	}
	return 2 * float64(shared) / float64(total)
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
