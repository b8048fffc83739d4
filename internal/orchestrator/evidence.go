package orchestrator

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// Direction is the investment stance an answer takes.
type Direction int

const (
	DirectionNeutral Direction = iota
	DirectionBullish
	DirectionBearish
)

func (d Direction) String() string {
	switch d {
	case DirectionBullish:
		return "bullish"
	case DirectionBearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// Position maps a direction onto a final recommendation.
func (d Direction) Position() models.Position {
	switch d {
	case DirectionBullish:
		return models.PositionBuy
	case DirectionBearish:
		return models.PositionSell
	default:
		return models.PositionHold
	}
}

var (
	wordPattern   = regexp.MustCompile(`[a-z]+`)
	markerPattern = regexp.MustCompile(`(?i)\b(?:direction|stance|recommendation|position)\s*[:=-]\s*(bullish|bearish|buy|sell|hold|neutral)\b`)
)

// ClassifyDirection reads an answer as bullish, bearish or neutral by counting
// policy terms. A negation flips the term right after it. An explicit marker
// such as "Direction: bearish" outweighs several plain terms.
func ClassifyDirection(p policy.DirectionPolicy, answer string) Direction {
	bull := toSet(p.BullishTerms)
	bear := toSet(p.BearishTerms)
	neg := toSet(p.NegationTerms)

	score := 0
	negate := false
	for _, w := range wordPattern.FindAllString(strings.ToLower(answer), -1) {
		if neg[w] {
			negate = true
			continue
		}
		v := 0
		switch {
		case bull[w]:
			v = 1
		case bear[w]:
			v = -1
		}
		if negate {
			v = -v
			negate = false
		}
		score += v
	}

	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		switch strings.ToLower(m[1]) {
		case "bullish", "buy":
			score += p.MarkerWeight
		case "bearish", "sell":
			score -= p.MarkerWeight
		}
	}

	switch {
	case score > 0:
		return DirectionBullish
	case score < 0:
		return DirectionBearish
	default:
		return DirectionNeutral
	}
}

func toSet(words []string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[strings.ToLower(w)] = true
	}
	return out
}

// gateResult is the evidence gate's verdict on one answer.
type gateResult struct {
	Answer        string
	Confidence    float64
	Tags          []string
	Citations     int
	Vendors       int
	Insufficient  bool
	Contradiction bool
	Suppressed    bool
}

// childView is what the gate needs to know about a child answer.
type childView struct {
	Question string
	Answer   string
	Failed   bool
}

// gate applies the evidence policy to a synthesized answer. Citations and
// vendors are counted over the node's subtree; a contradiction is any pair
// of children whose answers point in opposite directions about overlapping
// topics.
func (o *Orchestrator) gate(ctx context.Context, id, answer string, raw float64, children []childView) gateResult {
	ev := o.cfg.Evidence
	res := gateResult{Answer: answer, Confidence: raw}

	res.Citations, res.Vendors = o.subtreeEvidence(id)
	if res.Citations < ev.MinCitations || res.Vendors < ev.MinVendors {
		res.Insufficient = true
		res.Tags = append(res.Tags, models.TagInsufficientEvidence)
		res.Confidence *= ev.InsufficientPenalty
		o.logger.Info("insufficient evidence",
			KindEvidenceInsufficient.Field(), zap.String("node", id),
			zap.Int("citations", res.Citations), zap.Int("vendors", res.Vendors))
	}

	if o.contradicts(ctx, children) {
		res.Contradiction = true
		res.Tags = append(res.Tags, models.TagContradictionDetected)
		res.Confidence *= ev.ContradictionPenalty
		o.logger.Info("contradiction among child answers",
			KindContradictionDetected.Field(), zap.String("node", id))
	}

	if (res.Insufficient || res.Contradiction) && res.Confidence < ev.Floor {
		res.Suppressed = true
		res.Answer = models.SuppressedAnswer
		res.Tags = append(res.Tags, models.TagSynthesisSuppressed)
		o.logger.Info("answer suppressed below confidence floor",
			zap.String("node", id), zap.Float64("confidence", res.Confidence), zap.Float64("floor", ev.Floor))
	}
	return res
}

// subtreeEvidence counts distinct citations and vendors over id and every
// node reachable below it.
func (o *Orchestrator) subtreeEvidence(id string) (citations, vendors int) {
	keys := make(map[string]bool)
	vends := make(map[string]bool)
	for _, nid := range append([]string{id}, o.store.Descendants(id)...) {
		n, err := o.store.Get(nid)
		if err != nil {
			continue
		}
		for _, c := range n.Context.Citations {
			keys[c.Key()] = true
			if c.Vendor != "" {
				vends[c.Vendor] = true
			}
		}
	}
	return len(keys), len(vends)
}

func (o *Orchestrator) contradicts(ctx context.Context, children []childView) bool {
	type stance struct {
		question string
		dir      Direction
	}
	var bulls, bears []stance
	for _, c := range children {
		if c.Failed || c.Answer == models.SuppressedAnswer {
			continue
		}
		switch d := ClassifyDirection(o.policy.Direction, c.Answer); d {
		case DirectionBullish:
			bulls = append(bulls, stance{c.Question, d})
		case DirectionBearish:
			bears = append(bears, stance{c.Question, d})
		}
	}
	overlap := o.cfg.Evidence.TopicOverlap
	for _, b := range bulls {
		for _, s := range bears {
			if overlap <= 0 || o.score(ctx, b.question, s.question) >= overlap {
				return true
			}
		}
	}
	return false
}
