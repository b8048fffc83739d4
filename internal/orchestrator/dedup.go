package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// sibling is a materialized child considered during deduplication.
type sibling struct {
	id       string
	question string
}

// dedup materializes a parent's candidate questions. Each candidate is scored
// against the parent's current effective children and the candidates already
// accepted. At or above the alias threshold it becomes an alias of the best
// match; otherwise it becomes a normal child. Pairs in the summary band are
// grouped and each group of two or more gets a summary node one level below.
func (o *Orchestrator) dedup(ctx context.Context, parentID string, candidates []string, sc *scope) error {
	parent, err := o.store.Get(parentID)
	if err != nil {
		return nil
	}

	var sibs []sibling
	for _, cid := range o.store.EffectiveChildren(parentID) {
		c, err := o.store.Get(cid)
		if err != nil {
			continue
		}
		sibs = append(sibs, sibling{id: c.ID, question: c.Question})
	}

	t := o.cfg.Thresholds
	var bandPairs [][2]int

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		scores := make([]float64, len(sibs))
		best := -1
		for i, s := range sibs {
			scores[i] = o.score(ctx, cand, s.question)
			if best < 0 || scores[i] > scores[best] {
				best = i
			}
		}

		if best >= 0 && scores[best] >= t.Alias {
			if err := o.addAlias(parent, cand, sibs[best].id, sc); err != nil {
				return err
			}
			o.logger.Debug("candidate aliased",
				zap.String("parent", parentID), zap.String("canonical", sibs[best].id), zap.Float64("score", scores[best]))
			continue
		}

		child := newNode(parent.Level+1, models.NodeKindNormal, cand, []string{parentID})
		if err := o.store.Add(child); err != nil {
			return err
		}
		if err := o.store.AddEdge(parentID, child.ID); err != nil {
			return err
		}
		sc.add(child.ID)
		o.emit(Event{Type: EventNodeCreated, NodeID: child.ID, Level: child.Level, Kind: child.Kind, Message: cand})

		idx := len(sibs)
		sibs = append(sibs, sibling{id: child.ID, question: cand})
		for i, s := range scores {
			if o.inSummaryBand(s, cand, sibs[i].question) {
				bandPairs = append(bandPairs, [2]int{i, idx})
			}
		}
	}

	return o.summarize(ctx, parent, sibs, bandPairs, sc)
}

// inSummaryBand reports whether a score places two distinct siblings in the
// summary band. Scores within the margin of the band's lower edge, or of the
// alias threshold, are logged as ambiguous; the former are left out of the band.
func (o *Orchestrator) inSummaryBand(score float64, a, b string) bool {
	t := o.cfg.Thresholds
	high := t.SummaryBandHigh
	if high <= 0 || high > t.Alias {
		high = t.Alias
	}
	if t.Margin > 0 {
		switch {
		case score >= t.SummaryBandLow && score < t.SummaryBandLow+t.Margin:
			o.logger.Info("ambiguous similarity near summary band, treating as unrelated",
				KindDedupAmbiguity.Field(), zap.Float64("score", score), zap.String("a", a), zap.String("b", b))
			return false
		case score >= t.Alias-t.Margin && score < t.Alias:
			o.logger.Info("ambiguous similarity near alias threshold, keeping both",
				KindDedupAmbiguity.Field(), zap.Float64("score", score), zap.String("a", a), zap.String("b", b))
		}
	}
	return score >= t.SummaryBandLow && score < high
}

// addAlias records cand under parent as an alias of canonicalID. The parent
// keeps a single edge to the canonical node.
func (o *Orchestrator) addAlias(parent *models.Node, cand, canonicalID string, sc *scope) error {
	alias := newNode(parent.Level+1, models.NodeKindAlias, cand, []string{parent.ID})
	alias.Canonical = canonicalID
	alias.Status = models.NodeStatusChildrenGenerated
	if err := o.store.Add(alias); err != nil {
		return err
	}
	if err := o.store.Update(canonicalID, func(n *models.Node) {
		n.Aliases = append(n.Aliases, alias.ID)
	}); err != nil {
		return err
	}
	if err := o.store.AddEdge(parent.ID, canonicalID); err != nil {
		return err
	}
	sc.add(alias.ID)
	o.emit(Event{Type: EventAliasCreated, NodeID: alias.ID, Level: alias.Level, Kind: alias.Kind, Message: "alias of " + canonicalID})
	return nil
}

// summarize groups band pairs with union-find and adds one summary node per
// group of two or more siblings.
func (o *Orchestrator) summarize(ctx context.Context, parent *models.Node, sibs []sibling, pairs [][2]int, sc *scope) error {
	if len(pairs) == 0 {
		return nil
	}
	groups := groupPairs(len(sibs), pairs)
	level := parent.Level + 2
	last := o.lastLevel()

	for _, group := range groups {
		if level > last {
			o.logger.Debug("summary skipped below last level",
				zap.String("parent", parent.ID), zap.Int("members", len(group)))
			continue
		}

		ids := make([]string, len(group))
		questions := make([]string, len(group))
		for i, idx := range group {
			ids[i] = sibs[idx].id
			questions[i] = sibs[idx].question
		}

		var q string
		err := o.call(ctx, func(ctx context.Context) error {
			var err error
			q, err = o.gen.GenerateSummaryQuestion(ctx, questions)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("summary question generation failed",
				KindGenerationFailure.Field(), zap.String("parent", parent.ID), zap.Error(err))
			continue
		}
		if q == "" {
			continue
		}

		summary := newNode(level, models.NodeKindSummary, q, ids)
		if err := o.store.Add(summary); err != nil {
			return err
		}
		for _, id := range ids {
			if err := o.store.AddEdge(id, summary.ID); err != nil {
				return err
			}
		}
		sc.add(summary.ID)
		o.emit(Event{Type: EventSummaryCreated, NodeID: summary.ID, Level: level, Kind: summary.Kind,
			Message: fmt.Sprintf("summarizes %d siblings", len(ids))})
	}
	return nil
}

// groupPairs returns the connected components of size >= 2 formed by pairs
// over n items, each sorted and ordered by their smallest member.
func groupPairs(n int, pairs [][2]int) [][]int {
	// parent[i] points to the representative of i's group
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for _, p := range pairs {
		pi, pj := find(p[0]), find(p[1])
		if pi != pj {
			if pi < pj {
				parent[pj] = pi
			} else {
				parent[pi] = pj
			}
		}
	}

	members := make(map[int][]int)
	var order []int
	for i := 0; i < n; i++ {
		r := find(i)
		if _, ok := members[r]; !ok {
			order = append(order, r)
		}
		members[r] = append(members[r], i)
	}

	var out [][]int
	for _, r := range order {
		if len(members[r]) >= 2 {
			out = append(out, members[r])
		}
	}
	return out
}
