package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/pkg/models"
)

type combineCandidate struct {
	id       string
	question string
	topic    string
	children map[string]bool
}

type combineGroup struct {
	members []int
	score   float64
}

// combine links topically related nodes at level across branches. Each
// selected pair or triple gets a Combination node at level+1 whose parents
// are the group members.
func (o *Orchestrator) combine(ctx context.Context, level int, sc *scope) error {
	cands := o.combineCandidates(level, sc)
	if len(cands) < 2 || o.cfg.Combination.MaxPerLevel == 0 {
		return nil
	}

	n := len(cands)
	scores := make([][]float64, n)
	for i := range scores {
		scores[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			s := o.pairScore(ctx, cands[i], cands[j])
			scores[i][j], scores[j][i] = s, s
		}
	}

	groups := selectGroups(n, scores, o.eligible, o.cfg.Combination.MaxPerLevel)
	created := 0
	for _, g := range groups {
		ok, err := o.addCombination(ctx, level, cands, g, sc)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		o.logger.Info("combination nodes created", zap.Int("level", level+1), zap.Int("count", created))
	}
	return nil
}

func (o *Orchestrator) eligible(score float64) bool {
	t := o.cfg.Thresholds
	return score >= t.Combination && score < t.Alias
}

// combineCandidates returns non-alias, non-failed nodes at level inside the
// scope, ordered by question and capped.
func (o *Orchestrator) combineCandidates(level int, sc *scope) []combineCandidate {
	var out []combineCandidate
	for _, id := range o.store.AtLevel(level) {
		if !sc.has(id) {
			continue
		}
		n, err := o.store.Get(id)
		if err != nil || n.IsAlias() || n.Status == models.NodeStatusFailed {
			continue
		}
		children := make(map[string]bool, len(n.Children))
		for _, c := range n.Children {
			children[c] = true
		}
		out = append(out, combineCandidate{id: id, question: n.Question, topic: o.topicOf(n), children: children})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].question != out[j].question {
			return out[i].question < out[j].question
		}
		return out[i].id < out[j].id
	})
	if limit := o.cfg.Combination.MaxCandidates; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// topicOf returns the question of the node's level-1 ancestor along its first
// parent chain, or its own question at level 0 and 1.
func (o *Orchestrator) topicOf(n *models.Node) string {
	cur := n
	for cur.Level > 1 && len(cur.Parents) > 0 {
		p, err := o.store.Get(cur.Parents[0])
		if err != nil {
			break
		}
		cur = p
	}
	return cur.Question
}

// pairScore is the larger of the plain and topic-qualified similarity. Pairs
// that already share a child are skipped.
func (o *Orchestrator) pairScore(ctx context.Context, a, b combineCandidate) float64 {
	for c := range a.children {
		if b.children[c] {
			return 0
		}
	}
	s := o.score(ctx, a.question, b.question)
	if a.topic != a.question || b.topic != b.question {
		if q := o.score(ctx, a.topic+" "+a.question, b.topic+" "+b.question); q > s {
			s = q
		}
	}
	return s
}

// selectGroups picks triples whose three pairs are all eligible, best mean
// score first, then pairs not already covered by a chosen triple. At most limit
// groups are returned.
func selectGroups(n int, scores [][]float64, eligible func(float64) bool, limit int) []combineGroup {
	var triples, pairs []combineGroup
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !eligible(scores[i][j]) {
				continue
			}
			pairs = append(pairs, combineGroup{members: []int{i, j}, score: scores[i][j]})
			for k := j + 1; k < n; k++ {
				if eligible(scores[i][k]) && eligible(scores[j][k]) {
					mean := (scores[i][j] + scores[i][k] + scores[j][k]) / 3
					triples = append(triples, combineGroup{members: []int{i, j, k}, score: mean})
				}
			}
		}
	}
	byScore := func(gs []combineGroup) {
		sort.SliceStable(gs, func(a, b int) bool { return gs[a].score > gs[b].score })
	}
	byScore(triples)
	byScore(pairs)

	var out []combineGroup
	covered := make(map[[2]int]bool)
	for _, t := range triples {
		if len(out) >= limit {
			return out
		}
		out = append(out, t)
		m := t.members
		covered[[2]int{m[0], m[1]}] = true
		covered[[2]int{m[0], m[2]}] = true
		covered[[2]int{m[1], m[2]}] = true
	}
	for _, p := range pairs {
		if len(out) >= limit {
			break
		}
		if covered[[2]int{p.members[0], p.members[1]}] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// addCombination generates the combined question and materializes the node.
// A question that duplicates an existing child of any member is dropped.
func (o *Orchestrator) addCombination(ctx context.Context, level int, cands []combineCandidate, g combineGroup, sc *scope) (bool, error) {
	ids := make([]string, len(g.members))
	questions := make([]string, len(g.members))
	for i, m := range g.members {
		ids[i] = cands[m].id
		questions[i] = cands[m].question
	}

	var q string
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		q, err = o.gen.GenerateCombinedQuestion(ctx, questions)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		o.logger.Warn("combined question generation failed",
			KindGenerationFailure.Field(), zap.Strings("parents", ids), zap.Error(err))
		return false, nil
	}
	if q == "" {
		return false, nil
	}

	for _, id := range ids {
		for _, cid := range o.store.EffectiveChildren(id) {
			c, err := o.store.Get(cid)
			if err != nil {
				continue
			}
			if s := o.score(ctx, q, c.Question); s >= o.cfg.Thresholds.Alias {
				o.logger.Debug("combined question duplicates an existing child, dropped",
					zap.String("child", cid), zap.Float64("score", s))
				return false, nil
			}
		}
	}

	node := newNode(level+1, models.NodeKindCombination, q, ids)
	if err := o.store.Add(node); err != nil {
		return false, err
	}
	for _, id := range ids {
		if err := o.store.AddEdge(id, node.ID); err != nil {
			return false, err
		}
	}
	sc.add(node.ID)
	o.emit(Event{Type: EventCombinationCreated, NodeID: node.ID, Level: node.Level, Kind: node.Kind,
		Message: fmt.Sprintf("combines %d branches", len(ids))})
	return true, nil
}
