package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// backpropagate synthesizes every non-alias node in ids once all of its
// effective children in ids are terminal. Children outside ids are treated as
// already answered. Aliases mirror their canonical node afterwards.
func (o *Orchestrator) backpropagate(ctx context.Context, ids []string) error {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		n, err := o.store.Get(id)
		if err != nil || n.IsAlias() {
			continue
		}
		set[id] = true
	}

	pending := make(map[string]int, len(set))
	dependents := make(map[string][]string, len(set))
	for id := range set {
		for _, c := range o.store.EffectiveChildren(id) {
			if set[c] {
				pending[id]++
				dependents[c] = append(dependents[c], id)
			}
		}
	}

	var ready []string
	for id := range set {
		if pending[id] == 0 {
			ready = append(ready, id)
			continue
		}
		_ = o.store.Update(id, func(n *models.Node) {
			if n.Status != models.NodeStatusFailed {
				n.Status = models.NodeStatusAwaitingChildren
			}
		})
	}
	sort.Strings(ready)

	done := make(chan string, len(set))
	active, remaining := 0, len(set)
	var canceled error

	for remaining > 0 {
		for canceled == nil && active < o.cfg.Concurrency && len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			active++
			go func() {
				o.synthesize(ctx, id)
				done <- id
			}()
		}
		if active == 0 {
			break
		}
		if canceled != nil {
			<-done
			active--
			continue
		}

		select {
		case id := <-done:
			active--
			remaining--
			for _, p := range dependents[id] {
				pending[p]--
				if pending[p] == 0 {
					ready = append(ready, p)
				}
			}
		case <-ctx.Done():
			canceled = ctx.Err()
		}
	}
	if canceled != nil {
		return canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mirrorAliases()
	return nil
}

// synthesize answers one node from its context (leaf) or its children's
// answers (internal), then runs the evidence gate.
func (o *Orchestrator) synthesize(ctx context.Context, id string) {
	n, err := o.store.Get(id)
	if err != nil {
		return
	}
	kids := o.store.EffectiveChildren(id)
	if n.Status == models.NodeStatusFailed && len(kids) == 0 {
		// Generation already failed; the placeholder stands.
		return
	}
	_ = o.store.Update(id, func(n *models.Node) { n.Status = models.NodeStatusSynthesizing })

	o.mu.Lock()
	company, period := o.company, o.period
	o.mu.Unlock()

	var (
		answer   string
		llmConf  float64
		raw      float64
		views    []childView
		anyError bool
	)
	if len(kids) == 0 {
		err = o.call(ctx, func(ctx context.Context) error {
			var err error
			answer, llmConf, err = o.syn.SynthesizeLeaf(ctx, llm.LeafRequest{
				Question: n.Question,
				Context:  n.Context.Text,
				Company:  company,
				Period:   period,
			})
			return err
		})
		raw = clamp01(llmConf)
	} else {
		answers := make([]llm.ChildAnswer, 0, len(kids))
		for _, cid := range kids {
			c, err := o.store.Get(cid)
			if err != nil {
				continue
			}
			failed := c.Status == models.NodeStatusFailed
			ca := llm.ChildAnswer{Question: c.Question, Answer: c.Answer, Confidence: c.RawConfidence, Failed: failed}
			if failed {
				anyError = true
				ca.Answer = models.FailedAnswer
				ca.Confidence = 0
			}
			answers = append(answers, ca)
			views = append(views, childView{Question: c.Question, Answer: ca.Answer, Failed: failed})
		}
		err = o.call(ctx, func(ctx context.Context) error {
			var err error
			answer, llmConf, err = o.syn.SynthesizeInternal(ctx, llm.InternalRequest{
				Question: n.Question,
				Children: answers,
				Company:  company,
				Period:   period,
			})
			return err
		})
		raw = aggregate(answers)
		// A single child passes its confidence through unchanged.
		if len(answers) > 1 {
			w := o.cfg.Synthesis.LLMConfidenceWeight
			raw = (1-w)*raw + w*clamp01(llmConf)
		}
		raw = clamp01(raw)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(id, n.Level, err)
		return
	}

	res := o.gate(ctx, id, answer, raw, views)
	err = o.store.Update(id, func(n *models.Node) {
		n.Answer = res.Answer
		n.RawConfidence = raw
		n.Confidence = clamp01(res.Confidence)
		n.ConfidenceRationale = []string{}
		if anyError {
			n.AddTag(models.TagChildFailed)
		}
		for _, t := range res.Tags {
			n.AddTag(t)
		}
		n.Status = models.NodeStatusAnswered
		n.Error = ""
		n.UpdatedAt = time.Now()
	})
	if err != nil {
		return
	}

	o.emit(Event{Type: EventNodeAnswered, NodeID: id, Level: n.Level, Kind: n.Kind, Confidence: res.Confidence})
	if len(res.Tags) > 0 {
		o.emit(Event{Type: EventEvidenceGated, NodeID: id, Level: n.Level, Kind: n.Kind, Confidence: res.Confidence,
			Message: strings.Join(res.Tags, ",")})
	}
	o.logger.Debug("node answered",
		zap.String("node", id), zap.Int("level", n.Level), zap.Float64("raw", raw), zap.Float64("confidence", res.Confidence))
}

// aggregate is the confidence-weighted mean of answered children scaled by
// the share of children that answered.
func aggregate(children []llm.ChildAnswer) float64 {
	if len(children) == 0 {
		return 0
	}
	var sum, sumSq float64
	answered := 0
	for _, c := range children {
		if c.Failed {
			continue
		}
		answered++
		sum += c.Confidence
		sumSq += c.Confidence * c.Confidence
	}
	if sum == 0 {
		return 0
	}
	return (sumSq / sum) * float64(answered) / float64(len(children))
}

// mirrorAliases copies each canonical node's outcome onto its aliases.
func (o *Orchestrator) mirrorAliases() {
	for id, n := range o.store.Snapshot() {
		if !n.IsAlias() {
			continue
		}
		canon, err := o.store.Get(n.Canonical)
		if err != nil {
			continue
		}
		_ = o.store.Update(id, func(a *models.Node) {
			a.Answer = canon.Answer
			a.Confidence = canon.Confidence
			a.RawConfidence = canon.RawConfidence
			a.Status = canon.Status
			a.ConfidenceRationale = append([]string{}, canon.ConfidenceRationale...)
			a.UpdatedAt = time.Now()
		})
	}
}

// decide records the final decision from the root node.
func (o *Orchestrator) decide() {
	o.mu.Lock()
	rootID := o.rootID
	o.mu.Unlock()

	root, err := o.store.Get(rootID)
	if err != nil {
		o.finish(models.SessionStatusFailed)
		return
	}

	pos := ClassifyDirection(o.policy.Direction, root.Answer).Position()
	if root.Status == models.NodeStatusFailed || root.HasTag(models.TagSynthesisSuppressed) {
		pos = models.PositionNeutral
	}
	decision := &models.FinalDecision{
		Position:   pos,
		Confidence: root.Confidence,
		Rationale:  append([]string{}, root.ConfidenceRationale...),
		Summary:    root.Answer,
	}

	status := models.SessionStatusAnswered
	if root.Status == models.NodeStatusFailed {
		status = models.SessionStatusFailed
	}
	o.mu.Lock()
	o.decision = decision
	o.mu.Unlock()
	o.finish(status)
	o.logger.Info("final decision",
		zap.String("position", string(pos)), zap.Float64("confidence", root.Confidence), zap.Strings("rationale", decision.Rationale))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
