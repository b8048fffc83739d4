package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// findMissing asks the generator which crucial questions the finished tree
// does not cover and answers each from its own evidence plus the level-1
// findings. It runs only when the generator implements llm.GapFinder. A failed
// gap search or answer is logged and recorded; only cancellation is returned.
func (o *Orchestrator) findMissing(ctx context.Context) error {
	finder, ok := o.gen.(llm.GapFinder)
	if !ok || o.cfg.MissingQuestions <= 0 {
		return nil
	}

	o.mu.Lock()
	rootID, question, company, period := o.rootID, o.question, o.company, o.period
	o.mu.Unlock()
	root, err := o.store.Get(rootID)
	if err != nil {
		return nil
	}

	asked := o.askedQuestions()
	var found []llm.MissingQuestion
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		found, err = finder.GenerateMissingQuestions(ctx, llm.MissingRequest{
			Question: question,
			Asked:    asked,
			Context:  root.Context.Text,
			N:        o.cfg.MissingQuestions,
			Company:  company,
			Period:   period,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("missing question search failed", KindGenerationFailure.Field(), zap.Error(err))
		return nil
	}

	found = o.uncovered(ctx, found, asked)
	if len(found) > o.cfg.MissingQuestions {
		found = found[:o.cfg.MissingQuestions]
	}

	findings := o.levelOneFindings(rootID)
	out := make([]models.MissingQuestion, len(found))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, m := range found {
		g.Go(func() error {
			mq, err := o.answerMissing(gctx, m, findings, company, period)
			out[i] = mq
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	o.missing = out
	o.mu.Unlock()
	o.emit(Event{Type: EventMissingAnswered, NodeID: rootID, Message: fmt.Sprintf("%d questions", len(out))})
	o.logger.Info("missing questions answered", zap.Int("count", len(out)))
	return nil
}

// uncovered drops proposals that repeat a question already in the tree.
func (o *Orchestrator) uncovered(ctx context.Context, found []llm.MissingQuestion, asked []string) []llm.MissingQuestion {
	var out []llm.MissingQuestion
	for _, m := range found {
		dup := ""
		for _, q := range asked {
			if o.score(ctx, m.Question, q) >= o.cfg.Thresholds.Alias {
				dup = q
				break
			}
		}
		if dup != "" {
			o.logger.Debug("missing question already covered",
				KindDedupAmbiguity.Field(), zap.String("question", m.Question), zap.String("covered_by", dup))
			continue
		}
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) answerMissing(ctx context.Context, m llm.MissingQuestion, findings models.Context, company, period string) (models.MissingQuestion, error) {
	mq := models.MissingQuestion{Question: m.Question, Importance: m.Importance, Reason: m.Reason}

	evidence, err := o.retrieve(ctx, m.Question)
	if err != nil {
		return mq, err
	}
	merged := mergeContexts(o.cfg.MaxContextChars, findings, evidence)

	var answer string
	var conf float64
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		answer, conf, err = o.syn.SynthesizeLeaf(ctx, llm.LeafRequest{
			Question: m.Question,
			Context:  merged.Text,
			Company:  company,
			Period:   period,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return mq, ctx.Err()
		}
		o.logger.Warn("missing question unanswered",
			KindGenerationFailure.Field(), zap.String("question", m.Question), zap.Error(err))
		mq.Answer = models.FailedAnswer
		mq.Error = err.Error()
		return mq, nil
	}
	mq.Answer = answer
	mq.Confidence = clamp01(conf)
	mq.Citations = evidence.Citations
	return mq, nil
}

// askedQuestions lists the tree's distinct questions, shallowest first.
func (o *Orchestrator) askedQuestions() []string {
	nodes := o.store.Snapshot()
	list := make([]*models.Node, 0, len(nodes))
	for _, n := range nodes {
		if !n.IsAlias() {
			list = append(list, n)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Level != list[j].Level {
			return list[i].Level < list[j].Level
		}
		return list[i].Question < list[j].Question
	})
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Question)
	}
	return out
}

// levelOneFindings renders the root's children and their answers as evidence.
func (o *Orchestrator) levelOneFindings(rootID string) models.Context {
	var b strings.Builder
	for _, id := range o.store.EffectiveChildren(rootID) {
		n, err := o.store.Get(id)
		if err != nil || n.Answer == "" {
			continue
		}
		fmt.Fprintf(&b, "Finding: %s\n%s", n.Question, n.Answer)
		b.WriteString("\n\n")
	}
	return models.Context{Text: strings.TrimSpace(b.String())}
}
