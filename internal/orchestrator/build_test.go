package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbor/pkg/models"
)

const rootQ = "Should I buy ACME?"

func TestBuildTree_SinglePath(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"What is revenue growth?"}})
	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)

	require.Len(t, sess.Nodes, 2)
	nodes := byQuestion(t, sess)
	root, child := nodes[rootQ], nodes["What is revenue growth?"]
	require.NotNil(t, root)
	require.NotNil(t, child)

	assert.Equal(t, sess.RootID, root.ID)
	assert.Equal(t, 0, root.Level)
	assert.Equal(t, 1, child.Level)
	assert.Equal(t, []string{child.ID}, root.Children)
	assert.Equal(t, models.NodeStatusAnswered, root.Status)
	assert.Equal(t, models.NodeStatusAnswered, child.Status)
	assert.InDelta(t, child.Confidence, root.Confidence, 1e-9)
	assert.Empty(t, root.ConfidenceRationale)

	assert.Equal(t, 3, sess.Stats.LLMCalls)
	assert.Equal(t, 2, sess.Stats.NodeCount)
	assert.Equal(t, 1, sess.Version)
	assert.Equal(t, models.SessionStatusAnswered, sess.Status)
	require.NotNil(t, sess.FinalDecision)
	assert.InDelta(t, root.Confidence, sess.FinalDecision.Confidence, 1e-9)
}

func TestBuildTree_SingleChildIdentityWithDefaultWeight(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"What is revenue growth?"}})
	f.cfg = config.Default().Tree()
	require.Greater(t, f.cfg.Synthesis.LLMConfidenceWeight, 0.0)
	f.syn.conf["What is revenue growth?"] = 0.6
	f.syn.conf[rootQ] = 0.9

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)

	nodes := byQuestion(t, sess)
	root, child := nodes[rootQ], nodes["What is revenue growth?"]
	require.NotNil(t, root)
	require.NotNil(t, child)
	assert.InDelta(t, 0.6, child.Confidence, 1e-9)
	assert.InDelta(t, child.Confidence, root.Confidence, 1e-9)
}

func TestBuildTree_LLMWeightBlendsMultipleChildren(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is revenue growing?", "Is the balance sheet healthy?"}})
	f.cfg.Synthesis.LLMConfidenceWeight = 0.5
	f.syn.conf["Is revenue growing?"] = 0.6
	f.syn.conf["Is the balance sheet healthy?"] = 0.6
	f.syn.conf[rootQ] = 1.0

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 2)
	require.NoError(t, err)

	// aggregate 0.6 blended half and half with 1.0
	assert.InDelta(t, 0.8, sess.Root().Confidence, 1e-9)
}

func TestBuildTree_SingleLevelIsLeafRoot(t *testing.T) {
	f := newFixture(nil)
	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 1, 3)
	require.NoError(t, err)

	require.Len(t, sess.Nodes, 1)
	root := sess.Root()
	assert.Equal(t, "Answer to "+rootQ, root.Answer)
	assert.Equal(t, 1, sess.Stats.LLMCalls)
}

func TestBuildTree_AliasDeduplication(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ: {"How fast is revenue growing?", "How quickly is revenue growing?", "Is the balance sheet healthy?"},
	})
	f.scores[[2]string{"How fast is revenue growing?", "How quickly is revenue growing?"}] = 0.9

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 3)
	require.NoError(t, err)

	nodes := byQuestion(t, sess)
	root := nodes[rootQ]
	canonical := nodes["How fast is revenue growing?"]
	other := nodes["Is the balance sheet healthy?"]
	require.NotNil(t, canonical)
	require.NotNil(t, other)

	assert.Equal(t, []string{canonical.ID, other.ID}, root.Children)

	aliases := aliasesOf(sess)
	require.Len(t, aliases, 1)
	alias := aliases[0]
	assert.Equal(t, "How quickly is revenue growing?", alias.Question)
	assert.Equal(t, canonical.ID, alias.Canonical)
	assert.Equal(t, []string{root.ID}, alias.Parents)
	assert.Empty(t, alias.Children)
	assert.Equal(t, []string{alias.ID}, canonical.Aliases)
	assert.Equal(t, []string{root.ID}, canonical.Parents)

	assert.Equal(t, canonical.Answer, alias.Answer)
	assert.Equal(t, canonical.Confidence, alias.Confidence)
	assert.Equal(t, models.NodeStatusAnswered, alias.Status)

	// The alias is never synthesized on its own: 1 generation, 2 leaves, 1 root.
	assert.Equal(t, 4, sess.Stats.LLMCalls)
}

func TestBuildTree_SummaryBand(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ: {"What drives gross margin?", "What drives operating margin?"},
	})
	f.scores[[2]string{"What drives gross margin?", "What drives operating margin?"}] = 0.6

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 3, 2)
	require.NoError(t, err)

	nodes := byQuestion(t, sess)
	a, b := nodes["What drives gross margin?"], nodes["What drives operating margin?"]
	summary := nodes["Summary: What drives gross margin? | What drives operating margin?"]
	require.NotNil(t, summary, "expected a summary node")

	assert.Equal(t, models.NodeKindSummary, summary.Kind)
	assert.Equal(t, 2, summary.Level)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, summary.Parents)
	assert.Contains(t, a.Children, summary.ID)
	assert.Contains(t, b.Children, summary.ID)
	assert.Empty(t, aliasesOf(sess))

	// Context is inherited from both parents.
	assert.Contains(t, summary.Context.Text, "Evidence for What drives gross margin?")
	assert.Contains(t, summary.Context.Text, "Evidence for What drives operating margin?")
	assert.Equal(t, models.NodeStatusAnswered, summary.Status)
}

func TestBuildTree_SummarySkippedPastLastLevel(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ: {"What drives gross margin?", "What drives operating margin?"},
	})
	f.scores[[2]string{"What drives gross margin?", "What drives operating margin?"}] = 0.6

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 2)
	require.NoError(t, err)
	assert.Len(t, sess.Nodes, 3)
	for _, n := range sess.Nodes {
		assert.NotEqual(t, models.NodeKindSummary, n.Kind)
	}
}

func TestBuildTree_AmbiguousLowBoundaryIsDistinct(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ: {"What drives gross margin?", "What drives operating margin?"},
	})
	// Inside [band_low, band_low+margin): no summary.
	f.scores[[2]string{"What drives gross margin?", "What drives operating margin?"}] = 0.51

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 3, 2)
	require.NoError(t, err)
	for _, n := range sess.Nodes {
		assert.NotEqual(t, models.NodeKindSummary, n.Kind)
	}
}

func TestBuildTree_Combination(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ:            {"Growth outlook", "Risk outlook"},
		"Growth outlook": {"Pricing power in Europe"},
		"Risk outlook":   {"Currency exposure in Europe"},
	})
	f.cfg.Combination.MinLevel = 2
	f.scores[[2]string{"Pricing power in Europe", "Currency exposure in Europe"}] = 0.7

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 4, 2)
	require.NoError(t, err)

	nodes := byQuestion(t, sess)
	x, y := nodes["Pricing power in Europe"], nodes["Currency exposure in Europe"]
	combo := nodes["Combined: Currency exposure in Europe + Pricing power in Europe"]
	require.NotNil(t, combo, "expected a combination node")

	assert.Equal(t, models.NodeKindCombination, combo.Kind)
	assert.Equal(t, 3, combo.Level)
	assert.ElementsMatch(t, []string{x.ID, y.ID}, combo.Parents)
	assert.Contains(t, combo.Context.Text, "Evidence for Pricing power in Europe")
	assert.Contains(t, combo.Context.Text, "Evidence for Currency exposure in Europe")
	assert.Equal(t, models.NodeStatusAnswered, combo.Status)
}

func TestBuildTree_NoCombinationBelowMinLevel(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ:            {"Growth outlook", "Risk outlook"},
		"Growth outlook": {"Pricing power in Europe"},
		"Risk outlook":   {"Currency exposure in Europe"},
	})
	f.scores[[2]string{"Pricing power in Europe", "Currency exposure in Europe"}] = 0.7

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 4, 2)
	require.NoError(t, err)
	for _, n := range sess.Nodes {
		assert.NotEqual(t, models.NodeKindCombination, n.Kind)
	}
}

func TestBuildTree_EvidenceGateSuppresses(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?", "Are margins at risk?"}})
	f.ret.citations = []models.Citation{{Source: "blog", URL: "https://example.com/blog", Vendor: "web"}}
	f.syn.answers["Is demand accelerating?"] = "Demand is strong and growing; bullish."
	f.syn.answers["Are margins at risk?"] = "Margins are declining under weak pricing; bearish."
	f.syn.conf["Is demand accelerating?"] = 0.3
	f.syn.conf["Are margins at risk?"] = 0.3

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 2)
	require.NoError(t, err)

	root := sess.Root()
	assert.True(t, root.HasTag(models.TagInsufficientEvidence))
	assert.True(t, root.HasTag(models.TagContradictionDetected))
	assert.True(t, root.HasTag(models.TagSynthesisSuppressed))
	assert.Equal(t, models.SuppressedAnswer, root.Answer)
	assert.InDelta(t, 0.3*0.7*0.8, root.Confidence, 1e-9)
	assert.InDelta(t, 0.3, root.RawConfidence, 1e-9)

	require.NotNil(t, sess.FinalDecision)
	assert.Equal(t, models.PositionNeutral, sess.FinalDecision.Position)
	assert.Equal(t, root.ConfidenceRationale, sess.FinalDecision.Rationale)
}

func TestBuildTree_PositionFollowsRootDirection(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	f.syn.answers[rootQ] = "Direction: bullish. Demand keeps improving."

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PositionBuy, sess.FinalDecision.Position)
	assert.Empty(t, sess.FinalDecision.Rationale)
}

func TestBuildTree_CustomDirectionVocabulary(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is the moat widening?"}})
	f.syn.answers[rootQ] = "A widening moat protects returns."

	p := policy.Default()
	p.Direction.BullishTerms = []string{"moat"}
	sess, err := f.orchestrator(WithPolicy(p)).BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PositionBuy, sess.FinalDecision.Position)
}

func TestBuildTree_ConflictingVocabularyFallsBack(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is the moat widening?"}})
	f.syn.answers[rootQ] = "A widening moat protects returns."

	p := policy.Default()
	p.Direction.BullishTerms = []string{"moat"}
	p.Direction.BearishTerms = []string{"Moat"}
	o := f.orchestrator(WithPolicy(p))
	assert.Equal(t, policy.Default(), o.policy)

	sess, err := o.BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PositionHold, sess.FinalDecision.Position)
}

func TestBuildTree_GenerationFailure(t *testing.T) {
	f := newFixture(map[string][]string{
		rootQ:                  {"Is demand accelerating?", "Are margins at risk?"},
		"Are margins at risk?": {"Input costs"},
	})
	f.gen.fail["Is demand accelerating?"] = errors.Join(llm.ErrGeneration, errPermanent)

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 3, 2)
	require.NoError(t, err)

	nodes := byQuestion(t, sess)
	failed := nodes["Is demand accelerating?"]
	assert.Equal(t, models.NodeStatusFailed, failed.Status)
	assert.Equal(t, models.FailedAnswer, failed.Answer)
	assert.Zero(t, failed.Confidence)
	assert.True(t, failed.HasTag(models.TagGenerationFailure))
	assert.Contains(t, failed.Error, "model refused")
	assert.Empty(t, failed.Children)

	root := sess.Root()
	assert.Equal(t, models.NodeStatusAnswered, root.Status)
	assert.True(t, root.HasTag(models.TagChildFailed))
	// One of two children answered at 0.8.
	assert.InDelta(t, 0.4, root.RawConfidence, 1e-9)
	// Permanent errors are not retried.
	assert.Equal(t, 1, f.gen.calls["Is demand accelerating?"])
}

func TestBuildTree_TransientFailureRetried(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	f.gen.failOnce[rootQ] = llm.ErrGenerationTimeout

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	assert.Len(t, sess.Nodes, 2)
	assert.Equal(t, 2, f.gen.calls[rootQ])
	assert.Equal(t, 4, sess.Stats.LLMCalls)
}

func TestBuildTree_SynthesisFailure(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	f.syn.fail["Is demand accelerating?"] = errPermanent

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)

	child := byQuestion(t, sess)["Is demand accelerating?"]
	assert.Equal(t, models.NodeStatusFailed, child.Status)
	assert.True(t, child.HasTag(models.TagGenerationFailure))

	root := sess.Root()
	assert.True(t, root.HasTag(models.TagChildFailed))
	assert.Zero(t, root.RawConfidence)
}

func TestBuildTree_RetrievalMissUsesFallback(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	f.ret.miss = true

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Stats.RetrievalMisses)
	assert.Zero(t, sess.Stats.RetrievalHits)
	assert.Equal(t, "Broad company report.", sess.Root().Context.Text)
	assert.True(t, sess.Root().HasTag(models.TagInsufficientEvidence))
}

func TestBuildTree_InvalidLimits(t *testing.T) {
	f := newFixture(nil)
	_, err := f.orchestrator().BuildTree(context.Background(), rootQ, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLimits)
	_, err = f.orchestrator().BuildTree(context.Background(), rootQ, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidLimits)
	_, err = f.orchestrator().BuildTree(context.Background(), "  ", 2, 1)
	assert.Error(t, err)
}

func TestBuildTree_Canceled(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	f.gen.block[rootQ] = make(chan struct{})
	f.gen.entered = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	o := f.orchestrator()
	go func() {
		_, err := o.BuildTree(ctx, rootQ, 2, 1)
		done <- err
	}()
	<-f.gen.entered
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.SessionStatusCanceled, o.Session().Status)
}

func TestBuildTree_Invariants(t *testing.T) {
	children := map[string][]string{}
	topics := []string{"revenue", "margins", "debt", "competition", "management", "valuation"}
	var gen func(q string, depth int)
	gen = func(q string, depth int) {
		if depth == 3 {
			return
		}
		for i := 0; i < 3; i++ {
			c := fmt.Sprintf("%s > %s %d", q, topics[(depth*3+i)%len(topics)], i)
			children[q] = append(children[q], c)
			gen(c, depth+1)
		}
	}
	gen(rootQ, 0)

	f := newFixture(children)
	f.cfg.Combination.MinLevel = 1
	// Relate every pair of level-2 nodes under the first and third level-1 nodes.
	for _, a := range children[children[rootQ][0]] {
		for _, b := range children[children[rootQ][2]] {
			f.scores[[2]string{a, b}] = 0.7
		}
	}
	// One near-duplicate pair and one summary-band pair among the root's children.
	f.scores[[2]string{children[rootQ][0], children[rootQ][1]}] = 0.95
	f.scores[[2]string{children[rootQ][0], children[rootQ][2]}] = 0.6

	sess, err := f.orchestrator().BuildTree(context.Background(), rootQ, 4, 3)
	require.NoError(t, err)

	store, err := restoreStore(sess)
	require.NoError(t, err)
	assert.False(t, store.HasCycle())
	assert.Equal(t, len(sess.Nodes), sess.Stats.NodeCount)

	for id, n := range sess.Nodes {
		assert.True(t, n.Status.Terminal(), "node %s not terminal: %s", id, n.Status)
		assert.Less(t, n.Level, 4)
		for _, p := range n.Parents {
			assert.Greater(t, n.Level, sess.Nodes[p].Level)
		}
		if n.IsAlias() {
			canon := sess.Nodes[n.Canonical]
			require.NotNil(t, canon)
			assert.False(t, canon.IsAlias(), "alias chains must be one hop")
			assert.Equal(t, canon.Answer, n.Answer)
			continue
		}
		for _, c := range n.Children {
			assert.False(t, sess.Nodes[c].IsAlias(), "children never reference aliases")
		}
		sibs := store.EffectiveChildren(id)
		for i := range sibs {
			for j := i + 1; j < len(sibs); j++ {
				s, _ := f.scores.Score(context.Background(), sess.Nodes[sibs[i]].Question, sess.Nodes[sibs[j]].Question)
				assert.Less(t, s, f.cfg.Thresholds.Alias)
			}
		}
	}

	kinds := map[models.NodeKind]int{}
	for _, n := range sess.Nodes {
		kinds[n.Kind]++
	}
	assert.Equal(t, 1, kinds[models.NodeKindAlias])
	assert.GreaterOrEqual(t, kinds[models.NodeKindSummary], 1)
	assert.GreaterOrEqual(t, kinds[models.NodeKindCombination], 1)
	assert.LessOrEqual(t, kinds[models.NodeKindCombination], 2*f.cfg.Combination.MaxPerLevel)
}

func TestBuildTree_Events(t *testing.T) {
	f := newFixture(map[string][]string{rootQ: {"Is demand accelerating?"}})
	events := NewEventEmitter(64, nil)
	sess, err := f.orchestrator(WithEvents(events)).BuildTree(context.Background(), rootQ, 2, 1)
	require.NoError(t, err)
	events.Close()

	var types []string
	for ev := range events.Events() {
		types = append(types, string(ev.Type))
	}
	joined := strings.Join(types, ",")
	assert.Contains(t, joined, string(EventNodeCreated))
	assert.Contains(t, joined, string(EventLevelComplete))
	assert.Contains(t, joined, string(EventNodeAnswered))
	assert.Len(t, sess.Nodes, 2)
}
