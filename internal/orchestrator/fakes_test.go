package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/graph"
	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/retrieval"
	"github.com/ShayCichocki/arbor/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var errPermanent = errors.New("model refused")

// fakeGen returns scripted children per question.
type fakeGen struct {
	mu       sync.Mutex
	children map[string][]string
	fail     map[string]error
	// failOnce errors on the first call for a question only.
	failOnce map[string]error
	// block, when set for a question, holds GenerateChildren until the
	// channel closes or the context ends. entered is signalled first.
	block   map[string]chan struct{}
	entered chan string
	calls   map[string]int
}

func newFakeGen(children map[string][]string) *fakeGen {
	return &fakeGen{
		children: children,
		fail:     map[string]error{},
		failOnce: map[string]error{},
		block:    map[string]chan struct{}{},
		calls:    map[string]int{},
	}
}

func (g *fakeGen) GenerateChildren(ctx context.Context, req llm.ChildRequest) ([]string, error) {
	g.mu.Lock()
	g.calls[req.Question]++
	n := g.calls[req.Question]
	err := g.fail[req.Question]
	if e, ok := g.failOnce[req.Question]; ok && n == 1 {
		err = e
	}
	block := g.block[req.Question]
	entered := g.entered
	out := append([]string(nil), g.children[req.Question]...)
	g.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- req.Question
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *fakeGen) GenerateSummaryQuestion(_ context.Context, questions []string) (string, error) {
	return "Summary: " + strings.Join(questions, " | "), nil
}

func (g *fakeGen) GenerateCombinedQuestion(_ context.Context, questions []string) (string, error) {
	return "Combined: " + strings.Join(questions, " + "), nil
}

// fakeSyn answers from tables keyed by question.
type fakeSyn struct {
	mu          sync.Mutex
	answers     map[string]string
	conf        map[string]float64
	defaultConf float64
	fail        map[string]error
}

func newFakeSyn() *fakeSyn {
	return &fakeSyn{
		answers:     map[string]string{},
		conf:        map[string]float64{},
		defaultConf: 0.8,
		fail:        map[string]error{},
	}
}

func (s *fakeSyn) lookup(q, prefix string) (string, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[q]; err != nil {
		return "", 0, err
	}
	a, ok := s.answers[q]
	if !ok {
		a = prefix + q
	}
	c, ok := s.conf[q]
	if !ok {
		c = s.defaultConf
	}
	return a, c, nil
}

func (s *fakeSyn) SynthesizeLeaf(_ context.Context, req llm.LeafRequest) (string, float64, error) {
	return s.lookup(req.Question, "Answer to ")
}

func (s *fakeSyn) SynthesizeInternal(_ context.Context, req llm.InternalRequest) (string, float64, error) {
	return s.lookup(req.Question, "Synthesis of ")
}

// fakeRetriever returns one snippet per query with a fixed citation set.
type fakeRetriever struct {
	citations []models.Citation
	miss      bool
}

func (r *fakeRetriever) Retrieve(_ context.Context, query string) (retrieval.Result, error) {
	if r.miss {
		return retrieval.Result{}, nil
	}
	return retrieval.Result{
		Snippets:  []string{"Evidence for " + query},
		Citations: r.citations,
		Hit:       true,
	}, nil
}

func ampleCitations() []models.Citation {
	return []models.Citation{
		{Source: "10-K", URL: "https://example.com/10k", Vendor: "sec"},
		{Source: "Q3 call", URL: "https://example.com/q3", Vendor: "transcripts"},
		{Source: "Newswire", URL: "https://example.com/news", Vendor: "news"},
	}
}

// tableScorer scores listed pairs in either order and everything else 0.
type tableScorer map[[2]string]float64

func (t tableScorer) Score(_ context.Context, a, b string) (float64, error) {
	if a == b {
		return 1, nil
	}
	if s, ok := t[[2]string{a, b}]; ok {
		return s, nil
	}
	return t[[2]string{b, a}], nil
}

func testTree() config.Tree {
	cfg := config.Default().Tree()
	cfg.Concurrency = 4
	cfg.Synthesis.LLMConfidenceWeight = 0
	cfg.Retry = config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, CallTimeout: 5 * time.Second}
	return cfg
}

type fixture struct {
	gen    *fakeGen
	syn    *fakeSyn
	ret    *fakeRetriever
	scores tableScorer
	cfg    config.Tree
}

func newFixture(children map[string][]string) *fixture {
	return &fixture{
		gen:    newFakeGen(children),
		syn:    newFakeSyn(),
		ret:    &fakeRetriever{citations: ampleCitations()},
		scores: tableScorer{},
		cfg:    testTree(),
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(f.cfg, Deps{
		Generator:   f.gen,
		Synthesizer: f.syn,
		Retriever:   f.ret,
		Scorer:      f.scores,
		Fallback:    models.Context{Text: "Broad company report."},
	}, opts...)
}

// byQuestion indexes session nodes by question text.
func byQuestion(t *testing.T, sess *models.Session) map[string]*models.Node {
	t.Helper()
	out := make(map[string]*models.Node, len(sess.Nodes))
	for _, n := range sess.Nodes {
		if n.IsAlias() {
			continue
		}
		if _, dup := out[n.Question]; dup {
			t.Fatalf("two non-alias nodes share question %q", n.Question)
		}
		out[n.Question] = n
	}
	return out
}

func aliasesOf(sess *models.Session) []*models.Node {
	var out []*models.Node
	for _, n := range sess.Nodes {
		if n.IsAlias() {
			out = append(out, n)
		}
	}
	return out
}

func restoreStore(sess *models.Session) (*graph.Store, error) {
	return graph.FromNodes(sess.Nodes)
}
