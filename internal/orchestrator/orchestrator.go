// Package orchestrator builds and maintains the question DAG of an analysis.
//
// The Orchestrator owns one session's node arena. It provides:
//   - Tree building: level-by-level expansion with a barrier between levels
//   - Deduplication: aliases for near-identical siblings, summary nodes for related ones
//   - Combination: cross-branch nodes that merge the evidence of related subtrees
//   - Backpropagation: bottom-up synthesis with an evidence gate on every answer
//   - Editing: replacing one question and recomputing only what depends on it
//   - Gap analysis: questions the finished tree missed, answered from their own evidence
//
// Example usage:
//
//	orch := orchestrator.New(cfg.Tree(), orchestrator.Deps{
//		Generator:   client,
//		Synthesizer: client,
//		Retriever:   index,
//		Scorer:      similarity.NewLexical(),
//	})
//	sess, err := orch.BuildTree(ctx, "Should I buy ACME?", 3, 2)
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/graph"
	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/logging"
	"github.com/ShayCichocki/arbor/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbor/internal/retrieval"
	"github.com/ShayCichocki/arbor/internal/similarity"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// Retriever returns evidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (retrieval.Result, error)
}

// Deps are the external collaborators of the orchestrator.
type Deps struct {
	Generator   llm.QuestionGenerator
	Synthesizer llm.AnswerSynthesizer
	Retriever   Retriever
	Scorer      similarity.Scorer
	// Fallback is used when retrieval misses or fails.
	Fallback models.Context
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents sets the progress event emitter.
func WithEvents(e *EventEmitter) Option {
	return func(o *Orchestrator) { o.events = e }
}

// WithSessionID sets the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// WithCompany sets the company and period every prompt is scoped to.
func WithCompany(company, period string) Option {
	return func(o *Orchestrator) {
		o.company = company
		o.period = period
	}
}

// WithPolicy overrides the classifier vocabulary.
func WithPolicy(p *policy.Config) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// Orchestrator builds, edits and answers one session's question tree.
type Orchestrator struct {
	cfg      config.Tree
	retry    llm.RetryPolicy
	gen      llm.QuestionGenerator
	syn      llm.AnswerSynthesizer
	ret      Retriever
	scorer   similarity.Scorer
	fallback models.Context
	policy   *policy.Config
	logger   *zap.Logger
	events   *EventEmitter

	store *graph.Store

	// busy enforces one build or edit at a time.
	busy atomic.Bool

	llmCalls      atomic.Int64
	retrievalHits atomic.Int64
	retrievalMiss atomic.Int64

	// mu protects the session metadata below.
	mu          sync.Mutex
	sessionID   string
	rootID      string
	question    string
	company     string
	period      string
	maxLevels   int
	maxChildren int
	version     int
	editCount   int
	status      models.SessionStatus
	decision    *models.FinalDecision
	missing     []models.MissingQuestion
	createdAt   time.Time
	updatedAt   time.Time
}

// New creates an Orchestrator with an empty arena.
func New(cfg config.Tree, deps Deps, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if deps.Scorer == nil {
		deps.Scorer = similarity.NewLexical()
	}
	o := &Orchestrator{
		cfg: cfg,
		retry: llm.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			CallTimeout: cfg.Retry.CallTimeout,
		},
		gen:       deps.Generator,
		syn:       deps.Synthesizer,
		ret:       deps.Retriever,
		scorer:    deps.Scorer,
		fallback:  deps.Fallback,
		policy:    policy.Default(),
		logger:    zap.NewNop(),
		store:     graph.New(),
		sessionID: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("session", o.sessionID))
	if err := o.policy.Validate(); err != nil {
		o.logger.Warn("invalid direction vocabulary, using defaults", zap.Error(err))
		o.policy = policy.Default()
	}
	o.store.SetDebugLog(logging.DebugFunc(o.logger))
	return o
}

// Restore creates an Orchestrator over a previously built session so it can
// be edited.
func Restore(cfg config.Tree, deps Deps, sess *models.Session, opts ...Option) (*Orchestrator, error) {
	store, err := graph.FromNodes(sess.Nodes)
	if err != nil {
		return nil, err
	}
	o := New(cfg, deps, append([]Option{WithSessionID(sess.ID), WithCompany(sess.Company, sess.Period)}, opts...)...)
	o.store = store
	o.store.SetDebugLog(logging.DebugFunc(o.logger))
	o.rootID = sess.RootID
	o.question = sess.Question
	o.maxLevels = sess.MaxLevels
	o.maxChildren = sess.MaxChildren
	o.version = sess.Version
	o.editCount = sess.Stats.EditCount
	o.status = sess.Status
	o.createdAt = sess.CreatedAt
	o.updatedAt = sess.UpdatedAt
	if sess.FinalDecision != nil {
		d := *sess.FinalDecision
		d.Rationale = append([]string(nil), d.Rationale...)
		o.decision = &d
	}
	o.missing = models.CloneMissing(sess.MissingQuestions)
	o.llmCalls.Store(int64(sess.Stats.LLMCalls))
	o.retrievalHits.Store(int64(sess.Stats.RetrievalHits))
	o.retrievalMiss.Store(int64(sess.Stats.RetrievalMisses))
	return o, nil
}

// SessionID returns the session id.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Node returns a copy of a node.
func (o *Orchestrator) Node(id string) (*models.Node, error) {
	return o.store.Get(id)
}

// Session returns a deep copy of the current session state.
func (o *Orchestrator) Session() *models.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionLocked()
}

func (o *Orchestrator) sessionLocked() *models.Session {
	nodes := o.store.Snapshot()
	sess := &models.Session{
		ID:          o.sessionID,
		RootID:      o.rootID,
		Question:    o.question,
		Company:     o.company,
		Period:      o.period,
		MaxLevels:   o.maxLevels,
		MaxChildren: o.maxChildren,
		Nodes:       nodes,
		Stats:       o.statsLocked(len(nodes)),
		Version:     o.version,
		Status:      o.status,
		CreatedAt:   o.createdAt,
		UpdatedAt:   o.updatedAt,
	}
	if o.decision != nil {
		d := *o.decision
		d.Rationale = append([]string(nil), o.decision.Rationale...)
		sess.FinalDecision = &d
	}
	sess.MissingQuestions = models.CloneMissing(o.missing)
	return sess
}

func (o *Orchestrator) statsLocked(nodeCount int) models.Stats {
	return models.Stats{
		LLMCalls:        int(o.llmCalls.Load()),
		RetrievalHits:   int(o.retrievalHits.Load()),
		RetrievalMisses: int(o.retrievalMiss.Load()),
		NodeCount:       nodeCount,
		EditCount:       o.editCount,
	}
}

// lastLevel is the deepest level index of the tree.
func (o *Orchestrator) lastLevel() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLevels - 1
}

func (o *Orchestrator) emit(ev Event) {
	o.events.Emit(ev)
}

// call runs one LLM operation under the retry policy, counting every attempt.
func (o *Orchestrator) call(ctx context.Context, op func(ctx context.Context) error) error {
	return llm.Retry(ctx, o.retry, func(ctx context.Context) error {
		o.llmCalls.Add(1)
		return op(ctx)
	})
}

func (o *Orchestrator) score(ctx context.Context, a, b string) float64 {
	s, err := o.scorer.Score(ctx, a, b)
	if err != nil {
		o.logger.Warn("similarity scoring failed, treating as distinct", zap.Error(err))
		return 0
	}
	return s
}

func newNode(level int, kind models.NodeKind, question string, parents []string) *models.Node {
	now := time.Now()
	return &models.Node{
		ID:                  uuid.New().String(),
		Level:               level,
		Kind:                kind,
		Question:            question,
		Parents:             parents,
		Status:              models.NodeStatusPending,
		ConfidenceRationale: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
