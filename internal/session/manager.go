// Package session runs analyses and keeps their trees available for
// inspection and editing, in memory and in the state database.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/graph"
	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/orchestrator"
	"github.com/ShayCichocki/arbor/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbor/internal/report"
	"github.com/ShayCichocki/arbor/internal/retrieval"
	"github.com/ShayCichocki/arbor/internal/similarity"
	"github.com/ShayCichocki/arbor/internal/state"
	"github.com/ShayCichocki/arbor/pkg/models"
)

var (
	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNodeNotFound indicates the node id is unknown in the session.
	ErrNodeNotFound = graph.ErrNodeNotFound
)

// AnalysisRequest describes one analysis to run.
type AnalysisRequest struct {
	Question string
	Company  string
	Period   string
	// MaxLevels and MaxChildren fall back to the configured defaults when 0.
	MaxLevels   int
	MaxChildren int
	// Corpus is the evidence gathered for the analysis. May be nil.
	Corpus *retrieval.Corpus
}

// RetrieverFunc builds the retriever for a session's corpus.
type RetrieverFunc func(ctx context.Context, corpus *retrieval.Corpus, period string) (orchestrator.Retriever, error)

// Backend holds the collaborators shared by every session.
type Backend struct {
	Generator   llm.QuestionGenerator
	Synthesizer llm.AnswerSynthesizer
	Scorer      similarity.Scorer
	// Retriever overrides the default BM25 index over the corpus.
	Retriever RetrieverFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions to store.
func WithStore(store state.StateStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEvents forwards orchestrator progress events to e.
func WithEvents(e *orchestrator.EventEmitter) Option {
	return func(m *Manager) { m.events = e }
}

// Manager owns the sessions of one process.
type Manager struct {
	cfg     *config.Config
	backend Backend
	store   state.StateStore
	logger  *zap.Logger
	events  *orchestrator.EventEmitter

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	orch      *orchestrator.Orchestrator
	corpus    *retrieval.Corpus
	retriever orchestrator.Retriever
}

// NewManager creates a Manager. A nil cfg uses the defaults.
func NewManager(cfg *config.Config, backend Backend, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Manager{
		cfg:      cfg,
		backend:  backend,
		logger:   zap.NewNop(),
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartAnalysis builds and answers a new tree. The session is returned (and
// persisted) even when the build is cancelled, together with the error.
func (m *Manager) StartAnalysis(ctx context.Context, req AnalysisRequest) (*models.Session, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, errors.New("question must not be empty")
	}
	if req.MaxLevels == 0 {
		req.MaxLevels = m.cfg.Analysis.MaxLevels
	}
	if req.MaxChildren == 0 {
		req.MaxChildren = m.cfg.Analysis.MaxChildren
	}
	if req.Company == "" {
		req.Company = m.cfg.Analysis.Company
	}
	if req.Period == "" {
		req.Period = m.cfg.Analysis.Period
	}

	e, err := m.newEntry(ctx, req.Corpus, req.Company, req.Period, nil)
	if err != nil {
		return nil, err
	}
	id := e.orch.SessionID()
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	m.logger.Info("analysis started",
		zap.String("session", id), zap.String("question", req.Question),
		zap.Int("max_levels", req.MaxLevels), zap.Int("max_children", req.MaxChildren))

	sess, buildErr := e.orch.BuildTree(ctx, req.Question, req.MaxLevels, req.MaxChildren)
	if sess == nil {
		m.drop(id)
		return nil, buildErr
	}
	m.logPeriodIsolation(id, e)
	if err := m.persist(sess, e.corpus); err != nil {
		return sess, errors.Join(buildErr, err)
	}
	return sess, buildErr
}

// GetNode returns a copy of one node of a session.
func (m *Manager) GetNode(ctx context.Context, sessionID, nodeID string) (*models.Node, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	n, err := e.orch.Node(nodeID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return n, nil
}

// Edit replaces a node's question and recomputes the affected part of the
// tree. The updated session is persisted.
func (m *Manager) Edit(ctx context.Context, sessionID, nodeID, newQuestion string) (*orchestrator.UpdatedSubtree, *models.Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	upd, err := e.orch.Edit(ctx, nodeID, newQuestion)
	if err != nil {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	m.logPeriodIsolation(sessionID, e)
	sess := e.orch.Session()
	if err := m.persist(sess, e.corpus); err != nil {
		return upd, sess, err
	}
	return upd, sess, nil
}

// GetReport returns the full current state of a session.
func (m *Manager) GetReport(ctx context.Context, sessionID string) (*models.Session, error) {
	e, err := m.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.orch.Session(), nil
}

// ListSessions returns session summaries, most recently updated first.
// A limit <= 0 returns all of them.
func (m *Manager) ListSessions(_ context.Context, limit int) ([]state.Summary, error) {
	if m.store != nil {
		return m.store.ListSessions(limit)
	}

	m.mu.Lock()
	out := make([]state.Summary, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, summarize(e.orch.Session()))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSession forgets a session in memory and in the store.
func (m *Manager) DeleteSession(_ context.Context, sessionID string) error {
	inMemory := m.drop(sessionID)
	if m.store == nil {
		if !inMemory {
			return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
		}
		return nil
	}
	if err := m.store.DeleteSession(sessionID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			if inMemory {
				return nil
			}
			return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
		}
		return err
	}
	return nil
}

// Close releases every session's retriever.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, e := range m.sessions {
		errs = append(errs, closeRetriever(e.retriever))
		delete(m.sessions, id)
	}
	return errors.Join(errs...)
}

// lookup returns the in-memory session, rehydrating it from the store when
// needed.
func (m *Manager) lookup(ctx context.Context, sessionID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e, nil
	}
	if m.store == nil {
		m.logger.Debug("session lookup failed", orchestrator.KindSessionNotFound.Field(), zap.String("session", sessionID))
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}

	rec, err := m.store.LoadSession(sessionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			m.logger.Debug("session lookup failed", orchestrator.KindSessionNotFound.Field(), zap.String("session", sessionID))
			return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	doc, err := report.ParseJSON(rec.Report)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: %w", sessionID, err)
	}
	sess := doc.ToSession()

	var corpus *retrieval.Corpus
	if len(rec.Corpus) > 0 {
		if corpus, err = retrieval.ParseCorpus(rec.Corpus); err != nil {
			return nil, fmt.Errorf("rehydrate %s: %w", sessionID, err)
		}
	}

	e, err := m.newEntry(ctx, corpus, sess.Company, sess.Period, sess)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: %w", sessionID, err)
	}
	m.sessions[sessionID] = e
	m.logger.Info("session rehydrated", zap.String("session", sessionID), zap.Int("nodes", len(sess.Nodes)))
	return e, nil
}

// newEntry wires an orchestrator for a corpus. With a non-nil sess the
// orchestrator is restored from it instead of starting empty.
func (m *Manager) newEntry(ctx context.Context, corpus *retrieval.Corpus, company, period string, sess *models.Session) (*entry, error) {
	e := &entry{corpus: corpus}
	if corpus != nil {
		build := m.backend.Retriever
		if build == nil {
			build = m.indexRetriever
		}
		r, err := build(ctx, corpus, period)
		if err != nil {
			return nil, fmt.Errorf("build retriever: %w", err)
		}
		e.retriever = r
	}

	deps := orchestrator.Deps{
		Generator:   m.backend.Generator,
		Synthesizer: m.backend.Synthesizer,
		Retriever:   e.retriever,
		Scorer:      m.backend.Scorer,
		Fallback:    corpus.Fallback(),
	}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(m.logger),
		orchestrator.WithEvents(m.events),
		orchestrator.WithCompany(company, period),
		orchestrator.WithPolicy(directionPolicy(m.cfg.Direction)),
	}

	if sess == nil {
		e.orch = orchestrator.New(m.cfg.Tree(), deps, opts...)
		return e, nil
	}
	orch, err := orchestrator.Restore(m.cfg.Tree(), deps, sess, opts...)
	if err != nil {
		closeRetriever(e.retriever)
		return nil, err
	}
	e.orch = orch
	return e, nil
}

func (m *Manager) indexRetriever(ctx context.Context, corpus *retrieval.Corpus, period string) (orchestrator.Retriever, error) {
	return retrieval.NewIndex(ctx, corpus, retrieval.Options{
		TopK:          m.cfg.Retrieval.TopK,
		Period:        period,
		EnforcePeriod: m.cfg.Retrieval.EnforcePeriod,
	})
}

// logPeriodIsolation reports how many retrieved sentences the period filter
// has removed so far for a session.
func (m *Manager) logPeriodIsolation(sessionID string, e *entry) {
	idx, ok := e.retriever.(*retrieval.Index)
	if !ok {
		return
	}
	if n := idx.Dropped.Load(); n > 0 {
		m.logger.Info("period isolation dropped sentences",
			zap.String("session", sessionID), zap.Int64("dropped", n))
	}
}

// directionPolicy overlays the configured vocabulary on the built-in one.
func directionPolicy(d config.DirectionConfig) *policy.Config {
	p := policy.Default()
	if len(d.BullishTerms) > 0 {
		p.Direction.BullishTerms = d.BullishTerms
	}
	if len(d.BearishTerms) > 0 {
		p.Direction.BearishTerms = d.BearishTerms
	}
	if len(d.NegationTerms) > 0 {
		p.Direction.NegationTerms = d.NegationTerms
	}
	if d.MarkerWeight > 0 {
		p.Direction.MarkerWeight = d.MarkerWeight
	}
	return p
}

// drop removes a session from memory, reporting whether it was there.
func (m *Manager) drop(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		closeRetriever(e.retriever)
	}
	return ok
}

func (m *Manager) persist(sess *models.Session, corpus *retrieval.Corpus) error {
	if m.store == nil {
		return nil
	}
	doc, err := report.JSON(report.FromSession(sess))
	if err != nil {
		return err
	}
	var corpusJSON []byte
	if corpus != nil {
		if corpusJSON, err = json.Marshal(corpus); err != nil {
			return fmt.Errorf("marshal corpus: %w", err)
		}
	}
	if err := m.store.SaveSession(&state.Session{
		Summary: summarize(sess),
		Report:  doc,
		Corpus:  corpusJSON,
	}); err != nil {
		m.logger.Error("persist session failed", zap.String("session", sess.ID), zap.Error(err))
		return err
	}
	m.logger.Debug("session persisted", zap.String("session", sess.ID), zap.Int("version", sess.Version))
	return nil
}

func summarize(sess *models.Session) state.Summary {
	s := state.Summary{
		ID:        sess.ID,
		Question:  sess.Question,
		Company:   sess.Company,
		Period:    sess.Period,
		Status:    string(sess.Status),
		Version:   sess.Version,
		NodeCount: sess.Stats.NodeCount,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	if fd := sess.FinalDecision; fd != nil {
		s.Position = string(fd.Position)
		s.Confidence = fd.Confidence
	}
	return s
}

func closeRetriever(r orchestrator.Retriever) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
