package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// scope is the set of nodes a build or edit may expand and combine. A nil
// scope covers the whole arena.
type scope struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newScope(ids ...string) *scope {
	s := &scope{ids: make(map[string]bool, len(ids))}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *scope) add(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ids[id] = true
	s.mu.Unlock()
}

func (s *scope) has(id string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id]
}

func (s *scope) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BuildTree decomposes question into a DAG of at most maxLevels levels with
// at most maxChildren generated children per node, answers it bottom-up and
// returns the session.
func (o *Orchestrator) BuildTree(ctx context.Context, question string, maxLevels, maxChildren int) (*models.Session, error) {
	if maxLevels < 1 || maxChildren < 1 {
		return nil, fmt.Errorf("%w: max_levels=%d max_children=%d", ErrInvalidLimits, maxLevels, maxChildren)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question must not be empty")
	}
	if !o.busy.CompareAndSwap(false, true) {
		o.logger.Warn("build rejected", KindEditConflict.Field())
		return nil, ErrEditConflict
	}
	defer o.busy.Store(false)

	start := time.Now()
	root := newNode(0, models.NodeKindNormal, question, nil)

	o.mu.Lock()
	o.store.Restore(nil)
	o.rootID = root.ID
	o.question = question
	o.maxLevels = maxLevels
	o.maxChildren = maxChildren
	o.version = 1
	o.editCount = 0
	o.decision = nil
	o.missing = nil
	o.status = models.SessionStatusBuilding
	o.createdAt = start
	o.updatedAt = start
	o.mu.Unlock()
	o.llmCalls.Store(0)
	o.retrievalHits.Store(0)
	o.retrievalMiss.Store(0)

	if err := o.store.Add(root); err != nil {
		return nil, err
	}
	o.logger.Info("building tree",
		zap.String("root", root.ID), zap.Int("max_levels", maxLevels), zap.Int("max_children", maxChildren))

	if err := o.expand(ctx, []string{root.ID}, nil); err != nil {
		o.finish(models.SessionStatusCanceled)
		return o.Session(), err
	}
	if err := o.backpropagate(ctx, o.nonAliasIDs()); err != nil {
		o.finish(models.SessionStatusCanceled)
		return o.Session(), err
	}
	if err := o.findMissing(ctx); err != nil {
		o.finish(models.SessionStatusCanceled)
		return o.Session(), err
	}
	o.decide()

	o.logger.Info("tree built",
		zap.Int("nodes", o.store.Size()),
		zap.Int64("llm_calls", o.llmCalls.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return o.Session(), nil
}

func (o *Orchestrator) finish(status models.SessionStatus) {
	o.mu.Lock()
	o.status = status
	o.updatedAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) nonAliasIDs() []string {
	var out []string
	for id, n := range o.store.Snapshot() {
		if !n.IsAlias() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// expand runs the level barrier starting from frontier. Every node of a level
// finishes context assembly and child generation before any node of the next
// level starts. Combination runs between levels.
func (o *Orchestrator) expand(ctx context.Context, frontier []string, sc *scope) error {
	if len(frontier) == 0 {
		return nil
	}
	first, err := o.store.Get(frontier[0])
	if err != nil {
		return err
	}
	level := first.Level
	last := o.lastLevel()

	for len(frontier) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for _, id := range frontier {
			id := id
			g.Go(func() error {
				return o.expandNode(gctx, id, sc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if level >= o.cfg.Combination.MinLevel && level+1 <= last {
			if err := o.combine(ctx, level, sc); err != nil {
				return err
			}
		}
		o.emit(Event{Type: EventLevelComplete, Level: level, Message: fmt.Sprintf("%d nodes", len(frontier))})
		o.logger.Debug("level complete", zap.Int("level", level), zap.Int("nodes", len(frontier)))

		level++
		frontier = o.pendingAt(level, sc)
	}
	return nil
}

// pendingAt returns the pending, non-alias nodes at level inside the scope.
func (o *Orchestrator) pendingAt(level int, sc *scope) []string {
	var out []string
	for _, id := range o.store.AtLevel(level) {
		if !sc.has(id) {
			continue
		}
		n, err := o.store.Get(id)
		if err != nil || n.IsAlias() || n.Status != models.NodeStatusPending {
			continue
		}
		out = append(out, id)
	}
	return out
}

// expandNode assembles a node's context and, below the last level, generates
// and deduplicates its children. Generation failures mark the node failed and
// are not returned; only cancellation aborts the level.
func (o *Orchestrator) expandNode(ctx context.Context, id string, sc *scope) error {
	n, err := o.store.Get(id)
	if err != nil {
		return nil
	}

	evidence, err := o.assembleContext(ctx, n)
	if err != nil {
		return err
	}
	if err := o.store.Update(id, func(n *models.Node) {
		n.Context = evidence
		n.Status = models.NodeStatusContextAssembled
		n.UpdatedAt = time.Now()
	}); err != nil {
		return nil
	}

	if n.Level >= o.lastLevel() {
		o.markExpanded(id, n.Level, 0)
		return nil
	}

	o.mu.Lock()
	company, period, maxChildren := o.company, o.period, o.maxChildren
	o.mu.Unlock()

	var candidates []string
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		candidates, err = o.gen.GenerateChildren(ctx, llm.ChildRequest{
			Question: n.Question,
			Context:  evidence.Text,
			N:        maxChildren,
			Level:    n.Level + 1,
			Company:  company,
			Period:   period,
		})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.fail(id, n.Level, err)
		return nil
	}

	candidates = cleanCandidates(candidates, maxChildren)
	if err := o.dedup(ctx, id, candidates, sc); err != nil {
		return err
	}
	o.markExpanded(id, n.Level, len(candidates))
	return nil
}

func (o *Orchestrator) markExpanded(id string, level, candidates int) {
	_ = o.store.Update(id, func(n *models.Node) {
		n.Status = models.NodeStatusChildrenGenerated
		n.UpdatedAt = time.Now()
	})
	o.emit(Event{Type: EventNodeExpanded, NodeID: id, Level: level, Message: fmt.Sprintf("%d candidates", candidates)})
}

// fail marks a node failed with the placeholder answer.
func (o *Orchestrator) fail(id string, level int, cause error) {
	o.logger.Warn("node failed",
		KindGenerationFailure.Field(), zap.String("node", id), zap.Int("level", level), zap.Error(cause))
	_ = o.store.Update(id, func(n *models.Node) {
		n.Status = models.NodeStatusFailed
		n.Answer = models.FailedAnswer
		n.Confidence = 0
		n.RawConfidence = 0
		n.Error = cause.Error()
		n.AddTag(models.TagGenerationFailure)
		n.UpdatedAt = time.Now()
	})
	o.emit(Event{Type: EventNodeFailed, NodeID: id, Level: level, Message: cause.Error()})
}

// cleanCandidates trims, drops empties and caps the list at limit.
func cleanCandidates(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	for _, q := range in {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
