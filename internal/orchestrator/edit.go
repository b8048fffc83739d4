package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// UpdatedSubtree describes the outcome of an edit.
type UpdatedSubtree struct {
	// NodeID is the edited node.
	NodeID string `json:"node_id"`
	// Nodes holds copies of the edited node, its new subtree and its ancestors.
	Nodes []*models.Node `json:"nodes"`
	// Discarded lists the ids released by the edit.
	Discarded []string `json:"discarded"`
	// Recomputed lists the ids that were re-synthesized.
	Recomputed []string `json:"recomputed"`
	// Version is the session version after the edit.
	Version int `json:"version"`
}

// Edit replaces a node's question, regenerates its subtree and recomputes the
// node and every ancestor. Nodes outside that path keep their content. If ctx
// is canceled the tree is restored to its state before the edit.
func (o *Orchestrator) Edit(ctx context.Context, nodeID, newQuestion string) (*UpdatedSubtree, error) {
	newQuestion = strings.TrimSpace(newQuestion)
	if newQuestion == "" {
		return nil, fmt.Errorf("edit %s: question must not be empty", nodeID)
	}
	if !o.busy.CompareAndSwap(false, true) {
		o.logger.Warn("edit rejected", KindEditConflict.Field(), zap.String("node", nodeID))
		return nil, ErrEditConflict
	}
	defer o.busy.Store(false)

	o.mu.Lock()
	rootID := o.rootID
	o.mu.Unlock()
	if rootID == "" {
		return nil, ErrNoTree
	}

	target, err := o.store.Get(nodeID)
	if err != nil {
		o.logger.Warn("edit target missing", KindNodeNotFound.Field(), zap.String("node", nodeID))
		return nil, fmt.Errorf("edit %s: %w", nodeID, err)
	}
	if target.IsAlias() {
		return nil, fmt.Errorf("edit %s: %w", nodeID, ErrAliasEdit)
	}
	if dup, score, ok := o.duplicateSibling(ctx, target, newQuestion); ok {
		o.logger.Warn("edit rejected, question duplicates a sibling",
			KindDedupAmbiguity.Field(), zap.String("node", nodeID),
			zap.String("sibling", dup), zap.Float64("score", score))
		return nil, fmt.Errorf("edit %s: %w (sibling %s, similarity %.2f)", nodeID, ErrDuplicateSibling, dup, score)
	}

	snap := o.store.Snapshot()
	calls, hits, misses := o.llmCalls.Load(), o.retrievalHits.Load(), o.retrievalMiss.Load()
	rollback := func(cause error) (*UpdatedSubtree, error) {
		o.store.Restore(snap)
		o.llmCalls.Store(calls)
		o.retrievalHits.Store(hits)
		o.retrievalMiss.Store(misses)
		o.logger.Warn("edit rolled back", zap.String("node", nodeID), zap.Error(cause))
		return nil, cause
	}

	discarded := discardSet(snap, o.store.Descendants(nodeID), nodeID)
	o.store.RemoveAll(discarded)
	o.logger.Info("editing node",
		zap.String("node", nodeID), zap.Int("level", target.Level), zap.Int("discarded", len(discarded)))

	for _, c := range target.Children {
		o.store.RemoveEdge(nodeID, c)
	}
	if err := o.store.Update(nodeID, func(n *models.Node) {
		n.Question = newQuestion
		n.Answer = ""
		n.Confidence = 0
		n.RawConfidence = 0
		n.Context = models.Context{}
		n.Children = nil
		n.Status = models.NodeStatusPending
		n.ConfidenceRationale = []string{}
		n.UserModified = true
		n.Error = ""
		n.UpdatedAt = time.Now()
	}); err != nil {
		return rollback(err)
	}

	ancestors := o.store.Ancestors(nodeID)
	for _, a := range ancestors {
		_ = o.store.Update(a, func(n *models.Node) { n.Status = models.NodeStatusStale })
	}

	sc := newScope(nodeID)
	if err := o.expand(ctx, []string{nodeID}, sc); err != nil {
		return rollback(err)
	}

	recompute := append(sc.list(), ancestors...)
	if err := o.backpropagate(ctx, recompute); err != nil {
		return rollback(err)
	}
	if err := ctx.Err(); err != nil {
		return rollback(err)
	}

	o.mu.Lock()
	o.version++
	o.editCount++
	version := o.version
	o.mu.Unlock()
	o.decide()

	out := &UpdatedSubtree{NodeID: nodeID, Discarded: discarded, Version: version}
	for _, id := range recompute {
		n, err := o.store.Get(id)
		if err != nil {
			continue
		}
		out.Nodes = append(out.Nodes, n)
		if !n.IsAlias() {
			out.Recomputed = append(out.Recomputed, id)
		}
	}
	sort.Slice(out.Nodes, func(i, j int) bool {
		if out.Nodes[i].Level != out.Nodes[j].Level {
			return out.Nodes[i].Level < out.Nodes[j].Level
		}
		return out.Nodes[i].ID < out.Nodes[j].ID
	})
	sort.Strings(out.Recomputed)

	o.emit(Event{Type: EventEditApplied, NodeID: nodeID, Level: target.Level,
		Message: fmt.Sprintf("version %d, %d discarded, %d recomputed", version, len(discarded), len(out.Recomputed))})
	o.logger.Info("edit applied",
		zap.String("node", nodeID), zap.Int("version", version),
		zap.Int("discarded", len(discarded)), zap.Int("recomputed", len(out.Recomputed)))
	return out, nil
}

// duplicateSibling reports the first sibling of target, under any of its
// parents, whose question scores at or above the alias threshold against q.
func (o *Orchestrator) duplicateSibling(ctx context.Context, target *models.Node, q string) (string, float64, bool) {
	for _, p := range target.Parents {
		for _, cid := range o.store.EffectiveChildren(p) {
			if cid == target.ID {
				continue
			}
			c, err := o.store.Get(cid)
			if err != nil {
				continue
			}
			if s := o.score(ctx, q, c.Question); s >= o.cfg.Thresholds.Alias {
				return cid, s, true
			}
		}
	}
	return "", 0, false
}

// discardSet returns the nodes an edit of id releases: descendants whose
// parents are all id or already discarded, plus aliases hanging off id or a
// discarded node, or resolving to a discarded node. descendants must be
// ordered by level. The result is sorted.
func discardSet(nodes map[string]*models.Node, descendants []string, id string) []string {
	gone := map[string]bool{}
	for _, d := range descendants {
		n, ok := nodes[d]
		if !ok {
			continue
		}
		all := len(n.Parents) > 0
		for _, p := range n.Parents {
			if p != id && !gone[p] {
				all = false
				break
			}
		}
		if all {
			gone[d] = true
		}
	}
	for aid, n := range nodes {
		if !n.IsAlias() {
			continue
		}
		if gone[n.Canonical] {
			gone[aid] = true
			continue
		}
		for _, p := range n.Parents {
			if p == id || gone[p] {
				gone[aid] = true
				break
			}
		}
	}

	out := make([]string, 0, len(gone))
	for d := range gone {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
