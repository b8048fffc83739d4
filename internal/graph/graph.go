// Package graph provides the node arena for the question DAG.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/arbor/pkg/models"
)

var (
	// ErrCycleDetected indicates an edge would make a node its own ancestor.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrNodeNotFound indicates the id is unknown or was released.
	ErrNodeNotFound = errors.New("node not found")
	// ErrLevelOrder indicates a child is not strictly deeper than its parent.
	ErrLevelOrder = errors.New("child level must exceed parent level")
	// ErrDuplicateNode indicates an id is already present.
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Store is a flat, id-indexed arena of nodes with explicit parent/child id lists.
// All edge mutations happen under a single lock so shared multi-parent nodes are
// never updated by two expansions at once.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*models.Node
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty store.
func New() *Store {
	return &Store{
		nodes:    make(map[string]*models.Node),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// FromNodes builds a store from an existing node map (e.g. a persisted session).
// Returns an error if the edges reference unknown nodes or form a cycle.
func FromNodes(nodes map[string]*models.Node) (*Store, error) {
	s := New()
	for id, n := range nodes {
		s.nodes[id] = n.Clone()
	}
	for id, n := range s.nodes {
		for _, c := range n.Children {
			if _, ok := s.nodes[c]; !ok {
				return nil, fmt.Errorf("node %s references unknown child %s", id, c)
			}
		}
		for _, p := range n.Parents {
			if _, ok := s.nodes[p]; !ok {
				return nil, fmt.Errorf("node %s references unknown parent %s", id, p)
			}
		}
	}
	if s.hasCycleLocked() {
		return nil, ErrCycleDetected
	}
	return s, nil
}

// SetDebugLog sets the debug logging function.
func (s *Store) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Add inserts a node. Parent edges listed in n.Parents are validated but the
// parents' child lists are not touched; use AddEdge for that.
func (s *Store) Add(n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	for _, p := range n.Parents {
		parent, ok := s.nodes[p]
		if !ok {
			return fmt.Errorf("parent %s: %w", p, ErrNodeNotFound)
		}
		if n.Level <= parent.Level {
			return fmt.Errorf("%w: parent %s level %d, child level %d", ErrLevelOrder, p, parent.Level, n.Level)
		}
	}
	s.nodes[n.ID] = n.Clone()
	s.debugLog("[graph.Add] id=%s level=%d kind=%s parents=%v", n.ID, n.Level, n.Kind, n.Parents)
	return nil
}

// AddEdge links parent -> child on both sides. Adding an existing edge is a no-op.
func (s *Store) AddEdge(parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEdgeLocked(parentID, childID)
}

func (s *Store) addEdgeLocked(parentID, childID string) error {
	parent, ok := s.nodes[parentID]
	if !ok {
		return fmt.Errorf("parent %s: %w", parentID, ErrNodeNotFound)
	}
	child, ok := s.nodes[childID]
	if !ok {
		return fmt.Errorf("child %s: %w", childID, ErrNodeNotFound)
	}
	if child.Level <= parent.Level {
		return fmt.Errorf("%w: %s(%d) -> %s(%d)", ErrLevelOrder, parentID, parent.Level, childID, child.Level)
	}
	if s.reachableLocked(childID, parentID) {
		return ErrCycleDetected
	}

	if !contains(parent.Children, childID) {
		parent.Children = append(parent.Children, childID)
	}
	if !contains(child.Parents, parentID) {
		child.Parents = append(child.Parents, parentID)
	}
	s.debugLog("[graph.AddEdge] %s -> %s", parentID, childID)
	return nil
}

// RemoveEdge unlinks parent -> child on both sides.
func (s *Store) RemoveEdge(parentID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.nodes[parentID]; ok {
		p.Children = without(p.Children, childID)
	}
	if c, ok := s.nodes[childID]; ok {
		c.Parents = without(c.Parents, parentID)
	}
}

// Get returns a copy of the node.
func (s *Store) Get(id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	return n.Clone(), nil
}

// Has reports whether the id is present.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Update applies fn to the stored node under the store lock. fn must not touch
// Parents or Children; use AddEdge/RemoveEdge for those. Returns ErrNodeNotFound
// if the node was released, which lets late results for discarded nodes be dropped.
func (s *Store) Update(id string, fn func(n *models.Node)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNodeNotFound)
	}
	fn(n)
	return nil
}

// Remove releases a node and scrubs its id from every edge list and alias list.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// RemoveAll releases a set of nodes in one critical section.
func (s *Store) RemoveAll(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.removeLocked(id)
	}
}

func (s *Store) removeLocked(id string) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	for _, p := range n.Parents {
		if parent, ok := s.nodes[p]; ok {
			parent.Children = without(parent.Children, id)
		}
	}
	for _, c := range n.Children {
		if child, ok := s.nodes[c]; ok {
			child.Parents = without(child.Parents, id)
		}
	}
	if n.Canonical != "" {
		if canon, ok := s.nodes[n.Canonical]; ok {
			canon.Aliases = without(canon.Aliases, id)
		}
	}
	delete(s.nodes, id)
	s.debugLog("[graph.Remove] released %s", id)
}

// Resolve returns the canonical id for an alias, or the id itself.
func (s *Store) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

func (s *Store) resolveLocked(id string) string {
	if n, ok := s.nodes[id]; ok && n.Kind == models.NodeKindAlias && n.Canonical != "" {
		return n.Canonical
	}
	return id
}

// EffectiveChildren returns the alias-resolved, de-duplicated children of id
// in their original order.
func (s *Store) EffectiveChildren(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveChildrenLocked(id)
}

func (s *Store) effectiveChildrenLocked(id string) []string {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(n.Children))
	var out []string
	for _, c := range n.Children {
		r := s.resolveLocked(c)
		if _, ok := s.nodes[r]; !ok || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Descendants returns every node reachable through child edges from id
// (id excluded), ordered by level then id.
func (s *Store) Descendants(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(s.walkLocked(id, func(n *models.Node) []string { return n.Children }))
}

// Ancestors returns every node reachable through parent edges from id
// (id excluded), ordered by level then id.
func (s *Store) Ancestors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(s.walkLocked(id, func(n *models.Node) []string { return n.Parents }))
}

func (s *Store) walkLocked(id string, next func(*models.Node) []string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := s.nodes[cur]
		if !ok {
			continue
		}
		for _, nb := range next(n) {
			if !seen[nb] && nb != id {
				seen[nb] = true
				stack = append(stack, nb)
			}
		}
	}
	return seen
}

func (s *Store) reachableLocked(from, to string) bool {
	if from == to {
		return true
	}
	return s.walkLocked(from, func(n *models.Node) []string { return n.Children })[to]
}

func (s *Store) sortedLocked(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		if _, ok := s.nodes[id]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := s.nodes[out[i]].Level, s.nodes[out[j]].Level
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// AtLevel returns the ids of nodes at a level, sorted by creation time then id.
func (s *Store) AtLevel(level int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, n := range s.nodes {
		if n.Level == level {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.nodes[out[i]], s.nodes[out[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return out[i] < out[j]
	})
	return out
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (s *Store) HasCycle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (s *Store) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(s.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		n, ok := s.nodes[id]
		if ok {
			for _, c := range n.Children {
				switch colors[c] {
				case 1:
					return true
				case 0:
					if visit(c) {
						return true
					}
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range s.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns node ids with every child before its parents.
func (s *Store) TopologicalOrder() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(s.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if n, ok := s.nodes[id]; ok {
			for _, c := range n.Children {
				visit(c)
			}
		}
		result = append(result, id)
	}

	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		visit(id)
	}
	return result, nil
}

// Size returns the number of nodes in the arena.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Snapshot returns a deep copy of every node.
func (s *Store) Snapshot() map[string]*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Node, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.Clone()
	}
	return out
}

// Restore replaces the arena contents with a snapshot.
func (s *Store) Restore(snap map[string]*models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*models.Node, len(snap))
	for id, n := range snap {
		s.nodes[id] = n.Clone()
	}
	s.debugLog("[graph.Restore] restored %d nodes", len(snap))
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func without(list []string, id string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
