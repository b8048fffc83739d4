package graph

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/arbor/pkg/models"
)

func node(id string, level int, parents ...string) *models.Node {
	return &models.Node{ID: id, Level: level, Kind: models.NodeKindNormal, Parents: parents, Status: models.NodeStatusPending}
}

// buildDiamond creates r -> a, r -> b, a -> s, b -> s.
func buildDiamond(t *testing.T) *Store {
	t.Helper()
	s := New()
	mustAdd(t, s, node("r", 0))
	mustAdd(t, s, node("a", 1))
	mustAdd(t, s, node("b", 1))
	mustAdd(t, s, node("s", 2))
	mustEdge(t, s, "r", "a")
	mustEdge(t, s, "r", "b")
	mustEdge(t, s, "a", "s")
	mustEdge(t, s, "b", "s")
	return s
}

func mustAdd(t *testing.T, s *Store, n *models.Node) {
	t.Helper()
	if err := s.Add(n); err != nil {
		t.Fatalf("Add(%s) failed: %v", n.ID, err)
	}
}

func mustEdge(t *testing.T, s *Store, p, c string) {
	t.Helper()
	if err := s.AddEdge(p, c); err != nil {
		t.Fatalf("AddEdge(%s, %s) failed: %v", p, c, err)
	}
}

func TestAdd_RejectsDuplicateAndUnknownParent(t *testing.T) {
	s := New()
	mustAdd(t, s, node("r", 0))

	if err := s.Add(node("r", 0)); !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("expected ErrDuplicateNode, got %v", err)
	}
	if err := s.Add(node("x", 1, "missing")); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
	if err := s.Add(node("y", 0, "r")); !errors.Is(err, ErrLevelOrder) {
		t.Errorf("expected ErrLevelOrder, got %v", err)
	}
}

func TestAddEdge_IsIdempotent(t *testing.T) {
	s := buildDiamond(t)
	mustEdge(t, s, "r", "a")

	r, _ := s.Get("r")
	if len(r.Children) != 2 {
		t.Errorf("expected 2 children after duplicate edge, got %v", r.Children)
	}
	a, _ := s.Get("a")
	if len(a.Parents) != 1 {
		t.Errorf("expected 1 parent, got %v", a.Parents)
	}
}

func TestAddEdge_RejectsLevelOrderAndCycles(t *testing.T) {
	s := buildDiamond(t)

	if err := s.AddEdge("s", "a"); !errors.Is(err, ErrLevelOrder) {
		t.Errorf("expected ErrLevelOrder, got %v", err)
	}
	if err := s.AddEdge("a", "a"); err == nil {
		t.Error("expected self edge to be rejected")
	}
	if s.HasCycle() {
		t.Error("store should remain acyclic")
	}
}

func TestMultiParentNodeTracksBothParents(t *testing.T) {
	s := buildDiamond(t)
	sum, err := s.Get("s")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(sum.Parents) != 2 {
		t.Errorf("expected 2 parents, got %v", sum.Parents)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := buildDiamond(t)
	a, _ := s.Get("a")
	a.Question = "mutated"
	a.Children = append(a.Children, "ghost")

	again, _ := s.Get("a")
	if again.Question != "" || len(again.Children) != 1 {
		t.Errorf("Get should return an independent copy, got %+v", again)
	}
}

func TestUpdate_MissingNode(t *testing.T) {
	s := New()
	err := s.Update("nope", func(n *models.Node) { n.Answer = "x" })
	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestEffectiveChildren_ResolvesAliases(t *testing.T) {
	s := New()
	mustAdd(t, s, node("p", 0))
	mustAdd(t, s, node("x", 1))
	mustEdge(t, s, "p", "x")

	alias := node("al", 1, "p")
	alias.Kind = models.NodeKindAlias
	alias.Canonical = "x"
	mustAdd(t, s, alias)

	// A stray alias reference in the child list still resolves to one entry.
	s.mu.Lock()
	s.nodes["p"].Children = append(s.nodes["p"].Children, "al")
	s.mu.Unlock()

	got := s.EffectiveChildren("p")
	if len(got) != 1 || got[0] != "x" {
		t.Errorf("EffectiveChildren = %v, want [x]", got)
	}
	if s.Resolve("al") != "x" {
		t.Errorf("Resolve(al) = %q, want x", s.Resolve("al"))
	}
	if s.Resolve("x") != "x" {
		t.Errorf("Resolve of a canonical node should be itself")
	}
}

func TestDescendantsAndAncestors(t *testing.T) {
	s := buildDiamond(t)

	desc := s.Descendants("r")
	if len(desc) != 3 {
		t.Fatalf("Descendants(r) = %v, want 3 nodes", desc)
	}
	if desc[len(desc)-1] != "s" {
		t.Errorf("descendants should be level-ordered, got %v", desc)
	}

	anc := s.Ancestors("s")
	if len(anc) != 3 || anc[0] != "r" {
		t.Errorf("Ancestors(s) = %v, want r first and 3 total", anc)
	}
}

func TestRemove_ScrubsEdges(t *testing.T) {
	s := buildDiamond(t)
	s.Remove("a")

	if s.Has("a") {
		t.Fatal("node a should be released")
	}
	r, _ := s.Get("r")
	if len(r.Children) != 1 || r.Children[0] != "b" {
		t.Errorf("root children = %v, want [b]", r.Children)
	}
	sum, _ := s.Get("s")
	if len(sum.Parents) != 1 || sum.Parents[0] != "b" {
		t.Errorf("summary parents = %v, want [b]", sum.Parents)
	}
}

func TestTopologicalOrder_ChildrenFirst(t *testing.T) {
	s := buildDiamond(t)
	order, err := s.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder failed: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, edge := range [][2]string{{"r", "a"}, {"r", "b"}, {"a", "s"}, {"b", "s"}} {
		if pos[edge[1]] > pos[edge[0]] {
			t.Errorf("child %s should come before parent %s in %v", edge[1], edge[0], order)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := buildDiamond(t)
	snap := s.Snapshot()

	s.RemoveAll([]string{"a", "b", "s"})
	if s.Size() != 1 {
		t.Fatalf("expected 1 node after removal, got %d", s.Size())
	}

	s.Restore(snap)
	if s.Size() != 4 {
		t.Errorf("expected 4 nodes after restore, got %d", s.Size())
	}
	r, _ := s.Get("r")
	if len(r.Children) != 2 {
		t.Errorf("restored root children = %v", r.Children)
	}
}

func TestFromNodes_DetectsCycle(t *testing.T) {
	nodes := map[string]*models.Node{
		"a": {ID: "a", Level: 0, Children: []string{"b"}},
		"b": {ID: "b", Level: 1, Parents: []string{"a"}, Children: []string{"a"}},
	}
	if _, err := FromNodes(nodes); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestFromNodes_UnknownReference(t *testing.T) {
	nodes := map[string]*models.Node{
		"a": {ID: "a", Level: 0, Children: []string{"ghost"}},
	}
	if _, err := FromNodes(nodes); err == nil {
		t.Error("expected error for unknown child reference")
	}
}

func TestAtLevel(t *testing.T) {
	s := buildDiamond(t)
	if got := s.AtLevel(1); len(got) != 2 {
		t.Errorf("AtLevel(1) = %v, want 2 nodes", got)
	}
	if got := s.AtLevel(5); len(got) != 0 {
		t.Errorf("AtLevel(5) = %v, want none", got)
	}
}
