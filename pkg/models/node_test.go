package models

import (
	"encoding/json"
	"testing"
)

func TestNodeKindValid(t *testing.T) {
	tests := []struct {
		kind NodeKind
		want bool
	}{
		{NodeKindNormal, true},
		{NodeKindAlias, true},
		{NodeKindSummary, true},
		{NodeKindCombination, true},
		{NodeKind("cluster"), false},
		{NodeKind(""), false},
	}

	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("NodeKind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestNodeStatusTerminal(t *testing.T) {
	terminal := map[NodeStatus]bool{
		NodeStatusPending:           false,
		NodeStatusContextAssembled:  false,
		NodeStatusChildrenGenerated: false,
		NodeStatusAwaitingChildren:  false,
		NodeStatusSynthesizing:      false,
		NodeStatusAnswered:          true,
		NodeStatusFailed:            true,
		NodeStatusStale:             false,
	}

	for status, want := range terminal {
		if !status.Valid() {
			t.Errorf("status %q should be valid", status)
		}
		if got := status.Terminal(); got != want {
			t.Errorf("%q.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestNodeAddTagDeduplicates(t *testing.T) {
	n := &Node{}
	n.AddTag(TagInsufficientEvidence)
	n.AddTag(TagContradictionDetected)
	n.AddTag(TagInsufficientEvidence)

	if len(n.ConfidenceRationale) != 2 {
		t.Fatalf("expected 2 tags, got %v", n.ConfidenceRationale)
	}
	if n.ConfidenceRationale[0] != TagInsufficientEvidence {
		t.Errorf("tag order changed: %v", n.ConfidenceRationale)
	}
}

func TestNodeCloneIsDeep(t *testing.T) {
	orig := &Node{
		ID:       "a",
		Parents:  []string{"p"},
		Children: []string{"c1"},
		Context: Context{
			Text:      "evidence",
			Citations: []Citation{{Source: "10-K", Vendor: "fundamentals"}},
		},
		ConfidenceRationale: []string{TagChildFailed},
	}

	cp := orig.Clone()
	cp.Children[0] = "changed"
	cp.Parents = append(cp.Parents, "q")
	cp.Context.Citations[0].Source = "other"
	cp.ConfidenceRationale[0] = "x"

	if orig.Children[0] != "c1" || len(orig.Parents) != 1 {
		t.Errorf("clone shares edge slices with original: %+v", orig)
	}
	if orig.Context.Citations[0].Source != "10-K" {
		t.Errorf("clone shares citations with original")
	}
	if orig.ConfidenceRationale[0] != TagChildFailed {
		t.Errorf("clone shares rationale with original")
	}
}

func TestCitationKey(t *testing.T) {
	withURL := Citation{Source: "Reuters", URL: "https://example.com/a", Vendor: "news"}
	if withURL.Key() != "https://example.com/a" {
		t.Errorf("Key() = %q, want URL", withURL.Key())
	}

	noURL := Citation{Source: "10-K", Title: "Annual report", Vendor: "fundamentals"}
	other := Citation{Source: "10-K", Title: "Annual report", Vendor: "web"}
	if noURL.Key() == other.Key() {
		t.Errorf("citations from different vendors should have different keys")
	}
}

func TestNodeJSONRoundTripKeepsKind(t *testing.T) {
	n := &Node{ID: "x", Kind: NodeKindSummary, Status: NodeStatusAnswered, Parents: []string{"a", "b"}}
	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Node
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != NodeKindSummary || len(out.Parents) != 2 {
		t.Errorf("round trip lost fields: %+v", out)
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := &Session{
		RootID: "r",
		Nodes: map[string]*Node{
			"r": {ID: "r", Question: "Buy?"},
		},
		FinalDecision: &FinalDecision{Position: PositionHold, Rationale: []string{"a"}},
	}

	cp := s.Clone()
	cp.Nodes["r"].Question = "Sell?"
	cp.FinalDecision.Rationale[0] = "b"

	if s.Root().Question != "Buy?" {
		t.Errorf("clone shares nodes with original")
	}
	if s.FinalDecision.Rationale[0] != "a" {
		t.Errorf("clone shares final decision rationale")
	}
}

func TestPositionValid(t *testing.T) {
	for _, p := range []Position{PositionBuy, PositionSell, PositionHold, PositionNeutral} {
		if !p.Valid() {
			t.Errorf("%q should be valid", p)
		}
	}
	if Position("STRONG_BUY").Valid() {
		t.Error("unknown position should be invalid")
	}
}
