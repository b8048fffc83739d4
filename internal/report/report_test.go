package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/arbor/pkg/models"
)

func sampleSession() *models.Session {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	node := func(id string, level int, kind models.NodeKind, q, a string, conf float64, parents, children []string) *models.Node {
		return &models.Node{
			ID: id, Level: level, Kind: kind, Question: q, Answer: a,
			Confidence: conf, RawConfidence: conf, Status: models.NodeStatusAnswered,
			Parents: parents, Children: children, ConfidenceRationale: []string{},
			CreatedAt: now, UpdatedAt: now,
		}
	}
	root := node("r", 0, models.NodeKindNormal, "Should I buy ACME?", "Demand is strong; bullish.", 0.72, nil, []string{"a", "b", "s"})
	a := node("a", 1, models.NodeKindNormal, "How fast is revenue growing?", "Revenue grew 12%.", 0.8, []string{"r"}, []string{"s"})
	a.Aliases = []string{"x"}
	a.Context = models.Context{Text: "Revenue rose 12% in FY2025.", Citations: []models.Citation{
		{Source: "10-K", URL: "https://example.com/10k", Vendor: "sec"},
	}}
	b := node("b", 1, models.NodeKindNormal, "Is the balance sheet sound?", "Leverage is low.", 0.3, []string{"r"}, []string{"s"})
	b.ConfidenceRationale = []string{models.TagInsufficientEvidence}
	b.UserModified = true
	s := node("s", 2, models.NodeKindSummary, "Summary: growth and leverage", "Both support the thesis.", 0.6, []string{"a", "b"}, nil)
	x := node("x", 1, models.NodeKindAlias, "How quickly is revenue growing?", "Revenue grew 12%.", 0.8, []string{"r"}, nil)
	x.Canonical = "a"
	x.Status = models.NodeStatusAnswered

	return &models.Session{
		ID: "sess-1", RootID: "r", Question: root.Question, Company: "ACME Corp", Period: "FY2025",
		MaxLevels: 3, MaxChildren: 3, Version: 2, Status: models.SessionStatusAnswered,
		Nodes: map[string]*models.Node{"r": root, "a": a, "b": b, "s": s, "x": x},
		Stats: models.Stats{LLMCalls: 9, RetrievalHits: 4, NodeCount: 5, EditCount: 1},
		FinalDecision: &models.FinalDecision{
			Position: models.PositionBuy, Confidence: 0.72, Rationale: []string{}, Summary: root.Answer,
		},
		MissingQuestions: []models.MissingQuestion{
			{
				Question: "How exposed is ACME to currency swings?", Importance: "High", Reason: "no FX analysis",
				Answer: "Half of revenue is in euros.", Confidence: 0.55,
				Citations: []models.Citation{{Source: "10-K", URL: "https://example.com/10k", Vendor: "sec"}},
			},
			{Question: "Who are the largest customers?", Answer: models.FailedAnswer, Error: "model refused"},
		},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestFromSession_ToSessionRoundTrip(t *testing.T) {
	sess := sampleSession()
	got := FromSession(sess).ToSession()
	assert.Empty(t, cmp.Diff(sess, got))
}

func TestJSON_RoundTrip(t *testing.T) {
	doc := FromSession(sampleSession())
	data, err := JSON(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"root_id": "r"`)
	assert.Contains(t, string(data), `"rationale": []`)

	back, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(doc, back))
}

func TestYAML_Keys(t *testing.T) {
	data, err := YAML(FromSession(sampleSession()))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Equal(t, "r", raw["root_id"])
	stats, ok := raw["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 9, stats["llm_calls"])
	decision, ok := raw["final_decision"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "BUY", decision["position"])
	missing, ok := raw["missing_questions"].([]any)
	require.True(t, ok)
	require.Len(t, missing, 2)
	first, ok := missing[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "High", first["importance"])
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRender_Tree(t *testing.T) {
	out := NewRenderer().Render(FromSession(sampleSession()))

	for _, want := range []string{
		"Should I buy ACME?",
		"ACME Corp FY2025",
		"Decision: BUY",
		"How fast is revenue growing?",
		"[alias] How quickly is revenue growing? = How fast is revenue growing?",
		"[summary] Summary: growth and leverage",
		"(see above)",
		"(edited)",
		"insufficient_evidence",
		"0.72",
		"Not covered by the tree",
		"How exposed is ACME to currency swings? ",
		"[High]",
		"Half of revenue is in euros.",
		"FAILED",
	} {
		assert.Contains(t, out, want)
	}
	// The summary has two parents but is drawn in full once.
	assert.Equal(t, 1, strings.Count(out, "Both support the thesis."))
}

func TestRender_HidesAnswers(t *testing.T) {
	r := NewRenderer()
	r.MaxAnswer = 0
	out := r.Render(FromSession(sampleSession()))
	assert.NotContains(t, out, "Revenue grew 12%.")
}

func TestWrite_Formats(t *testing.T) {
	doc := FromSession(sampleSession())
	for _, f := range []Format{FormatText, FormatJSON, FormatYAML} {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, doc, f))
		assert.Contains(t, buf.String(), "Should I buy ACME?", f)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
}
