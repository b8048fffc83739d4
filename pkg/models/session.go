package models

import "time"

// Position is the investment stance recorded in a final decision.
type Position string

const (
	PositionBuy     Position = "BUY"
	PositionSell    Position = "SELL"
	PositionHold    Position = "HOLD"
	PositionNeutral Position = "NEUTRAL"
)

// Valid returns true if the position is a known value.
func (p Position) Valid() bool {
	switch p {
	case PositionBuy, PositionSell, PositionHold, PositionNeutral:
		return true
	default:
		return false
	}
}

// SessionStatus tracks the run state of an analysis.
type SessionStatus string

const (
	SessionStatusBuilding SessionStatus = "building"
	SessionStatusAnswered SessionStatus = "answered"
	SessionStatusFailed   SessionStatus = "failed"
	SessionStatusCanceled SessionStatus = "canceled"
)

// Stats counts work done over a session's lifetime.
type Stats struct {
	LLMCalls        int `json:"llm_calls"`
	RetrievalHits   int `json:"retrieval_hits"`
	RetrievalMisses int `json:"retrieval_misses"`
	NodeCount       int `json:"node_count"`
	EditCount       int `json:"edit_count"`
}

// FinalDecision is the root's finalized answer.
type FinalDecision struct {
	Position   Position `json:"position"`
	Confidence float64  `json:"confidence"`
	Rationale  []string `json:"rationale"`
	// Summary is the root answer text.
	Summary string `json:"summary,omitempty"`
}

// MissingQuestion is a question the tree left uncovered, answered after the
// build from its own evidence.
type MissingQuestion struct {
	Question   string     `json:"question"`
	Importance string     `json:"importance,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Session is one end-to-end analysis run.
type Session struct {
	ID            string           `json:"id"`
	RootID        string           `json:"root_id"`
	Question      string           `json:"question"`
	Company       string           `json:"company,omitempty"`
	Period        string           `json:"period,omitempty"`
	MaxLevels     int              `json:"max_levels"`
	MaxChildren   int              `json:"max_children"`
	Nodes         map[string]*Node `json:"nodes"`
	Stats         Stats            `json:"stats"`
	Version       int              `json:"version"`
	FinalDecision *FinalDecision   `json:"final_decision,omitempty"`
	// MissingQuestions are asked once per build and kept across edits.
	MissingQuestions []MissingQuestion `json:"missing_questions,omitempty"`
	Status           SessionStatus     `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Root returns the root node, or nil if the session has none.
func (s *Session) Root() *Node {
	if s == nil || s.Nodes == nil {
		return nil
	}
	return s.Nodes[s.RootID]
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = make(map[string]*Node, len(s.Nodes))
	for id, n := range s.Nodes {
		out.Nodes[id] = n.Clone()
	}
	if s.FinalDecision != nil {
		fd := *s.FinalDecision
		fd.Rationale = cloneStrings(s.FinalDecision.Rationale)
		out.FinalDecision = &fd
	}
	out.MissingQuestions = CloneMissing(s.MissingQuestions)
	return &out
}

// CloneMissing deep-copies a list of missing questions.
func CloneMissing(in []MissingQuestion) []MissingQuestion {
	if in == nil {
		return nil
	}
	out := make([]MissingQuestion, len(in))
	for i, m := range in {
		m.Citations = append([]Citation(nil), m.Citations...)
		out[i] = m
	}
	return out
}
