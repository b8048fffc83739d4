package models

import "time"

// NodeKind distinguishes how a node entered the tree.
type NodeKind string

const (
	// NodeKindNormal is an ordinary sub-question generated for a single parent.
	NodeKindNormal NodeKind = "normal"
	// NodeKindAlias is a duplicate candidate that resolves to a canonical sibling.
	NodeKindAlias NodeKind = "alias"
	// NodeKindSummary merges two or more related sibling questions.
	NodeKindSummary NodeKind = "summary"
	// NodeKindCombination links topically related nodes across branches.
	NodeKindCombination NodeKind = "combination"
)

// Valid returns true if the kind is a known value.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindNormal, NodeKindAlias, NodeKindSummary, NodeKindCombination:
		return true
	default:
		return false
	}
}

// NodeStatus represents where a node is in its build/answer lifecycle.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has been created but not expanded.
	NodeStatusPending NodeStatus = "pending"
	// NodeStatusContextAssembled indicates evidence has been gathered for the node.
	NodeStatusContextAssembled NodeStatus = "context_assembled"
	// NodeStatusChildrenGenerated indicates expansion finished (leaves skip generation).
	NodeStatusChildrenGenerated NodeStatus = "children_generated"
	// NodeStatusAwaitingChildren indicates the node waits on child answers.
	NodeStatusAwaitingChildren NodeStatus = "awaiting_children"
	// NodeStatusSynthesizing indicates an answer is being produced.
	NodeStatusSynthesizing NodeStatus = "synthesizing"
	// NodeStatusAnswered indicates the node carries a final answer.
	NodeStatusAnswered NodeStatus = "answered"
	// NodeStatusFailed indicates generation or synthesis exhausted its retries.
	NodeStatusFailed NodeStatus = "failed"
	// NodeStatusStale indicates the answer predates a change in the node's inputs.
	NodeStatusStale NodeStatus = "stale"
)

// Valid returns true if the status is a known value.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusPending, NodeStatusContextAssembled, NodeStatusChildrenGenerated,
		NodeStatusAwaitingChildren, NodeStatusSynthesizing, NodeStatusAnswered,
		NodeStatusFailed, NodeStatusStale:
		return true
	default:
		return false
	}
}

// Terminal returns true if the node will not change without an edit.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusAnswered || s == NodeStatusFailed
}

// Rationale tags appended to a node's confidence rationale.
const (
	TagInsufficientEvidence  = "insufficient_evidence"
	TagContradictionDetected = "contradiction_detected"
	TagSynthesisSuppressed   = "synthesis_suppressed"
	TagGenerationFailure     = "generation_failure"
	TagChildFailed           = "child_failed"
)

// FailedAnswer is the placeholder answer carried by failed nodes.
const FailedAnswer = "Unable to produce an answer for this question; treated as a zero-weight contributor."

// SuppressedAnswer replaces an answer whose evidence was too weak or contradictory.
const SuppressedAnswer = "Insufficient or contradictory evidence: no directional conclusion can be drawn."

// Citation identifies one piece of upstream evidence.
type Citation struct {
	// Source is the document or feed name.
	Source string `json:"source"`
	// Title is the document title, if any.
	Title string `json:"title,omitempty"`
	// URL locates the document, if any.
	URL string `json:"url,omitempty"`
	// Vendor is the upstream data provider (news, fundamentals, web search...).
	Vendor string `json:"vendor,omitempty"`
}

// Key returns the identity used to count distinct citations.
func (c Citation) Key() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Vendor + "|" + c.Source + "|" + c.Title
}

// Context is the evidence accumulated for a node.
type Context struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations,omitempty"`
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	out := Context{Text: c.Text}
	if c.Citations != nil {
		out.Citations = append([]Citation(nil), c.Citations...)
	}
	return out
}

// Node is one question/answer unit in the analysis DAG.
type Node struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// Level is the depth; strictly greater than every parent's level.
	Level int `json:"level"`
	// Kind records how the node was created.
	Kind NodeKind `json:"kind"`
	// Question is the sub-question this node answers.
	Question string `json:"question"`
	// Answer is set once the node is answered (or carries a placeholder when failed).
	Answer string `json:"answer,omitempty"`
	// Confidence is in [0,1]; meaningful once answered.
	Confidence float64 `json:"confidence"`
	// RawConfidence is the confidence before evidence penalties. Parents
	// aggregate raw values so penalties apply once per node.
	RawConfidence float64 `json:"raw_confidence,omitempty"`
	// Context is the evidence inherited from parents plus this node's retrieval.
	Context Context `json:"context"`
	// Parents lists parent node IDs.
	Parents []string `json:"parents,omitempty"`
	// Children lists child node IDs in generation order. Never alias IDs.
	Children []string `json:"children,omitempty"`
	// Canonical is the node an alias resolves to.
	Canonical string `json:"canonical,omitempty"`
	// Aliases lists alias nodes that resolve to this node.
	Aliases []string `json:"aliases,omitempty"`
	// Status is the lifecycle state.
	Status NodeStatus `json:"status"`
	// ConfidenceRationale holds reason tags appended by the evidence gate.
	ConfidenceRationale []string `json:"confidence_rationale"`
	// UserModified is set when a user edit replaced the question.
	UserModified bool `json:"user_modified,omitempty"`
	// Error is the last failure message, if any.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the node was last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAlias returns true for alias nodes.
func (n *Node) IsAlias() bool {
	return n.Kind == NodeKindAlias
}

// HasTag reports whether the rationale contains tag.
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.ConfidenceRationale {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends tag to the rationale unless already present.
func (n *Node) AddTag(tag string) {
	if !n.HasTag(tag) {
		n.ConfidenceRationale = append(n.ConfidenceRationale, tag)
	}
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Context = n.Context.Clone()
	out.Parents = cloneStrings(n.Parents)
	out.Children = cloneStrings(n.Children)
	out.Aliases = cloneStrings(n.Aliases)
	out.ConfidenceRationale = cloneStrings(n.ConfidenceRationale)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
