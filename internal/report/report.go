// Package report converts sessions to and from the persisted report layout
// and renders it as JSON, YAML or a styled text tree.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// Format selects an export encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, json or yaml)", s)
	}
}

// Node is the persisted form of one tree node.
type Node struct {
	Level         int               `json:"level" yaml:"level"`
	Kind          models.NodeKind   `json:"kind" yaml:"kind"`
	Question      string            `json:"question" yaml:"question"`
	Answer        string            `json:"answer,omitempty" yaml:"answer,omitempty"`
	Confidence    float64           `json:"confidence" yaml:"confidence"`
	RawConfidence float64           `json:"raw_confidence,omitempty" yaml:"raw_confidence,omitempty"`
	Status        models.NodeStatus `json:"status" yaml:"status"`
	Parents       []string          `json:"parents,omitempty" yaml:"parents,omitempty"`
	Children      []string          `json:"children,omitempty" yaml:"children,omitempty"`
	Canonical     string            `json:"canonical,omitempty" yaml:"canonical,omitempty"`
	Aliases       []string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Rationale     []string          `json:"rationale" yaml:"rationale"`
	Context       string            `json:"context,omitempty" yaml:"context,omitempty"`
	Citations     []Citation        `json:"citations,omitempty" yaml:"citations,omitempty"`
	UserModified  bool              `json:"user_modified,omitempty" yaml:"user_modified,omitempty"`
	Error         string            `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Citation is the persisted form of a citation.
type Citation struct {
	Source string `json:"source" yaml:"source"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Vendor string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
}

// Stats mirrors models.Stats.
type Stats struct {
	LLMCalls        int `json:"llm_calls" yaml:"llm_calls"`
	RetrievalHits   int `json:"retrieval_hits" yaml:"retrieval_hits"`
	RetrievalMisses int `json:"retrieval_misses" yaml:"retrieval_misses"`
	NodeCount       int `json:"node_count" yaml:"node_count"`
	EditCount       int `json:"edit_count" yaml:"edit_count"`
}

// Decision mirrors models.FinalDecision.
type Decision struct {
	Position   models.Position `json:"position" yaml:"position"`
	Confidence float64         `json:"confidence" yaml:"confidence"`
	Rationale  []string        `json:"rationale" yaml:"rationale"`
	Summary    string          `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// MissingQuestion is the persisted form of a question the tree left uncovered.
type MissingQuestion struct {
	Question   string     `json:"question" yaml:"question"`
	Importance string     `json:"importance,omitempty" yaml:"importance,omitempty"`
	Reason     string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Answer     string     `json:"answer" yaml:"answer"`
	Confidence float64    `json:"confidence" yaml:"confidence"`
	Citations  []Citation `json:"citations,omitempty" yaml:"citations,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Document is the persisted report of a session.
type Document struct {
	SessionID     string               `json:"session_id" yaml:"session_id"`
	Question      string               `json:"question" yaml:"question"`
	Company       string               `json:"company,omitempty" yaml:"company,omitempty"`
	Period        string               `json:"period,omitempty" yaml:"period,omitempty"`
	Status        models.SessionStatus `json:"status" yaml:"status"`
	RootID        string               `json:"root_id" yaml:"root_id"`
	MaxLevels     int                  `json:"max_levels" yaml:"max_levels"`
	MaxChildren   int                  `json:"max_children" yaml:"max_children"`
	Version       int                  `json:"version" yaml:"version"`
	Stats         Stats                `json:"stats" yaml:"stats"`
	FinalDecision *Decision            `json:"final_decision,omitempty" yaml:"final_decision,omitempty"`
	Nodes         map[string]Node      `json:"nodes" yaml:"nodes"`
	// MissingQuestions are the gaps found after the build, with their answers.
	MissingQuestions []MissingQuestion `json:"missing_questions,omitempty" yaml:"missing_questions,omitempty"`
	CreatedAt        time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" yaml:"updated_at"`
}

// FromSession builds the report layout of a session.
func FromSession(s *models.Session) *Document {
	d := &Document{
		SessionID:   s.ID,
		Question:    s.Question,
		Company:     s.Company,
		Period:      s.Period,
		Status:      s.Status,
		RootID:      s.RootID,
		MaxLevels:   s.MaxLevels,
		MaxChildren: s.MaxChildren,
		Version:     s.Version,
		Stats:       Stats(s.Stats),
		Nodes:       make(map[string]Node, len(s.Nodes)),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if fd := s.FinalDecision; fd != nil {
		d.FinalDecision = &Decision{
			Position:   fd.Position,
			Confidence: fd.Confidence,
			Rationale:  nonNil(fd.Rationale),
			Summary:    fd.Summary,
		}
	}
	for _, m := range s.MissingQuestions {
		rm := MissingQuestion{
			Question:   m.Question,
			Importance: m.Importance,
			Reason:     m.Reason,
			Answer:     m.Answer,
			Confidence: m.Confidence,
			Error:      m.Error,
		}
		for _, c := range m.Citations {
			rm.Citations = append(rm.Citations, Citation(c))
		}
		d.MissingQuestions = append(d.MissingQuestions, rm)
	}
	for id, n := range s.Nodes {
		rn := Node{
			Level:         n.Level,
			Kind:          n.Kind,
			Question:      n.Question,
			Answer:        n.Answer,
			Confidence:    n.Confidence,
			RawConfidence: n.RawConfidence,
			Status:        n.Status,
			Parents:       copyStrings(n.Parents),
			Children:      copyStrings(n.Children),
			Canonical:     n.Canonical,
			Aliases:       copyStrings(n.Aliases),
			Rationale:     nonNil(n.ConfidenceRationale),
			Context:       n.Context.Text,
			UserModified:  n.UserModified,
			Error:         n.Error,
			CreatedAt:     n.CreatedAt,
			UpdatedAt:     n.UpdatedAt,
		}
		for _, c := range n.Context.Citations {
			rn.Citations = append(rn.Citations, Citation(c))
		}
		d.Nodes[id] = rn
	}
	return d
}

// ToSession rebuilds a session from its report.
func (d *Document) ToSession() *models.Session {
	s := &models.Session{
		ID:          d.SessionID,
		RootID:      d.RootID,
		Question:    d.Question,
		Company:     d.Company,
		Period:      d.Period,
		MaxLevels:   d.MaxLevels,
		MaxChildren: d.MaxChildren,
		Nodes:       make(map[string]*models.Node, len(d.Nodes)),
		Stats:       models.Stats(d.Stats),
		Version:     d.Version,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if fd := d.FinalDecision; fd != nil {
		s.FinalDecision = &models.FinalDecision{
			Position:   fd.Position,
			Confidence: fd.Confidence,
			Rationale:  nonNil(fd.Rationale),
			Summary:    fd.Summary,
		}
	}
	for _, rm := range d.MissingQuestions {
		m := models.MissingQuestion{
			Question:   rm.Question,
			Importance: rm.Importance,
			Reason:     rm.Reason,
			Answer:     rm.Answer,
			Confidence: rm.Confidence,
			Error:      rm.Error,
		}
		for _, c := range rm.Citations {
			m.Citations = append(m.Citations, models.Citation(c))
		}
		s.MissingQuestions = append(s.MissingQuestions, m)
	}
	for id, rn := range d.Nodes {
		n := &models.Node{
			ID:                  id,
			Level:               rn.Level,
			Kind:                rn.Kind,
			Question:            rn.Question,
			Answer:              rn.Answer,
			Confidence:          rn.Confidence,
			RawConfidence:       rn.RawConfidence,
			Context:             models.Context{Text: rn.Context},
			Parents:             copyStrings(rn.Parents),
			Children:            copyStrings(rn.Children),
			Canonical:           rn.Canonical,
			Aliases:             copyStrings(rn.Aliases),
			Status:              rn.Status,
			ConfidenceRationale: nonNil(rn.Rationale),
			UserModified:        rn.UserModified,
			Error:               rn.Error,
			CreatedAt:           rn.CreatedAt,
			UpdatedAt:           rn.UpdatedAt,
		}
		for _, c := range rn.Citations {
			n.Context.Citations = append(n.Context.Citations, models.Citation(c))
		}
		s.Nodes[id] = n
	}
	return s
}

// JSON encodes the document as indented JSON.
func JSON(d *Document) ([]byte, error) {
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return out, nil
}

// ParseJSON decodes a JSON report.
func ParseJSON(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	if d.Nodes == nil {
		d.Nodes = map[string]Node{}
	}
	return &d, nil
}

// YAML encodes the document as YAML.
func YAML(d *Document) ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal report yaml: %w", err)
	}
	return out, nil
}

// Write renders the document to w in the given format.
func Write(w io.Writer, d *Document, f Format) error {
	var (
		out []byte
		err error
	)
	switch f {
	case FormatJSON:
		out, err = JSON(d)
		out = append(out, '\n')
	case FormatYAML:
		out, err = YAML(d)
	default:
		out = []byte(NewRenderer().Render(d))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func copyStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

// nonNil keeps rationale lists encoded as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
