// Package retrieval indexes the evidence corpus and ranks snippets for a query.
package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// Document is one piece of gathered evidence.
type Document struct {
	Title  string `json:"title"`
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// Citation returns the citation for this document.
func (d Document) Citation() models.Citation {
	source := d.Source
	if source == "" {
		source = d.Title
	}
	return models.Citation{Source: source, Title: d.Title, URL: d.URL, Vendor: d.Vendor}
}

// Corpus is the evidence supplied by the data-gathering collaborator:
// a broad report used as fallback plus individually indexed documents.
type Corpus struct {
	Report          string            `json:"report"`
	ReportCitations []models.Citation `json:"report_citations,omitempty"`
	Documents       []Document        `json:"documents"`
}

// LoadCorpus reads a corpus from a JSON file.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return ParseCorpus(data)
}

// ParseCorpus decodes a JSON corpus.
func ParseCorpus(data []byte) (*Corpus, error) {
	var c Corpus
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal corpus: %w", err)
	}
	return &c, nil
}

// Fallback returns the broad report as a context, used when retrieval misses.
// With no report, the concatenated document texts stand in.
func (c *Corpus) Fallback() models.Context {
	if c == nil {
		return models.Context{}
	}
	if strings.TrimSpace(c.Report) != "" {
		return models.Context{Text: c.Report, Citations: append([]models.Citation(nil), c.ReportCitations...)}
	}

	var b strings.Builder
	var cites []models.Citation
	for _, d := range c.Documents {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d.Text)
		cites = append(cites, d.Citation())
	}
	return models.Context{Text: b.String(), Citations: cites}
}
