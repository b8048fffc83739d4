package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// ErrIndexClosed is returned when querying a closed index.
var ErrIndexClosed = errors.New("retrieval index closed")

// Result is what a retrieval returns for one query.
type Result struct {
	Snippets  []string
	Citations []models.Citation
	// Hit is false when nothing in the corpus matched.
	Hit bool
}

// Text joins the snippets into a single evidence block.
func (r Result) Text() string {
	return strings.Join(r.Snippets, "\n\n")
}

// Options configures an Index.
type Options struct {
	// TopK is the number of documents returned per query.
	TopK int
	// Period restricts snippets to sentences about the investment period.
	Period string
	// EnforcePeriod enables period isolation.
	EnforcePeriod bool
	// SnippetTokens bounds each snippet's length in tokens.
	SnippetTokens int
}

// Index is an in-memory SQLite FTS5 index over the corpus, ranked by BM25.
type Index struct {
	db     *sql.DB
	opts   Options
	years  map[string]bool
	closed atomic.Bool

	// Dropped counts sentences removed by period isolation.
	Dropped atomic.Int64
}

// NewIndex builds an index over the corpus documents.
func NewIndex(ctx context.Context, corpus *Corpus, opts Options) (*Index, error) {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.SnippetTokens <= 0 {
		opts.SnippetTokens = 64
	}

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// Each :memory: connection is a separate database.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, `
		CREATE VIRTUAL TABLE docs USING fts5(
			title, body,
			url UNINDEXED, source UNINDEXED, vendor UNINDEXED,
			tokenize = 'porter unicode61'
		)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create fts table: %w", err)
	}

	idx := &Index{db: conn, opts: opts, years: periodYears(opts.Period)}
	if corpus != nil {
		if err := idx.insert(ctx, corpus.Documents); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return idx, nil
}

func (i *Index) insert(ctx context.Context, docs []Document) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO docs (title, body, url, source, vendor) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		c := d.Citation()
		if _, err := stmt.ExecContext(ctx, d.Title, d.Text, d.URL, c.Source, d.Vendor); err != nil {
			tx.Rollback()
			return fmt.Errorf("index document %q: %w", d.Title, err)
		}
	}
	return tx.Commit()
}

// Retrieve returns the top-ranked snippets for query.
func (i *Index) Retrieve(ctx context.Context, query string) (Result, error) {
	if i.closed.Load() {
		return Result{}, ErrIndexClosed
	}

	fts := BuildFTSQuery(query)
	if fts == "" {
		return Result{}, nil
	}

	rows, err := i.db.QueryContext(ctx, `
		SELECT snippet(docs, 1, '', '', '...', ?), title, url, source, vendor
		FROM docs
		WHERE docs MATCH ?
		ORDER BY bm25(docs)
		LIMIT ?
	`, i.opts.SnippetTokens, fts, i.opts.TopK)
	if err != nil {
		return Result{}, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var res Result
	for rows.Next() {
		var snippet, title, url, source, vendor string
		if err := rows.Scan(&snippet, &title, &url, &source, &vendor); err != nil {
			return Result{}, fmt.Errorf("scan result: %w", err)
		}
		if i.opts.EnforcePeriod {
			var dropped int
			snippet, dropped = IsolatePeriod(snippet, i.years)
			i.Dropped.Add(int64(dropped))
		}
		if strings.TrimSpace(snippet) == "" {
			continue
		}
		res.Snippets = append(res.Snippets, snippet)
		res.Citations = append(res.Citations, models.Citation{Source: source, Title: title, URL: url, Vendor: vendor})
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate results: %w", err)
	}
	res.Hit = len(res.Snippets) > 0
	return res, nil
}

// Close releases the index.
func (i *Index) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	return i.db.Close()
}

var ftsStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "of": true, "is": true,
	"it": true, "and": true, "or": true, "with": true, "from": true,
	"by": true, "this": true, "that": true, "as": true, "be": true,
	"what": true, "how": true, "does": true, "should": true, "are": true,
}

// BuildFTSQuery preprocesses a natural language query for FTS5.
// Splits on whitespace, removes stopwords and words < 3 chars, trims punctuation,
// quotes each term and joins with " OR ".
func BuildFTSQuery(query string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(query) {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		lower := strings.ToLower(trimmed)
		if len(lower) < 3 || ftsStopwords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		terms = append(terms, `"`+strings.ReplaceAll(lower, `"`, ``)+`"`)
	}
	return strings.Join(terms, " OR ")
}
