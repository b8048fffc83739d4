package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session id has no stored row.
var ErrNotFound = errors.New("session not found")

// Summary is the indexed metadata of a stored session.
type Summary struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Company    string    `json:"company,omitempty"`
	Period     string    `json:"period,omitempty"`
	Status     string    `json:"status"`
	Version    int       `json:"version"`
	NodeCount  int       `json:"node_count"`
	Position   string    `json:"position,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Session is a stored session: its metadata plus the report and evidence
// corpus as uncompressed JSON.
type Session struct {
	Summary
	Report []byte
	Corpus []byte
}

// SaveSession inserts or replaces a session row.
func (db *DB) SaveSession(s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	report, err := compress(s.Report)
	if err != nil {
		return fmt.Errorf("save session %s report: %w", s.ID, err)
	}
	if report == nil {
		report = []byte{}
	}
	corpus, err := compress(s.Corpus)
	if err != nil {
		return fmt.Errorf("save session %s corpus: %w", s.ID, err)
	}

	created, updated := s.CreatedAt, s.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}

	_, err = db.Exec(`
		INSERT INTO sessions (id, question, company, period, status, version, node_count,
			position, confidence, report, corpus, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			company = excluded.company,
			period = excluded.period,
			status = excluded.status,
			version = excluded.version,
			node_count = excluded.node_count,
			position = excluded.position,
			confidence = excluded.confidence,
			report = excluded.report,
			corpus = excluded.corpus,
			updated_at = excluded.updated_at
	`, s.ID, s.Question, s.Company, s.Period, s.Status, s.Version, s.NodeCount,
		s.Position, s.Confidence, report, corpus, formatTime(created), formatTime(updated))
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// LoadSession returns the stored session with decompressed blobs.
func (db *DB) LoadSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, question, company, period, status, version, node_count,
			position, confidence, created_at, updated_at, report, corpus
		FROM sessions WHERE id = ?
	`, id)

	var (
		s              Session
		report, corpus []byte
	)
	err := scanSummary(row, &s.Summary, &report, &corpus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	if s.Report, err = decompress(report); err != nil {
		return nil, fmt.Errorf("load session %s report: %w", id, err)
	}
	if s.Corpus, err = decompress(corpus); err != nil {
		return nil, fmt.Errorf("load session %s corpus: %w", id, err)
	}
	return &s, nil
}

// ListSessions returns session summaries, most recently updated first.
// A limit <= 0 returns every session.
func (db *DB) ListSessions(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, question, company, period, status, version, node_count,
			position, confidence, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := scanSummary(rows, &s); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a stored session.
func (db *DB) DeleteSession(id string) error {
	result, err := db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner, s *Summary, extra ...any) error {
	var created, updated string
	dest := []any{&s.ID, &s.Question, &s.Company, &s.Period, &s.Status, &s.Version, &s.NodeCount,
		&s.Position, &s.Confidence, &created, &updated}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return err
	}

	var err error
	if s.CreatedAt, err = parseTime(created); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return fmt.Errorf("parse updated_at: %w", err)
	}
	return nil
}
