// Package memory is the optional semantic memory service. The engine feeds
// it reasoning and findings and never depends on it for correctness: with no
// service configured it runs in pure relational mode.
//
// FTSIndex is a local implementation on SQLite FTS5. It ranks by BM25, which
// stands in for similarity search well enough for a single project.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one remembered piece of text.
type Record struct {
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}

// Match is a query hit.
type Match struct {
	Record
	Rank float64 `json:"rank"`
}

// Service is the collaborator contract.
type Service interface {
	Query(ctx context.Context, text string, limit int) ([]Match, error)
	Store(ctx context.Context, r Record) error
}

// FTSIndex stores records in an FTS5 table.
type FTSIndex struct {
	db *sql.DB
}

// OpenFTS opens or creates the index at path. ":memory:" is allowed.
func OpenFTS(path string) (*FTSIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			text,
			kind UNINDEXED,
			session_id UNINDEXED,
			transaction_id UNINDEXED,
			created_at UNINDEXED,
			tokenize = 'porter unicode61'
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: schema: %w", err)
	}
	return &FTSIndex{db: db}, nil
}

func (f *FTSIndex) Close() error {
	return f.db.Close()
}

// Store indexes r. Empty text is ignored.
func (f *FTSIndex) Store(ctx context.Context, r Record) error {
	if strings.TrimSpace(r.Text) == "" {
		return nil
	}
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO memory_fts (text, kind, session_id, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.Text, r.Kind, r.SessionID, r.TransactionID, r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("memory: store: %w", err)
	}
	return nil
}

// Query returns up to limit records matching any word of text, best first.
func (f *FTSIndex) Query(ctx context.Context, text string, limit int) ([]Match, error) {
	q := sanitizeFTS(text)
	if q == "" {
		return []Match{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := f.db.QueryContext(ctx, `
		SELECT text, kind, session_id, transaction_id, created_at, bm25(memory_fts)
		FROM memory_fts
		WHERE memory_fts MATCH ?
		ORDER BY bm25(memory_fts)
		LIMIT ?
	`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()

	out := []Match{}
	for rows.Next() {
		var (
			m         Match
			createdAt string
		)
		if err := rows.Scan(&m.Text, &m.Kind, &m.SessionID, &m.TransactionID, &createdAt, &m.Rank); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// sanitizeFTS quotes each word and ORs them, so user text never parses as
// FTS5 syntax.
func sanitizeFTS(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " OR ")
}
