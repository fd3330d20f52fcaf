// Package store persists finished call transcripts and a running
// vocabulary in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Transcript is one final agent utterance from a call.
type Transcript struct {
	ID        int64
	CallID    string
	Text      string
	CreatedAt time.Time
}

// Word is a vocabulary entry accumulated across calls.
type Word struct {
	Word      string
	Language  string
	FirstSeen time.Time
	TimesSeen int
}

// Store wraps a SQLite-backed conversation log.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store at path, creating parent directories and the
// schema as needed.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_call_created ON transcripts(call_id, created_at);
CREATE TABLE IF NOT EXISTS words (
    word TEXT PRIMARY KEY,
    language TEXT NOT NULL DEFAULT '',
    first_seen TIMESTAMP NOT NULL,
    times_seen INTEGER NOT NULL DEFAULT 1
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// SaveTranscript records one final utterance for a call.
func (s *Store) SaveTranscript(ctx context.Context, callID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO transcripts(call_id, text, created_at) VALUES(?, ?, ?)",
		callID, text, s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// RecentTranscripts returns up to limit transcripts, newest first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, call_id, text, created_at FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.ID, &tr.CallID, &tr.Text, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// AddWord upserts a vocabulary word, bumping its seen count on repeats.
func (s *Store) AddWord(ctx context.Context, word, language string) error {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO words(word, language, first_seen, times_seen) VALUES(?, ?, ?, 1)
ON CONFLICT(word) DO UPDATE SET times_seen = times_seen + 1`,
		word, language, s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add word %q: %w", word, err)
	}
	return nil
}

// Words returns the vocabulary ordered by how often each word was seen.
func (s *Store) Words(ctx context.Context) ([]Word, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT word, language, first_seen, times_seen FROM words ORDER BY times_seen DESC, word ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query words: %w", err)
	}
	defer rows.Close()

	var out []Word
	for rows.Next() {
		var w Word
		if err := rows.Scan(&w.Word, &w.Language, &w.FirstSeen, &w.TimesSeen); err != nil {
			return nil, fmt.Errorf("scan word: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
