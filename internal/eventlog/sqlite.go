package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trigger_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT    NOT NULL,
    phrase_id    TEXT    NOT NULL DEFAULT '',
    score        REAL    NOT NULL DEFAULT 0,
    utterance_id TEXT    NOT NULL DEFAULT '',
    forced       INTEGER NOT NULL DEFAULT 0,
    error        TEXT    NOT NULL DEFAULT '',
    at_unix_ns   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trigger_events_phrase ON trigger_events(phrase_id, at_unix_ns);
`

// SQLiteStore is a [Store] backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. The special path ":memory:" keeps the log in memory.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("eventlog: create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" a
	// single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements [Store].
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	forced := 0
	if r.Forced {
		forced = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_events(kind, phrase_id, score, utterance_id, forced, error, at_unix_ns)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.Kind, r.PhraseID, r.Score, r.UtteranceID, forced, r.Error, r.At.UnixNano())
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, phrase_id, score, utterance_id, forced, error, at_unix_ns
		 FROM trigger_events ORDER BY id DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			forced int
			atNS   int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.PhraseID, &r.Score, &r.UtteranceID, &forced, &r.Error, &atNS); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		r.Forced = forced != 0
		r.At = time.Unix(0, atNS).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	return out, nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
