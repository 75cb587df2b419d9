package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

const (
	outputQueueCap = 1024
	flushInterval  = 2 * time.Second
	flushBatchMax  = 256
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS sessions (
	name TEXT PRIMARY KEY,
	cwd TEXT NOT NULL,
	cols INTEGER NOT NULL,
	rows INTEGER NOT NULL,
	source TEXT NOT NULL CHECK(source IN ('cloud','local')),
	status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','exited')),
	activity TEXT NOT NULL DEFAULT 'idle',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_output (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL,
	chunk BLOB NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS session_output_by_session
ON session_output(session_name, id);
`,
}

type outputChunk struct {
	name  string
	chunk []byte
	at    time.Time
}

// SQLite persists session records and output chunks to a local
// database. Output appends are queued and written in batches so the
// hot path only pays for a channel send.
type SQLite struct {
	db      *sql.DB
	queue   chan outputChunk
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// Open creates or opens the database at path and runs migrations.
func Open(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	s := &SQLite{
		db:    db,
		queue: make(chan outputChunk, outputQueueCap),
		done:  make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *SQLite) CreateSessionRecord(ctx context.Context, rec Record) error {
	now := ts(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(name, cwd, cols, rows, source, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	cwd=excluded.cwd,
	cols=excluded.cols,
	rows=excluded.rows,
	source=excluded.source,
	status='running',
	activity='idle',
	created_at=excluded.created_at,
	updated_at=excluded.updated_at
`, rec.Name, rec.Cwd, rec.Cols, rec.Rows, rec.Source, ts(rec.CreatedAt), now)
	if err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, name, status, activity string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET status=?, activity=?, updated_at=? WHERE name=?
`, status, activity, ts(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// AppendOutput queues a chunk for the background flusher. A full
// queue drops the chunk; durability is best-effort by contract.
func (s *SQLite) AppendOutput(ctx context.Context, name string, chunk []byte) error {
	c := outputChunk{name: name, chunk: append([]byte(nil), chunk...), at: time.Now().UTC()}
	select {
	case s.queue <- c:
		return nil
	default:
		return fmt.Errorf("output queue full, dropped %d bytes for %s", len(chunk), name)
	}
}

func (s *SQLite) DeleteSessionRecord(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_output WHERE session_name=?`, name); err != nil {
		return fmt.Errorf("delete session output: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name=?`, name); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// ReadOutput returns the persisted output for a session in insertion
// order. Used by the dashboard's history views, not the live path.
func (s *SQLite) ReadOutput(ctx context.Context, name string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chunk FROM session_output WHERE session_name=? ORDER BY id
`, name)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}

func (s *SQLite) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]outputChunk, 0, flushBatchMax)
	for {
		select {
		case c := <-s.queue:
			pending = append(pending, c)
			if len(pending) >= flushBatchMax {
				s.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				s.flush(pending)
				pending = pending[:0]
			}
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case c := <-s.queue:
					pending = append(pending, c)
				default:
					if len(pending) > 0 {
						s.flush(pending)
					}
					close(s.done)
					return
				}
			}
		}
	}
}

func (s *SQLite) flush(chunks []outputChunk) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Warn("output flush begin failed", "error", err)
		return
	}
	for _, c := range chunks {
		if _, err := tx.Exec(`
INSERT INTO session_output(session_name, chunk, created_at) VALUES (?, ?, ?)
`, c.name, c.chunk, ts(c.at)); err != nil {
			log.Warn("output flush insert failed", "session", c.name, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Warn("output flush commit failed", "error", err)
	}
}

// Close flushes pending output and closes the database.
func (s *SQLite) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.done <- struct{}{}
	<-s.done
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
