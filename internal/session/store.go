package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store persists finished sessions in sqlite and keeps a full-text index beside it.
type Store struct {
	db    *sql.DB
	index *SearchIndex
}

// DefaultStorePath returns the history database location under the pycoder home.
func DefaultStorePath(home string) string {
	return filepath.Join(home, "history.db")
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	// WAL lets `history` read while a session is being written.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	index, err := NewSearchIndex(dbPath + ".bleve")
	if err != nil {
		db.Close()
		return nil, err
	}
	s.index = index
	return s, nil
}

// Close closes the database and the search index.
func (s *Store) Close() error {
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		work_dir          TEXT NOT NULL,
		task              TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		provider          TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		steps             INTEGER NOT NULL DEFAULT 0,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		elapsed_ms        INTEGER NOT NULL DEFAULT 0,
		artifact          TEXT NOT NULL DEFAULT '',
		issues            TEXT NOT NULL DEFAULT '[]',
		summary           TEXT NOT NULL DEFAULT '',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// messagePayload holds the structured parts of a message that are not plain columns.
type messagePayload struct {
	ToolCalls []engine.ToolCall  `json:"tool_calls,omitempty"`
	Result    *engine.ToolResult `json:"result,omitempty"`
}

// Save upserts the record and replaces its messages in one transaction,
// then refreshes the search index.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r.ID == "" {
		return fmt.Errorf("session id is required")
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	issues, err := json.Marshal(r.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, work_dir, task, title, model, provider, status, reason, steps,
			prompt_tokens, completion_tokens, total_tokens, elapsed_ms, artifact, issues, summary,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			work_dir = excluded.work_dir,
			task = excluded.task,
			title = excluded.title,
			model = excluded.model,
			provider = excluded.provider,
			status = excluded.status,
			reason = excluded.reason,
			steps = excluded.steps,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			elapsed_ms = excluded.elapsed_ms,
			artifact = excluded.artifact,
			issues = excluded.issues,
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		r.ID, r.WorkDir, r.Task, r.Title, r.Model, r.Provider, r.Status, r.Reason, r.Steps,
		r.Usage.Prompt, r.Usage.Completion, r.Usage.Total, r.Elapsed.Milliseconds(), r.Artifact,
		string(issues), r.Summary, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, r.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (session_id, seq, role, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range r.Messages {
		payload := ""
		if len(m.ToolCalls) > 0 || m.Result != nil {
			data, err := json.Marshal(messagePayload{ToolCalls: m.ToolCalls, Result: m.Result})
			if err != nil {
				return fmt.Errorf("failed to encode message %d: %w", m.Seq, err)
			}
			payload = string(data)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, m.Seq, string(m.Role), m.Content, payload, m.Time.UnixMilli()); err != nil {
			return fmt.Errorf("failed to save message %d: %w", m.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	if s.index != nil {
		if err := s.index.Index(r); err != nil {
			log.Printf("⚠️  Failed to index session %s: %v", r.ID, err)
		}
	}
	return nil
}

const sessionColumns = `id, work_dir, task, title, model, provider, status, reason, steps,
	prompt_tokens, completion_tokens, total_tokens, elapsed_ms, artifact, issues, summary,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                Record
		elapsedMs        int64
		issues           string
		created, updated int64
	)
	err := row.Scan(&r.ID, &r.WorkDir, &r.Task, &r.Title, &r.Model, &r.Provider, &r.Status,
		&r.Reason, &r.Steps, &r.Usage.Prompt, &r.Usage.Completion, &r.Usage.Total, &elapsedMs,
		&r.Artifact, &issues, &r.Summary, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	if issues != "" {
		if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
			return nil, fmt.Errorf("failed to decode issues: %w", err)
		}
	}
	return &r, nil
}

// Load returns the record with the given id, messages included.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, payload, created_at FROM messages
		WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       engine.ChatMessage
			role    string
			payload string
			created int64
		)
		if err := rows.Scan(&m.Seq, &role, &m.Content, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = engine.MessageRole(role)
		m.Time = time.UnixMilli(created)
		if payload != "" {
			var p messagePayload
			if err := json.Unmarshal([]byte(payload), &p); err != nil {
				return nil, fmt.Errorf("failed to decode message %d: %w", m.Seq, err)
			}
			m.ToolCalls = p.ToolCalls
			m.Result = p.Result
		}
		r.Messages = append(r.Messages, m)
	}
	return r, rows.Err()
}

// List returns the most recently updated sessions, newest first.
// A limit of zero or less returns all sessions.
func (s *Store) List(ctx context.Context, limit int) ([]Meta, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []Meta
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		metas = append(metas, r.Meta())
	}
	return metas, rows.Err()
}

// Search runs a full-text query over stored sessions and returns the best k matches.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Meta, error) {
	hits, err := s.index.Search(query, k)
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, 0, len(hits))
	for _, hit := range hits {
		row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, hit.ID)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue // index is ahead of a deleted row
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load search hit: %w", err)
		}
		m := r.Meta()
		m.Score = hit.Score
		metas = append(metas, m)
	}
	return metas, nil
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.index != nil {
		if err := s.index.Delete(id); err != nil {
			log.Printf("⚠️  Failed to remove session %s from index: %v", id, err)
		}
	}
	return nil
}
