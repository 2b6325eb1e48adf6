package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/steward/internal/llm"
)

// Run statuses recorded in the transcript.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// Run is one recorded agent run.
type Run struct {
	ID          string    `json:"id"`
	Request     string    `json:"request"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Steps       int       `json:"steps"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ToolCallRecord is one tool invocation recorded against a run.
type ToolCallRecord struct {
	RunID     string
	CallID    string
	Tool      string
	Arguments map[string]any
	Result    string
	Success   bool
	StartedAt time.Time
	Duration  time.Duration
}

// TranscriptStore persists runs, their messages and their tool calls.
type TranscriptStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at path with the named driver and migrates
// it. driver is "sqlite3" (cgo, mattn) or "sqlite" (pure Go, modernc).
func Open(driver, path string) (*TranscriptStore, error) {
	dsn := path
	if path != ":memory:" {
		switch driver {
		case "sqlite3":
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		case "sqlite":
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		default:
			return nil, fmt.Errorf("unknown sqlite driver %q", driver)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store, err := NewTranscriptStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewTranscriptStore wraps an open database and creates the schema.
func NewTranscriptStore(db *sql.DB) (*TranscriptStore, error) {
	s := &TranscriptStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate transcript: %w", err)
	}
	return s, nil
}

func (s *TranscriptStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		model TEXT,
		status TEXT NOT NULL,
		result TEXT,
		steps INTEGER DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		call_id TEXT,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		success BOOLEAN NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_run ON tool_calls(run_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`)
	return err
}

// DB returns the underlying database so other stores can share it.
func (s *TranscriptStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}

// StartRun records the start of a run.
func (s *TranscriptStore) StartRun(ctx context.Context, id, request, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, request, model, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, request, model, RunRunning, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *TranscriptStore) FinishRun(ctx context.Context, id, status, result string, steps int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, result = ?, steps = ?, completed_at = ?
		WHERE id = ?
	`, status, result, steps, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// AppendMessage records one message of a run. Messages keep their
// insertion order through a per-run sequence number.
func (s *TranscriptStore) AppendMessage(ctx context.Context, runID string, msg llm.Message) error {
	msgID, _ := uuid.NewV7()

	var calls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		calls = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, run_id, seq, role, content, tool_calls, tool_call_id, tool_name, timestamp)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE run_id = ?), ?, ?, ?, ?, ?, ?)
	`, msgID.String(), runID, runID, msg.Role, msg.Content, calls,
		nullString(msg.ToolCallID), nullString(msg.ToolName), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecordToolCall records one completed tool invocation.
func (s *TranscriptStore) RecordToolCall(ctx context.Context, rec ToolCallRecord) error {
	id, _ := uuid.NewV7()
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, run_id, call_id, tool_name, arguments, result, success, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), rec.RunID, nullString(rec.CallID), rec.Tool, string(args), rec.Result,
		rec.Success, formatTime(started), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *TranscriptStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request, COALESCE(model, ''), status, COALESCE(result, ''), steps,
		       started_at, COALESCE(completed_at, '')
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, completed string
		if err := rows.Scan(&r.ID, &r.Request, &r.Model, &r.Status, &r.Result, &r.Steps, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Messages returns the recorded messages of a run in order.
func (s *TranscriptStore) Messages(ctx context.Context, runID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, tool_name
		FROM messages
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var m llm.Message
		var calls, callID, name sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &calls, &callID, &name); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = callID.String
		m.ToolName = name.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ToolStats returns how often each tool was called in a run and how
// many of those calls failed.
func (s *TranscriptStore) ToolStats(ctx context.Context, runID string) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, COUNT(*), SUM(CASE WHEN success THEN 0 ELSE 1 END)
		FROM tool_calls
		WHERE run_id = ?
		GROUP BY tool_name
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string][2]int)
	for rows.Next() {
		var name string
		var total, failed int
		if err := rows.Scan(&name, &total, &failed); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		stats[name] = [2]int{total, failed}
	}
	return stats, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
