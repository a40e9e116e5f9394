package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/finagent/tracing"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

// New opens (or creates) the trace database at path. It may be the same file
// as the checkpoint store.
func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	s := &Store{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, trace tracing.ReasoningTrace) error {
	if trace.ID == "" || trace.ThreadID == "" {
		return fmt.Errorf("trace id and thread id are required")
	}
	toolsRaw, err := json.Marshal(trace.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	const q = `
INSERT INTO reasoning_traces (
  id, thread_id, user_id, node_name, step_index, status, input, output,
  reasoning, tool_results, duration_ms, error, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		trace.ID,
		trace.ThreadID,
		trace.UserID,
		trace.NodeName,
		trace.StepIndex,
		string(trace.Status),
		rawOrNull(trace.Input),
		rawOrNull(trace.Output),
		trace.Reasoning,
		string(toolsRaw),
		trace.DurationMs,
		trace.Error,
		trace.CreatedAt.UTC().Format(time.RFC3339Nano),
		trace.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return tracing.ErrConflict
		}
		return fmt.Errorf("failed to create trace: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of a trace. Thread, step and creation
// time never change.
func (s *Store) Update(ctx context.Context, trace tracing.ReasoningTrace) error {
	toolsRaw, err := json.Marshal(trace.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}
	const q = `
UPDATE reasoning_traces
SET status = ?, input = ?, output = ?, reasoning = ?, tool_results = ?,
    duration_ms = ?, error = ?, updated_at = ?
WHERE id = ?;
`
	res, err := s.db.ExecContext(ctx, q,
		string(trace.Status),
		rawOrNull(trace.Input),
		rawOrNull(trace.Output),
		trace.Reasoning,
		string(toolsRaw),
		trace.DurationMs,
		trace.Error,
		trace.UpdatedAt.UTC().Format(time.RFC3339Nano),
		trace.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update trace: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return tracing.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectColumns = `
SELECT id, thread_id, user_id, node_name, step_index, status, input, output,
       reasoning, tool_results, duration_ms, error, created_at, updated_at
FROM reasoning_traces
`

func scanTrace(row rowScanner) (tracing.ReasoningTrace, error) {
	var (
		trace                   tracing.ReasoningTrace
		status                  string
		input, output, toolsRaw string
		createdRaw, updatedRaw  string
	)
	if err := row.Scan(
		&trace.ID, &trace.ThreadID, &trace.UserID, &trace.NodeName, &trace.StepIndex,
		&status, &input, &output, &trace.Reasoning, &toolsRaw, &trace.DurationMs,
		&trace.Error, &createdRaw, &updatedRaw,
	); err != nil {
		return tracing.ReasoningTrace{}, err
	}
	trace.Status = tracing.Status(status)
	if input != "null" {
		trace.Input = json.RawMessage(input)
	}
	if output != "null" {
		trace.Output = json.RawMessage(output)
	}
	if toolsRaw != "" && toolsRaw != "null" {
		if err := json.Unmarshal([]byte(toolsRaw), &trace.ToolResults); err != nil {
			return tracing.ReasoningTrace{}, fmt.Errorf("failed to decode tool results: %w", err)
		}
	}
	var err error
	if trace.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return tracing.ReasoningTrace{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if trace.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedRaw); err != nil {
		return tracing.ReasoningTrace{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return trace, nil
}

func (s *Store) Get(ctx context.Context, id string) (tracing.ReasoningTrace, error) {
	trace, err := scanTrace(s.db.QueryRowContext(ctx, selectColumns+"WHERE id = ?;", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tracing.ReasoningTrace{}, tracing.ErrNotFound
		}
		return tracing.ReasoningTrace{}, fmt.Errorf("failed to load trace: %w", err)
	}
	return trace, nil
}

func (s *Store) ListByThread(ctx context.Context, threadID string) ([]tracing.ReasoningTrace, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+"WHERE thread_id = ? ORDER BY step_index ASC;", threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	out := make([]tracing.ReasoningTrace, 0)
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		out = append(out, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate traces: %w", err)
	}
	return out, nil
}

func (s *Store) NextStepIndex(ctx context.Context, threadID string) (int, error) {
	var next int
	const q = `SELECT COALESCE(MAX(step_index) + 1, 0) FROM reasoning_traces WHERE thread_id = ?;`
	if err := s.db.QueryRowContext(ctx, q, threadID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to compute next step index: %w", err)
	}
	return next, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ tracing.Store = (*Store)(nil)
