package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/finagent/observe"
	observestore "github.com/PipeOpsHQ/finagent/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultLimit = 200
	timeLayout   = "2006-01-02T15:04:05.000000000Z07:00"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite event path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event attributes: %w", err)
	}
	const q = `
INSERT INTO observe_events (
  event_id, thread_id, user_id, type, status, node, trace_id, approval_id, step,
  message, error, duration_ms, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.ThreadID,
		event.UserID,
		string(event.Type),
		string(event.Status),
		event.Node,
		event.TraceID,
		event.ApprovalID,
		event.Step,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByThread(ctx context.Context, threadID string, query observestore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("threadID is required")
	}
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	where := "thread_id = ?"
	args := []any{threadID}
	if query.Since != nil {
		where += " AND timestamp > ?"
		args = append(args, query.Since.UTC().Format(timeLayout))
	}
	q := fmt.Sprintf(`
SELECT event_id, thread_id, user_id, type, status, node, trace_id, approval_id, step,
       message, error, duration_ms, attributes, timestamp
FROM observe_events
WHERE %s
ORDER BY timestamp ASC, rowid ASC
LIMIT ? OFFSET ?;
`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		typ    string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.ThreadID,
		&e.UserID,
		&typ,
		&status,
		&e.Node,
		&e.TraceID,
		&e.ApprovalID,
		&e.Step,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Type = observe.Type(typ)
	e.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(timeLayout, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query observestore.MetricsQuery) (observestore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return observestore.MetricsSummary{}, nil
	}
	where := "WHERE type = ?"
	var since []any
	if query.Since != nil {
		where += " AND timestamp >= ?"
		since = append(since, query.Since.UTC().Format(timeLayout))
	}

	counter := func(typ observe.Type, status observe.Status) (int64, error) {
		q := "SELECT COUNT(*) FROM observe_events " + where
		args := append([]any{string(typ)}, since...)
		if status != "" {
			q += " AND status = ?"
			args = append(args, string(status))
		}
		var n int64
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	var (
		metrics observestore.MetricsSummary
		err     error
	)
	counts := []struct {
		dst    *int64
		typ    observe.Type
		status observe.Status
	}{
		{&metrics.RunsStarted, observe.TypeRunStarted, ""},
		{&metrics.RunsCompleted, observe.TypeRunCompleted, ""},
		{&metrics.RunsFailed, observe.TypeRunFailed, ""},
		{&metrics.RunsSuspended, observe.TypeRunSuspended, ""},
		{&metrics.NodesCompleted, observe.TypeNodeComplete, observe.StatusCompleted},
		{&metrics.NodesFailed, observe.TypeNodeComplete, observe.StatusFailed},
		{&metrics.ApprovalsRequested, observe.TypeApprovalRequested, ""},
		{&metrics.ApprovalsApproved, observe.TypeApprovalApproved, ""},
		{&metrics.ApprovalsRejected, observe.TypeApprovalRejected, ""},
	}
	for _, c := range counts {
		if *c.dst, err = counter(c.typ, c.status); err != nil {
			return observestore.MetricsSummary{}, fmt.Errorf("metrics %s: %w", c.typ, err)
		}
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ observestore.Store = (*Store)(nil)
