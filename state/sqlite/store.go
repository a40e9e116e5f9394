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

	"github.com/PipeOpsHQ/finagent/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
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
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

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
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	now := time.Now().UTC()
	if thread.CreatedAt == nil {
		thread.CreatedAt = &now
	}
	if thread.UpdatedAt == nil {
		thread.UpdatedAt = &now
	}
	if thread.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if thread.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if thread.Status == "" {
		thread.Status = state.ThreadRunning
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// created_at is preserved on update.
	const q = `
INSERT INTO threads (
  thread_id, owner_id, graph, status, input, output, metadata, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  owner_id=excluded.owner_id,
  graph=excluded.graph,
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  metadata=excluded.metadata,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		thread.ThreadID,
		thread.OwnerID,
		thread.Graph,
		string(thread.Status),
		thread.Input,
		thread.Output,
		string(metaRaw),
		thread.Error,
		toNullableTime(thread.CreatedAt),
		toNullableTime(thread.UpdatedAt),
		toNullableTime(thread.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

const threadColumns = `thread_id, owner_id, graph, status, input, output, metadata, error, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (state.ThreadRecord, error) {
	var (
		thread       state.ThreadRecord
		status       string
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&thread.ThreadID,
		&thread.OwnerID,
		&thread.Graph,
		&status,
		&thread.Input,
		&thread.Output,
		&metadataRaw,
		&thread.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return state.ThreadRecord{}, err
	}
	thread.Status = state.ThreadStatus(status)
	if strings.TrimSpace(metadataRaw) == "" {
		thread.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metadataRaw), &thread.Metadata); err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to decode thread metadata: %w", err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to parse thread created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to parse thread updated_at: %w", err)
	}
	thread.CreatedAt = &created
	thread.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return state.ThreadRecord{}, fmt.Errorf("failed to parse thread completed_at: %w", err)
		}
		thread.CompletedAt = &completed
	}
	return thread, nil
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if strings.TrimSpace(threadID) == "" {
		return state.ThreadRecord{}, fmt.Errorf("thread_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = ?;`, threadID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ThreadRecord{}, state.ErrNotFound
		}
		return state.ThreadRecord{}, fmt.Errorf("failed to load thread: %w", err)
	}
	return thread, nil
}

func (s *Store) ListThreads(ctx context.Context, query state.ListThreadsQuery) ([]state.ThreadRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if query.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, query.OwnerID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}

	sqlText := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]state.ThreadRecord, 0, limit)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threads: %w", err)
	}
	return threads, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.NodeID == "" {
		checkpoint.NodeID = "unknown"
	}
	if len(checkpoint.State) == 0 {
		checkpoint.State = json.RawMessage(`{}`)
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO checkpoints (thread_id, seq, node_id, state, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		checkpoint.ThreadID,
		checkpoint.Seq,
		checkpoint.NodeID,
		string(checkpoint.State),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (state.CheckpointRecord, error) {
	var (
		record       state.CheckpointRecord
		stateRaw     string
		createdAtRaw string
	)
	if err := row.Scan(&record.ThreadID, &record.Seq, &record.NodeID, &stateRaw, &createdAtRaw); err != nil {
		return state.CheckpointRecord{}, err
	}
	created, err := parseRequiredTime(createdAtRaw)
	if err != nil {
		return state.CheckpointRecord{}, fmt.Errorf("failed to parse checkpoint created_at: %w", err)
	}
	record.CreatedAt = created
	record.State = json.RawMessage(stateRaw)
	return record, nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, threadID string) (state.CheckpointRecord, error) {
	if threadID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("thread_id is required")
	}

	const q = `
SELECT thread_id, seq, node_id, state, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	record, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.CheckpointRecord{}, state.ErrNotFound
		}
		return state.CheckpointRecord{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return record, nil
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]state.CheckpointRecord, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT thread_id, seq, node_id, state, created_at
FROM checkpoints
WHERE thread_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]state.CheckpointRecord, 0, limit)
	for rows.Next() {
		record, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ state.Store = (*Store)(nil)
