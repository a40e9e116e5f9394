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

	"github.com/PipeOpsHQ/finagent/approval"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 100

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range []string{"PRAGMA busy_timeout=5000;", "PRAGMA journal_mode=WAL;", schemaSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize approvals schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, a approval.Approval) error {
	contextRaw, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal approval context: %w", err)
	}
	const q = `
INSERT INTO approvals (id, thread_id, user_id, type, status, prompt, context, response, responded_at, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		a.ID, a.ThreadID, a.UserID, a.Type, string(a.Status), a.Prompt, string(contextRaw),
		a.Response, nullableTime(a.RespondedAt), formatTime(a.ExpiresAt), formatTime(a.CreatedAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
			return approval.ErrConflict
		}
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, a approval.Approval) error {
	contextRaw, err := json.Marshal(a.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal approval context: %w", err)
	}
	const q = `
UPDATE approvals
SET status = ?, prompt = ?, context = ?, response = ?, responded_at = ?, expires_at = ?
WHERE id = ?;
`
	res, err := s.db.ExecContext(ctx, q,
		string(a.Status), a.Prompt, string(contextRaw), a.Response,
		nullableTime(a.RespondedAt), formatTime(a.ExpiresAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectColumns = `
SELECT id, thread_id, user_id, type, status, prompt, context, response, responded_at, expires_at, created_at
FROM approvals
`

func scanApproval(row rowScanner) (approval.Approval, error) {
	var (
		a                      approval.Approval
		status, contextRaw     string
		respondedAt            sql.NullString
		expiresRaw, createdRaw string
	)
	if err := row.Scan(&a.ID, &a.ThreadID, &a.UserID, &a.Type, &status, &a.Prompt, &contextRaw,
		&a.Response, &respondedAt, &expiresRaw, &createdRaw); err != nil {
		return approval.Approval{}, err
	}
	a.Status = approval.Status(status)
	if err := json.Unmarshal([]byte(contextRaw), &a.Context); err != nil {
		return approval.Approval{}, fmt.Errorf("failed to decode approval context: %w", err)
	}
	var err error
	if a.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresRaw); err != nil {
		return approval.Approval{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdRaw); err != nil {
		return approval.Approval{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if respondedAt.Valid && respondedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, respondedAt.String)
		if err != nil {
			return approval.Approval{}, fmt.Errorf("failed to parse responded_at: %w", err)
		}
		a.RespondedAt = &t
	}
	return a, nil
}

func (s *Store) Get(ctx context.Context, id string) (approval.Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, selectColumns+"WHERE id = ?;", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approval.Approval{}, approval.ErrNotFound
		}
		return approval.Approval{}, fmt.Errorf("failed to load approval: %w", err)
	}
	return a, nil
}

func (s *Store) List(ctx context.Context, query approval.ListQuery) ([]approval.Approval, error) {
	var (
		where []string
		args  []any
	)
	if query.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, query.ThreadID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(query.Status))
	}
	if !query.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, formatTime(query.ExpiresBefore))
	}
	q := selectColumns
	if len(where) > 0 {
		q += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	q += "ORDER BY created_at DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]approval.Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate approvals: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// formatTime uses a fixed-width layout so stored values compare correctly as
// text.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

var _ approval.Store = (*Store)(nil)
