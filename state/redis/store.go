package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/finagent/state"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "finagent"
)

// Checkpoints of one thread live in a sorted set scored by seq. The script
// refuses a seq that is already taken, which is how concurrent writers of
// the same lineage detect each other.
var saveCheckpointScript = goredis.NewScript(`
if redis.call("ZCOUNT", KEYS[1], ARGV[1], ARGV[1]) > 0 then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

type Store struct {
	client goredis.UniversalClient
	// owned is false when the client was supplied by the caller, who then
	// also closes it.
	owned    bool
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

// WithClient shares an existing connection, for example the one the lock
// and the event bus use. Close leaves a shared client open.
func WithClient(client goredis.UniversalClient) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

// New connects to addr unless WithClient supplies a connection, and pings it.
func New(addr string, opts ...Option) (*Store, error) {
	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   strings.TrimSpace(addr),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		if s.addr == "" {
			return nil, fmt.Errorf("redis addr is required")
		}
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
		s.owned = true
	}

	if err := s.client.Ping(context.Background()).Err(); err != nil {
		if s.owned {
			_ = s.client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return s, nil
}

func (s *Store) Client() goredis.UniversalClient { return s.client }

func (s *Store) SaveThread(ctx context.Context, thread state.ThreadRecord) error {
	if thread.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if thread.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	now := time.Now().UTC()
	if thread.UpdatedAt == nil {
		thread.UpdatedAt = &now
	}
	if thread.CreatedAt == nil {
		thread.CreatedAt = &now
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}

	raw, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}

	ownerIdx := s.ownerIndexKey(thread.OwnerID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.threadKey(thread.ThreadID), string(raw), s.ttl)
	pipe.ZAdd(ctx, ownerIdx, goredis.Z{
		Score:  float64(thread.CreatedAt.UnixNano()),
		Member: thread.ThreadID,
	})
	pipe.Expire(ctx, ownerIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save thread in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadThread(ctx context.Context, threadID string) (state.ThreadRecord, error) {
	if threadID == "" {
		return state.ThreadRecord{}, fmt.Errorf("thread_id is required")
	}

	raw, err := s.client.Get(ctx, s.threadKey(threadID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.ThreadRecord{}, state.ErrNotFound
		}
		return state.ThreadRecord{}, fmt.Errorf("failed to load thread from redis: %w", err)
	}

	var thread state.ThreadRecord
	if err := json.Unmarshal([]byte(raw), &thread); err != nil {
		return state.ThreadRecord{}, fmt.Errorf("failed to decode thread from redis: %w", err)
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

	ids := make([]string, 0, limit)
	if query.OwnerID != "" {
		values, err := s.client.ZRevRange(ctx, s.ownerIndexKey(query.OwnerID), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list thread ids by owner: %w", err)
		}
		ids = append(ids, values...)
	} else {
		var cursor uint64
		match := s.threadPattern()
		for len(ids) < limit {
			keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to scan redis thread keys: %w", err)
			}
			for _, key := range keys {
				if id := s.threadIDFromKey(key); id != "" {
					ids = append(ids, id)
				}
				if len(ids) >= limit {
					break
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	if len(ids) == 0 {
		return []state.ThreadRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.threadKey(id)
	}

	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget threads from redis: %w", err)
	}

	out := make([]state.ThreadRecord, 0, len(loaded))
	staleIDs := make([]string, 0)
	for i, raw := range loaded {
		if raw == nil {
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var thread state.ThreadRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &thread); err != nil {
			continue
		}
		if query.Status != "" && thread.Status != query.Status {
			continue
		}
		out = append(out, thread)
	}

	if query.OwnerID != "" && len(staleIDs) > 0 {
		members := make([]any, 0, len(staleIDs))
		for _, id := range staleIDs {
			members = append(members, id)
		}
		_ = s.client.ZRem(ctx, s.ownerIndexKey(query.OwnerID), members...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		left := time.Time{}
		if out[i].CreatedAt != nil {
			left = *out[i].CreatedAt
		}
		right := time.Time{}
		if out[j].CreatedAt != nil {
			right = *out[j].CreatedAt
		}
		return left.After(right)
	})

	return out, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	if len(checkpoint.State) == 0 {
		checkpoint.State = json.RawMessage(`{}`)
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	saved, err := saveCheckpointScript.Run(ctx, s.client,
		[]string{s.checkpointsKey(checkpoint.ThreadID)},
		checkpoint.Seq, string(raw), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint in redis: %w", err)
	}
	if saved == 0 {
		return state.ErrConflict
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, threadID string) (state.CheckpointRecord, error) {
	if threadID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("thread_id is required")
	}
	out, err := s.checkpointRange(ctx, threadID, 1)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if len(out) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return out[0], nil
}

// ListCheckpoints returns up to limit checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]state.CheckpointRecord, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.checkpointRange(ctx, threadID, limit)
}

func (s *Store) checkpointRange(ctx context.Context, threadID string, limit int) ([]state.CheckpointRecord, error) {
	values, err := s.client.ZRevRangeByScore(ctx, s.checkpointsKey(threadID), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(values))
	for _, raw := range values {
		var checkpoint state.CheckpointRecord
		if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		out = append(out, checkpoint)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}

func (s *Store) threadPattern() string {
	return fmt.Sprintf("%s:thread:*", s.prefix)
}

func (s *Store) threadIDFromKey(key string) string {
	prefix := fmt.Sprintf("%s:thread:", s.prefix)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}

func (s *Store) ownerIndexKey(ownerID string) string {
	return fmt.Sprintf("%s:threadidx:owner:%s", s.prefix, ownerID)
}

func (s *Store) checkpointsKey(threadID string) string {
	return s.prefix + ":ckpt:" + threadID
}

var _ state.Store = (*Store)(nil)
