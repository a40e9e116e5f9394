// Package factory builds a state.Store from configuration or the environment.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/finagent/internal/config"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/state"
	"github.com/PipeOpsHQ/finagent/state/hybrid"
	"github.com/PipeOpsHQ/finagent/state/memory"
	redisstore "github.com/PipeOpsHQ/finagent/state/redis"
	sqlitestore "github.com/PipeOpsHQ/finagent/state/sqlite"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHybrid = "hybrid"
	BackendMemory = "memory"

	DefaultSQLitePath = "./.finagent/state.db"
	DefaultRedisAddr  = "127.0.0.1:6379"
)

type Options struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	RedisPrefix   string
	// RedisClient, when set, is shared instead of dialing RedisAddr.
	RedisClient goredis.UniversalClient
	Logger      *slog.Logger
}

// OptionsFromEnv reads FINAGENT_STATE_BACKEND, FINAGENT_SQLITE_PATH and the
// FINAGENT_REDIS_* keys.
func OptionsFromEnv() Options {
	return Options{
		Backend:       config.Getenv("FINAGENT_STATE_BACKEND", BackendSQLite),
		SQLitePath:    config.Getenv("FINAGENT_SQLITE_PATH", DefaultSQLitePath),
		RedisAddr:     config.Getenv("FINAGENT_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword: config.Getenv("FINAGENT_REDIS_PASSWORD", ""),
		RedisDB:       config.ParseIntEnv("FINAGENT_REDIS_DB", 0),
		RedisTTL:      config.ParseDurationEnv("FINAGENT_REDIS_TTL", 72*time.Hour),
		RedisPrefix:   config.Getenv("FINAGENT_REDIS_PREFIX", ""),
	}
}

func FromEnv(ctx context.Context) (state.Store, error) {
	return New(ctx, OptionsFromEnv())
}

func New(ctx context.Context, opts Options) (state.Store, error) {
	_ = ctx
	logger := logging.OrDiscard(opts.Logger)

	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = BackendSQLite
	}
	switch backend {
	case BackendMemory:
		return memory.New(), nil

	case BackendSQLite:
		return sqlitestore.New(sqlitePath(opts))

	case BackendRedis:
		return newRedisStore(opts)

	case BackendHybrid:
		durable, err := sqlitestore.New(sqlitePath(opts))
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(opts)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only", "addr", opts.RedisAddr, "error", err)
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use sqlite, redis, hybrid, or memory)", backend)
	}
}

func sqlitePath(opts Options) string {
	if strings.TrimSpace(opts.SQLitePath) == "" {
		return DefaultSQLitePath
	}
	return opts.SQLitePath
}

func newRedisStore(opts Options) (*redisstore.Store, error) {
	addr := opts.RedisAddr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultRedisAddr
	}
	storeOpts := []redisstore.Option{
		redisstore.WithPassword(opts.RedisPassword),
		redisstore.WithDB(opts.RedisDB),
		redisstore.WithTTL(opts.RedisTTL),
		redisstore.WithPrefix(opts.RedisPrefix),
		redisstore.WithClient(opts.RedisClient),
	}
	return redisstore.New(addr, storeOpts...)
}
