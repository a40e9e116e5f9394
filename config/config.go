// Package config loads finagent settings. Values come from built-in defaults,
// then an optional YAML file, then FINAGENT_* environment variables (a .env
// file in the working directory is loaded first and never overrides the real
// environment).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/PipeOpsHQ/finagent/approval"
	"github.com/PipeOpsHQ/finagent/errdefs"
	"github.com/PipeOpsHQ/finagent/graph"
	env "github.com/PipeOpsHQ/finagent/internal/config"
	"github.com/PipeOpsHQ/finagent/internal/schedule"
	"github.com/PipeOpsHQ/finagent/state/factory"
	"github.com/PipeOpsHQ/finagent/tracing"
)

// DefaultPath is read by Load when no path is given and the file exists.
const DefaultPath = "finagent.yaml"

const DefaultExpirySchedule = "@every 1m"

type Config struct {
	Log       Log              `yaml:"log"`
	Store     Store            `yaml:"store"`
	Limits    Limits           `yaml:"limits"`
	Pricing   approval.Pricing `yaml:"pricing"`
	Gemini    Gemini           `yaml:"gemini"`
	FRED      FRED             `yaml:"fred"`
	Server    Server           `yaml:"server"`
	Telemetry Telemetry        `yaml:"telemetry"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Store struct {
	// Backend is sqlite, redis, hybrid or memory. It also selects where
	// traces, approvals and the event history live: memory keeps them in
	// process, every other backend persists them to SQLitePath.
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlitePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redisDb"`
	RedisPrefix   string `yaml:"redisPrefix"`
	RedisTTL      string `yaml:"redisTtl"`
}

type Limits struct {
	MaxIterations    int    `yaml:"maxIterations"`
	MaxReflections   int    `yaml:"maxReflections"`
	MaxSnapshotBytes int    `yaml:"maxSnapshotBytes"`
	ApprovalTTL      string `yaml:"approvalTtl"`
}

type Gemini struct {
	Model          string `yaml:"model"`
	ThinkingBudget int    `yaml:"thinkingBudget"`
	APIKey         string `yaml:"-"`
}

type FRED struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"-"`
}

type Server struct {
	Addr string `yaml:"addr"`
	// ExpirySchedule is the cron expression of the approval expiry sweep.
	ExpirySchedule string `yaml:"expirySchedule"`
}

type Telemetry struct {
	// Traces enables the OpenTelemetry span sink on the global provider.
	Traces  bool `yaml:"traces"`
	Metrics bool `yaml:"metrics"`
}

func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		Store: Store{
			Backend:    factory.BackendSQLite,
			SQLitePath: factory.DefaultSQLitePath,
			RedisAddr:  factory.DefaultRedisAddr,
			RedisTTL:   "72h",
		},
		Limits: Limits{
			MaxIterations:    graph.DefaultMaxIterations,
			MaxReflections:   1,
			MaxSnapshotBytes: tracing.DefaultMaxSnapshotBytes,
			ApprovalTTL:      approval.DefaultTTL.String(),
		},
		Pricing: approval.DefaultPricing(),
		Server:  Server{Addr: ":8088", ExpirySchedule: DefaultExpirySchedule},
	}
}

// Load builds the configuration. An explicit path must exist; an empty path
// reads DefaultPath when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errdefs.Configuration("load .env: %v", err)
	}

	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalWithOptions(raw, &cfg, yaml.Strict()); err != nil {
			return Config{}, errdefs.Configuration("parse %s: %v", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, errdefs.Configuration("read %s: %v", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = env.Getenv("FINAGENT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.Getenv("FINAGENT_LOG_FORMAT", cfg.Log.Format)

	cfg.Store.Backend = env.Getenv("FINAGENT_STATE_BACKEND", cfg.Store.Backend)
	cfg.Store.SQLitePath = env.Getenv("FINAGENT_SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = env.Getenv("FINAGENT_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = env.Getenv("FINAGENT_REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = env.ParseIntEnv("FINAGENT_REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.RedisPrefix = env.Getenv("FINAGENT_REDIS_PREFIX", cfg.Store.RedisPrefix)
	cfg.Store.RedisTTL = env.Getenv("FINAGENT_REDIS_TTL", cfg.Store.RedisTTL)

	cfg.Limits.MaxIterations = env.ParseIntEnv("FINAGENT_MAX_ITERATIONS", cfg.Limits.MaxIterations)
	cfg.Limits.MaxReflections = env.ParseIntEnv("FINAGENT_MAX_REFLECTIONS", cfg.Limits.MaxReflections)
	cfg.Limits.MaxSnapshotBytes = env.ParseIntEnv("FINAGENT_MAX_SNAPSHOT_BYTES", cfg.Limits.MaxSnapshotBytes)
	cfg.Limits.ApprovalTTL = env.Getenv("FINAGENT_APPROVAL_TTL", cfg.Limits.ApprovalTTL)

	cfg.Gemini.APIKey = env.Getenv("GEMINI_API_KEY", cfg.Gemini.APIKey)
	cfg.Gemini.Model = env.Getenv("FINAGENT_GEMINI_MODEL", cfg.Gemini.Model)
	cfg.FRED.APIKey = env.Getenv("FRED_API_KEY", cfg.FRED.APIKey)
	cfg.FRED.BaseURL = env.Getenv("FINAGENT_FRED_BASE_URL", cfg.FRED.BaseURL)

	cfg.Server.Addr = env.Getenv("FINAGENT_SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.ExpirySchedule = env.Getenv("FINAGENT_EXPIRY_SCHEDULE", cfg.Server.ExpirySchedule)
	cfg.Telemetry.Traces = env.ParseBoolString(os.Getenv("FINAGENT_OTEL_TRACES"), cfg.Telemetry.Traces)
	cfg.Telemetry.Metrics = env.ParseBoolString(os.Getenv("FINAGENT_OTEL_METRICS"), cfg.Telemetry.Metrics)
}

// Validate reports the first invalid setting as a configuration error.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Backend) {
	case factory.BackendSQLite, factory.BackendRedis, factory.BackendHybrid, factory.BackendMemory:
	default:
		return errdefs.Configuration("unsupported store backend %q", c.Store.Backend)
	}
	if c.Limits.MaxIterations <= 0 {
		return errdefs.Configuration("limits.maxIterations must be positive, got %d", c.Limits.MaxIterations)
	}
	if c.Limits.MaxReflections < 0 {
		return errdefs.Configuration("limits.maxReflections must not be negative")
	}
	if _, err := c.ApprovalTTL(); err != nil {
		return err
	}
	if _, err := c.RedisTTL(); err != nil {
		return err
	}
	if err := schedule.Validate(c.Server.ExpirySchedule); err != nil {
		return errdefs.Configuration("server.expirySchedule: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errdefs.Configuration("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (c Config) ApprovalTTL() (time.Duration, error) {
	return parseDuration("limits.approvalTtl", c.Limits.ApprovalTTL)
}

func (c Config) RedisTTL() (time.Duration, error) {
	return parseDuration("store.redisTtl", c.Store.RedisTTL)
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, errdefs.Configuration("%s: %v", field, err)
	}
	if d <= 0 {
		return 0, errdefs.Configuration("%s must be positive", field)
	}
	return d, nil
}

// StoreOptions converts the store section for state/factory.
func (c Config) StoreOptions() factory.Options {
	ttl, _ := c.RedisTTL()
	return factory.Options{
		Backend:       c.Store.Backend,
		SQLitePath:    c.Store.SQLitePath,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		RedisTTL:      ttl,
		RedisPrefix:   c.Store.RedisPrefix,
	}
}

// String renders the configuration as YAML with secrets omitted.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
