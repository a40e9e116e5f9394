// Package schedule runs recurring maintenance jobs, such as the approval
// expiry sweep, on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"

	"github.com/PipeOpsHQ/finagent/logging"
)

// Job is one run of a scheduled task. ctx is cancelled when the scheduler
// stops.
type Job func(ctx context.Context) error

type Entry struct {
	Name    string
	Spec    string
	NextRun time.Time
}

type Scheduler struct {
	cron   *robcron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
}

type entry struct {
	id   robcron.EntryID
	spec string
}

// New returns a stopped scheduler. Overlapping runs of the same job are
// skipped.
func New(logger *slog.Logger) *Scheduler {
	logger = logging.OrDiscard(logger)
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: robcron.New(
			robcron.WithLogger(cl),
			robcron.WithChain(robcron.Recover(cl), robcron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		entries: make(map[string]entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Validate reports whether spec is a schedule Add accepts: five cron fields
// or a descriptor such as "@every 1m".
func Validate(spec string) error {
	if _, err := robcron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if job == nil {
		return fmt.Errorf("job %q has no function", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.entries[name] = entry{id: id, spec: spec}
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	started := time.Now()
	if err := job(s.ctx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err)
		return
	}
	s.logger.Debug("scheduled job finished", "job", name, "duration", time.Since(started))
}

// Entries lists the registered jobs by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		out = append(out, Entry{Name: name, Spec: e.spec, NextRun: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Run starts the scheduler and blocks until ctx is done. Running jobs see
// their context cancelled and are waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
