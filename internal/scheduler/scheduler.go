// Package scheduler fires the engine's periodic jobs from cron expressions.
// A job never overlaps its own previous firing: a firing that finds the job
// still running is skipped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"transferd/internal/metrics"
)

// DefaultSpec is used for jobs without a configured schedule
const DefaultSpec = "@every 30s"

// Wrapper guards each invocation of a job
type Wrapper interface {
	Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context)
}

type job struct {
	name    string
	spec    string
	run     func(ctx context.Context)
	running atomic.Bool
}

// Scheduler runs named jobs on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	wrapper Wrapper
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. Specs accept an optional seconds field and the
// @every and @hourly style descriptors.
func New(wrapper Wrapper, metricsCollector *metrics.Collector, logger *zap.Logger) *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger.Sugar()})),
		parser:  parser,
		wrapper: wrapper,
		metrics: metricsCollector,
		logger:  logger,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under name
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already registered", name)
	}

	j := &job{name: name, spec: spec, run: s.wrapper.Wrap(name, fn)}
	if _, err := s.cron.AddFunc(spec, func() { s.fire(j) }); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

// AddAll registers every job, taking schedules from specs. A schedule for a
// job that does not exist is rejected.
func (s *Scheduler) AddAll(jobs map[string]func(ctx context.Context) error, specs map[string]string) error {
	for name := range specs {
		if _, ok := jobs[name]; !ok {
			return fmt.Errorf("schedule configured for unknown job %q", name)
		}
	}

	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Add(name, specs[name], jobs[name]); err != nil {
			return err
		}
	}
	return nil
}

// Trigger runs a job immediately under the same overlap guard as a scheduled
// firing. It reports whether the job ran.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	return s.fire(j), nil
}

func (s *Scheduler) fire(j *job) bool {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("Job still running, firing skipped", zap.String("job", j.name))
		if s.metrics != nil {
			s.metrics.IncJobSkipped(j.name)
		}
		return false
	}
	defer j.running.Store(false)

	j.run(s.ctx)
	return true
}

// Jobs returns the registered job names with their schedules
func (s *Scheduler) Jobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.spec
	}
	return out
}

// Start starts firing jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop stops firing jobs and waits for running ones until ctx expires.
// Running jobs see their context cancelled only when ctx expires first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("jobs still running at shutdown: %w", ctx.Err())
	}
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
