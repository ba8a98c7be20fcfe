// Package engine advances transfer tasks through their state machine. Each
// periodic job moves tasks of one kind across one transition; every write to
// a task is a compare-and-swap on its version.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/proxy"
	"transferd/internal/queue"
	"transferd/internal/repository"
	"transferd/internal/task"
	"transferd/internal/worker"
)

const (
	defaultStaleness    = 24 * time.Hour
	defaultCallTimeout  = 2 * time.Minute
	defaultURLExpiry    = 24 * time.Hour
	defaultRecheckDelay = 30 * time.Second
	defaultRetryBackoff = 5 * time.Second
	defaultAssignBatch  = 100

	// bounded retries for read-modify-write races on one task
	maxCASAttempts = 5
)

// Config contains the engine settings
type Config struct {
	ServerID    string
	ArchiveBase string
	// MaxRetries is how many transient failures a task survives before it
	// is failed permanently.
	MaxRetries int
	// Staleness is the per-kind time without progress after which an
	// active task is failed. DefaultStaleness covers kinds not listed.
	Staleness        map[task.Kind]time.Duration
	DefaultStaleness time.Duration
	CallTimeout      time.Duration
	URLExpiry        time.Duration
	RecheckDelay     time.Duration
	RetryBackoff     time.Duration
	AssignBatch      int
	RecoverAnyServer bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DefaultStaleness <= 0 {
		c.DefaultStaleness = defaultStaleness
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.URLExpiry <= 0 {
		c.URLExpiry = defaultURLExpiry
	}
	if c.RecheckDelay <= 0 {
		c.RecheckDelay = defaultRecheckDelay
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.AssignBatch <= 0 {
		c.AssignBatch = defaultAssignBatch
	}
	return c
}

// StalenessFor returns the stall threshold of a kind
func (c Config) StalenessFor(kind task.Kind) time.Duration {
	if d, ok := c.Staleness[kind]; ok && d > 0 {
		return d
	}
	return c.DefaultStaleness
}

// Submitter runs transfer jobs on a bounded per-protocol pool
type Submitter interface {
	Submit(job worker.Job) error
}

// Wrapper guards the body of a transfer job the same way scheduled jobs are
// guarded.
type Wrapper interface {
	Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context)
}

// Option configures an Engine
type Option func(*Engine)

// WithWrapper runs transfer job bodies through w
func WithWrapper(w Wrapper) Option {
	return func(e *Engine) {
		e.wrapper = w
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine owns the advancement logic shared by the periodic jobs and the
// dispatch queue handlers.
type Engine struct {
	config  Config
	store   repository.Store
	proxies *proxy.Registry
	creds   credentials.Provider
	pools   Submitter
	queue   queue.Queue
	metrics *metrics.Collector
	logger  *zap.Logger
	wrapper Wrapper
	now     func() time.Time
	handles *handleRegistry
}

// New creates an engine. metricsCollector may be nil and q defaults to a
// disabled queue.
func New(config Config, store repository.Store, proxies *proxy.Registry, creds credentials.Provider,
	pools Submitter, q queue.Queue, metricsCollector *metrics.Collector, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if config.ServerID == "" {
		return nil, fmt.Errorf("server id is required")
	}
	if q == nil {
		q = queue.Noop{}
	}
	e := &Engine{
		config:  config.withDefaults(),
		store:   store,
		proxies: proxies,
		creds:   creds,
		pools:   pools,
		queue:   q,
		metrics: metricsCollector,
		logger:  logger.With(zap.String("server_id", config.ServerID)),
		now:     time.Now,
		handles: newHandleRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// mutate applies fn to the latest stored version of a task and writes it
// back, re-reading and re-applying on version conflicts. fn reports whether
// it changed anything; unchanged tasks are not written. It returns the task
// as read and, when written, as stored.
func mutate(ctx context.Context, store repository.Store, id string, fn func(t *task.Task) (bool, error)) (*task.Task, *task.Task, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		t := current.Clone()
		changed, err := fn(t)
		if err != nil || !changed {
			return current, nil, err
		}

		err = store.UpdateIfVersionMatches(ctx, t, current.Version)
		if err == nil {
			return current, t, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeConflict {
			return nil, nil, err
		}
	}
	return nil, nil, xerrors.Conflict("task %s kept changing, gave up after %d attempts", id, maxCASAttempts)
}

// mutate is the package mutate plus transition bookkeeping. It returns the
// stored task and whether it was written.
func (e *Engine) mutate(ctx context.Context, id string, fn func(t *task.Task) (bool, error)) (*task.Task, bool, error) {
	before, after, err := mutate(ctx, e.store, id, fn)
	if err != nil {
		return nil, false, err
	}
	if after == nil {
		return before, false, nil
	}
	if after.State != before.State {
		e.transitioned(after)
	}
	return after, true, nil
}

// update writes t if nobody changed it since it was read. A conflict means
// another writer got there first and is reported as (false, nil).
func (e *Engine) update(ctx context.Context, t *task.Task, from *task.Task) (bool, error) {
	err := e.store.UpdateIfVersionMatches(ctx, t, from.Version)
	if xerrors.CodeOf(err) == xerrors.CodeConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.State != from.State {
		e.transitioned(t)
	}
	return true, nil
}

func (e *Engine) transitioned(t *task.Task) {
	logTransition(e.logger, e.metrics, t)
}

func logTransition(logger *zap.Logger, m *metrics.Collector, t *task.Task) {
	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("state", string(t.State)),
	}
	if t.ErrorMessage != "" && t.State == task.StateFailed {
		fields = append(fields, zap.String("reason", t.ErrorMessage))
	}
	logger.Info("Task transitioned", fields...)
	if m != nil {
		m.IncTransition(string(t.Kind), string(t.State))
	}
}

// fail moves a task to FAILED unless it already reached a terminal state
func (e *Engine) fail(ctx context.Context, id, reason string) (*task.Task, error) {
	t, _, err := e.mutate(ctx, id, func(t *task.Task) (bool, error) {
		if t.State.Terminal() {
			return false, nil
		}
		return true, t.Transition(task.StateFailed, reason, e.now())
	})
	return t, err
}

// chargeRetry counts one transient failure against the task and fails it
// once the retry budget is exhausted. It returns the updated task.
func (e *Engine) chargeRetry(ctx context.Context, id string, cause error) (*task.Task, error) {
	t, _, err := e.mutate(ctx, id, func(t *task.Task) (bool, error) {
		if t.State.Terminal() {
			return false, nil
		}
		t.RetryCount++
		t.LastUpdatedAt = e.now()
		if t.RetryCount >= e.config.MaxRetries {
			return true, t.Transition(task.StateFailed,
				fmt.Sprintf("giving up after %d attempts: %v", t.RetryCount, cause), e.now())
		}
		return true, nil
	})
	return t, err
}

// backoff is the delay before retry attempt n (1-based)
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return e.config.RetryBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.CallTimeout)
}

func (e *Engine) enqueue(ctx context.Context, t *task.Task, queueName string, delay time.Duration) {
	msg := task.Message{TaskID: t.ID, Kind: t.Kind, Delayed: delay > 0}
	if err := e.queue.Enqueue(ctx, msg, queueName, delay); err != nil {
		// polling will rediscover the task
		e.logger.Warn("Failed to dispatch task",
			zap.String("task_id", t.ID),
			zap.String("queue", queueName),
			zap.Error(err))
	}
}

// owned reports whether this server advances t
func (e *Engine) owned(t *task.Task) bool {
	return t.AssignedServerID == e.config.ServerID
}

// LiveHandles returns the number of transfers this process is tracking
func (e *Engine) LiveHandles() int {
	return e.handles.len()
}
