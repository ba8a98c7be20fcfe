// Package execution applies the same invocation policy to every scheduled job
// and every dispatched message handler.
package execution

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/notify"
	"transferd/internal/repository"
)

// Job outcomes recorded in metrics
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
)

// Wrapper wraps invocations. Errors never escape a wrapped function.
type Wrapper struct {
	binder   repository.SessionBinder
	notifier notify.Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a wrapper. binder, notifier and metricsCollector may be nil.
func New(binder repository.SessionBinder, notifier notify.Notifier, metricsCollector *metrics.Collector, logger *zap.Logger) *Wrapper {
	return &Wrapper{
		binder:   binder,
		notifier: notifier,
		metrics:  metricsCollector,
		logger:   logger,
		now:      time.Now,
	}
}

// Wrap returns fn guarded by the invocation policy
func (w *Wrapper) Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context) {
	return func(ctx context.Context) {
		start := w.now()
		logger := w.logger.With(zap.String("job", name))
		logger.Debug("Job started")

		if w.binder != nil {
			var release func()
			ctx, release = w.binder.Bind(ctx)
			defer release()
		}

		panicked, err := w.run(ctx, fn)
		elapsed := w.now().Sub(start)

		outcome := OutcomeSuccess
		switch {
		case panicked:
			outcome = OutcomePanic
		case err != nil:
			outcome = OutcomeError
		}
		if w.metrics != nil {
			w.metrics.ObserveJob(name, outcome, elapsed)
		}

		if err == nil {
			logger.Debug("Job completed", zap.Duration("elapsed", elapsed))
			return
		}

		errs := multierr.Errors(err)
		logger.Error("Job failed",
			zap.Duration("elapsed", elapsed),
			zap.Int("errors", len(errs)),
			zap.Error(err))
		w.escalate(ctx, name, errs, logger)
	}
}

func (w *Wrapper) run(ctx context.Context, fn func(ctx context.Context) error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = xerrors.Newf(xerrors.CodeInternal, "panic: %v", r)
		}
	}()
	return false, fn(ctx)
}

// escalate notifies operators once per integrated system involved
func (w *Wrapper) escalate(ctx context.Context, name string, errs []error, logger *zap.Logger) {
	if w.notifier == nil {
		return
	}

	notified := make(map[xerrors.IntegratedSystem]bool)
	for _, err := range errs {
		system := xerrors.SystemOf(err)
		if system == xerrors.SystemNone || notified[system] {
			continue
		}
		notified[system] = true

		n := notify.Notification{
			System:  system,
			Job:     name,
			Message: err.Error(),
			Trace:   xerrors.Trace(err),
			Time:    w.now().UTC(),
		}
		if nerr := w.notifier.Notify(context.WithoutCancel(ctx), n); nerr != nil {
			logger.Warn("Failed to notify operators", zap.String("system", string(system)), zap.Error(nerr))
			continue
		}
		if w.metrics != nil {
			w.metrics.IncNotification(string(system))
		}
	}
}
