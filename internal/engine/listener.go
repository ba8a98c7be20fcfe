package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"transferd/internal/task"
)

// listener applies the progress events of one running transfer to its task.
// Events that arrive before the task was moved to IN_PROGRESS are held back
// and replayed in order once the submission is settled.
type listener struct {
	engine   *Engine
	taskID   string
	protocol task.Protocol
	logger   *zap.Logger

	mu      sync.Mutex
	ready   bool
	aborted bool
	held    []func()
}

func (e *Engine) newListener(t *task.Task) *listener {
	return &listener{
		engine:   e,
		taskID:   t.ID,
		protocol: t.Protocol,
		logger:   e.logger.With(zap.String("task_id", t.ID)),
	}
}

// settle releases held events. An aborted listener drops every event.
func (l *listener) settle(aborted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = true
	l.aborted = aborted
	held := l.held
	l.held = nil
	if aborted {
		return
	}
	for _, fn := range held {
		fn()
	}
}

func (l *listener) deliver(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case !l.ready:
		l.held = append(l.held, fn)
	case !l.aborted:
		fn()
	}
}

func (l *listener) TransferProgressed(bytes int64) {
	l.deliver(func() { l.engine.applyProgress(context.Background(), l.taskID, l.protocol, bytes, l.logger) })
}

func (l *listener) TransferCompleted(bytes int64) {
	l.deliver(func() { l.engine.applyCompletion(context.Background(), l.taskID, l.protocol, bytes, l.logger) })
}

func (l *listener) TransferFailed(reason string) {
	l.deliver(func() { l.engine.applyFailure(context.Background(), l.taskID, reason, l.logger) })
}

// applyProgress records a byte count. Counts never go backwards and events
// for tasks that are no longer running are ignored.
func (e *Engine) applyProgress(ctx context.Context, id string, protocol task.Protocol, bytes int64, logger *zap.Logger) {
	var delta int64
	_, changed, err := e.mutate(ctx, id, func(t *task.Task) (bool, error) {
		before := t.BytesTransferred
		if !t.RecordProgress(bytes, e.now()) {
			return false, nil
		}
		delta = t.BytesTransferred - before
		return true, nil
	})
	if err != nil {
		logger.Warn("Failed to record progress", zap.Int64("bytes", bytes), zap.Error(err))
		return
	}
	if changed && e.metrics != nil {
		e.metrics.AddBytes(string(protocol), delta)
	}
}

// applyCompletion completes the task once. Later completions and
// completions of cancelled tasks leave the record untouched.
func (e *Engine) applyCompletion(ctx context.Context, id string, protocol task.Protocol, bytes int64, logger *zap.Logger) {
	defer e.releaseHandle(id, logger)

	var delta int64
	_, changed, err := e.mutate(ctx, id, func(t *task.Task) (bool, error) {
		if t.State.Terminal() {
			return false, nil
		}
		before := t.BytesTransferred
		t.RecordProgress(bytes, e.now())
		if t.TotalSize == 0 {
			t.TotalSize = t.BytesTransferred
		}
		delta = t.BytesTransferred - before
		return true, t.Transition(task.StateCompleted, "", e.now())
	})
	if err != nil {
		logger.Error("Failed to record completion", zap.Int64("bytes", bytes), zap.Error(err))
		return
	}
	if changed && delta > 0 && e.metrics != nil {
		e.metrics.AddBytes(string(protocol), delta)
	}
	if !changed {
		logger.Debug("Completion ignored, task already settled")
	}
}

// applyFailure fails the task. A transfer that failed after submission is
// not retried automatically.
func (e *Engine) applyFailure(ctx context.Context, id, reason string, logger *zap.Logger) {
	defer e.releaseHandle(id, logger)

	if _, err := e.fail(ctx, id, reason); err != nil {
		logger.Error("Failed to record transfer failure", zap.String("reason", reason), zap.Error(err))
	}
}

func (e *Engine) releaseHandle(id string, logger *zap.Logger) {
	if err := e.handles.release(id); err != nil {
		logger.Warn("Failed to clean up transfer resources", zap.Error(err))
	}
}
