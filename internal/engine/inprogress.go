package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
	"transferd/internal/queue"
	"transferd/internal/task"
)

func stallReason(threshold time.Duration) string {
	return xerrors.Newf(xerrors.CodeStallTimeout, "no progress for more than %s", threshold).Error()
}

// ProcessInProgress checks this server's running transfers of one kind:
// stalled tasks are failed, settled tasks release their resources and
// healthy ones are scheduled for another look.
func (e *Engine) ProcessInProgress(ctx context.Context, kind task.Kind) error {
	errs := e.reapSettled(ctx, kind)

	tasks, err := e.store.FindByAssignedServer(ctx, e.config.ServerID, task.StateInProgress)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, t := range tasks {
		if t.Kind != kind {
			continue
		}
		errs = multierr.Append(errs, e.checkInProgress(ctx, t, true))
	}
	return errs
}

// HandleInProgress handles a delayed re-check from the in-progress queue
func (e *Engine) HandleInProgress(ctx context.Context, msg task.Message) error {
	t, err := e.store.Get(ctx, msg.TaskID)
	if xerrors.CodeOf(err) == xerrors.CodeNotFound {
		e.releaseHandle(msg.TaskID, e.logger.With(zap.String("task_id", msg.TaskID)))
		return nil
	}
	if err != nil {
		return err
	}
	if !e.owned(t) {
		return nil
	}

	switch {
	case t.State.Terminal():
		e.releaseHandle(t.ID, e.logger.With(zap.String("task_id", t.ID)))
	case t.State == task.StateInProgressWithGeneratedURL:
		return e.checkGeneratedURL(ctx, t)
	case t.State == task.StateInProgress && !t.Kind.IsBulk():
		return e.checkInProgress(ctx, t, false)
	}
	return nil
}

// reapSettled cleans up the transfers of tasks that were cancelled or
// otherwise settled while their handle was still held here.
func (e *Engine) reapSettled(ctx context.Context, kind task.Kind) error {
	var errs error
	for _, id := range e.handles.ofKind(kind) {
		t, err := e.store.Get(ctx, id)
		if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
			errs = multierr.Append(errs, err)
			continue
		}
		if t != nil && !t.State.Terminal() {
			continue
		}
		logger := e.logger.With(zap.String("task_id", id))
		e.releaseHandle(id, logger)
		logger.Info("Released resources of settled transfer")
	}
	return errs
}

func (e *Engine) checkInProgress(ctx context.Context, t *task.Task, requeue bool) error {
	logger := e.logger.With(zap.String("task_id", t.ID))

	threshold := e.config.StalenessFor(t.Kind)
	if t.Stalled(threshold, e.now()) {
		_, err := e.fail(ctx, t.ID, stallReason(threshold))
		e.releaseHandle(t.ID, logger)
		return err
	}

	if !e.handles.busy(t.ID) {
		logger.Debug("No live transfer here, task left for recovery")
		return nil
	}
	if !requeue {
		return nil
	}

	updated, changed, err := e.mutate(ctx, t.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateInProgress {
			return false, nil
		}
		cur.LastUpdatedAt = e.now()
		return true, nil
	})
	if err != nil {
		return err
	}
	if changed {
		e.enqueue(ctx, updated, queue.InProgress, e.config.RecheckDelay)
	}
	return nil
}

// ProcessGeneratedURL polls the destinations of uploads pushed through a
// generated URL.
func (e *Engine) ProcessGeneratedURL(ctx context.Context) error {
	tasks, err := e.store.FindByAssignedServer(ctx, e.config.ServerID, task.StateInProgressWithGeneratedURL)
	if err != nil {
		return err
	}

	var errs error
	for _, t := range tasks {
		errs = multierr.Append(errs, e.checkGeneratedURL(ctx, t))
	}
	return errs
}

func (e *Engine) checkGeneratedURL(ctx context.Context, t *task.Task) error {
	threshold := e.config.StalenessFor(t.Kind)
	if t.Stalled(threshold, e.now()) {
		_, err := e.fail(ctx, t.ID, stallReason(threshold))
		return err
	}

	p, token, err := e.connect(ctx, t)
	if err != nil {
		return e.settle(ctx, t, err)
	}
	attrs, ok, err := e.attributes(ctx, p, token, t.Destination, true)
	if err != nil {
		return e.settle(ctx, t, err)
	}
	if !ok {
		return e.settle(ctx, t, xerrors.Unsupported(protocolSystems[t.Protocol], "GetPathAttributes"))
	}
	if !attrs.Accessible {
		_, err := e.fail(ctx, t.ID, fmt.Sprintf("not authorized to read %s", t.Destination))
		return err
	}
	if !attrs.Exists || attrs.IsDirectory || (t.TotalSize > 0 && attrs.Size != t.TotalSize) {
		return nil
	}

	var delta int64
	_, changed, err := e.mutate(ctx, t.ID, func(cur *task.Task) (bool, error) {
		if cur.State != task.StateInProgressWithGeneratedURL {
			return false, nil
		}
		before := cur.BytesTransferred
		cur.RecordProgress(attrs.Size, e.now())
		if cur.TotalSize == 0 {
			cur.TotalSize = cur.BytesTransferred
		}
		delta = cur.BytesTransferred - before
		return true, cur.Transition(task.StateCompleted, "", e.now())
	})
	if changed && delta > 0 && e.metrics != nil {
		e.metrics.AddBytes(string(t.Protocol), delta)
	}
	return err
}
