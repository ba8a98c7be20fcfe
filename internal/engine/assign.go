package engine

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"transferd/internal/queue"
	"transferd/internal/task"
)

// Assign claims unassigned RECEIVED tasks for this server, oldest first, and
// dispatches each claimed task to the received queue. A task claimed by
// another server between the read and the write is skipped.
func (e *Engine) Assign(ctx context.Context) error {
	tasks, err := e.store.FindByStateAndKind(ctx, task.StateReceived, "")
	if err != nil {
		return err
	}

	var (
		claimed int
		errs    error
	)
	for _, t := range tasks {
		if claimed >= e.config.AssignBatch {
			break
		}
		if t.AssignedServerID != "" {
			continue
		}

		claim := t.Clone()
		claim.AssignedServerID = e.config.ServerID
		claim.LastUpdatedAt = e.now()
		ok, err := e.update(ctx, claim, t)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			e.logger.Debug("Task claimed elsewhere", zap.String("task_id", t.ID))
			continue
		}

		claimed++
		e.logger.Debug("Task claimed", zap.String("task_id", t.ID), zap.String("kind", string(t.Kind)))
		e.enqueue(ctx, claim, queue.Received, 0)
	}

	if claimed > 0 {
		e.logger.Info("Tasks assigned", zap.Int("count", claimed))
	}
	return errs
}

// Recover resets orphaned single-item transfers to RECEIVED with their
// assignment cleared, so they are claimed and submitted again. Handles do
// not survive a restart, so this runs at startup before any job fires.
// Bulk parents are left alone; their children are recovered individually.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var (
		tasks []*task.Task
		err   error
	)
	if e.config.RecoverAnyServer {
		tasks, err = e.store.FindByStateAndKind(ctx, task.StateInProgress, "")
	} else {
		tasks, err = e.store.FindByAssignedServer(ctx, e.config.ServerID, task.StateInProgress)
	}
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      error
	)
	for _, t := range tasks {
		if t.Kind.IsBulk() || e.handles.busy(t.ID) {
			continue
		}

		reset := t.Clone()
		if err := reset.Recover(e.now()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ok, err := e.update(ctx, reset, t)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			recovered++
			e.logger.Info("Task recovered",
				zap.String("task_id", t.ID),
				zap.String("previous_server_id", t.AssignedServerID))
		}
	}
	return recovered, errs
}
