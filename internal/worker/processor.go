package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/task"

	"go.uber.org/zap"
)

// Processor runs jobs on behalf of a pool worker
type Processor struct {
	protocol task.Protocol
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Process runs a single job. Errors are logged, never propagated: the job
// reports its outcome through the task's progress listener. The slot is
// released on return unless the job kept it.
func (p *Processor) Process(ctx context.Context, job Job, slot *Slot) {
	startTime := time.Now()
	logger := p.logger.With(zap.String("task_id", job.TaskID))

	err := p.run(ctx, job, slot)
	if err != nil || !slot.isKept() {
		slot.Release()
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		logger.Warn("Transfer job failed",
			zap.Duration("duration", time.Since(startTime)),
			zap.String("code", string(xerrors.CodeOf(err))),
			zap.Bool("retryable", xerrors.IsRetryable(err)),
			zap.Error(err),
		)
	} else {
		logger.Debug("Transfer job finished", zap.Duration("duration", time.Since(startTime)))
	}

	if p.metrics != nil {
		p.metrics.ObserveJob("transfer-"+string(p.protocol), outcome, time.Since(startTime))
	}
}

func (p *Processor) run(ctx context.Context, job Job, slot *Slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Transfer job panicked",
				zap.String("task_id", job.TaskID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = xerrors.Newf(xerrors.CodeInternal, "transfer job panicked: %v", r)
		}
	}()

	if job.Run == nil {
		return fmt.Errorf("job for task %s has nothing to run", job.TaskID)
	}
	return job.Run(ctx, slot)
}
