package engine

import (
	"context"

	"transferd/internal/queue"
	"transferd/internal/task"
)

// Job names
const (
	JobAssign              = "assign"
	JobProcessGeneratedURL = "process-generated-url"
)

// ProcessReceivedJob is the job advancing RECEIVED tasks of kind
func ProcessReceivedJob(kind task.Kind) string {
	return "process-received-" + kind.Slug()
}

// ProcessInProgressJob is the job checking running tasks of kind
func ProcessInProgressJob(kind task.Kind) string {
	return "process-in-progress-" + kind.Slug()
}

// CompleteJob is the job settling bulk tasks of kind
func CompleteJob(kind task.Kind) string {
	return "complete-" + kind.Slug()
}

// Jobs returns every periodic job by name
func (e *Engine) Jobs() map[string]func(ctx context.Context) error {
	jobs := map[string]func(ctx context.Context) error{
		JobAssign:              e.Assign,
		JobProcessGeneratedURL: e.ProcessGeneratedURL,
	}
	for _, kind := range task.Kinds {
		kind := kind
		jobs[ProcessReceivedJob(kind)] = func(ctx context.Context) error {
			return e.ProcessReceived(ctx, kind)
		}
		if kind.IsBulk() {
			jobs[CompleteJob(kind)] = func(ctx context.Context) error {
				return e.CompleteBulk(ctx, kind)
			}
			continue
		}
		jobs[ProcessInProgressJob(kind)] = func(ctx context.Context) error {
			return e.ProcessInProgress(ctx, kind)
		}
	}
	return jobs
}

// Handlers returns the dispatch queue handlers by queue name
func (e *Engine) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.Received:   e.HandleReceived,
		queue.InProgress: e.HandleInProgress,
	}
}
