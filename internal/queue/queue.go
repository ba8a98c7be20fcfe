// Package queue hands tasks to message handlers without waiting for the next
// polling cycle. Delivery is best effort: the periodic jobs remain the system
// of record and rediscover any task whose message was lost.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transferd/internal/metrics"
	"transferd/internal/repository"
	"transferd/internal/task"
)

// Queue names
const (
	Received   = "received"
	InProgress = "in-progress"
)

// Names lists every queue a consumer listens on
var Names = []string{Received, InProgress}

// Queue is the send side of the dispatch channel
type Queue interface {
	// Enqueue delivers msg to queueName after delay. It never waits for a
	// consumer.
	Enqueue(ctx context.Context, msg task.Message, queueName string, delay time.Duration) error
}

// Broker is a Queue that can also be consumed
type Broker interface {
	Queue
	// Receive blocks until a message is available on queueName or ctx ends
	Receive(ctx context.Context, queueName string) (task.Message, error)
	Close() error
}

// Backend names
const (
	BackendLocal = "local"
	BackendSQL   = "sql"
)

// Config configures the dispatch queue. Delay is how long a running task
// waits before its next re-check message is delivered.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Delay        time.Duration `yaml:"delay"`
	Buffer       int           `yaml:"buffer"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// New builds the configured broker. The SQL backend shares the task
// repository's database.
func New(cfg Config, store *repository.SQLStore, metricsCollector *metrics.Collector, logger *zap.Logger) (Broker, error) {
	if !cfg.Enabled {
		logger.Info("Dispatch queue disabled, relying on polling")
		return Noop{}, nil
	}

	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocal(cfg.Buffer, metricsCollector, logger), nil
	case BackendSQL:
		if store == nil {
			return nil, fmt.Errorf("sql dispatch queue requires a sql task repository")
		}
		return NewSQL(store.DB(), store.Dialect(), cfg.PollInterval, metricsCollector, logger)
	default:
		return nil, fmt.Errorf("unknown dispatch queue backend: %s", cfg.Backend)
	}
}

// Noop discards every message
type Noop struct{}

func (Noop) Enqueue(context.Context, task.Message, string, time.Duration) error { return nil }

// Receive blocks until ctx ends
func (Noop) Receive(ctx context.Context, _ string) (task.Message, error) {
	<-ctx.Done()
	return task.Message{}, ctx.Err()
}

func (Noop) Close() error { return nil }
