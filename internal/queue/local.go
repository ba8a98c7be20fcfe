package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"transferd/internal/metrics"
	"transferd/internal/task"
)

// Local is an in-process broker. Messages that do not fit in the buffer are
// dropped.
type Local struct {
	buffer  int
	metrics *metrics.Collector
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string]chan task.Message
	timers map[*time.Timer]struct{}
	closed bool
}

// NewLocal creates an in-process broker with buffer slots per queue
func NewLocal(buffer int, metricsCollector *metrics.Collector, logger *zap.Logger) *Local {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Local{
		buffer:  buffer,
		metrics: metricsCollector,
		logger:  logger,
		queues:  make(map[string]chan task.Message),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (l *Local) channel(name string) chan task.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.queues[name]
	if !ok {
		ch = make(chan task.Message, l.buffer)
		l.queues[name] = ch
	}
	return ch
}

// Enqueue delivers msg now, or from a timer when delay is positive
func (l *Local) Enqueue(_ context.Context, msg task.Message, queueName string, delay time.Duration) error {
	if delay <= 0 {
		l.deliver(msg, queueName)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		l.deliver(msg, queueName)
	})
	l.timers[timer] = struct{}{}
	return nil
}

func (l *Local) deliver(msg task.Message, queueName string) {
	select {
	case l.channel(queueName) <- msg:
		l.count(queueName, "enqueued")
	default:
		l.logger.Warn("Dispatch queue full, dropping message",
			zap.String("queue", queueName),
			zap.String("task_id", msg.TaskID))
		l.count(queueName, "dropped")
	}
}

// Receive returns the next message on queueName
func (l *Local) Receive(ctx context.Context, queueName string) (task.Message, error) {
	select {
	case msg := <-l.channel(queueName):
		l.count(queueName, "received")
		return msg, nil
	case <-ctx.Done():
		return task.Message{}, ctx.Err()
	}
}

// Close stops pending delayed deliveries
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for timer := range l.timers {
		timer.Stop()
	}
	l.timers = make(map[*time.Timer]struct{})
	return nil
}

func (l *Local) count(queueName, outcome string) {
	if l.metrics != nil {
		l.metrics.IncDispatch(queueName, outcome)
	}
}
