package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"transferd/internal/task"
)

// Handler processes one dispatched message
type Handler func(ctx context.Context, msg task.Message) error

// Wrapper applies the cross-cutting invocation policy to a handler
type Wrapper interface {
	Wrap(name string, fn func(ctx context.Context) error) func(ctx context.Context)
}

// Consumer receives messages from every registered queue and runs their
// handlers with bounded concurrency.
type Consumer struct {
	broker   Broker
	wrapper  Wrapper
	sem      *semaphore.Weighted
	logger   *zap.Logger
	handlers map[string]Handler
}

// NewConsumer creates a consumer running at most concurrency handlers at once
func NewConsumer(broker Broker, wrapper Wrapper, concurrency int, logger *zap.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Consumer{
		broker:   broker,
		wrapper:  wrapper,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for a queue. Must be called before Run.
func (c *Consumer) Handle(queueName string, h Handler) {
	c.handlers[queueName] = h
}

// Run consumes until ctx is cancelled, then waits for running handlers
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, h := range c.handlers {
		wg.Add(1)
		go func(name string, h Handler) {
			defer wg.Done()
			c.consume(ctx, name, h, &wg)
		}(name, h)
	}
	c.logger.Info("Dispatch consumer started", zap.Int("queues", len(c.handlers)))

	<-ctx.Done()
	wg.Wait()
	c.logger.Info("Dispatch consumer stopped")
	return nil
}

func (c *Consumer) consume(ctx context.Context, name string, h Handler, wg *sync.WaitGroup) {
	for {
		msg, err := c.broker.Receive(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Failed to receive message", zap.String("queue", name), zap.Error(err))
			continue
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			// shutting down; the periodic jobs will pick the task up
			return
		}
		wg.Add(1)
		run := c.wrapper.Wrap("dispatch-"+name, func(ctx context.Context) error {
			return h(ctx, msg)
		})
		go func() {
			defer wg.Done()
			defer c.sem.Release(1)
			run(context.WithoutCancel(ctx))
		}()
	}
}
