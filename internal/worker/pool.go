package worker

import (
	"context"
	"sync"
	"sync/atomic"

	xerrors "transferd/internal/errors"
	"transferd/internal/metrics"
	"transferd/internal/task"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool manages a bounded pool of workers for one protocol. Every submitted
// job takes a slot that stays taken while its transfer runs, so Size caps
// running transfers and not only submissions.
type Pool struct {
	protocol task.Protocol
	config   Config
	jobs     chan queuedJob
	slots    *semaphore.Weighted
	held     atomic.Int32
	metrics  *metrics.Collector
	logger   *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type queuedJob struct {
	job  Job
	slot *Slot
}

// NewPool creates a new worker pool
func NewPool(protocol task.Protocol, config Config, metricsCollector *metrics.Collector, logger *zap.Logger) *Pool {
	config = config.withDefaults()
	return &Pool{
		protocol: protocol,
		config:   config,
		jobs:     make(chan queuedJob, config.Size),
		slots:    semaphore.NewWeighted(int64(config.Size)),
		metrics:  metricsCollector,
		logger:   logger.With(zap.String("protocol", string(protocol))),
	}
}

// Start starts the worker pool
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit takes a slot and hands the job to a worker without blocking. With
// every slot taken it yields a BUSY error and the job is not run.
func (p *Pool) Submit(job Job) error {
	if !p.slots.TryAcquire(1) {
		return p.busy()
	}

	slot := p.newSlot()
	select {
	case p.jobs <- queuedJob{job: job, slot: slot}:
		return nil
	default:
		slot.Release()
		return p.busy()
	}
}

func (p *Pool) busy() error {
	if p.metrics != nil {
		p.metrics.IncRejected(string(p.protocol))
	}
	return xerrors.Busy("%s pool is saturated (%d transfers)", p.protocol, p.config.Size)
}

func (p *Pool) newSlot() *Slot {
	p.setInflight(p.held.Add(1))
	return &Slot{release: func() {
		p.setInflight(p.held.Add(-1))
		p.slots.Release(1)
	}}
}

// Inflight returns the number of transfers holding a slot
func (p *Pool) Inflight() int {
	return int(p.held.Load())
}

// Stop stops the workers and waits for running jobs to return. Transfers
// that kept their slot are not waited for.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := &Processor{
		protocol: p.protocol,
		metrics:  p.metrics,
		logger:   logger,
	}

	for {
		select {
		case q := <-p.jobs:
			processor.Process(ctx, q.job, q.slot)

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}

func (p *Pool) setInflight(n int32) {
	if p.metrics != nil {
		p.metrics.SetInflight(string(p.protocol), int(n))
	}
}

// Pools holds one bounded pool per protocol
type Pools struct {
	pools map[task.Protocol]*Pool
}

// NewPools creates a pool for every protocol. Protocols missing from sizes
// get the default size.
func NewPools(sizes map[task.Protocol]int, metricsCollector *metrics.Collector, logger *zap.Logger) *Pools {
	ps := &Pools{pools: make(map[task.Protocol]*Pool, len(task.Protocols))}
	for _, protocol := range task.Protocols {
		ps.pools[protocol] = NewPool(protocol, Config{Size: sizes[protocol]}, metricsCollector, logger)
	}
	return ps
}

// Start starts every pool
func (ps *Pools) Start(ctx context.Context) {
	for _, p := range ps.pools {
		p.Start(ctx)
	}
}

// Submit routes the job to its protocol's pool
func (ps *Pools) Submit(job Job) error {
	p, ok := ps.pools[job.Protocol]
	if !ok {
		return xerrors.Validation("no worker pool for protocol %q", job.Protocol)
	}
	return p.Submit(job)
}

// Inflight returns the running transfer count per protocol
func (ps *Pools) Inflight() map[task.Protocol]int {
	out := make(map[task.Protocol]int, len(ps.pools))
	for protocol, p := range ps.pools {
		out[protocol] = p.Inflight()
	}
	return out
}

// Stop stops every pool
func (ps *Pools) Stop() {
	var wg sync.WaitGroup
	for _, p := range ps.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}
