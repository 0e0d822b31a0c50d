// Package worker runs the parse/validate stage of a batch on a bounded pool.
package worker

import (
	"context"
	"runtime"
	"strconv"

	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Result is the stage outcome of one job: a clean placement or its errors.
type Result struct {
	Index     int
	Placement model.Placement
	Errors    []model.RowError
}

// OK reports whether the job produced a placement.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Processor turns a job into a result. It must be safe for concurrent use.
type Processor interface {
	Process(ctx context.Context, job queue.Job) Result
}

// Collector receives results. Calls may arrive concurrently.
type Collector interface {
	Collect(ctx context.Context, res Result)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes jobs until its queue drains.
type Worker interface {
	// Run starts the worker loop until the queue closes or ctx is canceled.
	Run(ctx context.Context)
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue     Queue
	processor Processor
	collector Collector
	name      string

	done chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, p Processor, c Collector, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		processor: p,
		collector: c,
		name:      "worker",
		done:      make(chan struct{}),
		logger:    logger.Get().Named("worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}

	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		// Stop between jobs, never inside one.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			w.process(ctx, job)
		}
	}
}

func (w *InMemoryWorker) process(ctx context.Context, job queue.Job) {
	res := w.processor.Process(ctx, job)
	res.Index = job.Index
	if !res.OK() {
		w.logger.Debug(ctx, "row rejected",
			logger.Int("row", job.Index),
			logger.Int("errors", len(res.Errors)),
		)
	}
	w.collector.Collect(ctx, res)
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
}

// NewPool creates a new worker pool. A non-positive count uses runtime.NumCPU.
// Options apply to every worker.
func NewPool(workerCount int, q Queue, p Processor, c Collector, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
	}

	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, p, c, workerOpts...)
	}

	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	metrics.UpdateWorkerActiveCount(len(p.workers))
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Wait blocks until every started worker has returned.
func (p *Pool) Wait() {
	for _, w := range p.workers {
		<-w.done
	}
	metrics.UpdateWorkerActiveCount(0)
}
