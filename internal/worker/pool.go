// Package worker implements a bounded worker pool for concurrent merge cycles.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtiwari1/pairmerge/internal/merge"
)

// Runner executes one merge cycle.
type Runner interface {
	RunOnce(ctx context.Context, runID string) (*merge.Result, error)
}

// Job represents a merge cycle request.
// Contains a context.Context for cancellation and deadline propagation.
type Job struct {
	Ctx   context.Context
	RunID string
}

// Result holds the outcome of a single job.
type Result struct {
	RunID string
	Merge *merge.Result
	Err   error
}

// Pool manages a fixed set of worker goroutines that process Jobs from a channel
// and emit Results to another channel.
type Pool struct {
	workers int
	runner  Runner
	jobs    chan Job
	results chan Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewPool creates a pool with the given number of workers.
// Call Start() to launch the goroutines.
func NewPool(workers int, runner Runner, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		runner:  runner,
		jobs:    make(chan Job, workers*2), // small buffer for backpressure
		results: make(chan Result, workers*2),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Workers reports the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches worker goroutines. Each reads from the jobs channel until it is
// closed or the pool is cancelled.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues a job. It blocks if the jobs channel buffer is full (backpressure).
// Returns false if the pool is already cancelled.
func (p *Pool) Submit(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Results returns the read-only results channel for the consumer.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Cancel stops workers without waiting for queued jobs.
func (p *Pool) Cancel() {
	p.cancel()
}

// Shutdown closes the jobs channel, waits for all workers to finish,
// then closes the results channel. Safe to call once.
func (p *Pool) Shutdown() {
	close(p.jobs)
	p.wg.Wait()
	close(p.results)
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				p.logger.Debug("worker exiting", slog.Int("worker_id", id))
				return
			}
			p.results <- p.process(id, job)

		case <-p.ctx.Done():
			p.logger.Info("worker cancelled", slog.Int("worker_id", id))
			return
		}
	}
}

func (p *Pool) process(workerID int, job Job) Result {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return Result{RunID: job.RunID, Err: fmt.Errorf("job cancelled before processing: %w", err)}
	}

	start := time.Now()
	res, err := p.runner.RunOnce(ctx, job.RunID)
	latency := time.Since(start)

	if err != nil {
		p.logger.Error("merge cycle failed",
			slog.Int("worker_id", workerID),
			slog.String("run_id", job.RunID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		return Result{RunID: job.RunID, Merge: res, Err: err}
	}

	p.logger.Info("merge cycle completed",
		slog.Int("worker_id", workerID),
		slog.String("run_id", job.RunID),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("latency", latency),
	)
	return Result{RunID: job.RunID, Merge: res}
}
