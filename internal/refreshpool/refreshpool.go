// Package refreshpool is the background worker pool that re-runs
// cached-but-stale subjects off the critical path, same shape as the
// scheduler's worker pool but writing only to the cache and never
// emitting job-level events to a live client.
package refreshpool

import (
	"context"
	"log/slog"
	"sync"
)

// Request is one (source, subject) pair queued for background refresh.
type Request struct {
	Source          string
	SubjectKey      string
	PipelineVersion string
	OptionsHash     string
	OptionsJSON     string
}

// Runner executes one refresh request end to end (plan, run, write
// through to the cache). The engine supplies this so refreshpool stays
// decoupled from the scheduler's concrete wiring.
type Runner func(ctx context.Context, req Request) error

// Pool drains a bounded queue of refresh requests with a small number
// of workers, dropping new requests when the queue is full rather than
// growing an unbounded in-memory backlog.
type Pool struct {
	runner Runner
	logger *slog.Logger
	queue  chan Request
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Pool with the given queue depth. size is not used to
// start workers; the worker count is the one passed to Start.
func New(size int, queueDepth int, runner Runner, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 2
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Pool{
		runner: runner,
		logger: logger,
		queue:  make(chan Request, queueDepth),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 2
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

// Stop signals workers to drain and exit; pending queued requests that
// have not yet been picked up are discarded.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Enqueue submits a refresh request. Returns false if the queue is
// full; the caller should treat this as "refresh skipped this cycle",
// not an error — the subject will be reconsidered on its next request.
func (p *Pool) Enqueue(req Request) bool {
	select {
	case p.queue <- req:
		return true
	default:
		p.logger.Warn("refresh pool queue full, dropping request",
			"source", req.Source, "subject_key", req.SubjectKey)
		return false
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case req := <-p.queue:
			if err := p.runner(ctx, req); err != nil {
				p.logger.Error("background refresh failed",
					"source", req.Source, "subject_key", req.SubjectKey, "error", err)
			}
		}
	}
}
