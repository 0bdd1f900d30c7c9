// Package worker owns the fixed set of media engine workers started at
// process startup and hands them out round-robin to new rooms.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/sofa/internal/engine"
)

// Pool is a fixed set of workers. It never grows or shrinks after
// NewPool returns.
type Pool struct {
	log     *slog.Logger
	workers []engine.Worker

	mu   sync.Mutex
	next int
}

// PoolSize returns the number of workers to start: one in development
// mode, otherwise one per CPU.
func PoolSize(dev bool) int {
	if dev {
		return 1
	}
	return runtime.NumCPU()
}

// NewPool starts size workers in parallel. If any worker fails to start,
// the ones that did start are closed and the error is returned; callers
// treat this as fatal.
func NewPool(ctx context.Context, eng engine.Engine, size int, log *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "worker-pool")

	workers := make([]engine.Worker, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := eng.CreateWorker(gctx)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				_ = w.Close()
			}
		}
		return nil, err
	}

	for i, w := range workers {
		log.Info("worker started", "index", i, "worker", w.ID())
	}
	return &Pool{log: log, workers: workers}, nil
}

// Next returns the next worker in round-robin order, wrapping to the first
// after the last.
func (p *Pool) Next() engine.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Close closes every worker. It is only called at process shutdown.
func (p *Pool) Close() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close worker %s: %w", w.ID(), err))
		}
	}
	if len(errs) == 0 {
		p.log.Info("workers closed", "count", len(p.workers))
	}
	return errors.Join(errs...)
}
