// Package workerpool implements the bounded worker pool used for both
// template fan-out and motion-clip batching (spec §5). Grounded on
// transcode.ParallelTranscoding: a buffered job queue, N worker goroutines,
// a WaitGroup for completion, and an error channel for first-error-wins
// semantics, generalized to an arbitrary item type via Go generics (the
// teacher's version is specialized to segmentInfo since it predates this
// package's needs).
package workerpool

import (
	"sync"
)

// Pool runs a Work function over a fixed set of items with at most
// Concurrency goroutines active at once, stopping at the first error.
type Pool[T any] struct {
	queue     chan indexed[T]
	errs      chan error
	completed sync.WaitGroup
	work      func(item T, index int) error

	mu            sync.Mutex
	running       bool
	total         int
	completedN    int
	concurrency   int
}

type indexed[T any] struct {
	value T
	index int
}

// New builds a Pool over items, clamping concurrency to [1, len(items)].
// A concurrency of 0 or less defaults to 5, matching spec §5's
// default/min/max of 5/1/5.
func New[T any](items []T, concurrency int, work func(item T, index int) error) *Pool[T] {
	if concurrency <= 0 {
		concurrency = 5
	}
	if concurrency > len(items) && len(items) > 0 {
		concurrency = len(items)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	p := &Pool[T]{
		queue:       make(chan indexed[T], len(items)),
		errs:        make(chan error, len(items)+1),
		work:        work,
		running:     true,
		total:       len(items),
		concurrency: concurrency,
	}
	for i, item := range items {
		p.queue <- indexed[T]{value: item, index: i}
	}
	close(p.queue)
	return p
}

// Run starts the worker goroutines and blocks until every item has been
// processed or the first error is observed.
func (p *Pool[T]) Run() error {
	p.completed.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go p.workerRoutine()
	}

	done := make(chan struct{})
	go func() {
		p.completed.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err := <-p.errs:
		return err
	}
}

func (p *Pool[T]) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

// CompletedCount returns how many items finished successfully so far.
func (p *Pool[T]) CompletedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedN
}

func (p *Pool[T]) TotalCount() int {
	return p.total
}

func (p *Pool[T]) itemCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.completedN++
}

func (p *Pool[T]) workerRoutine() {
	defer p.completed.Done()
	for item := range p.queue {
		if !p.IsRunning() {
			return
		}
		if err := p.work(item.value, item.index); err != nil {
			p.Stop()
			p.errs <- err
			return
		}
		p.itemCompleted()
	}
}
