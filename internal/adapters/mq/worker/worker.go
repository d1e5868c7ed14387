// Package worker drains a queue into a persistence sink.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/okian/proxitrace/pkg/logger"
	"github.com/okian/proxitrace/pkg/metrics"
)

const defaultWorkerCount = 2

// Sink persists one item.
type Sink[T any] interface {
	Persist(ctx context.Context, item T) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[T any] func(ctx context.Context, item T) error

// Persist calls f.
func (f SinkFunc[T]) Persist(ctx context.Context, item T) error { return f(ctx, item) }

// Queue defines how workers receive items.
type Queue[T any] interface {
	Dequeue(ctx context.Context) <-chan T
}

// InMemoryWorker drains a queue into a sink until the queue closes or ctx ends.
type InMemoryWorker[T any] struct {
	queue Queue[T]
	sink  Sink[T]
	name  string

	done   chan struct{}
	logger logger.Logger
}

// NewInMemoryWorker creates a worker.
func NewInMemoryWorker[T any](q Queue[T], sink Sink[T], opts ...Option) *InMemoryWorker[T] {
	o := options{name: "worker", logger: logger.Get().Named("worker")}
	for _, opt := range opts {
		opt(&o)
	}
	l := o.logger
	if o.name != "worker" {
		l = l.Named(o.name)
	}
	return &InMemoryWorker[T]{
		queue:  q,
		sink:   sink,
		name:   o.name,
		done:   make(chan struct{}),
		logger: l,
	}
}

// Run processes items until the queue is closed and drained or ctx ends.
func (w *InMemoryWorker[T]) Run(ctx context.Context) {
	defer close(w.done)

	for item := range w.queue.Dequeue(ctx) {
		if err := w.process(ctx, item); err != nil {
			w.logger.Error(ctx, "error persisting item", logger.Error(err))
		}
	}
}

// Done is closed once Run returns.
func (w *InMemoryWorker[T]) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker[T]) process(ctx context.Context, item T) error {
	start := time.Now()
	err := w.sink.Persist(ctx, item)
	metrics.RecordPersistLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "persist_error")
		return fmt.Errorf("persist: %w", err)
	}
	metrics.RecordSummaryPersisted()
	return nil
}

// Pool runs a fixed number of workers over one queue.
type Pool[T any] struct {
	workers []*InMemoryWorker[T]
	queue   Queue[T]
	wg      sync.WaitGroup
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers. A count below one uses the
// default.
func NewPool[T any](workerCount int, q Queue[T], sink Sink[T], opts ...Option) *Pool[T] {
	if workerCount < 1 {
		workerCount = defaultWorkerCount
	}
	p := &Pool[T]{
		workers: make([]*InMemoryWorker[T], workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, sink, wopts...)
	}
	metrics.UpdateWorkerActiveCount(0)
	return p
}

// Start launches every worker.
func (p *Pool[T]) Start(ctx context.Context) {
	metrics.UpdateWorkerActiveCount(len(p.workers))
	for _, w := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
}

// Shutdown closes the queue and waits for workers to drain it, up to ctx.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.UpdateWorkerActiveCount(0)
		return nil
	case <-ctx.Done():
		p.logger.Warn(ctx, "worker pool shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
