package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Engine is the single-writer host loop.
//
// Thread-safety model:
//   - Do(): safe from any goroutine, blocks until the job has run
//   - Run(): must be called from exactly one goroutine
//   - Stop(): safe from any goroutine
//
// Do must not be called from inside a job; the loop would wait on itself.
type Engine struct {
	queue     *jobQueue
	processed atomic.Int64
}

func New() *Engine {
	return &Engine{queue: newJobQueue()}
}

// Do runs fn on the loop and waits for it to return.
//
// If ctx ends first, Do returns ctx.Err() without waiting further; fn may
// still run later, and if it has already started it runs to completion.
func (e *Engine) Do(ctx context.Context, name string, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j := &job{name: name, fn: fn, done: make(chan struct{})}
	if !e.queue.Enqueue(j) {
		return ErrStopped
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-j.done:
		return j.err
	}
}

// Run executes jobs until ctx is cancelled or Stop is called. Jobs still
// queued at that point are released with ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		if j, ok := e.queue.TryDequeue(); ok {
			e.execute(j)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.release(e.queue.Close())
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed by Stop.
			if e.queue.Len() == 0 && e.stopped() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once it notices.
func (e *Engine) Stop() {
	e.release(e.queue.Close())
}

// QueueLen returns the number of jobs waiting to run.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Processed returns how many jobs have run.
func (e *Engine) Processed() int64 {
	return e.processed.Load()
}

func (e *Engine) stopped() bool {
	e.queue.mu.Lock()
	defer e.queue.mu.Unlock()
	return e.queue.closed
}

func (e *Engine) execute(j *job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job panicked", "job", j.name, "panic", r)
				err = &PanicError{Job: j.name, Value: r}
			}
		}()
		j.fn()
	}()
	e.processed.Add(1)
	j.finish(err)
}

func (e *Engine) release(pending []*job) {
	for _, j := range pending {
		j.finish(ErrStopped)
	}
}
