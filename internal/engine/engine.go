package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Do when the executor no longer accepts jobs.
var ErrStopped = errors.New("engine: executor stopped")

// IDGenerator generates unique operation ids for job correlation.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

type opKey struct{}

type opValue struct {
	exec *Executor
	id   string
}

// OpID returns the operation id of the job running with ctx, or "" when ctx
// does not belong to a job.
func OpID(ctx context.Context) string {
	if v, ok := ctx.Value(opKey{}).(opValue); ok {
		return v.id
	}
	return ""
}

// Executor is the single-writer job loop.
//
// Thread-safety model:
//   - Do(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// INVARIANTS:
//   - Jobs run in submission order, one at a time
//   - A job never observes a partially applied earlier job
type Executor struct {
	queue  *jobQueue
	ids    IDGenerator
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDGenerator overrides the operation id generator.
//
// Default: UUIDv7Generator
// Use WithIDGenerator(NewFixedGenerator(...)) for deterministic tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Executor) {
		e.ids = g
	}
}

// WithLogger sets the logger used for job failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor. Call Run (or Start) before Do.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		queue:  newJobQueue(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do submits fn as one serialized unit of work and waits for its result.
//
// A Do issued from inside a running job executes fn inline, since the
// caller already holds the single-writer slot.
//
// If ctx is cancelled while the job is still queued, Do returns ctx.Err()
// and the job is skipped. Once started, the job runs to completion and Do
// returns its result.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if v, ok := ctx.Value(opKey{}).(opValue); ok && v.exec == e {
		return fn(ctx)
	}

	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if !e.queue.Enqueue(j) {
		return ErrStopped
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		// Already running: wait for the result.
		return <-j.done
	}
}

// Run starts the single-writer loop.
// Blocks until ctx is cancelled or Stop() is called and the queue drains.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Debug("executor starting")

	for {
		if j, ok := e.queue.TryDequeue(); ok {
			e.execute(j)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Debug("executor stopping: context cancelled")
			e.queue.Close()
			e.drain(ctx.Err())
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed,
			// which makes this case fire immediately.
			if e.queue.closedAndEmpty() {
				e.logger.Debug("executor stopping: queue closed")
				return nil
			}
		}
	}
}

// Start runs the loop in a new goroutine. The returned function stops the
// executor and waits for the loop to exit.
func (e *Executor) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = e.Run(ctx)
	}()
	return func() {
		e.Stop()
		wg.Wait()
		cancel()
	}
}

// Stop closes the queue. Queued jobs still run; new Do calls fail with ErrStopped.
func (e *Executor) Stop() {
	e.queue.Close()
}

// execute runs one job, converting a panic into an error so the loop survives.
// CRITICAL: Called only from Run() goroutine - single-writer guarantee.
func (e *Executor) execute(j *job) {
	if !j.state.CompareAndSwap(jobQueued, jobRunning) {
		// The caller gave up while the job was queued.
		return
	}

	// A started job is never cut short by its caller's cancellation.
	id := e.ids.Generate()
	ctx := context.WithValue(context.WithoutCancel(j.ctx), opKey{}, opValue{exec: e, id: id})

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("engine: job panicked: %v", r)
			}
		}()
		err = j.fn(ctx)
	}()

	if err != nil {
		e.logger.Debug("job failed", "op", id, "error", err)
	}
	j.done <- err
}

// drain fails every still-queued job with err.
func (e *Executor) drain(err error) {
	for {
		j, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			j.done <- err
		}
	}
}
