// Package queue implements the admission queue that paces outbound calls.
//
// A Queue bounds the number of tasks running at once and enforces a minimum
// spacing between the start times of consecutive tasks. Tasks are admitted in
// FIFO order; they may complete in any order.
//
// Admission is two steps: a weighted semaphore sized maxConcurrent (FIFO
// waiters) and then a token-bucket limiter with burst 1 refilled every
// minInterval. A task submitted after an idle period of at least minInterval
// finds a token and starts immediately; start times are never closer than
// minInterval, even when the previous task has already finished.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("queue: closed")

// Task is one unit of work admitted by the queue.
type Task[T any] func(ctx context.Context) (T, error)

// Queue is a bounded-concurrency, minimum-interval FIFO scheduler.
// It is safe for concurrent use.
type Queue[T any] struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	depth    atomic.Int64
	inFlight atomic.Int64

	// closing is cancelled by Close and aborts every admission in progress.
	closing   context.Context
	stop      context.CancelFunc
	closeOnce sync.Once

	// onStart, when set, is called with each task's queue wait time.
	onStart func(wait time.Duration)
}

// New creates a Queue. maxConcurrent < 1 is treated as 1; minInterval <= 0
// disables pacing.
func New[T any](maxConcurrent int, minInterval time.Duration) *Queue[T] {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: rate.NewLimiter(limit, 1),
		closing: closing,
		stop:    cancel,
	}
}

// OnStart registers a hook observing how long each task waited in the queue.
// Must be called before the first Submit.
func (q *Queue[T]) OnStart(fn func(wait time.Duration)) {
	q.onStart = fn
}

// Submit enqueues task and blocks until it has run, returning its result.
//
// If ctx is done while the task is still queued, the entry is dropped and
// ctx.Err() is returned. Once admitted, the task runs with ctx and Submit
// waits for it to return. A panic inside task is recovered and returned as an
// error.
func (q *Queue[T]) Submit(ctx context.Context, task Task[T]) (T, error) {
	var zero T
	if q.closing.Err() != nil {
		return zero, ErrClosed
	}

	enqueued := time.Now()
	q.depth.Add(1)
	err := q.admit(ctx)
	q.depth.Add(-1)
	if err != nil {
		return zero, err
	}

	q.inFlight.Add(1)
	defer func() {
		q.inFlight.Add(-1)
		q.sem.Release(1)
	}()

	if q.onStart != nil {
		q.onStart(time.Since(enqueued))
	}
	return q.run(ctx, task)
}

// admit acquires a concurrency slot and then a pacing token. On success the
// caller owns one semaphore unit.
func (q *Queue[T]) admit(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()

	if err := q.sem.Acquire(actx, 1); err != nil {
		return q.admitErr(ctx, err)
	}
	if err := q.limiter.Wait(actx); err != nil {
		q.sem.Release(1)
		return q.admitErr(ctx, err)
	}
	return nil
}

func (q *Queue[T]) admitErr(ctx context.Context, err error) error {
	if q.closing.Err() != nil {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// rate.Limiter refuses up front when the deadline cannot be met.
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("queue: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("queue: %w", err)
}

// Depth returns the number of tasks waiting for admission.
func (q *Queue[T]) Depth() int { return int(q.depth.Load()) }

// InFlight returns the number of tasks currently running.
func (q *Queue[T]) InFlight() int { return int(q.inFlight.Load()) }

// Close rejects all queued tasks with ErrClosed and refuses new ones. Running
// tasks are not interrupted.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(q.stop)
}

func (q *Queue[T]) run(ctx context.Context, task Task[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panic: %v", r)
		}
	}()
	return task(ctx)
}
