// Package runner schedules deferred, cancellable job invocations. Each
// invocation runs on its own goroutine, so a job that schedules its own
// successor with zero delay does not grow the stack.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/resend-dispatch/internal/pkg/logger"
)

// Runner executes jobs after a delay.
type Runner struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New creates a runner whose jobs receive a context derived from parent.
func New(parent context.Context) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunAfter schedules job to run once after delay under the given id.
// Scheduling an id that is already pending replaces the earlier job.
func (r *Runner) RunAfter(delay time.Duration, id string, job func(ctx context.Context)) {
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		logger.Warn("[Runner] dropping job scheduled after stop", "job_id", id)
		return
	}
	if prev, ok := r.timers[id]; ok && prev.Stop() {
		r.wg.Done()
	}

	r.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer r.wg.Done()
		r.mu.Lock()
		current, ok := r.timers[id]
		if !ok || current != timer {
			r.mu.Unlock()
			return
		}
		delete(r.timers, id)
		r.mu.Unlock()

		if r.ctx.Err() != nil {
			return
		}
		job(r.ctx)
	})
	r.timers[id] = timer
}

// Pending returns the number of jobs not yet started.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every pending job and waits for running jobs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
