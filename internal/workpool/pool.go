// Package workpool runs asynchronous jobs with bounded parallelism and a
// per-job retry policy. The dispatch service uses two independent pools: one
// for provider API calls and one for consumer callbacks.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/resend-dispatch/internal/pkg/backoff"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
)

// ErrPoolClosed is returned by Enqueue once the pool has been stopped.
var ErrPoolClosed = errors.New("workpool: pool is closed")

// RetryPolicy bounds the attempts of a job. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Base           float64
}

// Job is one unit of work.
type Job struct {
	Name  string
	Run   func(ctx context.Context) error
	Retry RetryPolicy

	// OnExhausted is called once with the last error when every attempt failed
	// or the job returned a permanent error.
	OnExhausted func(ctx context.Context, err error)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the pool does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type task struct {
	job     Job
	attempt int
}

// Pool executes jobs on a fixed number of workers.
type Pool struct {
	name    string
	workers int
	queue   chan *task
	jitter  bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	retries sync.WaitGroup

	// Stats
	succeeded int64
	failed    int64
	retried   int64
}

// New creates a pool with the given parallelism and queue capacity.
func New(name string, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan *task, queueSize),
		jitter:  true,
	}
}

// DisableJitter makes retry delays deterministic.
func (p *Pool) DisableJitter() { p.jitter = false }

// Start launches the workers. It is a no-op if the pool is already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group, _ = errgroup.WithContext(p.ctx)

	logger.Info(fmt.Sprintf("[WorkPool:%s] starting", p.name), "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.group.Go(p.worker)
	}
}

// Stop cancels running jobs, drops pending retries and waits for workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	group := p.group
	p.mu.Unlock()

	_ = group.Wait()
	p.retries.Wait()
	logger.Info(fmt.Sprintf("[WorkPool:%s] stopped", p.name),
		"succeeded", atomic.LoadInt64(&p.succeeded),
		"failed", atomic.LoadInt64(&p.failed),
		"retried", atomic.LoadInt64(&p.retried))
}

// Enqueue submits a job. It blocks while the queue is full.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workpool: job %q has no Run func", job.Name)
	}
	p.mu.RLock()
	running, poolCtx := p.running, p.ctx
	p.mu.RUnlock()
	if !running {
		return ErrPoolClosed
	}

	select {
	case p.queue <- &task{job: job, attempt: 1}:
		return nil
	case <-poolCtx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"succeeded": atomic.LoadInt64(&p.succeeded),
		"failed":    atomic.LoadInt64(&p.failed),
		"retried":   atomic.LoadInt64(&p.retried),
		"queued":    int64(len(p.queue)),
	}
}

func (p *Pool) worker() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case t := <-p.queue:
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t *task) {
	err := safeRun(p.ctx, t.job.Run)
	if err == nil {
		atomic.AddInt64(&p.succeeded, 1)
		return
	}
	if p.ctx.Err() != nil {
		return
	}

	maxAttempts := t.job.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if IsPermanent(err) || t.attempt >= maxAttempts {
		atomic.AddInt64(&p.failed, 1)
		logger.Error(fmt.Sprintf("[WorkPool:%s] job failed permanently", p.name),
			"job", t.job.Name, "attempts", t.attempt, "error", err)
		if t.job.OnExhausted != nil {
			t.job.OnExhausted(p.ctx, err)
		}
		return
	}

	delay := backoff.Policy{Initial: t.job.Retry.InitialBackoff, Base: t.job.Retry.Base}.Delay(t.attempt)
	if p.jitter {
		delay = backoff.Jittered(delay)
	}
	atomic.AddInt64(&p.retried, 1)
	logger.Warn(fmt.Sprintf("[WorkPool:%s] job failed, retrying", p.name),
		"job", t.job.Name, "attempt", t.attempt, "delay", delay, "error", err)

	next := &task{job: t.job, attempt: t.attempt + 1}
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case p.queue <- next:
		case <-p.ctx.Done():
		}
	}()
}

func safeRun(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workpool: job panicked: %v", r)
		}
	}()
	return run(ctx)
}
