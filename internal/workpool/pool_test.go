package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p := New("test", workers, 16)
	p.DisableJitter()
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestPool_RunsJob(t *testing.T) {
	p := startPool(t, 2)

	done := make(chan struct{})
	err := p.Enqueue(context.Background(), Job{
		Name: "ok",
		Run: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
	assert.Eventually(t, func() bool { return p.Stats()["succeeded"] == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	p := startPool(t, 1)

	var calls int32
	done := make(chan struct{})
	err := p.Enqueue(context.Background(), Job{
		Name:  "flaky",
		Retry: RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Base: 2},
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Eventually(t, func() bool { return p.Stats()["retried"] == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_ExhaustionCallsOnExhausted(t *testing.T) {
	p := startPool(t, 1)

	var calls int32
	exhausted := make(chan error, 1)
	err := p.Enqueue(context.Background(), Job{
		Name:  "always-fails",
		Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Base: 2},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("provider down")
		},
		OnExhausted: func(ctx context.Context, err error) { exhausted <- err },
	})
	require.NoError(t, err)

	select {
	case got := <-exhausted:
		assert.EqualError(t, got, "provider down")
	case <-time.After(2 * time.Second):
		t.Fatal("OnExhausted not called")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), p.Stats()["failed"])
}

func TestPool_PermanentErrorIsNotRetried(t *testing.T) {
	p := startPool(t, 1)

	var calls int32
	exhausted := make(chan error, 1)
	require.NoError(t, p.Enqueue(context.Background(), Job{
		Name:  "bad-input",
		Retry: RetryPolicy{MaxAttempts: 10, InitialBackoff: time.Millisecond},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return Permanent(errors.New("malformed"))
		},
		OnExhausted: func(ctx context.Context, err error) { exhausted <- err },
	}))

	select {
	case got := <-exhausted:
		assert.True(t, IsPermanent(got))
	case <-time.After(2 * time.Second):
		t.Fatal("OnExhausted not called")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPool_BoundedParallelism(t *testing.T) {
	const workers = 2
	p := startPool(t, workers)

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, p.Enqueue(context.Background(), Job{
			Name: "slow",
			Run: func(ctx context.Context) error {
				defer wg.Done()
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

func TestPool_PanicIsAFailure(t *testing.T) {
	p := startPool(t, 1)

	exhausted := make(chan error, 1)
	require.NoError(t, p.Enqueue(context.Background(), Job{
		Name:        "panics",
		Run:         func(ctx context.Context) error { panic("oops") },
		OnExhausted: func(ctx context.Context, err error) { exhausted <- err },
	}))

	select {
	case got := <-exhausted:
		assert.Contains(t, got.Error(), "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not converted to failure")
	}
}

func TestPool_EnqueueAfterStop(t *testing.T) {
	p := New("stopped", 1, 1)
	p.Start(context.Background())
	p.Stop()

	err := p.Enqueue(context.Background(), Job{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_EnqueueRequiresRun(t *testing.T) {
	p := startPool(t, 1)
	assert.Error(t, p.Enqueue(context.Background(), Job{Name: "empty"}))
}
