package dispatch_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/repository/memory"
	"github.com/ignite/resend-dispatch/internal/resend"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// manualRunner holds deferred jobs until the test fires them.
type manualRunner struct {
	mu      sync.Mutex
	seq     int
	pending map[string]scheduled
}

type scheduled struct {
	seq   int
	delay time.Duration
	job   func(ctx context.Context)
}

func newManualRunner() *manualRunner {
	return &manualRunner{pending: make(map[string]scheduled)}
}

func (r *manualRunner) RunAfter(delay time.Duration, id string, job func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.pending[id] = scheduled{seq: r.seq, delay: delay, job: job}
}

func (r *manualRunner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// pop removes the oldest scheduled job.
func (r *manualRunner) pop() (scheduled, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return scheduled{}, false
	}
	sort.Slice(ids, func(i, j int) bool { return r.pending[ids[i]].seq < r.pending[ids[j]].seq })
	s := r.pending[ids[0]]
	delete(r.pending, ids[0])
	return s, true
}

// fakePool queues jobs and runs them, with their retry policy, on drain.
type fakePool struct {
	mu   sync.Mutex
	jobs []workpool.Job
}

func (p *fakePool) Enqueue(_ context.Context, job workpool.Job) error {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	return nil
}

func (p *fakePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *fakePool) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.jobs) == 0 {
			p.mu.Unlock()
			return
		}
		job := p.jobs[0]
		p.jobs = p.jobs[1:]
		p.mu.Unlock()

		attempts := job.Retry.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		var err error
		for a := 0; a < attempts; a++ {
			if err = job.Run(ctx); err == nil || workpool.IsPermanent(err) {
				break
			}
		}
		if err != nil && job.OnExhausted != nil {
			job.OnExhausted(ctx, err)
		}
	}
}

type providerCall struct {
	apiKey         string
	idempotencyKey string
	emails         []resend.Email
}

// fakeProvider assigns ids re_1, re_2, ... unless told otherwise.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []providerCall
	next     int
	failures []error
	dropLast bool
}

func (p *fakeProvider) SendBatch(_ context.Context, apiKey, key string, emails []resend.Email) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{apiKey: apiKey, idempotencyKey: key, emails: emails})
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	ids := make([]string, len(emails))
	for i := range ids {
		p.next++
		ids[i] = fmt.Sprintf("re_%d", p.next)
	}
	if p.dropLast && len(ids) > 0 {
		ids[len(ids)-1] = ""
	}
	return ids, nil
}

func (p *fakeProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

type fakeLimiter struct {
	mu    sync.Mutex
	calls int
	waits []time.Duration
	err   error
}

func (l *fakeLimiter) Reserve(_ context.Context, _ string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return 0, l.err
	}
	if len(l.waits) == 0 {
		return 0, nil
	}
	w := l.waits[0]
	l.waits = l.waits[1:]
	return w, nil
}

type notification struct {
	handler domain.EventHandler
	emailID string
	event   domain.CallbackEvent
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, h domain.EventHandler, emailID string, ev domain.CallbackEvent) error {
	n.mu.Lock()
	n.sent = append(n.sent, notification{handler: h, emailID: emailID, event: ev})
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type harness struct {
	svc      *dispatch.Service
	store    *memory.Store
	cfg      dispatch.Settings
	clock    *fakeClock
	runner   *manualRunner
	emails   *fakePool
	cbs      *fakePool
	provider *fakeProvider
	limiter  *fakeLimiter
	notifier *fakeNotifier
	sleeps   []time.Duration
	ids      int
}

func newHarness(t *testing.T, tweak ...func(*dispatch.Settings)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(),
		cfg:      dispatch.DefaultSettings(),
		clock:    &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		provider: &fakeProvider{},
		limiter:  &fakeLimiter{},
		notifier: &fakeNotifier{},
	}
	for _, fn := range tweak {
		fn(&h.cfg)
	}
	h.start()
	return h
}

// start builds a service over h.store with an empty runner and empty pools.
func (h *harness) start() {
	h.runner = newManualRunner()
	h.emails = &fakePool{}
	h.cbs = &fakePool{}
	h.svc = dispatch.NewService(h.store, dispatch.Dependencies{
		Runner:       h.runner,
		EmailPool:    h.emails,
		CallbackPool: h.cbs,
		Limiter:      h.limiter,
		Provider:     h.provider,
		Notifier:     h.notifier,
		Now:          h.clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.clock.Advance(d)
			return nil
		},
		NewID: func() string {
			h.ids++
			return fmt.Sprintf("id-%04d", h.ids)
		},
	}, h.cfg)
}

// restart simulates a process restart: timers and pooled jobs are lost,
// the store survives.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	h.start()
	require.NoError(t, h.svc.Recover(context.Background()))
}

var defaultOptions = domain.Options{APIKey: "re_test", RetryAttempts: 3, InitialBackoffMs: 1000}

func strPtr(s string) *string { return &s }

func (h *harness) send(t *testing.T, to string) string {
	t.Helper()
	id, err := h.svc.SendEmail(context.Background(), defaultOptions, dispatch.SendRequest{
		From:    "sender@example.com",
		To:      []string{to},
		Subject: "hello",
		HTML:    strPtr("<p>hello</p>"),
	})
	require.NoError(t, err)
	return id
}

// step fires the oldest scheduled job after advancing the clock by its delay.
// It does not drain the pools.
func (h *harness) step(t *testing.T) bool {
	t.Helper()
	s, ok := h.runner.pop()
	if !ok {
		return false
	}
	h.clock.Advance(s.delay)
	s.job(context.Background())
	return true
}

// run fires scheduled jobs and drains the email pool until nothing is
// scheduled. It fails if more than one job is ever pending.
func (h *harness) run(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		require.LessOrEqual(t, h.runner.Pending(), 1, "more than one scheduler run pending")
		if !h.step(t) {
			return
		}
		h.emails.drain(context.Background())
	}
	t.Fatal("scheduler did not go idle")
}

func (h *harness) email(t *testing.T, id string) domain.Email {
	t.Helper()
	full, err := h.svc.GetFullEmail(context.Background(), id)
	require.NoError(t, err)
	return full.Email
}

func (h *harness) event(t *testing.T, body string) domain.Event {
	t.Helper()
	ev, err := domain.ParseEvent([]byte(body))
	require.NoError(t, err)
	return ev
}
