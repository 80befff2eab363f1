package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/resend"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
)

func TestSendEmail_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    domain.Options
		req     dispatch.SendRequest
		wantErr error
	}{
		{
			name:    "missing body",
			opts:    defaultOptions,
			req:     dispatch.SendRequest{From: "a@example.com", To: []string{"b@example.com"}, Subject: "s"},
			wantErr: dispatch.ErrMissingBody,
		},
		{
			name:    "missing recipient",
			opts:    defaultOptions,
			req:     dispatch.SendRequest{From: "a@example.com", Subject: "s", Text: strPtr("x")},
			wantErr: dispatch.ErrInvalidArgument,
		},
		{
			name:    "missing sender",
			opts:    defaultOptions,
			req:     dispatch.SendRequest{To: []string{"b@example.com"}, Subject: "s", Text: strPtr("x")},
			wantErr: dispatch.ErrInvalidArgument,
		},
		{
			name:    "test mode rejects real address",
			opts:    domain.Options{APIKey: "k", TestMode: true},
			req:     dispatch.SendRequest{From: "a@example.com", To: []string{"b@example.com"}, Subject: "s", Text: strPtr("x")},
			wantErr: dispatch.ErrTestModeRecipient,
		},
		{
			name: "test mode accepts reserved address with label",
			opts: domain.Options{APIKey: "k", TestMode: true},
			req:  dispatch.SendRequest{From: "a@example.com", To: []string{"delivered+signup@resend.dev"}, Subject: "s", Text: strPtr("x")},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			id, err := h.svc.SendEmail(context.Background(), tc.opts, tc.req)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.True(t, dispatch.IsValidation(err))
				assert.Empty(t, h.store.Emails())
				assert.Nil(t, h.store.NextBatchRun())
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, id)
		})
	}
}

func TestSendEmail_ArmsExactlyOneRun(t *testing.T) {
	h := newHarness(t)

	first := h.send(t, "delivered@resend.dev")
	h.send(t, "delivered@resend.dev")

	assert.Equal(t, 1, h.runner.Pending())
	require.NotNil(t, h.store.NextBatchRun())

	e := h.email(t, first)
	assert.Equal(t, domain.StatusWaiting, e.Status)
	assert.Equal(t, []string{}, e.ReplyTo)
	assert.False(t, e.IsFinalized())
	assert.Equal(t, 2, h.store.ContentCount())
}

func TestScheduler_BatchesOfBatchSize(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 250; i++ {
		h.send(t, "delivered@resend.dev")
	}

	h.run(t)

	calls := h.provider.Calls()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].emails, 100)
	assert.Len(t, calls[1].emails, 100)
	assert.Len(t, calls[2].emails, 50)

	for _, e := range h.store.Emails() {
		assert.Equal(t, domain.StatusSent, e.Status)
		assert.NotEmpty(t, e.ResendID)
	}
	assert.Nil(t, h.store.NextBatchRun())
	assert.Zero(t, h.runner.Pending())
}

func TestScheduler_RecentSegmentsAreNotScanned(t *testing.T) {
	h := newHarness(t, func(s *dispatch.Settings) { s.SegmentWidth = time.Second })
	id := h.send(t, "delivered@resend.dev")

	// One segment later the email is still inside the two-segment buffer.
	require.True(t, h.step(t))
	h.emails.drain(context.Background())
	assert.Empty(t, h.provider.Calls())
	assert.Equal(t, domain.StatusWaiting, h.email(t, id).Status)
	assert.NotNil(t, h.store.NextBatchRun())
	assert.Equal(t, 1, h.runner.Pending())

	h.run(t)
	assert.Equal(t, domain.StatusSent, h.email(t, id).Status)
	assert.Nil(t, h.store.NextBatchRun())
}

func TestScheduler_SendAfterIdleRestarts(t *testing.T) {
	h := newHarness(t)
	h.send(t, "delivered@resend.dev")
	h.run(t)
	require.Nil(t, h.store.NextBatchRun())

	id := h.send(t, "delivered@resend.dev")
	assert.NotNil(t, h.store.NextBatchRun())
	h.run(t)
	assert.Equal(t, domain.StatusSent, h.email(t, id).Status)
	assert.Len(t, h.provider.Calls(), 2)
}

func TestScheduler_UsesLatestOptions(t *testing.T) {
	h := newHarness(t)
	h.send(t, "delivered@resend.dev")

	other := defaultOptions
	other.APIKey = "re_rotated"
	_, err := h.svc.SendEmail(context.Background(), other, dispatch.SendRequest{
		From: "a@example.com", To: []string{"delivered@resend.dev"}, Subject: "s", Text: strPtr("x"),
	})
	require.NoError(t, err)

	h.run(t)
	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "re_rotated", calls[0].apiKey)
}

func TestRecover_RearmsPendingRun(t *testing.T) {
	h := newHarness(t)
	id := h.send(t, "delivered@resend.dev")

	// Simulate a restart: the timer is gone, the token is not.
	_, ok := h.runner.pop()
	require.True(t, ok)
	require.NotNil(t, h.store.NextBatchRun())

	require.NoError(t, h.svc.Recover(context.Background()))
	assert.Equal(t, 1, h.runner.Pending())

	h.run(t)
	assert.Equal(t, domain.StatusSent, h.email(t, id).Status)
}

func TestScheduler_StaleStepIsDropped(t *testing.T) {
	h := newHarness(t)
	h.send(t, "delivered@resend.dev")

	first, ok := h.runner.pop()
	require.True(t, ok)
	h.clock.Advance(first.delay + time.Second)
	first.job(context.Background())
	require.Equal(t, 1, h.emails.Len())
	require.Equal(t, 1, h.runner.Pending())

	// The token has moved on, so firing the old step again is a no-op.
	h.send(t, "delivered@resend.dev")
	h.clock.Advance(time.Second)
	first.job(context.Background())
	assert.Equal(t, 1, h.emails.Len())
	assert.Equal(t, 1, h.runner.Pending())
}

func TestRecover_NoTokenIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Recover(context.Background()))
	assert.Zero(t, h.runner.Pending())
}

func TestRecover_ReenqueuesQueuedBatches(t *testing.T) {
	h := newHarness(t)
	first := h.send(t, "delivered@resend.dev")
	second := h.send(t, "bounced@resend.dev")

	// Claim the batch, then let the follow-up step idle the scheduler.
	require.True(t, h.step(t))
	require.True(t, h.step(t))
	require.Nil(t, h.store.NextBatchRun())
	require.Equal(t, 1, h.emails.Len())
	assert.Equal(t, first, h.email(t, second).BatchID)

	h.restart(t)
	assert.Zero(t, h.runner.Pending())
	require.Equal(t, 1, h.emails.Len())

	h.emails.drain(context.Background())

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, first, calls[0].idempotencyKey)
	assert.Len(t, calls[0].emails, 2)
	assert.Equal(t, domain.StatusSent, h.email(t, first).Status)
	assert.Equal(t, domain.StatusSent, h.email(t, second).Status)
}

func TestRecover_KeepsBatchIDWhenFirstEmailCancelled(t *testing.T) {
	h := newHarness(t)
	first := h.send(t, "delivered@resend.dev")
	second := h.send(t, "delivered@resend.dev")

	require.True(t, h.step(t))
	require.NoError(t, h.svc.CancelEmail(context.Background(), first))

	h.restart(t)
	h.run(t)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, first, calls[0].idempotencyKey)
	assert.Len(t, calls[0].emails, 1)
	assert.Equal(t, domain.StatusSent, h.email(t, second).Status)
	assert.Nil(t, h.store.NextBatchRun())
}

func TestRecover_SentBatchesAreNotResent(t *testing.T) {
	h := newHarness(t)
	id := h.send(t, "delivered@resend.dev")
	h.run(t)
	require.Equal(t, domain.StatusSent, h.email(t, id).Status)

	h.restart(t)
	assert.Zero(t, h.emails.Len())
	assert.Len(t, h.provider.Calls(), 1)
}

func TestBatchSender_PayloadAndIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.SendEmail(context.Background(), defaultOptions, dispatch.SendRequest{
		From:    "sender@example.com",
		To:      []string{"delivered@resend.dev"},
		CC:      []string{"cc@example.com"},
		Subject: "receipt",
		Text:    strPtr("plain body"),
		ReplyTo: []string{"support@example.com"},
		Headers: []domain.Header{{Name: "X-Entity-Ref-ID", Value: "123"}},
	})
	require.NoError(t, err)
	plain := h.send(t, "bounced@resend.dev")

	h.run(t)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, "re_test", call.apiKey)
	assert.Equal(t, id, call.idempotencyKey)
	require.Len(t, call.emails, 2)

	first := call.emails[0]
	assert.Equal(t, "receipt", first.Subject)
	assert.Equal(t, []string{"cc@example.com"}, first.CC)
	assert.Nil(t, first.HTML)
	require.NotNil(t, first.Text)
	assert.Equal(t, "plain body", *first.Text)
	assert.Equal(t, []string{"support@example.com"}, first.ReplyTo)
	assert.Equal(t, map[string]string{"X-Entity-Ref-ID": "123"}, first.Headers)

	second := call.emails[1]
	require.NotNil(t, second.HTML)
	assert.Equal(t, "<p>hello</p>", *second.HTML)
	assert.Nil(t, second.ReplyTo)
	assert.Nil(t, second.Headers)

	assert.Equal(t, "re_1", h.email(t, id).ResendID)
	assert.Equal(t, "re_2", h.email(t, plain).ResendID)
}

func TestBatchSender_WaitsForRateLimit(t *testing.T) {
	h := newHarness(t, func(s *dispatch.Settings) { s.BatchSize = 1 })
	h.limiter.waits = []time.Duration{0, 600 * time.Millisecond}
	h.send(t, "delivered@resend.dev")
	h.send(t, "delivered@resend.dev")

	h.run(t)

	assert.Len(t, h.provider.Calls(), 2)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 700 * time.Millisecond}, h.sleeps)
	assert.Equal(t, 2, h.limiter.calls)
}

func TestBatchSender_LimiterFailureIsRetriedThenFails(t *testing.T) {
	h := newHarness(t)
	h.limiter.err = errors.New("redis unavailable")
	id := h.send(t, "delivered@resend.dev")

	h.run(t)

	assert.Empty(t, h.provider.Calls())
	assert.Equal(t, 3, h.limiter.calls)
	e := h.email(t, id)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Contains(t, e.ErrorMessage, "redis unavailable")
	assert.True(t, e.IsFinalized())
}

func TestBatchSender_RetriesWithSameIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.provider.failures = []error{&resend.APIError{StatusCode: 500, Body: "internal"}}
	id := h.send(t, "delivered@resend.dev")

	h.run(t)

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].idempotencyKey, calls[1].idempotencyKey)
	assert.Equal(t, domain.StatusSent, h.email(t, id).Status)
}

func TestBatchSender_ExhaustionMarksFailed(t *testing.T) {
	h := newHarness(t)
	boom := &resend.APIError{StatusCode: 500, Body: "down"}
	h.provider.failures = []error{boom, boom, boom}
	id := h.send(t, "delivered@resend.dev")

	h.run(t)

	assert.Len(t, h.provider.Calls(), 3)
	status, err := h.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status.Status)
	require.NotNil(t, status.ErrorMessage)
	assert.Contains(t, *status.ErrorMessage, "status 500")
}

func TestBatchSender_MissingProviderIDFailsEmail(t *testing.T) {
	h := newHarness(t)
	h.provider.dropLast = true
	ok := h.send(t, "delivered@resend.dev")
	missing := h.send(t, "delivered@resend.dev")

	h.run(t)

	assert.Equal(t, domain.StatusSent, h.email(t, ok).Status)
	e := h.email(t, missing)
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, "provider returned no id", e.ErrorMessage)
	assert.Empty(t, e.ResendID)
	assert.True(t, e.IsFinalized())
}

func TestCancel_BetweenClaimAndSend(t *testing.T) {
	h := newHarness(t)
	id := h.send(t, "delivered@resend.dev")

	require.True(t, h.step(t))
	require.Equal(t, 1, h.emails.Len())
	assert.Equal(t, domain.StatusQueued, h.email(t, id).Status)

	require.NoError(t, h.svc.CancelEmail(context.Background(), id))
	h.run(t)

	assert.Empty(t, h.provider.Calls())
	assert.Zero(t, h.limiter.calls)
	e := h.email(t, id)
	assert.Equal(t, domain.StatusCancelled, e.Status)
	assert.True(t, e.IsFinalized())
}

func TestCancel_PartialBatch(t *testing.T) {
	h := newHarness(t)
	keep := h.send(t, "delivered@resend.dev")
	drop := h.send(t, "delivered@resend.dev")

	require.True(t, h.step(t))
	require.NoError(t, h.svc.CancelEmail(context.Background(), drop))
	h.run(t)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].emails, 1)
	assert.Equal(t, keep, calls[0].idempotencyKey)
	assert.Equal(t, domain.StatusSent, h.email(t, keep).Status)
	assert.Equal(t, domain.StatusCancelled, h.email(t, drop).Status)
}

func TestCancel_Errors(t *testing.T) {
	h := newHarness(t)
	id := h.send(t, "delivered@resend.dev")
	h.run(t)

	err := h.svc.CancelEmail(context.Background(), id)
	assert.ErrorIs(t, err, dispatch.ErrNotCancellable)

	err = h.svc.CancelEmail(context.Background(), "nope")
	assert.ErrorIs(t, err, dispatch.ErrEmailNotFound)
}

func TestReads_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.GetStatus(ctx, "nope")
	assert.ErrorIs(t, err, dispatch.ErrEmailNotFound)
	_, err = h.svc.GetFullEmail(ctx, "nope")
	assert.ErrorIs(t, err, dispatch.ErrEmailNotFound)
	_, err = h.svc.ListDeliveryEvents(ctx, "nope")
	assert.ErrorIs(t, err, dispatch.ErrEmailNotFound)
}

func TestGetFullEmail_ReturnsBodies(t *testing.T) {
	h := newHarness(t)
	id, err := h.svc.SendEmail(context.Background(), defaultOptions, dispatch.SendRequest{
		From: "a@example.com", To: []string{"b@example.com"}, Subject: "s",
		HTML: strPtr("<b>hi</b>"), Text: strPtr("hi"),
	})
	require.NoError(t, err)

	full, err := h.svc.GetFullEmail(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, full.HTML)
	require.NotNil(t, full.Text)
	assert.Equal(t, "<b>hi</b>", *full.HTML)
	assert.Equal(t, "hi", *full.Text)

	status, err := h.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, status.Status)
	assert.Nil(t, status.ErrorMessage)
}
