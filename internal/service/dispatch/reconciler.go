package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

// applyEvent mutates e for ev and reports whether the event type is known.
// Effects are order tolerant: no event regresses a terminal status, and
// finalizedAt is only set by the first finalization.
//
//	delivered        -> delivered unless terminal
//	bounced          -> bounced unless failed or cancelled (may replace delivered)
//	delivery_delayed -> delivery_delayed unless terminal
//	failed           -> failed unless terminal
//	complained       -> complained flag
//	opened           -> opened flag
//	sent, clicked    -> no change
func applyEvent(e *domain.Email, ev domain.Event, now time.Time) bool {
	finalize := func() {
		if !e.IsFinalized() {
			e.FinalizedAt = now
		}
	}

	switch ev := ev.(type) {
	case domain.SentEvent:
	case domain.DeliveredEvent:
		if !e.Status.IsTerminal() {
			e.Status = domain.StatusDelivered
			finalize()
		}
	case domain.BouncedEvent:
		switch e.Status {
		case domain.StatusBounced, domain.StatusFailed, domain.StatusCancelled:
		default:
			e.Status = domain.StatusBounced
			e.ErrorMessage = ev.Message
			finalize()
		}
	case domain.DeliveryDelayedEvent:
		if !e.Status.IsTerminal() {
			e.Status = domain.StatusDeliveryDelayed
		}
	case domain.FailedEvent:
		if !e.Status.IsTerminal() {
			e.Status = domain.StatusFailed
			e.ErrorMessage = ev.Reason
			finalize()
		}
	case domain.ComplainedEvent:
		e.Complained = true
	case domain.OpenedEvent:
		e.Opened = true
	case domain.ClickedEvent:
	default:
		return false
	}
	return true
}

func eventMessage(ev domain.Event) string {
	switch ev := ev.(type) {
	case domain.BouncedEvent:
		return ev.Message
	case domain.FailedEvent:
		return ev.Reason
	case domain.ClickedEvent:
		return ev.Click.Link
	}
	return ""
}

// HandleEvent applies a provider webhook event to the email it names and
// enqueues the consumer callback. It returns ErrEmailNotFound when no email
// carries the provider id.
func (s *Service) HandleEvent(ctx context.Context, ev domain.Event) error {
	meta := ev.Meta()
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		email, err := tx.FindByResendID(ctx, meta.ResendID)
		if err != nil {
			return fmt.Errorf("find email for resend id %s: %w", meta.ResendID, err)
		}

		now := s.deps.Now()
		if !applyEvent(email, ev, now) {
			tx.AfterCommit(func() {
				logger.Debug("[Reconciler] ignoring event", "type", ev.Type(), "resend_id", meta.ResendID)
			})
			return nil
		}
		if err := tx.UpdateEmail(ctx, email); err != nil {
			return fmt.Errorf("update email: %w", err)
		}

		occurred := meta.CreatedAt
		if occurred.IsZero() {
			occurred = now
		}
		if err := tx.InsertDeliveryEvent(ctx, &domain.DeliveryEvent{
			EmailID:   email.ID,
			ResendID:  meta.ResendID,
			Type:      ev.Type(),
			CreatedAt: occurred,
			Message:   eventMessage(ev),
		}); err != nil {
			return fmt.Errorf("insert delivery event: %w", err)
		}

		return s.enqueueCallback(ctx, tx, email.ID, ev)
	})
}

func (s *Service) enqueueCallback(ctx context.Context, tx Tx, emailID string, ev domain.Event) error {
	opts, err := tx.GetOptions(ctx)
	if err != nil {
		return fmt.Errorf("get options: %w", err)
	}
	if opts == nil {
		return fmt.Errorf("%w: no last options found", ErrInvariant)
	}
	if opts.OnEmailEvent == nil || s.deps.Notifier == nil {
		return nil
	}
	if _, isClick := ev.(domain.ClickedEvent); isClick && !opts.HandleClick {
		return nil
	}

	handler := *opts.OnEmailEvent
	cleaned := domain.NewCallbackEvent(ev)
	job := workpool.Job{
		Name:  "callback:" + emailID,
		Retry: retryPolicy(*opts),
		Run: func(ctx context.Context) error {
			return s.deps.Notifier.Notify(ctx, handler, emailID, cleaned)
		},
		OnExhausted: func(ctx context.Context, err error) {
			logger.Error("[Reconciler] callback failed", "email_id", emailID, "type", cleaned.Type, "error", err)
		},
	}
	tx.AfterCommit(func() {
		if err := s.deps.CallbackPool.Enqueue(context.Background(), job); err != nil {
			logger.Error("[Reconciler] enqueue callback failed", "email_id", emailID, "error", err)
		}
	})
	return nil
}
