package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/resend"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

const errNoProviderID = "provider returned no id"

// batchJob sends the claimed emails under batchID, the first id claimed
// into the batch. batchID stays the idempotency key across retries and
// restarts even when that email is cancelled in the meantime.
func (s *Service) batchJob(apiKey, batchID string, emailIDs []string, retry workpool.RetryPolicy) workpool.Job {
	return workpool.Job{
		Name:  "send-batch:" + batchID,
		Retry: retry,
		Run: func(ctx context.Context) error {
			return s.sendBatch(ctx, apiKey, batchID, emailIDs)
		},
		OnExhausted: func(ctx context.Context, err error) {
			if ferr := s.failBatch(context.WithoutCancel(ctx), batchID, emailIDs, err); ferr != nil {
				logger.Error("[Sender] marking exhausted batch failed", "batch_id", batchID, "error", ferr)
			}
		},
	}
}

// sendBatch makes one rate-limited provider call for the still-queued emails
// of a claimed batch and records the provider ids.
func (s *Service) sendBatch(ctx context.Context, apiKey, batchID string, emailIDs []string) error {
	emails, payload, err := s.loadBatch(ctx, emailIDs)
	if err != nil {
		return err
	}
	if len(emails) == 0 {
		logger.Info("[Sender] no emails to send in batch, all cancelled", "batch_id", batchID)
		return nil
	}

	wait, err := s.deps.Limiter.Reserve(ctx, s.cfg.RateLimitKey)
	if err != nil {
		return fmt.Errorf("reserve rate limit: %w", err)
	}
	if err := s.deps.Sleep(ctx, s.cfg.FixedWindowDelay+wait); err != nil {
		return err
	}

	resendIDs, err := s.deps.Provider.SendBatch(ctx, apiKey, batchID, payload)
	if err != nil {
		var apiErr *resend.APIError
		if errors.As(err, &apiErr) {
			logger.Warn("[Sender] provider rejected batch",
				"batch_id", batchID, "status", apiErr.StatusCode, "retryable", apiErr.Retryable())
		}
		return fmt.Errorf("send batch: %w", err)
	}

	sent := make([]string, len(emails))
	for i := range emails {
		sent[i] = emails[i].ID
	}
	if err := s.markSent(context.WithoutCancel(ctx), sent, resendIDs); err != nil {
		// The provider accepted the batch. A retry reuses the idempotency key.
		return fmt.Errorf("mark sent: %w", err)
	}
	logger.Info("[Sender] batch sent", "count", len(emails), "batch_id", batchID)
	return nil
}

// loadBatch reads the claimed emails that are still queued together with
// their bodies and builds the provider payload.
func (s *Service) loadBatch(ctx context.Context, emailIDs []string) ([]domain.Email, []resend.Email, error) {
	var (
		emails  []domain.Email
		payload []resend.Email
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		all, err := tx.GetEmails(ctx, emailIDs)
		if err != nil {
			return fmt.Errorf("get emails: %w", err)
		}

		// Emails cancelled after the claim are dropped here.
		emails = emails[:0]
		var contentIDs []string
		for _, e := range all {
			if e.Status != domain.StatusQueued {
				continue
			}
			emails = append(emails, e)
			contentIDs = append(contentIDs, e.ContentIDs()...)
		}
		if len(emails) == 0 {
			return nil
		}

		contents, err := tx.GetContents(ctx, contentIDs)
		if err != nil {
			return fmt.Errorf("get contents: %w", err)
		}

		payload = make([]resend.Email, 0, len(emails))
		for _, e := range emails {
			p, err := buildPayload(e, contents)
			if err != nil {
				return err
			}
			payload = append(payload, p)
		}
		return nil
	})
	return emails, payload, err
}

func buildPayload(e domain.Email, contents map[string]domain.Content) (resend.Email, error) {
	p := resend.Email{
		From:    e.From,
		To:      e.To,
		CC:      e.CC,
		BCC:     e.BCC,
		Subject: e.Subject,
	}
	body := func(id string) (*string, error) {
		if id == "" {
			return nil, nil
		}
		c, ok := contents[id]
		if !ok {
			return nil, workpool.Permanent(fmt.Errorf("%w: %s for email %s", ErrContentNotFound, id, e.ID))
		}
		s := string(c.Content)
		return &s, nil
	}

	var err error
	if p.HTML, err = body(e.HTMLContentID); err != nil {
		return p, err
	}
	if p.Text, err = body(e.TextContentID); err != nil {
		return p, err
	}
	if len(e.ReplyTo) > 0 {
		p.ReplyTo = e.ReplyTo
	}
	if len(e.Headers) > 0 {
		p.Headers = make(map[string]string, len(e.Headers))
		for _, h := range e.Headers {
			p.Headers[h.Name] = h.Value
		}
	}
	return p, nil
}

// markSent records provider ids by position. Only queued emails move to sent;
// an email cancelled mid-flight keeps its status but still gets its id so
// webhooks can find it. A missing id fails the email.
func (s *Service) markSent(ctx context.Context, emailIDs, resendIDs []string) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		emails, err := tx.GetEmails(ctx, emailIDs)
		if err != nil {
			return fmt.Errorf("get emails: %w", err)
		}
		byID := make(map[string]int, len(emailIDs))
		for i, id := range emailIDs {
			byID[id] = i
		}

		now := s.deps.Now()
		for i := range emails {
			e := &emails[i]
			var resendID string
			if pos := byID[e.ID]; pos < len(resendIDs) {
				resendID = resendIDs[pos]
			}

			switch {
			case resendID == "" && e.Status == domain.StatusQueued:
				logger.Warn("[Sender] provider returned no id", "email_id", e.ID)
				e.Status = domain.StatusFailed
				e.ErrorMessage = errNoProviderID
				e.FinalizedAt = now
			case resendID == "":
				continue
			default:
				e.ResendID = resendID
				if e.Status == domain.StatusQueued {
					e.Status = domain.StatusSent
				}
			}
			if err := tx.UpdateEmail(ctx, e); err != nil {
				return fmt.Errorf("update email %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// failBatch finalizes the emails of an exhausted batch that are still queued.
func (s *Service) failBatch(ctx context.Context, batchID string, emailIDs []string, cause error) error {
	msg := "send failed"
	if cause != nil {
		msg = cause.Error()
	}
	var failed int
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		failed = 0
		emails, err := tx.GetEmails(ctx, emailIDs)
		if err != nil {
			return fmt.Errorf("get emails: %w", err)
		}
		now := s.deps.Now()
		for i := range emails {
			e := &emails[i]
			if e.Status != domain.StatusQueued {
				continue
			}
			e.Status = domain.StatusFailed
			e.ErrorMessage = msg
			e.FinalizedAt = now
			if err := tx.UpdateEmail(ctx, e); err != nil {
				return fmt.Errorf("update email %s: %w", e.ID, err)
			}
			failed++
		}
		return nil
	})
	if err == nil {
		logger.Error("[Sender] batch exhausted retries", "batch_id", batchID, "failed", failed, "error", msg)
	}
	return err
}
