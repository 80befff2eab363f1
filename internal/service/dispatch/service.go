package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/ratelimit"
	"github.com/ignite/resend-dispatch/internal/resend"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

// Runner schedules deferred in-process invocations. Scheduling an id that
// is already pending replaces it. Superseded run ids are not cancelled: a
// step whose id no longer matches the pending-run token does nothing.
type Runner interface {
	RunAfter(delay time.Duration, id string, job func(ctx context.Context))
}

// Pool accepts asynchronous jobs with a retry policy.
type Pool interface {
	Enqueue(ctx context.Context, job workpool.Job) error
}

// Provider submits a batch to the email provider and returns provider ids
// by position ("" where none was returned).
type Provider interface {
	SendBatch(ctx context.Context, apiKey, idempotencyKey string, emails []resend.Email) ([]string, error)
}

// Notifier delivers a cleaned event to the consumer's callback.
type Notifier interface {
	Notify(ctx context.Context, handler domain.EventHandler, emailID string, ev domain.CallbackEvent) error
}

// Dependencies are the collaborators of the service. Now, Sleep and NewID
// default to the real clock, a context-aware sleep and UUIDs.
type Dependencies struct {
	Runner       Runner
	EmailPool    Pool
	CallbackPool Pool
	Limiter      ratelimit.Limiter
	Provider     Provider
	Notifier     Notifier

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Settings are the pipeline tunables.
type Settings struct {
	SegmentWidth     time.Duration
	BaseBatchDelay   time.Duration
	BatchSize        int
	FixedWindowDelay time.Duration
	RateLimitKey     string

	FinalizedRetention time.Duration
	AbandonedRetention time.Duration
	SweepPageSize      int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		SegmentWidth:       125 * time.Millisecond,
		BaseBatchDelay:     time.Second,
		BatchSize:          100,
		FixedWindowDelay:   100 * time.Millisecond,
		RateLimitKey:       "resendApi",
		FinalizedRetention: 7 * 24 * time.Hour,
		AbandonedRetention: 30 * 24 * time.Hour,
		SweepPageSize:      500,
	}
}

// Service implements the dispatch pipeline. It is safe for concurrent use.
type Service struct {
	store Store
	deps  Dependencies
	cfg   Settings
}

// NewService creates a dispatch service backed by the given store.
func NewService(store Store, deps Dependencies, cfg Settings) *Service {
	def := DefaultSettings()
	if cfg.SegmentWidth < time.Millisecond {
		cfg.SegmentWidth = def.SegmentWidth
	}
	if cfg.BaseBatchDelay <= 0 {
		cfg.BaseBatchDelay = def.BaseBatchDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RateLimitKey == "" {
		cfg.RateLimitKey = def.RateLimitKey
	}
	if cfg.FinalizedRetention <= 0 {
		cfg.FinalizedRetention = def.FinalizedRetention
	}
	if cfg.AbandonedRetention <= 0 {
		cfg.AbandonedRetention = def.AbandonedRetention
	}
	if cfg.SweepPageSize <= 0 {
		cfg.SweepPageSize = def.SweepPageSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	return &Service{store: store, deps: deps, cfg: cfg}
}

// SendRequest is one email to enqueue. At least one of HTML and Text must be
// set.
type SendRequest struct {
	From    string
	To      []string
	CC      []string
	BCC     []string
	Subject string
	HTML    *string
	Text    *string
	ReplyTo []string
	Headers []domain.Header
}

var resendTestAddresses = map[string]bool{
	"delivered@resend.dev":  true,
	"bounced@resend.dev":    true,
	"complained@resend.dev": true,
}

// isTestAddress reports whether addr is one of the reserved addresses,
// ignoring case and surrounding space.
func isTestAddress(addr string) bool {
	return resendTestAddresses[strings.ToLower(strings.TrimSpace(addr))]
}

func validateSend(opts domain.Options, req SendRequest) error {
	if strings.TrimSpace(req.From) == "" {
		return fmt.Errorf("%w: from is required", ErrInvalidArgument)
	}
	if len(req.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidArgument)
	}
	if opts.TestMode {
		for _, to := range req.To {
			if !isTestAddress(to) {
				return fmt.Errorf("%w: %s", ErrTestModeRecipient, logger.RedactEmail(to))
			}
		}
	}
	if req.HTML == nil && req.Text == nil {
		return ErrMissingBody
	}
	return nil
}

// SendEmail stores a new waiting email and makes sure a batch run is pending.
// It returns the new email id.
func (s *Service) SendEmail(ctx context.Context, opts domain.Options, req SendRequest) (string, error) {
	if err := validateSend(opts, req); err != nil {
		return "", err
	}

	var emailID string
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.deps.Now()
		email := &domain.Email{
			ID:          s.deps.NewID(),
			From:        req.From,
			To:          req.To,
			CC:          req.CC,
			BCC:         req.BCC,
			Subject:     req.Subject,
			ReplyTo:     req.ReplyTo,
			Headers:     req.Headers,
			Status:      domain.StatusWaiting,
			Segment:     s.segment(now),
			FinalizedAt: domain.FinalizedNever,
			CreatedAt:   now,
		}
		if email.ReplyTo == nil {
			email.ReplyTo = []string{}
		}

		if req.HTML != nil {
			c := &domain.Content{ID: s.deps.NewID(), Content: []byte(*req.HTML), MimeType: domain.MimeTypeHTML}
			if err := tx.InsertContent(ctx, c); err != nil {
				return fmt.Errorf("insert html content: %w", err)
			}
			email.HTMLContentID = c.ID
		}
		if req.Text != nil {
			c := &domain.Content{ID: s.deps.NewID(), Content: []byte(*req.Text), MimeType: domain.MimeTypeText}
			if err := tx.InsertContent(ctx, c); err != nil {
				return fmt.Errorf("insert text content: %w", err)
			}
			email.TextContentID = c.ID
		}

		if err := tx.InsertEmail(ctx, email); err != nil {
			return fmt.Errorf("insert email: %w", err)
		}
		if err := s.ensureSchedulerRunning(ctx, tx, opts); err != nil {
			return err
		}
		emailID = email.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	logger.Debug("[Dispatch] email queued", "email_id", emailID, "to", strings.Join(req.To, ","))
	return emailID, nil
}

// CancelEmail cancels an email that has not been handed to the provider yet.
func (s *Service) CancelEmail(ctx context.Context, emailID string) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		email, err := tx.GetEmail(ctx, emailID)
		if err != nil {
			return err
		}
		if !email.Status.IsCancellable() {
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, email.Status)
		}
		email.Status = domain.StatusCancelled
		email.FinalizedAt = s.deps.Now()
		return tx.UpdateEmail(ctx, email)
	})
}

// GetStatus returns the consumer-facing status of an email.
func (s *Service) GetStatus(ctx context.Context, emailID string) (*domain.EmailStatus, error) {
	var status *domain.EmailStatus
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		email, err := tx.GetEmail(ctx, emailID)
		if err != nil {
			return err
		}
		status = &domain.EmailStatus{
			Status:     email.Status,
			Complained: email.Complained,
			Opened:     email.Opened,
		}
		if email.ErrorMessage != "" {
			msg := email.ErrorMessage
			status.ErrorMessage = &msg
		}
		return nil
	})
	return status, err
}

// GetFullEmail returns an email together with its bodies.
func (s *Service) GetFullEmail(ctx context.Context, emailID string) (*domain.FullEmail, error) {
	var full *domain.FullEmail
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		email, err := tx.GetEmail(ctx, emailID)
		if err != nil {
			return err
		}
		contents, err := tx.GetContents(ctx, email.ContentIDs())
		if err != nil {
			return fmt.Errorf("get contents: %w", err)
		}
		full = &domain.FullEmail{Email: *email}
		if email.HTMLContentID != "" {
			if c, ok := contents[email.HTMLContentID]; ok {
				html := string(c.Content)
				full.HTML = &html
			}
		}
		if email.TextContentID != "" {
			if c, ok := contents[email.TextContentID]; ok {
				text := string(c.Content)
				full.Text = &text
			}
		}
		return nil
	})
	return full, err
}

// ListDeliveryEvents returns the provider events applied to an email, oldest
// first.
func (s *Service) ListDeliveryEvents(ctx context.Context, emailID string) ([]domain.DeliveryEvent, error) {
	var events []domain.DeliveryEvent
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetEmail(ctx, emailID); err != nil {
			return err
		}
		var err error
		events, err = tx.ListDeliveryEvents(ctx, emailID)
		return err
	})
	return events, err
}

func (s *Service) segment(t time.Time) int64 {
	return t.UnixMilli() / s.cfg.SegmentWidth.Milliseconds()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
