package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
)

// CleanupFinalized deletes one page of emails finalized longer ago than the
// finalized retention, with their content and delivery events. It returns the
// number of deleted emails; a full page means more may remain.
func (s *Service) CleanupFinalized(ctx context.Context) (int, error) {
	cutoff := s.deps.Now().Add(-s.cfg.FinalizedRetention)
	return s.sweepPage(ctx, func(ctx context.Context, tx Tx) ([]domain.Email, error) {
		return tx.ListFinalizedBefore(ctx, cutoff, s.cfg.SweepPageSize)
	})
}

// CleanupAbandoned deletes one page of emails created longer ago than the
// abandoned retention, whatever their status.
func (s *Service) CleanupAbandoned(ctx context.Context) (int, error) {
	cutoff := s.deps.Now().Add(-s.cfg.AbandonedRetention)
	return s.sweepPage(ctx, func(ctx context.Context, tx Tx) ([]domain.Email, error) {
		return tx.ListCreatedBefore(ctx, cutoff, s.cfg.SweepPageSize)
	})
}

func (s *Service) sweepPage(ctx context.Context, list func(context.Context, Tx) ([]domain.Email, error)) (int, error) {
	var deleted int
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		emails, err := list(ctx, tx)
		if err != nil {
			return fmt.Errorf("list expired emails: %w", err)
		}
		for i := range emails {
			if err := deleteEmail(ctx, tx, &emails[i]); err != nil {
				return err
			}
		}
		deleted = len(emails)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// deleteEmail removes an email, its delivery events and its content rows.
func deleteEmail(ctx context.Context, tx Tx, e *domain.Email) error {
	if err := tx.DeleteDeliveryEvents(ctx, e.ID); err != nil {
		return fmt.Errorf("delete delivery events of %s: %w", e.ID, err)
	}
	if err := tx.DeleteEmail(ctx, e.ID); err != nil {
		return fmt.Errorf("delete email %s: %w", e.ID, err)
	}
	if ids := e.ContentIDs(); len(ids) > 0 {
		if err := tx.DeleteContents(ctx, ids); err != nil {
			return fmt.Errorf("delete contents of %s: %w", e.ID, err)
		}
	}
	return nil
}

// Locker guards a sweep across replicas.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Sweeper runs the finalized and abandoned cleanups on their own intervals.
type Sweeper struct {
	svc               *Service
	finalizedInterval time.Duration
	abandonedInterval time.Duration
	newLock           func(key string) Locker
}

// NewSweeper creates a sweeper. newLock builds the cross-replica lock for a
// sweep; nil runs sweeps unguarded.
func NewSweeper(svc *Service, finalizedInterval, abandonedInterval time.Duration, newLock func(key string) Locker) *Sweeper {
	if finalizedInterval <= 0 {
		finalizedInterval = 5 * time.Minute
	}
	if abandonedInterval <= 0 {
		abandonedInterval = time.Hour
	}
	return &Sweeper{
		svc:               svc,
		finalizedInterval: finalizedInterval,
		abandonedInterval: abandonedInterval,
		newLock:           newLock,
	}
}

// Start runs both sweeps once and then on their intervals. It blocks until
// ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	logger.Info("[Sweeper] starting",
		"finalized_interval", sw.finalizedInterval, "abandoned_interval", sw.abandonedInterval,
		"page_size", sw.svc.cfg.SweepPageSize)

	sw.Run(ctx, "finalized", sw.svc.CleanupFinalized)
	sw.Run(ctx, "abandoned", sw.svc.CleanupAbandoned)

	finalized := time.NewTicker(sw.finalizedInterval)
	defer finalized.Stop()
	abandoned := time.NewTicker(sw.abandonedInterval)
	defer abandoned.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Sweeper] stopping")
			return
		case <-finalized.C:
			sw.Run(ctx, "finalized", sw.svc.CleanupFinalized)
		case <-abandoned.C:
			sw.Run(ctx, "abandoned", sw.svc.CleanupAbandoned)
		}
	}
}

// Run drains one sweep: pages are deleted until a page comes back short. It
// returns the total number of deleted emails.
func (sw *Sweeper) Run(ctx context.Context, name string, page func(context.Context) (int, error)) int {
	if sw.newLock != nil {
		lock := sw.newLock("dispatch:sweep:" + name)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			logger.Warn("[Sweeper] lock acquire failed", "sweep", name, "error", err)
			return 0
		}
		if !ok {
			logger.Debug("[Sweeper] another replica holds the lock", "sweep", name)
			return 0
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("[Sweeper] lock release failed", "sweep", name, "error", err)
			}
		}()
	}

	var total int
	for ctx.Err() == nil {
		n, err := page(ctx)
		if err != nil {
			logger.Error("[Sweeper] cleanup failed", "sweep", name, "error", err)
			break
		}
		total += n
		if n < sw.svc.cfg.SweepPageSize {
			break
		}
	}
	if total > 0 {
		logger.Info("[Sweeper] cleaned up emails", "sweep", name, "count", total)
	}
	return total
}
