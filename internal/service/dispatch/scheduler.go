package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

// EnsureSchedulerRunning stores opts if they changed and makes sure exactly
// one batch run is pending.
func (s *Service) EnsureSchedulerRunning(ctx context.Context, opts domain.Options) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return s.ensureSchedulerRunning(ctx, tx, opts)
	})
}

func (s *Service) ensureSchedulerRunning(ctx context.Context, tx Tx, opts domain.Options) error {
	current, err := tx.GetOptions(ctx)
	if err != nil {
		return fmt.Errorf("get options: %w", err)
	}
	if current == nil || !current.Equal(opts) {
		if err := tx.PutOptions(ctx, opts); err != nil {
			return fmt.Errorf("put options: %w", err)
		}
	}

	existing, err := tx.GetNextBatchRun(ctx)
	if err != nil {
		return fmt.Errorf("get next batch run: %w", err)
	}
	if existing != nil {
		return nil
	}

	run := domain.BatchRun{RunID: s.deps.NewID(), CreatedAt: s.deps.Now()}
	created, err := tx.CreateNextBatchRun(ctx, run)
	if err != nil {
		return fmt.Errorf("create next batch run: %w", err)
	}
	if !created {
		return nil
	}
	s.armStep(tx, run.RunID, s.cfg.BaseBatchDelay, false)
	return nil
}

// Recover restores the in-process work lost with a restart. Batches that
// were claimed but never sent go back to the email pool under their original
// batch id, and the pending-run token, which survives in the store, is
// re-armed.
func (s *Service) Recover(ctx context.Context) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := s.requeueClaimed(ctx, tx); err != nil {
			return err
		}

		run, err := tx.GetNextBatchRun(ctx)
		if err != nil {
			return fmt.Errorf("get next batch run: %w", err)
		}
		if run == nil {
			return nil
		}
		logger.Info("[Scheduler] recovering pending batch run", "run_id", run.RunID)
		s.armStep(tx, run.RunID, s.cfg.BaseBatchDelay, false)
		return nil
	})
}

type claimedBatch struct {
	id       string
	emailIDs []string
}

// requeueClaimed enqueues one send job per batch of queued emails.
func (s *Service) requeueClaimed(ctx context.Context, tx Tx) error {
	queued, err := tx.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	opts, err := tx.GetOptions(ctx)
	if err != nil {
		return fmt.Errorf("get options: %w", err)
	}
	if opts == nil {
		return fmt.Errorf("%w: queued emails without options", ErrInvariant)
	}

	var batches []claimedBatch
	for _, e := range queued {
		// Rows claimed before batch ids were recorded are sent one by one.
		if n := len(batches); n > 0 && e.BatchID != "" && batches[n-1].id == e.BatchID {
			batches[n-1].emailIDs = append(batches[n-1].emailIDs, e.ID)
			continue
		}
		id := e.BatchID
		if id == "" {
			id = e.ID
		}
		batches = append(batches, claimedBatch{id: id, emailIDs: []string{e.ID}})
	}

	retry := retryPolicy(*opts)
	tx.AfterCommit(func() {
		for _, b := range batches {
			logger.Info("[Scheduler] re-enqueuing claimed batch", "batch_id", b.id, "count", len(b.emailIDs))
			if err := s.deps.EmailPool.Enqueue(context.Background(), s.batchJob(opts.APIKey, b.id, b.emailIDs, retry)); err != nil {
				logger.Error("[Scheduler] enqueue claimed batch failed", "batch_id", b.id, "error", err)
			}
		}
	})
	return nil
}

// armStep schedules the batch step once tx commits.
func (s *Service) armStep(tx Tx, runID string, delay time.Duration, reloop bool) {
	tx.AfterCommit(func() {
		s.deps.Runner.RunAfter(delay, runID, s.stepJob(runID, reloop))
	})
}

// scheduleNext moves the pending-run token to a new run id and arms it.
func (s *Service) scheduleNext(ctx context.Context, tx Tx, delay time.Duration, reloop bool) error {
	runID := s.deps.NewID()
	if err := tx.UpdateNextBatchRun(ctx, runID); err != nil {
		return fmt.Errorf("update next batch run: %w", err)
	}
	s.armStep(tx, runID, delay, reloop)
	return nil
}

func (s *Service) stepJob(runID string, reloop bool) func(ctx context.Context) {
	return func(ctx context.Context) {
		err := s.batchStep(ctx, runID, reloop)
		if err == nil {
			return
		}
		if errors.Is(err, ErrInvariant) {
			logger.Error("[Scheduler] batch step aborted", "run_id", runID, "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		// The transaction rolled back, so the token still names this run.
		logger.Warn("[Scheduler] batch step failed, retrying", "run_id", runID, "error", err)
		s.deps.Runner.RunAfter(s.cfg.BaseBatchDelay, runID, s.stepJob(runID, false))
	}
}

// batchStep claims one batch of due emails. It either hands the batch to the
// email pool and schedules an immediate successor, or reschedules. A step
// whose run id no longer matches the pending-run token is stale and does
// nothing.
func (s *Service) batchStep(ctx context.Context, runID string, reloop bool) error {
	return s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetNextBatchRun(ctx)
		if err != nil {
			return fmt.Errorf("get next batch run: %w", err)
		}
		if current == nil || current.RunID != runID {
			tx.AfterCommit(func() {
				logger.Warn("[Scheduler] dropping stale batch step", "run_id", runID)
			})
			return nil
		}

		opts, err := tx.GetOptions(ctx)
		if err != nil {
			return fmt.Errorf("get options: %w", err)
		}
		if opts == nil {
			return fmt.Errorf("%w: no last options found", ErrInvariant)
		}

		// Stay two segments behind so a scan never races an insert into the
		// same or the adjacent segment.
		scanSegment := s.segment(s.deps.Now()) - 2
		emails, err := tx.ListWaiting(ctx, scanSegment, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list waiting: %w", err)
		}

		if len(emails) == 0 || (reloop && len(emails) < s.cfg.BatchSize) {
			return s.reschedule(ctx, tx, len(emails) > 0)
		}

		batchID := emails[0].ID
		ids := make([]string, len(emails))
		for i := range emails {
			emails[i].Status = domain.StatusQueued
			emails[i].BatchID = batchID
			if err := tx.UpdateEmail(ctx, &emails[i]); err != nil {
				return fmt.Errorf("mark queued: %w", err)
			}
			ids[i] = emails[i].ID
		}

		job := s.batchJob(opts.APIKey, batchID, ids, retryPolicy(*opts))
		tx.AfterCommit(func() {
			logger.Info("[Scheduler] batch claimed", "batch_id", batchID, "count", len(ids), "segment", scanSegment)
			if err := s.deps.EmailPool.Enqueue(context.Background(), job); err != nil {
				logger.Error("[Scheduler] enqueue batch failed", "batch_id", batchID, "error", err)
			}
		})

		// More due work may remain in this scan window.
		return s.scheduleNext(ctx, tx, 0, true)
	})
}

// reschedule idles the scheduler when nothing is waiting, otherwise it
// checks again after the base delay.
func (s *Service) reschedule(ctx context.Context, tx Tx, emailsLeft bool) error {
	if !emailsLeft {
		var err error
		emailsLeft, err = tx.HasWaiting(ctx)
		if err != nil {
			return fmt.Errorf("has waiting: %w", err)
		}
	}

	if emailsLeft {
		return s.scheduleNext(ctx, tx, s.cfg.BaseBatchDelay, false)
	}

	if err := tx.DeleteNextBatchRun(ctx); err != nil {
		return fmt.Errorf("delete next batch run: %w", err)
	}
	tx.AfterCommit(func() {
		logger.Debug("[Scheduler] idle, no waiting emails")
	})
	return nil
}

func retryPolicy(opts domain.Options) workpool.RetryPolicy {
	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return workpool.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: opts.InitialBackoff(),
		Base:           2,
	}
}
