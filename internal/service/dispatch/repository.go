package dispatch

import (
	"context"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
)

// Store runs transactions. Implementations provide serializable isolation:
// fn either commits as a whole or has no effect, and concurrent transactions
// behave as if they ran one after another. fn may be invoked more than once
// when the store retries a conflicting transaction, so it must not cause side
// effects outside tx other than through Tx.AfterCommit.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the data access contract available inside one transaction.
type Tx interface {
	// InsertContent stores a body blob. The id must be set by the caller.
	InsertContent(ctx context.Context, c *domain.Content) error

	// GetContents returns the requested blobs keyed by id. Missing ids are
	// absent from the map.
	GetContents(ctx context.Context, ids []string) (map[string]domain.Content, error)

	DeleteContents(ctx context.Context, ids []string) error

	InsertEmail(ctx context.Context, e *domain.Email) error

	// GetEmail returns ErrEmailNotFound if no row matches.
	GetEmail(ctx context.Context, id string) (*domain.Email, error)

	// GetEmails returns the rows that still exist, in the order of ids.
	GetEmails(ctx context.Context, ids []string) ([]domain.Email, error)

	// FindByResendID returns ErrEmailNotFound if no row matches.
	FindByResendID(ctx context.Context, resendID string) (*domain.Email, error)

	// ListWaiting returns up to limit waiting emails with segment <= maxSegment,
	// in (segment, insertion) order.
	ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]domain.Email, error)

	// ListQueued returns every queued email ordered by batch id, then in
	// (segment, insertion) order within a batch.
	ListQueued(ctx context.Context) ([]domain.Email, error)

	// HasWaiting reports whether any email is waiting, regardless of segment.
	HasWaiting(ctx context.Context) (bool, error)

	// UpdateEmail persists the mutable fields of e.
	UpdateEmail(ctx context.Context, e *domain.Email) error

	// ListFinalizedBefore returns up to limit emails finalized before t.
	ListFinalizedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Email, error)

	// ListCreatedBefore returns up to limit emails created before t.
	ListCreatedBefore(ctx context.Context, t time.Time, limit int) ([]domain.Email, error)

	DeleteEmail(ctx context.Context, id string) error

	InsertDeliveryEvent(ctx context.Context, ev *domain.DeliveryEvent) error
	ListDeliveryEvents(ctx context.Context, emailID string) ([]domain.DeliveryEvent, error)
	DeleteDeliveryEvents(ctx context.Context, emailID string) error

	// GetOptions returns nil, nil when no options were stored yet.
	GetOptions(ctx context.Context) (*domain.Options, error)
	PutOptions(ctx context.Context, o domain.Options) error

	// GetNextBatchRun returns nil, nil when no run is pending.
	GetNextBatchRun(ctx context.Context) (*domain.BatchRun, error)

	// CreateNextBatchRun stores the token unless one exists. It reports
	// whether the token was created.
	CreateNextBatchRun(ctx context.Context, run domain.BatchRun) (bool, error)
	UpdateNextBatchRun(ctx context.Context, runID string) error
	DeleteNextBatchRun(ctx context.Context) error

	// AfterCommit registers fn to run once the transaction has committed.
	// It is dropped if the transaction rolls back.
	AfterCommit(fn func())
}
