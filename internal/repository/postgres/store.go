package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
)

// DefaultTxAttempts bounds how often a transaction is retried after a
// serialization failure.
const DefaultTxAttempts = 5

// Store implements dispatch.Store against PostgreSQL. Every transaction runs
// at SERIALIZABLE isolation and is retried on serialization failures.
type Store struct {
	db       *sql.DB
	attempts int
}

// NewStore creates a Postgres-backed dispatch store.
func NewStore(db *sql.DB) *Store { return &Store{db: db, attempts: DefaultTxAttempts} }

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, databaseURL string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns / 2)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// RunInTx implements dispatch.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx dispatch.Tx) error) error {
	for attempt := 1; ; attempt++ {
		after, err := s.runOnce(ctx, fn)
		if err == nil {
			for _, f := range after {
				f()
			}
			return nil
		}
		if !isRetryable(err) || attempt >= s.attempts || ctx.Err() != nil {
			return err
		}
		logger.Debug("[Postgres] retrying transaction after conflict", "attempt", attempt, "error", err)
	}
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx dispatch.Tx) error) ([]func(), error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	t := &tx{tx: sqlTx}
	if err := fn(ctx, t); err != nil {
		sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t.after, nil
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type tx struct {
	tx    *sql.Tx
	after []func()
}

func (t *tx) AfterCommit(fn func()) { t.after = append(t.after, fn) }

func (t *tx) InsertContent(ctx context.Context, c *domain.Content) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mailing_email_content (id, content, mime_type, filename, path)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Content, c.MimeType, nullString(c.Filename), nullString(c.Path))
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	return nil
}

func (t *tx) GetContents(ctx context.Context, ids []string) (map[string]domain.Content, error) {
	out := make(map[string]domain.Content, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, content, mime_type, COALESCE(filename, ''), COALESCE(path, '')
		FROM mailing_email_content
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get contents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.Content
		if err := rows.Scan(&c.ID, &c.Content, &c.MimeType, &c.Filename, &c.Path); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (t *tx) DeleteContents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM mailing_email_content WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete contents: %w", err)
	}
	return nil
}

const emailColumns = `id, from_address, to_addresses, cc_addresses, bcc_addresses, subject, reply_to,
	html_content_id, text_content_id, headers, status, error_message, complained, opened,
	resend_id, segment, finalized_at, created_at, batch_id`

func (t *tx) InsertEmail(ctx context.Context, e *domain.Email) error {
	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO mailing_outbound_emails (`+emailColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, e.ID, e.From, pq.Array(e.To), pq.Array(e.CC), pq.Array(e.BCC), e.Subject, pq.Array(e.ReplyTo),
		nullString(e.HTMLContentID), nullString(e.TextContentID), headers, e.Status, e.ErrorMessage,
		e.Complained, e.Opened, nullString(e.ResendID), e.Segment, e.FinalizedAt, e.CreatedAt,
		nullString(e.BatchID))
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

func (t *tx) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+emailColumns+` FROM mailing_outbound_emails WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return firstEmail(rows)
}

func (t *tx) GetEmails(ctx context.Context, ids []string) ([]domain.Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+emailColumns+` FROM mailing_outbound_emails WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get emails: %w", err)
	}
	found, err := scanEmails(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Email, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out := make([]domain.Email, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) FindByResendID(ctx context.Context, resendID string) (*domain.Email, error) {
	if resendID == "" {
		return nil, dispatch.ErrEmailNotFound
	}
	rows, err := t.tx.QueryContext(ctx, `SELECT `+emailColumns+` FROM mailing_outbound_emails WHERE resend_id = $1`, resendID)
	if err != nil {
		return nil, fmt.Errorf("find by resend id: %w", err)
	}
	return firstEmail(rows)
}

func (t *tx) ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM mailing_outbound_emails
		WHERE status = 'waiting' AND segment <= $1
		ORDER BY segment, seq
		LIMIT $2
	`, maxSegment, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	return scanEmails(rows)
}

func (t *tx) ListQueued(ctx context.Context) ([]domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM mailing_outbound_emails
		WHERE status = 'queued'
		ORDER BY batch_id, segment, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	return scanEmails(rows)
}

func (t *tx) HasWaiting(ctx context.Context) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM mailing_outbound_emails WHERE status = 'waiting')`,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has waiting: %w", err)
	}
	return exists, nil
}

func (t *tx) UpdateEmail(ctx context.Context, e *domain.Email) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE mailing_outbound_emails
		SET status = $2, error_message = $3, complained = $4, opened = $5,
		    resend_id = $6, finalized_at = $7, batch_id = $8, updated_at = NOW()
		WHERE id = $1
	`, e.ID, e.Status, e.ErrorMessage, e.Complained, e.Opened, nullString(e.ResendID), e.FinalizedAt,
		nullString(e.BatchID))
	if err != nil {
		return fmt.Errorf("update email: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return dispatch.ErrEmailNotFound
	}
	return nil
}

func (t *tx) ListFinalizedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM mailing_outbound_emails
		WHERE finalized_at < $1
		ORDER BY finalized_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list finalized: %w", err)
	}
	return scanEmails(rows)
}

func (t *tx) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Email, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM mailing_outbound_emails
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list created: %w", err)
	}
	return scanEmails(rows)
}

func (t *tx) DeleteEmail(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM mailing_outbound_emails WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	return nil
}

func (t *tx) InsertDeliveryEvent(ctx context.Context, ev *domain.DeliveryEvent) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO mailing_delivery_events (email_id, resend_id, event_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ev.EmailID, ev.ResendID, ev.Type, ev.Message, ev.CreatedAt).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

func (t *tx) ListDeliveryEvents(ctx context.Context, emailID string) ([]domain.DeliveryEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, email_id, resend_id, event_type, message, created_at
		FROM mailing_delivery_events
		WHERE email_id = $1
		ORDER BY id
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list delivery events: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryEvent
	for rows.Next() {
		var ev domain.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.EmailID, &ev.ResendID, &ev.Type, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *tx) DeleteDeliveryEvents(ctx context.Context, emailID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM mailing_delivery_events WHERE email_id = $1`, emailID); err != nil {
		return fmt.Errorf("delete delivery events: %w", err)
	}
	return nil
}

func (t *tx) GetOptions(ctx context.Context) (*domain.Options, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `SELECT options FROM mailing_dispatch_options WHERE singleton`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	var o domain.Options
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return &o, nil
}

func (t *tx) PutOptions(ctx context.Context, o domain.Options) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO mailing_dispatch_options (singleton, options, updated_at)
		VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton) DO UPDATE SET options = EXCLUDED.options, updated_at = NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("put options: %w", err)
	}
	return nil
}

func (t *tx) GetNextBatchRun(ctx context.Context) (*domain.BatchRun, error) {
	var run domain.BatchRun
	err := t.tx.QueryRowContext(ctx,
		`SELECT run_id, created_at FROM mailing_dispatch_next_run WHERE singleton`,
	).Scan(&run.RunID, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next batch run: %w", err)
	}
	return &run, nil
}

func (t *tx) CreateNextBatchRun(ctx context.Context, run domain.BatchRun) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO mailing_dispatch_next_run (singleton, run_id, created_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO NOTHING
	`, run.RunID, run.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("create next batch run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (t *tx) UpdateNextBatchRun(ctx context.Context, runID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE mailing_dispatch_next_run SET run_id = $1 WHERE singleton`, runID)
	if err != nil {
		return fmt.Errorf("update next batch run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: no batch run to update", dispatch.ErrInvariant)
	}
	return nil
}

func (t *tx) DeleteNextBatchRun(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM mailing_dispatch_next_run WHERE singleton`); err != nil {
		return fmt.Errorf("delete next batch run: %w", err)
	}
	return nil
}

func firstEmail(rows *sql.Rows) (*domain.Email, error) {
	emails, err := scanEmails(rows)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, dispatch.ErrEmailNotFound
	}
	return &emails[0], nil
}

func scanEmails(rows *sql.Rows) ([]domain.Email, error) {
	defer rows.Close()
	var out []domain.Email
	for rows.Next() {
		var (
			e                        domain.Email
			to, cc, bcc, replyTo     pq.StringArray
			htmlID, textID, resendID sql.NullString
			batchID                  sql.NullString
			headers                  []byte
		)
		if err := rows.Scan(&e.ID, &e.From, &to, &cc, &bcc, &e.Subject, &replyTo,
			&htmlID, &textID, &headers, &e.Status, &e.ErrorMessage, &e.Complained, &e.Opened,
			&resendID, &e.Segment, &e.FinalizedAt, &e.CreatedAt, &batchID); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.To, e.CC, e.BCC = to, cc, bcc
		e.ReplyTo = []string(replyTo)
		if e.ReplyTo == nil {
			e.ReplyTo = []string{}
		}
		e.HTMLContentID = htmlID.String
		e.TextContentID = textID.String
		e.ResendID = resendID.String
		e.BatchID = batchID.String
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("decode headers: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalHeaders(h []domain.Header) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
