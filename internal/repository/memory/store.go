// Package memory is an in-process implementation of dispatch.Store. Each
// transaction works on a private copy of the state and swaps it in on commit,
// under a single mutex, so transactions are serializable. It backs tests and
// single-node deployments configured with storage type "memory".
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
)

type state struct {
	emails   map[string]domain.Email
	inserted map[string]int64
	seq      int64
	contents map[string]domain.Content
	events   []domain.DeliveryEvent
	eventSeq int64
	options  *domain.Options
	nextRun  *domain.BatchRun
}

func newState() *state {
	return &state{
		emails:   make(map[string]domain.Email),
		inserted: make(map[string]int64),
		contents: make(map[string]domain.Content),
	}
}

func (s *state) clone() *state {
	c := &state{
		emails:   make(map[string]domain.Email, len(s.emails)),
		inserted: make(map[string]int64, len(s.inserted)),
		seq:      s.seq,
		contents: make(map[string]domain.Content, len(s.contents)),
		events:   append([]domain.DeliveryEvent(nil), s.events...),
		eventSeq: s.eventSeq,
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.inserted {
		c.inserted[k] = v
	}
	for k, v := range s.contents {
		c.contents[k] = v
	}
	if s.options != nil {
		o := *s.options
		if o.OnEmailEvent != nil {
			h := *o.OnEmailEvent
			o.OnEmailEvent = &h
		}
		c.options = &o
	}
	if s.nextRun != nil {
		r := *s.nextRun
		c.nextRun = &r
	}
	return c
}

// Store is a transactional in-memory store.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// RunInTx implements dispatch.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx dispatch.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	t := &tx{st: s.st.clone()}
	err := fn(ctx, t)
	if err == nil {
		s.st = t.st
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, f := range t.after {
		f()
	}
	return nil
}

// NextBatchRun returns the pending-run token, if any.
func (s *Store) NextBatchRun() *domain.BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.nextRun == nil {
		return nil
	}
	r := *s.st.nextRun
	return &r
}

// Emails returns every stored email in insertion order.
func (s *Store) Emails() []domain.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Email, 0, len(s.st.emails))
	for _, e := range s.st.emails {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return s.st.inserted[out[i].ID] < s.st.inserted[out[j].ID] })
	return out
}

// ContentCount returns the number of stored content rows.
func (s *Store) ContentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.contents)
}

type tx struct {
	st    *state
	after []func()
}

func (t *tx) AfterCommit(fn func()) { t.after = append(t.after, fn) }

func (t *tx) InsertContent(_ context.Context, c *domain.Content) error {
	t.st.contents[c.ID] = *c
	return nil
}

func (t *tx) GetContents(_ context.Context, ids []string) (map[string]domain.Content, error) {
	out := make(map[string]domain.Content, len(ids))
	for _, id := range ids {
		if c, ok := t.st.contents[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (t *tx) DeleteContents(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(t.st.contents, id)
	}
	return nil
}

func (t *tx) InsertEmail(_ context.Context, e *domain.Email) error {
	t.st.seq++
	t.st.emails[e.ID] = *e
	t.st.inserted[e.ID] = t.st.seq
	return nil
}

func (t *tx) GetEmail(_ context.Context, id string) (*domain.Email, error) {
	e, ok := t.st.emails[id]
	if !ok {
		return nil, dispatch.ErrEmailNotFound
	}
	return &e, nil
}

func (t *tx) GetEmails(_ context.Context, ids []string) ([]domain.Email, error) {
	out := make([]domain.Email, 0, len(ids))
	for _, id := range ids {
		if e, ok := t.st.emails[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) FindByResendID(_ context.Context, resendID string) (*domain.Email, error) {
	if resendID == "" {
		return nil, dispatch.ErrEmailNotFound
	}
	for _, e := range t.st.emails {
		if e.ResendID == resendID {
			return &e, nil
		}
	}
	return nil, dispatch.ErrEmailNotFound
}

func (t *tx) ListWaiting(_ context.Context, maxSegment int64, limit int) ([]domain.Email, error) {
	matched := t.filter(func(e domain.Email) bool {
		return e.Status == domain.StatusWaiting && e.Segment <= maxSegment
	})
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Segment != matched[j].Segment {
			return matched[i].Segment < matched[j].Segment
		}
		return t.st.inserted[matched[i].ID] < t.st.inserted[matched[j].ID]
	})
	return truncate(matched, limit), nil
}

func (t *tx) ListQueued(_ context.Context) ([]domain.Email, error) {
	matched := t.filter(func(e domain.Email) bool {
		return e.Status == domain.StatusQueued
	})
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.BatchID != b.BatchID {
			return a.BatchID < b.BatchID
		}
		if a.Segment != b.Segment {
			return a.Segment < b.Segment
		}
		return t.st.inserted[a.ID] < t.st.inserted[b.ID]
	})
	return matched, nil
}

func (t *tx) HasWaiting(_ context.Context) (bool, error) {
	for _, e := range t.st.emails {
		if e.Status == domain.StatusWaiting {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) UpdateEmail(_ context.Context, e *domain.Email) error {
	if _, ok := t.st.emails[e.ID]; !ok {
		return dispatch.ErrEmailNotFound
	}
	t.st.emails[e.ID] = *e
	return nil
}

func (t *tx) ListFinalizedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Email, error) {
	matched := t.filter(func(e domain.Email) bool { return e.FinalizedAt.Before(cutoff) })
	sort.Slice(matched, func(i, j int) bool { return matched[i].FinalizedAt.Before(matched[j].FinalizedAt) })
	return truncate(matched, limit), nil
}

func (t *tx) ListCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Email, error) {
	matched := t.filter(func(e domain.Email) bool { return e.CreatedAt.Before(cutoff) })
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return truncate(matched, limit), nil
}

func (t *tx) DeleteEmail(_ context.Context, id string) error {
	delete(t.st.emails, id)
	delete(t.st.inserted, id)
	return nil
}

func (t *tx) InsertDeliveryEvent(_ context.Context, ev *domain.DeliveryEvent) error {
	t.st.eventSeq++
	ev.ID = t.st.eventSeq
	t.st.events = append(t.st.events, *ev)
	return nil
}

func (t *tx) ListDeliveryEvents(_ context.Context, emailID string) ([]domain.DeliveryEvent, error) {
	var out []domain.DeliveryEvent
	for _, ev := range t.st.events {
		if ev.EmailID == emailID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *tx) DeleteDeliveryEvents(_ context.Context, emailID string) error {
	kept := t.st.events[:0]
	for _, ev := range t.st.events {
		if ev.EmailID != emailID {
			kept = append(kept, ev)
		}
	}
	t.st.events = kept
	return nil
}

func (t *tx) GetOptions(_ context.Context) (*domain.Options, error) {
	if t.st.options == nil {
		return nil, nil
	}
	o := *t.st.options
	return &o, nil
}

func (t *tx) PutOptions(_ context.Context, o domain.Options) error {
	t.st.options = &o
	return nil
}

func (t *tx) GetNextBatchRun(_ context.Context) (*domain.BatchRun, error) {
	if t.st.nextRun == nil {
		return nil, nil
	}
	r := *t.st.nextRun
	return &r, nil
}

func (t *tx) CreateNextBatchRun(_ context.Context, run domain.BatchRun) (bool, error) {
	if t.st.nextRun != nil {
		return false, nil
	}
	t.st.nextRun = &run
	return true, nil
}

func (t *tx) UpdateNextBatchRun(_ context.Context, runID string) error {
	if t.st.nextRun == nil {
		return dispatch.ErrInvariant
	}
	t.st.nextRun.RunID = runID
	return nil
}

func (t *tx) DeleteNextBatchRun(_ context.Context) error {
	t.st.nextRun = nil
	return nil
}

func (t *tx) filter(keep func(domain.Email) bool) []domain.Email {
	var out []domain.Email
	for _, e := range t.st.emails {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func truncate(emails []domain.Email, limit int) []domain.Email {
	if limit > 0 && len(emails) > limit {
		return emails[:limit]
	}
	return emails
}
