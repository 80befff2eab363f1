// Package ratelimit implements a reservable fixed-window limiter. A
// reservation never rejects while the backlog is within bounds: it returns how
// long the caller must wait before its slot opens.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrReservationRejected is returned when the limiter cannot grant a
// reservation at all.
var ErrReservationRejected = errors.New("rate limit reservation rejected")

// FixedWindow allows Rate calls per Period.
type FixedWindow struct {
	Period time.Duration
	Rate   int
	// MaxReserved bounds how many calls may be reserved ahead. Zero means
	// unbounded.
	MaxReserved int
}

// Limiter is implemented by RedisLimiter and MemoryLimiter.
type Limiter interface {
	// Reserve takes one slot for key and returns the wait before the slot opens.
	Reserve(ctx context.Context, key string) (time.Duration, error)
}

type windowState struct {
	value int64
	ts    int64 // window start, unix ms
}

// reserve applies one reservation to st at nowMs. It mirrors reserveLuaScript.
func reserve(st *windowState, found bool, nowMs int64, cfg FixedWindow) (time.Duration, error) {
	period := cfg.Period.Milliseconds()
	rate := int64(cfg.Rate)
	next := windowState{value: rate, ts: nowMs}
	if found {
		next = *st
		if elapsed := (nowMs - next.ts) / period; elapsed > 0 {
			next.value = min(next.value+elapsed*rate, rate)
			next.ts += elapsed * period
		}
	}

	next.value--
	var retryAfter int64
	if next.value < 0 {
		if cfg.MaxReserved > 0 && -next.value > int64(cfg.MaxReserved) {
			return 0, ErrReservationRejected
		}
		windows := int64(math.Ceil(float64(-next.value) / float64(rate)))
		retryAfter = next.ts + windows*period - nowMs
	}
	*st = next
	return time.Duration(retryAfter) * time.Millisecond, nil
}

// MemoryLimiter keeps window state in process. It is only global within a
// single process.
type MemoryLimiter struct {
	cfg FixedWindow
	now func() time.Time

	mu     sync.Mutex
	states map[string]*windowState
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg FixedWindow) *MemoryLimiter {
	return &MemoryLimiter{cfg: normalize(cfg), now: time.Now, states: make(map[string]*windowState)}
}

// Reserve implements Limiter.
func (m *MemoryLimiter) Reserve(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, found := m.states[key]
	if !found {
		st = &windowState{}
	}
	wait, err := reserve(st, found, m.now().UnixMilli(), m.cfg)
	if err != nil {
		return 0, err
	}
	m.states[key] = st
	return wait, nil
}

func normalize(cfg FixedWindow) FixedWindow {
	if cfg.Period < time.Millisecond {
		cfg.Period = time.Millisecond
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	return cfg
}
