package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/resend-dispatch/internal/pkg/logger"
)

// Lua script for an atomic fixed-window reservation. The state hash holds the
// remaining value of the current window (negative when slots are reserved
// ahead) and the window start. Returns {granted, retryAfterMs}.
const reserveLuaScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local maxReserved = tonumber(ARGV[4])

local value = rate
local ts = now
local state = redis.call("HMGET", key, "value", "ts")
if state[1] then
    value = tonumber(state[1])
    ts = tonumber(state[2])
    local elapsed = math.floor((now - ts) / period)
    if elapsed > 0 then
        value = math.min(value + elapsed * rate, rate)
        ts = ts + elapsed * period
    end
end

value = value - 1
local retryAfter = 0
if value < 0 then
    if maxReserved > 0 and -value > maxReserved then
        return {0, 0}
    end
    local windows = math.ceil(-value / rate)
    retryAfter = ts + windows * period - now
end

redis.call("HSET", key, "value", value, "ts", ts)
redis.call("PEXPIRE", key, retryAfter + 2 * period)
return {1, retryAfter}
`

// RedisLimiter shares window state across every process using the same Redis.
type RedisLimiter struct {
	redis  *redis.Client
	cfg    FixedWindow
	now    func() time.Time
	script *redis.Script
}

// NewRedisLimiter creates a limiter with a pre-compiled Lua script.
func NewRedisLimiter(client *redis.Client, cfg FixedWindow) *RedisLimiter {
	return &RedisLimiter{
		redis:  client,
		cfg:    normalize(cfg),
		now:    time.Now,
		script: redis.NewScript(reserveLuaScript),
	}
}

// Reserve implements Limiter. Redis errors are returned, never swallowed.
func (r *RedisLimiter) Reserve(ctx context.Context, key string) (time.Duration, error) {
	result, err := r.script.Run(ctx, r.redis,
		[]string{"ratelimit:" + key},
		r.now().UnixMilli(),
		r.cfg.Period.Milliseconds(),
		r.cfg.Rate,
		r.cfg.MaxReserved,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("rate limit reserve %s: %w", key, err)
	}
	if len(result) != 2 {
		return 0, errors.New("rate limit reserve: unexpected script result")
	}
	if result[0] == 0 {
		logger.Warn("[RateLimiter] reservation rejected", "key", key, "max_reserved", r.cfg.MaxReserved)
		return 0, ErrReservationRejected
	}
	return time.Duration(result[1]) * time.Millisecond, nil
}
