package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const rateLimitPrefix = "marquee:webhook-limit:"

// RateLimitConfig bounds webhook deliveries per key.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// RateLimitResult is the outcome of one Allow call. ResetAt is when the
// oldest delivery in the window ages out and a slot frees up.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the set, counts, and admits in a single round trip so
// concurrent deliveries from the same source cannot both take the last slot.
// Scores are microseconds, which stay exact as Lua doubles.
//
// KEYS[1] set key
// ARGV: now_us, window_us, limit, member, ttl_ms
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[5])
local first = now
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] then
	first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// RateLimiter is a sliding-window limiter over a Redis sorted set. The
// gateway keys it by webhook source and client address.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow records one delivery for key if the window has room.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	ttl := r.config.Window + time.Second

	vals, err := slidingWindow.Run(ctx, r.client.rdb,
		[]string{rateLimitPrefix + key},
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		uuid.NewString(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", key, vals)
	}

	res := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     r.config.Limit,
		Remaining: max(r.config.Limit-int(vals[1]), 0),
		ResetAt:   time.UnixMicro(vals[2]).Add(r.config.Window),
	}
	if !res.Allowed {
		r.logger.Debug("webhook rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
			zap.Time("reset_at", res.ResetAt),
		)
	}
	return res, nil
}
