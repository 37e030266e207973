package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tipline-service/internal/client"
	"tipline-service/internal/config"
	"tipline-service/internal/util"
)

const verifyFailurePrefix = "otp_verify_failures:"

// VerifyThrottleCache implements otp.VerifyThrottle on a redis sorted set:
// one member per failed attempt scored by its timestamp. The window slides,
// so a burst of failures blocks for exactly the configured duration.
type VerifyThrottleCache struct {
	client      *client.RedisClient
	maxFailures int
	window      time.Duration
}

func NewVerifyThrottleCache(client *client.RedisClient, cfg config.OTPConfig) *VerifyThrottleCache {
	return &VerifyThrottleCache{
		client:      client,
		maxFailures: cfg.MaxVerifyAttempts,
		window:      cfg.AttemptWindow,
	}
}

// TooManyFailures prunes expired failures and reports whether the subject is
// over budget. The prune-and-count runs as one Lua script so concurrent
// checks never observe a half-trimmed set.
func (c *VerifyThrottleCache) TooManyFailures(ctx context.Context, subjectID string) (bool, error) {
	now := time.Now().UnixMilli()
	windowStart := now - c.window.Milliseconds()

	luaScript := `
        local key = KEYS[1]
        local window_start = tonumber(ARGV[1])

        redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
        return redis.call('ZCARD', key)
    `

	result, err := c.client.Eval(ctx, luaScript, []string{verifyFailurePrefix + subjectID}, windowStart)
	if err != nil {
		util.Error("Failed to check verify throttle",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return false, fmt.Errorf("failed to check verify throttle: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result format from verify throttle script")
	}

	return int(count) >= c.maxFailures, nil
}

// RecordFailure appends one failure at the current timestamp. The key expires
// a full window after the latest failure, so idle subjects cost nothing.
func (c *VerifyThrottleCache) RecordFailure(ctx context.Context, subjectID string) error {
	now := time.Now().UnixMilli()

	luaScript := `
        local key = KEYS[1]
        local now = tonumber(ARGV[1])
        local ttl_seconds = tonumber(ARGV[2])

        redis.call('ZADD', key, now, now)
        redis.call('EXPIRE', key, ttl_seconds)
        return redis.call('ZCARD', key)
    `

	ttlSeconds := int(c.window.Seconds()) + 1
	result, err := c.client.Eval(ctx, luaScript, []string{verifyFailurePrefix + subjectID}, now, ttlSeconds)
	if err != nil {
		util.Error("Failed to record verify failure",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return fmt.Errorf("failed to record verify failure: %w", err)
	}

	if count, ok := result.(int64); ok {
		util.Debug("Verify failure recorded",
			zap.String("subject_id", subjectID),
			zap.Int64("failures_in_window", count))
	}

	return nil
}

// Reset clears the subject's failure history, e.g. after a successful
// step-up verification.
func (c *VerifyThrottleCache) Reset(ctx context.Context, subjectID string) error {
	if err := c.client.Del(ctx, verifyFailurePrefix+subjectID); err != nil {
		util.Error("Failed to reset verify throttle",
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return fmt.Errorf("failed to reset verify throttle: %w", err)
	}
	return nil
}
