package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitedError is returned when a caller exceeds the approval rate limit.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry after %d seconds", e.RetryAfterSeconds)
}

// RateLimitDecision reports where a subject stands inside its current window.
type RateLimitDecision struct {
	// Count is the number of consumptions in the window, this call included.
	Count int
	// RetryAfterSeconds is the remaining window, rounded up to whole seconds.
	RetryAfterSeconds int
}

// Exceeded reports whether the subject has gone past the given limit.
func (d RateLimitDecision) Exceeded(limit int) bool {
	return limit > 0 && d.Count > limit
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisApprovalRateLimiter implements distributed fixed-window rate limiting
// using Redis. Each scope carries its own window so short approval bursts and
// longer admin quotas can share one limiter.
type RedisApprovalRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisApprovalRateLimiter(client redis.UniversalClient, prefix string) *RedisApprovalRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "hanachain:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisApprovalRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// ConsumeRateLimit takes one slot from the subject's window under the given
// scope. A zero-value decision with a nil error means limiting is disabled
// for this call (no client, no limit, or a blank subject).
func (r *RedisApprovalRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (RateLimitDecision, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return RateLimitDecision{}, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return RateLimitDecision{}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return RateLimitDecision{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return RateLimitDecision{Count: int(currentCount)}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return RateLimitDecision{Count: int(currentCount), RetryAfterSeconds: retryAfter}, nil
}
