// Package ratelimit 基于 Redis 固定窗口计数的限流器，多实例共享配额
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter 限流器接口
type RateLimiter interface {
	// Allow 对 key 计数一次并判断是否放行
	Allow(ctx context.Context, key string, limit Limit) (*Result, error)
}

// Limit 每个 Period 最多 Rate 次
type Limit struct {
	Rate   int
	Period time.Duration
}

// PerSecond 每秒 rate 次
func PerSecond(rate int) Limit {
	return Limit{Rate: rate, Period: time.Second}
}

// Result 限流判断结果
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// 窗口内首次计数时设置过期时间，返回 {计数, 剩余毫秒}
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisRateLimiter 使用 Redis 实现 RateLimiter
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateLimiter 创建 RedisRateLimiter，prefix 为计数键前缀
func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Allow 计数并判断是否放行
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit Limit) (*Result, error) {
	if limit.Rate <= 0 || limit.Period <= 0 {
		return &Result{Allowed: true}, nil
	}
	window := limit.Period.Milliseconds()
	if window < 1 {
		window = 1
	}
	vals, err := incrWindow.Run(ctx, r.client, []string{r.prefix + key}, window).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond

	res := &Result{
		Allowed:    count <= limit.Rate,
		Remaining:  max(limit.Rate-count, 0),
		ResetAfter: ttl,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}
