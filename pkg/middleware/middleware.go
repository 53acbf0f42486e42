// Package middleware 提供 Gin 通用中间件（请求日志、panic recover、限流）
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wyfcoding/perpetual/pkg/logger"
	"github.com/wyfcoding/perpetual/pkg/ratelimit"
)

// RequestIDHeader 请求 ID 头，上游已携带时沿用
const RequestIDHeader = "X-Request-ID"

// RequestIDKey gin context 中的请求 ID
const RequestIDKey = "request_id"

// RequestLogging 生成请求 ID 并记录访问日志
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status_code", status,
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn(ctx, "HTTP request completed", args...)
			return
		}
		logger.Debug(ctx, "HTTP request completed", args...)
	}
}

// Recovery panic 恢复，返回 500 与请求 ID
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "HTTP request panicked", "path", c.Request.URL.Path, "panic", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":       http.StatusInternalServerError,
					"message":    "internal server error",
					"request_id": c.GetString(RequestIDKey),
				})
			}
		}()
		c.Next()
	}
}

// RateLimitConfig 按客户端 IP 限流
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Rate    int           `mapstructure:"rate"`
	Period  time.Duration `mapstructure:"period"`
}

// RateLimit 限流中间件，限流器故障时放行
func RateLimit(limiter ratelimit.RateLimiter, cfg RateLimitConfig) gin.HandlerFunc {
	limit := ratelimit.Limit{Rate: cfg.Rate, Period: cfg.Period}
	return func(c *gin.Context) {
		if !cfg.Enabled || limiter == nil {
			c.Next()
			return
		}

		res, err := limiter.Allow(c.Request.Context(), c.ClientIP(), limit)
		if err != nil {
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetAfter/time.Second), 10))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64((res.RetryAfter+time.Second-1)/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        http.StatusTooManyRequests,
				"message":     "too many requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}

		c.Next()
	}
}
