package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"carwash/pkg/log"
	"carwash/pkg/utils"
)

// RateLimitConfig rate limiting middleware configuration
type RateLimitConfig struct {
	// Rate requests per second
	Rate float64
	// Burst maximum burst size
	Burst int
	// MaxKeys bounds the number of tracked keys, least recently used first out
	MaxKeys int
	// KeyFunc function to generate rate limit key
	KeyFunc func(c *gin.Context) string
}

// DefaultRateLimitConfig default rate limiting configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:    20,
		Burst:   40,
		MaxKeys: 4096,
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	}
}

// RateLimitWithConfig rate limiting middleware with configuration
func RateLimitWithConfig(config RateLimitConfig) gin.HandlerFunc {
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultRateLimitConfig().MaxKeys
	}
	if config.KeyFunc == nil {
		config.KeyFunc = DefaultRateLimitConfig().KeyFunc
	}
	limiters, _ := lru.New[string, *rate.Limiter](config.MaxKeys)

	return func(c *gin.Context) {
		key := config.KeyFunc(c)

		limiter, ok := limiters.Get(key)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(config.Rate), config.Burst)
			// another request may have raced us to the same key
			if prev, found, _ := limiters.PeekOrAdd(key, limiter); found {
				limiter = prev
			}
		}

		if !limiter.Allow() {
			log.WithFields(logrus.Fields{
				"key":    key,
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("Rate limit exceeded")

			c.Header("X-RateLimit-Limit", strconv.FormatFloat(config.Rate, 'f', 0, 64))
			c.Header("Retry-After", "1")
			utils.Error(c, utils.CodeTooMany, "Too many requests")
			return
		}

		c.Next()
	}
}

// DeviceRateLimit limits requests per :device_id path parameter, falling back
// to the client IP on routes without one.
func DeviceRateLimit(rps float64, burst int) gin.HandlerFunc {
	config := DefaultRateLimitConfig()
	config.Rate = rps
	config.Burst = burst
	config.KeyFunc = func(c *gin.Context) string {
		if id := c.Param("device_id"); id != "" {
			return "device:" + id
		}
		return c.ClientIP()
	}
	return RateLimitWithConfig(config)
}
