// Package middleware holds fiber middleware for the add-on API.
package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds the limits for the API
type RateLimiterConfig struct {
	GeneralLimit  int
	GeneralWindow time.Duration

	// Burst and refill for endpoints that start remote work (sync runs, device login)
	TriggerBurst  int
	TriggerWindow time.Duration
}

// DefaultRateLimiterConfig returns the defaults
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralLimit:  120,
		GeneralWindow: time.Minute,
		TriggerBurst:  5,
		TriggerWindow: time.Minute,
	}
}

// NewRateLimiter creates a fixed-window limiter per client IP
func NewRateLimiter(config RateLimiterConfig) fiber.Handler {
	return NewCustomRateLimiter(config.GeneralLimit, config.GeneralWindow, "Too many requests. Please try again later.")
}

// NewCustomRateLimiter creates a custom rate limiter with specific parameters
func NewCustomRateLimiter(limit int, window time.Duration, message string) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        limit,
		Expiration: window,
		LimitReached: func(c *fiber.Ctx) error {
			return limitReached(c, message, window)
		},
	})
}

// NewTriggerRateLimiter is a token bucket per client IP: TriggerBurst requests at once,
// refilled evenly over TriggerWindow.
func NewTriggerRateLimiter(config RateLimiterConfig) fiber.Handler {
	burst := max(config.TriggerBurst, 1)
	window := config.TriggerWindow
	if window <= 0 {
		window = time.Minute
	}
	every := rate.Every(window / time.Duration(burst))

	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)

	return func(c *fiber.Ctx) error {
		key := c.IP()

		mu.Lock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(every, burst)
			limiters[key] = l
		}
		mu.Unlock()

		if !l.Allow() {
			return limitReached(c, "Too many sync or login requests. Please try again later.", window/time.Duration(burst))
		}
		return c.Next()
	}
}

func limitReached(c *fiber.Ctx, message string, retryAfter time.Duration) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"success": false,
		"status":  "rate_limited",
		"message": message,
	})
}
