package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Use(NewCustomRateLimiter(3, time.Minute, "slow down"))
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestTriggerRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Post("/api/sync/run", NewTriggerRateLimiter(RateLimiterConfig{TriggerBurst: 2, TriggerWindow: time.Hour}), func(c *fiber.Ctx) error {
		return c.SendString("started")
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/sync/run", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 200, fiber.StatusTooManyRequests}, codes)
}

func TestHTTPMetrics(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())
	app := fiber.New()
	app.Use(m.Handler())
	app.Get("/items/:id", func(c *fiber.Ctx) error {
		return c.SendString(c.Params("id"))
	})
	app.Get("/fail", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "nope")
	})

	for _, path := range []string{"/items/1", "/items/2", "/fail"} {
		_, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("GET", "/items/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("GET", "/fail", "400")))
}
