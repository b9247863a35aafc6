package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics counts API requests by method, route, and status
type HTTPMetrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the request metrics on reg
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hamap_http_requests_total",
				Help: "Total number of API requests by method, route, and status",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hamap_http_request_duration_seconds",
				Help:    "Histogram of request durations by method and route",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
	}
}

// Handler returns the fiber middleware recording each request
func (m *HTTPMetrics) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		// route pattern keeps label cardinality bounded
		route := c.Route().Path
		method := c.Method()
		m.RequestCount.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return err
	}
}
