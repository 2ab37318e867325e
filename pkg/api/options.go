// Package api exposes the coordinator, health snapshot and incident list
// over JSON HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jdziat/workgate/pkg/telemetry"
)

// Option configures the API handler.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	engineToken string
	retryAfter  time.Duration
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	middleware  func(http.Handler) http.Handler
}

// WithEngineToken requires engine routes to present this bearer token.
func WithEngineToken(token string) Option {
	return optionFunc(func(c *config) { c.engineToken = token })
}

// WithRetryAfter sets the Retry-After hint sent with backpressure refusals.
func WithRetryAfter(d time.Duration) Option {
	return optionFunc(func(c *config) { c.retryAfter = d })
}

// WithMetrics records request timings and serves /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(c *config) { c.metrics = m })
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithMiddleware wraps the handler with middleware (auth, tracing, etc.).
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return optionFunc(func(c *config) { c.middleware = mw })
}
