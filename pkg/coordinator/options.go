package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/workgate/pkg/backpressure"
	"github.com/jdziat/workgate/pkg/telemetry"
)

// LeasePolicy bounds the leases and attempt budgets the coordinator hands out.
type LeasePolicy struct {
	Default     time.Duration
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultLeasePolicy returns a five minute lease bounded to [30s, 1h] and
// three attempts per unit.
func DefaultLeasePolicy() LeasePolicy {
	return LeasePolicy{
		Default:     5 * time.Minute,
		Min:         30 * time.Second,
		Max:         time.Hour,
		MaxAttempts: 3,
	}
}

// Gatekeeper decides whether heavy submissions may proceed.
type Gatekeeper interface {
	AssessHeavySubmission(ctx context.Context, lane string) backpressure.Decision
}

// Option configures a Coordinator.
type Option interface {
	apply(*Coordinator)
}

type optionFunc func(*Coordinator)

func (f optionFunc) apply(c *Coordinator) { f(c) }

// WithLeasePolicy replaces the lease bounds.
func WithLeasePolicy(p LeasePolicy) Option {
	return optionFunc(func(c *Coordinator) { c.policy = p })
}

// WithGate checks submissions to non-critical lanes against gate.
func WithGate(gate Gatekeeper) Option {
	return optionFunc(func(c *Coordinator) { c.gate = gate })
}

// WithCriticalLanes lists lanes that bypass backpressure.
func WithCriticalLanes(lanes ...string) Option {
	return optionFunc(func(c *Coordinator) { c.criticalLanes = lanes })
}

// WithMetrics records claims, transitions and fencing rejections.
func WithMetrics(m *telemetry.Metrics) Option {
	return optionFunc(func(c *Coordinator) { c.metrics = m })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Coordinator) { c.logger = l })
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Coordinator) { c.now = now })
}

// WithTokenSource replaces claim token generation.
func WithTokenSource(fn func() string) Option {
	return optionFunc(func(c *Coordinator) { c.newToken = fn })
}
