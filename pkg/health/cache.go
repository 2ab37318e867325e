package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/kv"
)

// ReportKey is where the latest report is cached.
const ReportKey = "health:report:latest"

// ReportCache keeps the latest report in the key-value store so every
// process serves the same view.
type ReportCache struct {
	store kv.Store
	ttl   time.Duration
}

// NewReportCache creates a cache. A ttl <= 0 uses ten minutes.
func NewReportCache(store kv.Store, ttl time.Duration) *ReportCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReportCache{store: store, ttl: ttl}
}

// Save replaces the cached report.
func (c *ReportCache) Save(ctx context.Context, r core.HealthReport) error {
	if err := kv.SetJSON(ctx, c.store, ReportKey, r, c.ttl); err != nil {
		return fmt.Errorf("health: cache report: %w", err)
	}
	return nil
}

// Latest returns the cached report, or nil when none is cached.
func (c *ReportCache) Latest(ctx context.Context) (*core.HealthReport, error) {
	r, found, err := kv.GetJSON[core.HealthReport](ctx, c.store, ReportKey)
	if err != nil {
		return nil, fmt.Errorf("health: read cached report: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &r, nil
}
