package broker

import (
	"context"
	"time"
)

// BacklogReader is the slice of the storage layer the table probe needs.
type BacklogReader interface {
	Ping(ctx context.Context) error
	LaneBacklog(ctx context.Context, lane string) (int64, *time.Time, error)
}

// TableProbe reads lane depth from pending work units in the database.
type TableProbe struct {
	store BacklogReader
	now   func() time.Time
}

// NewTableProbe creates a probe over the unit table.
func NewTableProbe(store BacklogReader) *TableProbe {
	return &TableProbe{store: store, now: time.Now}
}

func (p *TableProbe) Driver() string { return DriverDatabase }

func (p *TableProbe) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *TableProbe) LaneStats(ctx context.Context, lane string) (LaneStats, error) {
	depth, oldest, err := p.store.LaneBacklog(ctx, lane)
	if err != nil {
		return LaneStats{}, err
	}
	stats := LaneStats{Depth: depth}
	if oldest != nil {
		age := max(p.now().Sub(*oldest), 0)
		stats.OldestAge = &age
	}
	return stats, nil
}

var _ Probe = (*TableProbe)(nil)
