package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list holding a lane's pending payloads.
// Producers LPUSH, so the oldest payload sits at the tail.
func QueueKey(lane string) string { return "queues:" + lane }

// RedisProbe reads lane depth from Redis lists.
type RedisProbe struct {
	rdb r.UniversalClient
	now func() time.Time
}

// NewRedisProbe creates a probe over rdb.
func NewRedisProbe(rdb r.UniversalClient) *RedisProbe {
	return &RedisProbe{rdb: rdb, now: time.Now}
}

func (p *RedisProbe) Driver() string { return DriverRedis }

func (p *RedisProbe) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// LaneStats returns the list length and the age of the tail payload.
func (p *RedisProbe) LaneStats(ctx context.Context, lane string) (LaneStats, error) {
	key := QueueKey(lane)
	depth, err := p.rdb.LLen(ctx, key).Result()
	if err != nil {
		return LaneStats{}, fmt.Errorf("broker: llen %s: %w", key, err)
	}
	stats := LaneStats{Depth: depth}
	if depth == 0 {
		return stats, nil
	}

	raw, err := p.rdb.LIndex(ctx, key, -1).Result()
	if errors.Is(err, r.Nil) {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("broker: lindex %s: %w", key, err)
	}
	if pushed, ok := pushedAt(raw); ok {
		age := max(p.now().Sub(pushed), 0)
		stats.OldestAge = &age
	}
	return stats, nil
}

// pushedAt extracts the enqueue time from a payload. Both unix seconds and
// RFC 3339 strings are accepted.
func pushedAt(payload string) (time.Time, bool) {
	var body struct {
		PushedAt json.RawMessage `json:"pushed_at"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil || len(body.PushedAt) == 0 {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseFloat(string(body.PushedAt), 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), true
	}
	var s string
	if err := json.Unmarshal(body.PushedAt, &s); err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

var _ Probe = (*RedisProbe)(nil)
