package broker

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/jdziat/workgate/pkg/core"
)

// SupervisorsKey is the sorted set of supervisor heartbeats, scored by unix time.
const SupervisorsKey = "supervisors:heartbeats"

// RedisSupervisors tracks supervisor heartbeats in a Redis sorted set.
type RedisSupervisors struct {
	rdb        r.UniversalClient
	staleAfter time.Duration
	now        func() time.Time
}

// NewRedisSupervisors creates a registry. A supervisor whose last heartbeat
// is older than staleAfter is not active.
func NewRedisSupervisors(rdb r.UniversalClient, staleAfter time.Duration) *RedisSupervisors {
	return &RedisSupervisors{rdb: rdb, staleAfter: staleAfter, now: time.Now}
}

// Register records a heartbeat for name.
func (s *RedisSupervisors) Register(ctx context.Context, name string) error {
	return s.rdb.ZAdd(ctx, SupervisorsKey, r.Z{
		Score:  float64(s.now().Unix()),
		Member: name,
	}).Err()
}

// ActiveSupervisors returns the names with a fresh heartbeat, sorted.
func (s *RedisSupervisors) ActiveSupervisors(ctx context.Context) ([]string, error) {
	floor := s.now().Add(-s.staleAfter).Unix()
	names, err := s.rdb.ZRangeByScore(ctx, SupervisorsKey, &r.ZRangeBy{
		Min: strconv.FormatInt(floor, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list supervisors: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Prune drops heartbeats older than the stale window.
func (s *RedisSupervisors) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.staleAfter).Unix()
	return s.rdb.ZRemRangeByScore(ctx, SupervisorsKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
}

// WorkerLister is the slice of the storage layer EngineSupervisors needs.
type WorkerLister interface {
	ListWorkers(ctx context.Context) ([]*core.EngineWorker, error)
}

// EngineSupervisors treats registered engine workers with a fresh heartbeat
// as the active supervisors. Used when supervisors do not report to Redis.
type EngineSupervisors struct {
	workers    WorkerLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewEngineSupervisors creates a registry over engine worker registrations.
func NewEngineSupervisors(workers WorkerLister, staleAfter time.Duration) *EngineSupervisors {
	return &EngineSupervisors{workers: workers, staleAfter: staleAfter, now: time.Now}
}

func (s *EngineSupervisors) ActiveSupervisors(ctx context.Context) ([]string, error) {
	workers, err := s.workers.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: list workers: %w", err)
	}
	now := s.now()
	var names []string
	for _, w := range workers {
		if w.IsActive && !w.Stale(now, s.staleAfter) {
			names = append(names, w.Name)
		}
	}
	slices.Sort(names)
	return names, nil
}

var (
	_ SupervisorRegistry = (*RedisSupervisors)(nil)
	_ SupervisorRegistry = (*EngineSupervisors)(nil)
)
