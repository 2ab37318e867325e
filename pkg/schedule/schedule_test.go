package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ──────────────────────────────────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────────────────────────────────

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestParseCron(t *testing.T) {
	s, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 8, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 15, 0, 0, time.UTC), s.Next(from))

	hourly, err := ParseCron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), hourly.Next(from))
}

func TestParseCron_InvalidExpression(t *testing.T) {
	_, err := ParseCron("invalid cron")
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Runner
// ──────────────────────────────────────────────────────────────────────────────

func TestRunner_RunsTasksUntilCancelled(t *testing.T) {
	var fast, immediate atomic.Int32
	r := NewRunner()
	r.Add(Task{Name: "fast", Schedule: Every(10 * time.Millisecond), Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}})
	r.Add(Task{Name: "slow", Schedule: Every(time.Hour), Immediate: true, Run: func(context.Context) error {
		immediate.Add(1)
		return nil
	}})
	assert.Equal(t, []string{"fast", "slow"}, r.Tasks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.EqualValues(t, 1, immediate.Load())
}

func TestRunner_FailuresAndPanicsAreAbsorbed(t *testing.T) {
	var (
		mu      sync.Mutex
		results = map[string][]error{}
	)
	r := NewRunner(OnRun(func(task string, err error) {
		mu.Lock()
		results[task] = append(results[task], err)
		mu.Unlock()
	}))
	r.Add(Task{Name: "boom", Schedule: Every(time.Hour), Run: func(context.Context) error {
		return errors.New("boom")
	}})
	r.Add(Task{Name: "panic", Schedule: Every(time.Hour), Run: func(context.Context) error {
		panic("bad")
	}})

	ctx := context.Background()
	assert.EqualError(t, r.RunOnce(ctx, "boom"), "boom")
	assert.EqualError(t, r.RunOnce(ctx, "panic"), "panic: bad")
	assert.Error(t, r.RunOnce(ctx, "missing"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results["boom"], 1)
	assert.Len(t, results["panic"], 1)
}

func TestRunner_TimeoutBoundsRun(t *testing.T) {
	r := NewRunner()
	r.Add(Task{Name: "slow", Schedule: Every(time.Hour), Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	err := r.RunOnce(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
