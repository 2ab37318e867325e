package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/workgate/pkg/api"
	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/storage"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

// newTestServer runs the real API over in-memory storage.
func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewGormStorageWithPool(db, storage.MaxOpenConns(1))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	coord := coordinator.New(store, coordinator.WithLogger(quietLogger))
	srv := httptest.NewServer(api.Handler(api.Services{Coordinator: coord},
		api.WithLogger(quietLogger), api.WithEngineToken("tok")))
	t.Cleanup(srv.Close)
	return srv, coord
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry
// ──────────────────────────────────────────────────────────────────────────────

func TestRetryWithBackoff_RetriesTransientOnly(t *testing.T) {
	var attempts int
	err := retryWithBackoff(context.Background(), fastRetry(), func() error {
		attempts++
		return &APIError{Status: 409, Code: api.CodeInvalidToken}
	})
	assert.ErrorIs(t, err, core.ErrInvalidToken)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = retryWithBackoff(context.Background(), fastRetry(), func() error {
		attempts++
		if attempts < 3 {
			return &APIError{Status: 502}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoff_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour

	err := retryWithBackoff(ctx, cfg, func() error { return errors.New("connection reset") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("dial tcp: refused")))
	assert.True(t, IsTransient(&APIError{Status: 503}))
	assert.True(t, IsTransient(&APIError{Status: 429}))
	assert.False(t, IsTransient(&APIError{Status: 422}))
}

// ──────────────────────────────────────────────────────────────────────────────
// Client against the real API
// ──────────────────────────────────────────────────────────────────────────────

func TestClient_ClaimAndComplete(t *testing.T) {
	srv, coord := newTestServer(t)
	ctx := context.Background()
	c := New(srv.URL, WithToken("tok"), WithRetry(fastRetry()))

	_, err := coord.Submit(ctx, coordinator.SubmitRequest{JobID: "job-1"})
	require.NoError(t, err)

	_, err = c.Heartbeat(ctx, coordinator.HeartbeatRequest{Name: "engine-1"})
	require.NoError(t, err)

	cl, err := c.ClaimNext(ctx, coordinator.ClaimRequest{WorkerName: "engine-1"})
	require.NoError(t, err)
	require.NotNil(t, cl)
	assert.NotEmpty(t, cl.Token)
	assert.False(t, cl.LeaseExpiresAt.IsZero())

	u, err := c.Complete(ctx, coordinator.CompleteRequest{UnitID: cl.Unit.ID, Token: cl.Token, WorkerName: "engine-1"})
	require.NoError(t, err)
	assert.Equal(t, core.UnitCompleted, u.Status)

	_, err = c.Complete(ctx, coordinator.CompleteRequest{UnitID: cl.Unit.ID, Token: cl.Token, WorkerName: "engine-1"})
	assert.ErrorIs(t, err, core.ErrAlreadyTerminal)

	cl, err = c.ClaimNext(ctx, coordinator.ClaimRequest{WorkerName: "engine-1"})
	require.NoError(t, err)
	assert.Nil(t, cl)
}

func TestClient_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	c := New(srv.URL, WithRetry(fastRetry()))

	_, err := c.Heartbeat(context.Background(), coordinator.HeartbeatRequest{Name: "engine-1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.NotEmpty(t, apiErr.CorrelationID)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetry(fastRetry()))
	cl, err := c.ClaimNext(context.Background(), coordinator.ClaimRequest{WorkerName: "engine-1"})
	require.NoError(t, err)
	assert.Nil(t, cl)
	assert.Equal(t, int32(3), calls.Load())
}

// ──────────────────────────────────────────────────────────────────────────────
// Poller
// ──────────────────────────────────────────────────────────────────────────────

func TestPoller_PollOnce(t *testing.T) {
	srv, coord := newTestServer(t)
	ctx := context.Background()
	c := New(srv.URL, WithToken("tok"), WithRetry(fastRetry()))

	_, err := coord.Submit(ctx, coordinator.SubmitRequest{JobID: "job-1", Chunks: 3, MaxAttempts: 2})
	require.NoError(t, err)
	_, err = c.Heartbeat(ctx, coordinator.HeartbeatRequest{Name: "engine-1"})
	require.NoError(t, err)

	p := NewPoller(c, PollerConfig{Worker: coordinator.HeartbeatRequest{Name: "engine-1"}},
		func(ctx context.Context, task *Task) (map[string]string, error) {
			require.NoError(t, task.Log(ctx, core.LevelInfo, "processing", map[string]string{"ordinal": "x"}))
			switch task.Unit.Ordinal {
			case 0:
				return map[string]string{"out": "a"}, nil
			case 1:
				return nil, Permanent(errors.New("corrupt input"))
			default:
				panic("handler bug")
			}
		}, quietLogger)

	for range 3 {
		claimed, err := p.PollOnce(ctx)
		require.NoError(t, err)
		assert.True(t, claimed)
	}

	units, err := coord.JobUnits(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, core.UnitCompleted, units[0].Status)
	assert.Equal(t, core.UnitFailed, units[1].Status)
	assert.Equal(t, "corrupt input", units[1].LastError)
	assert.Equal(t, core.UnitPending, units[2].Status, "a panic is a retryable failure")
	assert.Equal(t, "panic: handler bug", units[2].LastError)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	srv, coord := newTestServer(t)
	c := New(srv.URL, WithToken("tok"), WithRetry(fastRetry()))
	_, err := coord.Submit(context.Background(), coordinator.SubmitRequest{JobID: "job-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p := NewPoller(c, PollerConfig{
		Worker:       coordinator.HeartbeatRequest{Name: "engine-1"},
		PollInterval: 5 * time.Millisecond,
	}, func(context.Context, *Task) (map[string]string, error) {
		close(done)
		return nil, nil
	}, quietLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
