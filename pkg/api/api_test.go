package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/workgate/pkg/backpressure"
	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/incident"
	"github.com/jdziat/workgate/pkg/storage"
	"github.com/jdziat/workgate/pkg/telemetry"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type staticHealth struct {
	report core.HealthReport
	err    error
}

func (h staticHealth) Snapshot(context.Context) (core.HealthReport, error) { return h.report, h.err }

type blockingGate struct{}

func (blockingGate) AssessHeavySubmission(context.Context, string) backpressure.Decision {
	return backpressure.Decision{
		Blocked: true,
		Reason:  "Lane render is not draining",
		Issue:   &core.Issue{Key: "lane_oldest_age_high:render"},
	}
}

type testEnv struct {
	handler http.Handler
	store   *storage.GormStorage
	coord   *coordinator.Coordinator
	tracker *incident.Tracker
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewGormStorageWithPool(db, storage.MaxOpenConns(1))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	coord := coordinator.New(store,
		coordinator.WithGate(blockingGate{}),
		coordinator.WithCriticalLanes("default"),
		coordinator.WithLogger(quietLogger),
	)
	tracker := incident.NewTracker(store, incident.WithLogger(quietLogger))
	report := core.HealthReport{CheckedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	report.Finalize()

	base := []Option{WithLogger(quietLogger)}
	h := Handler(Services{
		Coordinator: coord,
		Health:      staticHealth{report: report},
		Incidents:   tracker,
	}, append(base, opts...)...)
	return &testEnv{handler: h, store: store, coord: coord, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rw := httptest.NewRecorder()
	e.handler.ServeHTTP(rw, req)
	return rw
}

func decodeBody[T any](t *testing.T, rw *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rw.Body).Decode(&v), rw.Body.String())
	return v
}

func (e *testEnv) heartbeatAndClaim(t *testing.T, worker string) ClaimResponse {
	t.Helper()
	rw := e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": worker, "address": "10.0.0.5:7000"})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	rw = e.do(t, http.MethodPost, "/v1/engine/claim", map[string]any{"worker_name": worker})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	return decodeBody[ClaimResponse](t, rw)
}

// ──────────────────────────────────────────────────────────────────────────────
// Engine routes
// ──────────────────────────────────────────────────────────────────────────────

func TestEngineFlow_SubmitClaimComplete(t *testing.T) {
	e := newTestEnv(t)

	rw := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{"job_id": "job-7", "chunks": 2}, "X-Actor", "scheduler")
	require.Equal(t, http.StatusCreated, rw.Code, rw.Body.String())
	sub := decodeBody[SubmitResponse](t, rw)
	assert.Equal(t, "job-7", sub.JobID)
	assert.Len(t, sub.Units, 2)

	claimed := e.heartbeatAndClaim(t, "engine-1")
	require.NotNil(t, claimed.Unit)
	assert.NotEmpty(t, claimed.Token)
	assert.Equal(t, 0, claimed.Unit.Ordinal)
	require.NotNil(t, claimed.LeaseExpiresAt)

	rw = e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/complete", map[string]any{
		"token": claimed.Token, "worker_name": "engine-1", "outputs": map[string]string{"file": "out/0.bin"},
	})
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	done := decodeBody[core.WorkUnit](t, rw)
	assert.Equal(t, core.UnitCompleted, done.Status)

	rw = e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/complete", map[string]any{
		"token": claimed.Token, "worker_name": "engine-1",
	})
	assert.Equal(t, http.StatusConflict, rw.Code)
	assert.Equal(t, CodeTerminal, decodeBody[ErrorBody](t, rw).Error.Code)

	rw = e.do(t, http.MethodGet, "/v1/jobs/job-7/units", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Len(t, decodeBody[[]core.WorkUnit](t, rw), 2)
}

func TestClaim_NoContentWhenEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": "engine-1"})

	rw := e.do(t, http.MethodPost, "/v1/engine/claim", map[string]any{"worker_name": "engine-1"})
	assert.Equal(t, http.StatusNoContent, rw.Code)
	assert.Zero(t, rw.Body.Len())
}

func TestClaim_UnknownWorker(t *testing.T) {
	e := newTestEnv(t)
	rw := e.do(t, http.MethodPost, "/v1/engine/claim", map[string]any{"worker_name": "ghost"})
	assert.Equal(t, http.StatusNotFound, rw.Code)
	assert.Equal(t, CodeUnknown, decodeBody[ErrorBody](t, rw).Error.Code)
}

func TestFail_WrongTokenConflict(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/jobs", map[string]any{})
	claimed := e.heartbeatAndClaim(t, "engine-1")

	rw := e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/fail", map[string]any{
		"token": "stale", "worker_name": "engine-1", "error": "boom",
	})
	assert.Equal(t, http.StatusConflict, rw.Code)
	assert.Equal(t, CodeInvalidToken, decodeBody[ErrorBody](t, rw).Error.Code)

	rw = e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/fail", map[string]any{
		"token": claimed.Token, "worker_name": "engine-1", "error": "boom", "retryable": true,
	})
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, core.UnitPending, decodeBody[core.WorkUnit](t, rw).Status)
}

func TestValidationErrorCarriesFieldsAndCorrelationID(t *testing.T) {
	e := newTestEnv(t)

	rw := e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": ""}, "X-Request-Id", "req-42")

	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)
	assert.Equal(t, "req-42", rw.Header().Get("X-Request-Id"))
	body := decodeBody[ErrorBody](t, rw)
	assert.Equal(t, CodeValidation, body.Error.Code)
	assert.Contains(t, body.Error.Fields, "name")
	assert.Equal(t, "req-42", body.CorrelationID)
}

func TestCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	e := newTestEnv(t)
	rw := e.do(t, http.MethodPost, "/v1/units/nope/events", map[string]any{
		"worker_name": "engine-1", "level": "info", "message": "hello",
	})
	assert.Equal(t, http.StatusNotFound, rw.Code)
	id := rw.Header().Get("X-Request-Id")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, decodeBody[ErrorBody](t, rw).CorrelationID)
}

func TestMalformedJSON(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/engine/heartbeat", bytes.NewBufferString("{not json"))
	rw := httptest.NewRecorder()
	e.handler.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestLogEvent_RejectsUnknownLevel(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/jobs", map[string]any{})
	claimed := e.heartbeatAndClaim(t, "engine-1")

	rw := e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/events", map[string]any{
		"worker_name": "engine-1", "level": "fatal", "message": "x",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)

	rw = e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/events", map[string]any{
		"worker_name": "engine-1", "level": "warning", "message": "slow", "context": map[string]string{"page": "3"},
	})
	assert.Equal(t, http.StatusCreated, rw.Code)
}

func TestEngineToken(t *testing.T) {
	e := newTestEnv(t, WithEngineToken("s3cret"))

	rw := e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": "engine-1"})
	assert.Equal(t, http.StatusUnauthorized, rw.Code)

	rw = e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": "engine-1"}, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rw.Code)

	rw = e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": "engine-1"}, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rw.Code)

	rw = e.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, rw.Code, "non-engine routes are not token protected")
}

// ──────────────────────────────────────────────────────────────────────────────
// Submission backpressure
// ──────────────────────────────────────────────────────────────────────────────

func TestSubmit_BackpressureReturns503(t *testing.T) {
	e := newTestEnv(t, WithRetryAfter(90*time.Second))

	rw := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{"lane": "render", "chunks": 4})

	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Equal(t, "90", rw.Header().Get("Retry-After"))
	body := decodeBody[ErrorBody](t, rw)
	assert.Equal(t, CodeBackpressure, body.Error.Code)
	assert.Equal(t, "lane_oldest_age_high:render", body.Error.IssueKey)
}

// ──────────────────────────────────────────────────────────────────────────────
// Admin routes
// ──────────────────────────────────────────────────────────────────────────────

func TestAdmin_RequiresActor(t *testing.T) {
	e := newTestEnv(t)
	rw := e.do(t, http.MethodPost, "/v1/admin/units/x/requeue", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)
	assert.Contains(t, decodeBody[ErrorBody](t, rw).Error.Fields, "actor")
}

func TestAdmin_OverridesAndAudit(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/jobs", map[string]any{})
	claimed := e.heartbeatAndClaim(t, "engine-1")
	id := claimed.Unit.ID

	rw := e.do(t, http.MethodPost, "/v1/admin/units/"+id+"/force-pending", nil, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.Equal(t, core.UnitPending, decodeBody[core.WorkUnit](t, rw).Status)

	rw = e.do(t, http.MethodPost, "/v1/admin/units/"+id+"/mark-failed", map[string]string{"reason": "bad upload"}, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, rw.Code)
	failed := decodeBody[core.WorkUnit](t, rw)
	assert.Equal(t, core.UnitFailed, failed.Status)
	assert.Equal(t, "bad upload", failed.LastError)

	rw = e.do(t, http.MethodPost, "/v1/admin/units/"+id+"/requeue", nil, "X-Actor", "bob")
	require.Equal(t, http.StatusOK, rw.Code)

	rw = e.do(t, http.MethodGet, "/v1/admin/units/"+id+"/audit?limit=2", nil, "X-Actor", "bob")
	require.Equal(t, http.StatusOK, rw.Code)
	audit := decodeBody[[]core.AuditEntry](t, rw)
	require.Len(t, audit, 2)
	assert.Equal(t, core.ActionRequeued, audit[0].Action)
	assert.Equal(t, "bob", audit[0].Actor)
	assert.Equal(t, core.ActionMarkedFailed, audit[1].Action)

	rw = e.do(t, http.MethodGet, "/v1/admin/units/"+id+"/audit?limit=abc", nil, "X-Actor", "bob")
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestAdmin_ForcePendingOnCompletedConflicts(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/jobs", map[string]any{})
	claimed := e.heartbeatAndClaim(t, "engine-1")
	e.do(t, http.MethodPost, "/v1/units/"+claimed.Unit.ID+"/complete", map[string]any{"token": claimed.Token, "worker_name": "engine-1"})

	rw := e.do(t, http.MethodPost, "/v1/admin/units/"+claimed.Unit.ID+"/force-pending", nil, "X-Actor", "alice")
	assert.Equal(t, http.StatusConflict, rw.Code)
}

func TestAdmin_Drain(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodPost, "/v1/engine/heartbeat", map[string]any{"name": "engine-1"})

	rw := e.do(t, http.MethodPost, "/v1/admin/workers/engine-1/drain", map[string]bool{"drain": true}, "X-Actor", "alice")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.True(t, decodeBody[core.EngineWorker](t, rw).DrainMode)

	rw = e.do(t, http.MethodPost, "/v1/admin/workers/ghost/drain", nil, "X-Actor", "alice")
	assert.Equal(t, http.StatusNotFound, rw.Code)
}

// ──────────────────────────────────────────────────────────────────────────────
// Health, incidents and metrics
// ──────────────────────────────────────────────────────────────────────────────

func TestHealthSnapshot(t *testing.T) {
	e := newTestEnv(t)
	rw := e.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	report := decodeBody[core.HealthReport](t, rw)
	assert.Equal(t, core.HealthHealthy, report.Status)
	assert.NotNil(t, report.Issues)
}

func TestHealthSnapshot_Error(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	h := Handler(Services{
		Coordinator: coordinator.New(storage.NewGormStorage(db)),
		Health:      staticHealth{err: errors.New("boom")},
	}, WithLogger(quietLogger))

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rw.Code)
}

func TestIncidents(t *testing.T) {
	e := newTestEnv(t)
	r := core.HealthReport{CheckedAt: time.Now().UTC(), Issues: []core.Issue{{Key: "broker_unavailable", Severity: core.SeverityCritical, Title: "Broker down"}}}
	r.Finalize()
	_, err := e.tracker.Sync(context.Background(), r)
	require.NoError(t, err)

	rw := e.do(t, http.MethodGet, "/v1/incidents?status=detected", nil)
	require.Equal(t, http.StatusOK, rw.Code)
	incidents := decodeBody[[]core.Incident](t, rw)
	require.Len(t, incidents, 1)
	assert.Equal(t, "broker_unavailable", incidents[0].IssueKey)

	rw = e.do(t, http.MethodGet, "/v1/incidents?status=open", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rw.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := telemetry.NewMetrics(prometheus.NewRegistry(), "workgate")
	e := newTestEnv(t, WithMetrics(m))

	e.do(t, http.MethodGet, "/v1/health", nil)
	rw := e.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), `workgate_http_requests_total{code="200",route="/v1/health"}`)
}
