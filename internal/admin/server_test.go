package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbsync/internal/coordinator"
	"lbsync/internal/scheduler"
)

type fakeController struct {
	status      coordinator.Status
	health      *coordinator.SystemHealth
	checked     int
	frequent    coordinator.FrequentSyncResult
	fullCalls   int
	resetCalled bool
}

func (f *fakeController) SystemStatus(context.Context) coordinator.Status { return f.status }

func (f *fakeController) LastHealth() (coordinator.SystemHealth, bool) {
	if f.health == nil {
		return coordinator.SystemHealth{}, false
	}
	return *f.health, true
}

func (f *fakeController) CheckHealth(context.Context) coordinator.SystemHealth {
	f.checked++
	return coordinator.SystemHealth{Overall: coordinator.HealthHealthy}
}

func (f *fakeController) TriggerFullSync(context.Context) error {
	f.fullCalls++
	return nil
}

func (f *fakeController) TriggerFrequentSync(context.Context) coordinator.FrequentSyncResult {
	return f.frequent
}

func (f *fakeController) ResetRecovery() { f.resetCalled = true }

type fakeJobs struct{}

func (fakeJobs) CronJobStatus() []scheduler.JobStatus {
	return []scheduler.JobStatus{{Name: scheduler.JobFrequentSync, Spec: "*/5 * * * *", Health: scheduler.HealthHealthy}}
}

func (fakeJobs) PerformanceStats(name string) (scheduler.PerformanceStats, error) {
	if name != scheduler.JobFrequentSync {
		return scheduler.PerformanceStats{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, name)
	}
	return scheduler.PerformanceStats{Job: name, TotalExecutions: 4, SuccessRate: 75}, nil
}

func (fakeJobs) Executions(name string) []scheduler.Execution {
	return []scheduler.Execution{{ID: "a", Job: name, Status: scheduler.StatusSuccess}}
}

func newTestServer(ctrl *fakeController) *Server {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("lbsync_up 1\n"))
	})
	s := NewServer(Config{}, ctrl, fakeJobs{}, metrics, nil)
	s.background = func(fn func()) { fn() }
	return s
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthUsesLastCheck(t *testing.T) {
	ctrl := &fakeController{health: &coordinator.SystemHealth{Overall: coordinator.HealthUnhealthy}}
	s := newTestServer(ctrl)

	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, ctrl.checked)

	rec = do(t, s, http.MethodGet, "/healthz?fresh=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.checked)
}

func TestHealthChecksWhenNoneRecorded(t *testing.T) {
	ctrl := &fakeController{}
	rec := do(t, newTestServer(ctrl), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctrl.checked)
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{status: coordinator.Status{Running: true, Phase: coordinator.PhaseIdle}}
	rec := do(t, newTestServer(ctrl), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "idle", body["phase"])
}

func TestFrequentSyncStatusCodes(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{coordinator.StatusCompleted, http.StatusOK},
		{coordinator.StatusSkipped, http.StatusConflict},
		{coordinator.StatusFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ctrl := &fakeController{frequent: coordinator.FrequentSyncResult{Status: tt.status}}
			rec := do(t, newTestServer(ctrl), http.MethodPost, "/sync")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestFullSync(t *testing.T) {
	ctrl := &fakeController{status: coordinator.Status{Phase: coordinator.PhaseIdle}}
	s := newTestServer(ctrl)

	rec := do(t, s, http.MethodPost, "/sync?mode=full")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, ctrl.fullCalls)

	ctrl.status.Phase = coordinator.PhaseUpdatingStats
	rec = do(t, s, http.MethodPost, "/sync?mode=full")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, ctrl.fullCalls)

	rec = do(t, s, http.MethodPost, "/sync?mode=weekly")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncRequiresPost(t *testing.T) {
	rec := do(t, newTestServer(&fakeController{}), http.MethodGet, "/sync")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestResetRecovery(t *testing.T) {
	ctrl := &fakeController{}
	rec := do(t, newTestServer(ctrl), http.MethodPost, "/recovery/reset")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ctrl.resetCalled)
}

func TestJobs(t *testing.T) {
	s := newTestServer(&fakeController{})

	rec := do(t, s, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []scheduler.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.JobFrequentSync, jobs[0].Name)

	rec = do(t, s, http.MethodGet, "/jobs/frequent-sync/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats scheduler.PerformanceStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 4, stats.TotalExecutions)

	rec = do(t, s, http.MethodGet, "/jobs/nope/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/jobs/frequent-sync/executions")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	rec := do(t, newTestServer(&fakeController{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lbsync_up 1")
}
