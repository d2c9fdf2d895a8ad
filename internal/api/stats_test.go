package api

import (
	"net/http"
	"testing"

	"github.com/seantiz/forge/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/stats", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	stats := decode[statsResponse](t, resp)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	env := newTestEnv(t)

	done := env.submit(t, 2)
	env.runToEnd(t, done)
	env.submit(t, 1)

	resp := env.do(t, http.MethodGet, "/v1/stats", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	stats := decode[statsResponse](t, resp)
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 1 {
		t.Errorf("by_status[completed] = %d, want 1", stats.ByStatus[model.StatusCompleted])
	}
	if stats.ByStatus[model.StatusPending] != 1 {
		t.Errorf("by_status[pending] = %d, want 1", stats.ByStatus[model.StatusPending])
	}
	if stats.StepsByStatus[model.StatusCompleted] != 2 {
		t.Errorf("steps_by_status[completed] = %d, want 2", stats.StepsByStatus[model.StatusCompleted])
	}
	if stats.AvgStepAttempts != 0 {
		t.Errorf("avg_step_attempts = %f, want 0", stats.AvgStepAttempts)
	}
}
