package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	StepsByStatus   map[string]int `json:"steps_by_status"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	AvgStepAttempts float64        `json:"avg_step_attempts"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.CountByStatus,
		StepsByStatus:   stats.StepsByStatus,
		AvgDurationMS:   stats.AvgDurationMS,
		AvgStepAttempts: stats.AvgStepAttempts,
	})
}
