package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/forge/internal/auth"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/planner"
)

// submitResponse is the 202 body for accepted goals.
type submitResponse struct {
	ExecutionID string `json:"executionId"`
}

// handleSubmitGoal plans and stores the goal, then starts it in the
// background. The response returns as soon as the execution is persisted.
func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	var goal model.Goal
	if err := json.NewDecoder(r.Body).Decode(&goal); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid goal: "+err.Error())
		return
	}

	id, err := s.engine.Submit(r.Context(), goal)
	switch {
	case errors.Is(err, planner.ErrEmptyGoal), errors.Is(err, planner.ErrUnknownTemplate):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && id == "":
		s.logger.Error("submit goal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create execution")
		return
	case err != nil:
		// Stored but not started; the sweeper picks it up.
		s.logger.Warn("goal dispatch failed", "execution_id", id, "error", err)
	}

	s.logger.Info("goal accepted", "execution_id", id, "title", goal.Title, "subject", subjectOf(r))
	s.writeJSON(w, http.StatusAccepted, submitResponse{ExecutionID: id})
}

func subjectOf(r *http.Request) string {
	return auth.FromContext(r.Context()).Subject
}
