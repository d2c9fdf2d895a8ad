package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listExecutionsResponse is the JSON response for GET /v1/executions.
type listExecutionsResponse struct {
	Executions []*model.Execution `json:"executions"`
	Total      int                `json:"total"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// runResponse is the JSON response for POST /v1/executions/{id}/run. Step is
// null when nothing was claimable.
type runResponse struct {
	Step      *model.Step      `json:"step"`
	Execution *model.Execution `json:"execution"`
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	execs, total, err := s.store.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*model.Execution{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: execs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}

	steps, err := s.store.ListSteps(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("list steps", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	if steps == nil {
		steps = []*model.Step{}
	}
	s.writeJSON(w, http.StatusOK, steps)
}

// handleRunExecution advances the execution by one step synchronously.
func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	if model.IsTerminal(exec.Status) {
		s.writeError(w, http.StatusConflict, "execution is "+exec.Status)
		return
	}

	step, err := s.engine.Scheduler().RunNextStep(r.Context(), exec.ID)
	if err != nil {
		s.logger.Error("run next step", "execution_id", exec.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run step")
		return
	}

	id := exec.ID
	exec, err = s.store.GetExecution(r.Context(), id)
	if err != nil {
		s.logger.Error("reload execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}
	s.writeJSON(w, http.StatusOK, runResponse{Step: step, Execution: exec})
}

func (s *Server) handleRerunExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	newID, err := s.engine.Rerun(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	case errors.Is(err, engine.ErrNotTerminal):
		s.writeError(w, http.StatusConflict, "execution is still active")
		return
	case err != nil && newID == "":
		s.logger.Error("rerun execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to rerun execution")
		return
	case err != nil:
		s.logger.Warn("rerun dispatch failed", "execution_id", newID, "error", err)
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{ExecutionID: newID})
}

func (s *Server) handleAbortExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req abortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := s.engine.Abort(r.Context(), id, req.Reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "execution not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "execution already finished")
		default:
			s.logger.Error("abort execution", "execution_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to abort execution")
		}
		return
	}

	s.logger.Info("execution aborted", "execution_id", id, "subject", subjectOf(r))
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePurgeExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.store.PurgeExecution(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "execution not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "execution is still active")
		default:
			s.logger.Error("purge execution", "execution_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to purge execution")
		}
		return
	}

	s.logger.Info("execution purged", "execution_id", id, "subject", subjectOf(r))
	w.WriteHeader(http.StatusNoContent)
}

// loadExecution fetches the execution named in the URL, writing the error
// response itself when it cannot.
func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request) (*model.Execution, bool) {
	id := chi.URLParam(r, "id")

	exec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return nil, false
	}
	return exec, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
