package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/contract"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/store"
)

type createContractRequest struct {
	ExecutionID string          `json:"executionId"`
	RequesterID string          `json:"requesterId"`
	ResponderID string          `json:"responderId"`
	Terms       json.RawMessage `json:"terms"`
}

type sendMessageRequest struct {
	SenderID string          `json:"senderId"`
	Payload  json.RawMessage `json:"payload"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.contracts.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("list agents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExecutionID == "" || req.RequesterID == "" || req.ResponderID == "" {
		s.writeError(w, http.StatusBadRequest, "executionId, requesterId and responderId are required")
		return
	}

	id, err := s.contracts.CreateContract(r.Context(), req.ExecutionID, req.RequesterID, req.ResponderID, req.Terms)
	if err != nil {
		s.writeContractError(w, "create contract", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}

	contracts, err := s.contracts.ListContracts(r.Context(), exec.ID)
	if err != nil {
		s.writeContractError(w, "list contracts", err)
		return
	}
	if contracts == nil {
		contracts = []*model.Contract{}
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" {
		s.writeError(w, http.StatusBadRequest, "senderId is required")
		return
	}

	id, err := s.contracts.SendMessage(r.Context(), chi.URLParam(r, "id"), req.SenderID, req.Payload)
	if err != nil {
		s.writeContractError(w, "send message", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.contracts.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeContractError(w, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeContractError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, contract.ErrSelfContract):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, contract.ErrNotParty):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
