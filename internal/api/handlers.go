package api

import (
	"net/http"

	"github.com/seantiz/forge/internal/handler"
)

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	list := s.handlers.List()
	if list == nil {
		list = []handler.Capabilities{}
	}
	s.writeJSON(w, http.StatusOK, list)
}
