package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/model"
)

type runnersResponse struct {
	Types []model.ProgramType `json:"types"`
}

func (s *Server) handleListRunners(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, runnersResponse{Types: s.engine.Runners()})
}
