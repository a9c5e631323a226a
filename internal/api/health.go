package api

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status     string `json:"status"`
	ActiveRuns int    `json:"active_runs"`
	Runners    int    `json:"runners"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := healthResponse{
		Status:     "ok",
		ActiveRuns: len(s.engine.ListActive()),
		Runners:    len(s.engine.Runners()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
