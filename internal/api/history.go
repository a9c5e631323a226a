package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// historyResponse wraps a page of run records.
type historyResponse struct {
	Runs   []*model.RunRecord `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// historyEventsResponse is the JSON response for GET /v1/history/{runID}/events.
type historyEventsResponse struct {
	RunID  string           `json:"run_id"`
	Events []model.RunEvent `json:"events"`
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.RunRecord{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rec, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetHistoryEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
			return
		}
		s.logger.Error("get run for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	events, err := s.store.GetRunEvents(r.Context(), runID)
	if err != nil {
		s.logger.Error("get run events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run events")
		return
	}
	if events == nil {
		events = []model.RunEvent{}
	}

	s.writeJSON(w, http.StatusOK, historyEventsResponse{RunID: runID, Events: events})
}
