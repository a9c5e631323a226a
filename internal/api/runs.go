package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// Error codes returned alongside launch failures.
const (
	codeArtifactNotFound  = "ArtifactNotFound"
	codeRunnerUnavailable = "RunnerUnavailable"
	codeInvalidOptions    = "InvalidOptions"
	codeLaunchFailure     = "LaunchFailure"
	codeRunNotFound       = "RunNotFound"
)

// launchRequest is the JSON body for POST /v1/runs.
type launchRequest struct {
	Program       model.ProgramIdentity `json:"program"`
	Artifact      model.ArtifactID      `json:"artifact"`
	Plugins       []model.Plugin        `json:"plugins"`
	Name          string                `json:"name"`
	Arguments     map[string]string     `json:"arguments"`
	UserArguments map[string]string     `json:"user_arguments"`
	Debug         bool                  `json:"debug"`
}

// runView is the JSON shape of an in-flight run.
type runView struct {
	RunID     string                `json:"run_id"`
	Program   model.ProgramIdentity `json:"program"`
	State     model.State           `json:"state"`
	StartedAt time.Time             `json:"started_at"`
	Options   model.Options         `json:"options"`
}

type runsResponse struct {
	Runs []runView `json:"runs"`
}

func newRunView(h *engine.RunHandle) runView {
	return runView{
		RunID:     h.RunID(),
		Program:   h.Identity(),
		State:     h.State(),
		StartedAt: h.StartedAt().UTC(),
		Options:   h.Options(),
	}
}

// newRunsResponse renders handles oldest first.
func newRunsResponse(handles []*engine.RunHandle) runsResponse {
	slices.SortFunc(handles, func(a, b *engine.RunHandle) int {
		if c := a.StartedAt().Compare(b.StartedAt()); c != 0 {
			return c
		}
		return strings.Compare(a.RunID(), b.RunID())
	})
	runs := make([]runView, len(handles))
	for i, h := range handles {
		runs[i] = newRunView(h)
	}
	return runsResponse{Runs: runs}
}

func (s *Server) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Artifact.Name == "" || req.Artifact.Version == "" {
		s.writeError(w, http.StatusBadRequest, "artifact name and version are required")
		return
	}

	desc := model.ProgramDescriptor{
		Identity: req.Program,
		Artifact: req.Artifact,
		Plugins:  req.Plugins,
	}
	opts := model.Options{
		Name:          req.Name,
		Arguments:     req.Arguments,
		UserArguments: req.UserArguments,
		Debug:         req.Debug,
	}

	h, err := s.engine.Run(r.Context(), desc, opts)
	if err != nil {
		s.writeLaunchError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, newRunView(h))
}

// writeLaunchError maps orchestrator errors to status codes.
func (s *Server) writeLaunchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrArtifactNotFound):
		s.writeErrorCode(w, http.StatusNotFound, codeArtifactNotFound, err.Error())
	case errors.Is(err, engine.ErrRunnerUnavailable):
		s.writeErrorCode(w, http.StatusUnprocessableEntity, codeRunnerUnavailable, err.Error())
	case errors.Is(err, engine.ErrInvalidOptions):
		s.writeErrorCode(w, http.StatusUnprocessableEntity, codeInvalidOptions, err.Error())
	default:
		s.logger.Error("launch run", "error", err)
		s.writeErrorCode(w, http.StatusInternalServerError, codeLaunchFailure, "failed to launch run")
	}
}

func (s *Server) handleListActiveRuns(w http.ResponseWriter, r *http.Request) {
	var types []model.ProgramType
	if raw := r.URL.Query().Get("type"); raw != "" {
		for t := range strings.SplitSeq(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, model.ProgramType(t))
			}
		}
	}

	s.writeJSON(w, http.StatusOK, newRunsResponse(s.engine.ListActive(types...)))
}

func (s *Server) handleListProgramRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.engine.ListByIdentity(programIdentity(r))
	handles := make([]*engine.RunHandle, 0, len(runs))
	for _, h := range runs {
		handles = append(handles, h)
	}
	s.writeJSON(w, http.StatusOK, newRunsResponse(handles))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	h, ok := s.engine.Lookup(programIdentity(r), chi.URLParam(r, "runID"))
	if !ok {
		s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newRunView(h))
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := programIdentity(r)
	runID := chi.URLParam(r, "runID")

	h, ok := s.engine.Lookup(id, runID)
	if !ok {
		s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
		return
	}

	if err := s.engine.Stop(r.Context(), id, runID); err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
			return
		}
		s.logger.Error("stop run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop run")
		return
	}

	s.writeJSON(w, http.StatusOK, newRunView(h))
}

// programIdentity reads the program identity from the route.
func programIdentity(r *http.Request) model.ProgramIdentity {
	return model.ProgramIdentity{
		Namespace:   chi.URLParam(r, "namespace"),
		Application: chi.URLParam(r, "application"),
		Program:     chi.URLParam(r, "program"),
		Type:        model.ProgramType(chi.URLParam(r, "type")),
	}
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

// writeErrorCode writes a JSON error response with a machine-readable code.
func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": message, "code": code})
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
