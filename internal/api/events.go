package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rec, err := s.store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeErrorCode(w, http.StatusNotFound, codeRunNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", eventStreamType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	// A finished run replays its recorded events.
	if rec.Status.IsTerminal() {
		w.WriteHeader(http.StatusOK)
		events, err := s.store.GetRunEvents(r.Context(), runID)
		if err != nil {
			s.logger.Error("get run events", "run_id", runID, "error", err)
			return
		}
		for _, ev := range events {
			if err := writeStateEvent(w, ev); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", "stream complete")
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A run that finished after the status check above has a closed topic,
	// so the loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(runID)
	defer unsub()

	httpStreamsActive.Inc()
	defer httpStreamsActive.Dec()

	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeStateEvent(w, ev); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeStateEvent writes ev as a "state" SSE event with a JSON payload.
func writeStateEvent(w http.ResponseWriter, ev model.RunEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSEEvent(w, "state", string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
