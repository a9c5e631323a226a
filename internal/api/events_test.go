package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// readSSE collects "event"/"data" pairs until the done event or EOF.
func readSSE(t *testing.T, resp *http.Response) (names []string, payloads []string) {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	var name string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			names = append(names, name)
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
			if name == "done" {
				return names, payloads
			}
		}
	}
	return names, payloads
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedRunReplaysHistory(t *testing.T) {
	srv := newTestServer(t)
	srv.publish(t, testArtifact)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	view := launch(t, ts.URL)
	srv.runner.controller(t, view.RunID).Fail(errors.New("exit status 2"))

	resp, err := http.Get(ts.URL + "/v1/runs/" + view.RunID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	names, payloads := readSSE(t, resp)
	want := []string{"state", "state", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", names, want)
	}

	var last model.RunEvent
	if err := json.Unmarshal([]byte(payloads[1]), &last); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if last.State != model.StateError || last.Error != "exit status 2" {
		t.Errorf("last event = %+v, want error with cause", last)
	}
}

func TestStreamEventsLiveRun(t *testing.T) {
	srv := newTestServer(t)
	srv.publish(t, testArtifact)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	view := launch(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/runs/"+view.RunID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Headers arrive after the subscription is in place.
	srv.runner.controller(t, view.RunID).Complete()

	names, payloads := readSSE(t, resp)
	if len(names) != 2 || names[0] != "state" || names[1] != "done" {
		t.Fatalf("events = %v, want [state done]", names)
	}
	var ev model.RunEvent
	if err := json.Unmarshal([]byte(payloads[0]), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.State != model.StateCompleted || ev.RunID != view.RunID {
		t.Errorf("event = %+v, want completed for %s", ev, view.RunID)
	}
}
