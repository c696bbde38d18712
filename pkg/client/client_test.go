package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewNormalizesBaseURL(t *testing.T) {
	cli, err := New("example.com:9000/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.baseURL != "http://example.com:9000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}

	cli, err = New("")
	if err != nil {
		t.Fatalf("new client with empty base: %v", err)
	}
	if cli.baseURL != defaultBaseURL {
		t.Fatalf("unexpected default base url %q", cli.baseURL)
	}
}

func TestTriggerRunSendsTokenAndBody(t *testing.T) {
	commit := "d670460b4b4aece5915caf5c68d12f560a9fe3e4"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.URL.Path != "/api/runs" {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		if got := req.Header.Get("X-Operator-Token"); got != "secret" {
			t.Errorf("unexpected token header %q", got)
		}
		var input TriggerInput
		if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if input.Commit != commit || input.Branch != "main" {
			t.Errorf("unexpected input %+v", input)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Run{ID: "run-1", Commit: commit, Status: "pending"})
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	r, err := cli.TriggerRun(context.Background(), "secret", TriggerInput{Commit: commit, Branch: "main"})
	if err != nil {
		t.Fatalf("trigger run: %v", err)
	}
	if r.ID != "run-1" || r.Status != "pending" {
		t.Fatalf("unexpected run %+v", r)
	}
}

func TestListRunsBuildsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/runs" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		if got := req.URL.Query().Get("limit"); got != "3" {
			t.Errorf("unexpected limit %q", got)
		}
		json.NewEncoder(w).Encode([]Run{{ID: "run-2"}, {ID: "run-1"}})
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	runs, err := cli.ListRuns(context.Background(), "secret", 3)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestGetRunSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.GetRun(context.Background(), "secret", "missing")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "not found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestGetHealthDecodesComponents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		fmt.Fprint(w, `{"status":"ok","components":{"database":{"status":"up"}},"timestamp":"2026-01-02T03:04:05Z"}`)
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	health, err := cli.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected status %q", health.Status)
	}
	if health.Components["database"].Status != "up" {
		t.Fatalf("unexpected components %+v", health.Components)
	}
}

func TestGetHealthDecodesDegradedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"degraded","components":{"docker":{"status":"down","error":"daemon unreachable"}},"timestamp":"2026-01-02T03:04:05Z"}`)
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	health, err := cli.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.Status != "degraded" {
		t.Fatalf("unexpected status %q", health.Status)
	}
	if health.Components["docker"].Error != "daemon unreachable" {
		t.Fatalf("unexpected component error %+v", health.Components["docker"])
	}
}

func TestStreamEventsDeliversFrames(t *testing.T) {
	at := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/runs/run-7/events" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for _, ev := range []Event{
			{RunID: "run-7", Stage: "build", Status: "running", At: at},
			{RunID: "run-7", Stage: "build", Status: "succeeded", At: at.Add(time.Second)},
		} {
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var events []Event
	err = cli.StreamEvents(context.Background(), "secret", "run-7", func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("stream events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != "running" || events[1].Status != "succeeded" {
		t.Fatalf("unexpected events %+v", events)
	}
	if !events[0].At.Equal(at) {
		t.Fatalf("unexpected event time %v", events[0].At)
	}
}

func TestStreamEventsStopsOnCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"run_id\":\"run-7\",\"status\":\"running\"}\n\n")
			flusher.Flush()
		}
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	stop := errors.New("stop")
	seen := 0
	err = cli.StreamEvents(context.Background(), "secret", "run-7", func(Event) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected one callback, got %d", seen)
	}
}

func TestStreamEventsRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid operator token"}`)
	}))
	defer server.Close()

	cli, err := New(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	err = cli.StreamEvents(context.Background(), "bad", "run-7", func(Event) error { return nil })
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", apiErr.Status)
	}
}
