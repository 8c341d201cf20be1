package mcragent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newAPIStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/agent/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Authorization") != "Bearer portal-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "UNAUTHORIZED", "message": "missing token"},
			})
			return
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "INVALID_ARGUMENT", "message": "bad request"},
			})
			return
		}
		w.Header().Set(HeaderCorrelationID, "corr-1")
		_ = json.NewEncoder(w).Encode(RunResult{
			CorrelationID: "corr-1",
			Outcome:       "succeeded",
			State:         RunState{Phase: "NOTIFIED", Verdict: "eligible", CaseID: "C-9"},
		})
	})

	var polled int
	mux.HandleFunc("/api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		polled++
		status := "pending"
		if polled > 1 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Prompt: "p", Status: status})
	})

	mux.HandleFunc("/api/v1/runs/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RunStats{Total: 2, Succeeded: 2})
	})

	mux.HandleFunc("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Prompt: "p", Status: "pending"})
		case http.MethodGet:
			if r.URL.Query().Get("session_id") != "s-1" || r.URL.Query().Get("limit") != "5" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode([]Run{{ID: "run-1", Prompt: "p", Status: "succeeded"}})
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newStubClient(t *testing.T) *Client {
	t.Helper()
	server := newAPIStub(t)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("portal-token")
	return client
}

func TestRunAgent(t *testing.T) {
	client := newStubClient(t)

	result, err := client.RunAgent(context.Background(), RunRequest{
		Prompt: "plead guilty on T-123",
	})
	if err != nil {
		t.Fatalf("run agent: %v", err)
	}
	if result.Outcome != "succeeded" {
		t.Fatalf("unexpected outcome %q", result.Outcome)
	}
	if result.State.CaseID != "C-9" {
		t.Fatalf("unexpected case id %q", result.State.CaseID)
	}
}

func TestRunAgentSurfacesAPIError(t *testing.T) {
	client := newStubClient(t)

	_, err := client.RunAgent(context.Background(), RunRequest{})
	if err == nil {
		t.Fatal("expected api error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestRunAgentUnauthorized(t *testing.T) {
	client := newStubClient(t)
	client.SetAccessToken("")

	_, err := client.RunAgent(context.Background(), RunRequest{Prompt: "details for T-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}

func TestSubmitAndWaitForRun(t *testing.T) {
	client := newStubClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitRun(ctx, RunRequest{Prompt: "details for T-5"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if submitted.ID != "run-1" || submitted.Status != "pending" {
		t.Fatalf("unexpected submitted run %+v", submitted)
	}

	done, err := client.WaitForRun(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	if done.Status != "succeeded" {
		t.Fatalf("unexpected final status %q", done.Status)
	}
}

func TestListRuns(t *testing.T) {
	client := newStubClient(t)

	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Limit:     5,
		SessionID: "s-1",
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestStats(t *testing.T) {
	client := newStubClient(t)

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	if _, err := NewClient("://nope", nil); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
