package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/registry"
)

func newTestClient(t *testing.T, baseURL string, creds CredentialSource) *Client {
	t.Helper()
	client, err := NewClient(Config{BaseURL: baseURL, Credentials: creds})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestInvokeSendsAuthenticatedRequest(t *testing.T) {
	t.Setenv("TEST_PEGA_TOKEN", "secret-token")

	var captured *http.Request
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"eligible":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, EnvBearerSource{TokenEnv: "TEST_PEGA_TOKEN"})

	result, err := client.Invoke(context.Background(), Call{
		Operation:     registry.OpCheckEligibility,
		Args:          map[string]any{"ticketNumber": "T-123"},
		CorrelationID: "corr-9",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Success || result.Status != http.StatusOK {
		t.Fatalf("unexpected result %+v", result)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("unexpected method %s", captured.Method)
	}
	if captured.URL.Path != "/mcr/tickets/eligibility" {
		t.Fatalf("unexpected path %s", captured.URL.Path)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if got := captured.Header.Get(HeaderCorrelationID); got != "corr-9" {
		t.Fatalf("unexpected correlation header %q", got)
	}
	if got := captured.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(capturedBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ticketNumber"] != "T-123" {
		t.Fatalf("unexpected body %v", body)
	}

	if eligible, ok := result.BoolField("eligible"); !ok || !eligible {
		t.Fatalf("unexpected payload %s", result.Body)
	}
}

func TestInvokeExcludesPathArgsFromBody(t *testing.T) {
	var capturedPath string
	var capturedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		capturedBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, StaticBearerSource{Token: "x"})

	_, err := client.Invoke(context.Background(), Call{
		Operation:     registry.OpSendCaseConfirmation,
		Args:          map[string]any{"caseId": "C-9", "toEmail": "d@example.com"},
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if capturedPath != "/mcr/cases/C-9/email/preview" {
		t.Fatalf("unexpected path %q", capturedPath)
	}

	var body map[string]any
	if err := json.Unmarshal(capturedBody, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, present := body["caseId"]; present {
		t.Fatalf("path argument leaked into body: %v", body)
	}
	if body["toEmail"] != "d@example.com" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInvokeBasicAuth(t *testing.T) {
	t.Setenv("TEST_PEGA_USER", "svc-mcr")
	t.Setenv("TEST_PEGA_PASS", "pw")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc-mcr" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, EnvBasicSource{
		UsernameEnv: "TEST_PEGA_USER",
		PasswordEnv: "TEST_PEGA_PASS",
	})

	result, err := client.Invoke(context.Background(), Call{
		Operation: registry.OpGetTicketDetails,
		Args:      map[string]any{"ticketNumber": "T-1"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInvokeNon2xxIsFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"backend down"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, StaticBearerSource{Token: "x"})

	result, err := client.Invoke(context.Background(), Call{
		Operation: registry.OpGetTicketDetails,
		Args:      map[string]any{"ticketNumber": "T-1"},
	})
	if err != nil {
		t.Fatalf("non-2xx must not be a Go error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed result")
	}
	if result.Status != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", result.Status)
	}
	if result.Transient() {
		t.Fatal("a response with an HTTP status is not a transport failure")
	}
	if result.StringField("message") != "backend down" {
		t.Fatalf("response body must be preserved, got %s", result.Body)
	}
}

func TestInvokeTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:     server.URL,
		Timeout:     50 * time.Millisecond,
		Credentials: StaticBearerSource{Token: "secret-token"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Invoke(context.Background(), Call{
		Operation: registry.OpGetTicketDetails,
		Args:      map[string]any{"ticketNumber": "T-1"},
	})
	if err != nil {
		t.Fatalf("timeout must not be a Go error: %v", err)
	}
	if !result.Transient() {
		t.Fatalf("expected transient failure, got %+v", result)
	}
	if strings.Contains(result.Reason, "secret-token") {
		t.Fatal("failure reason must not contain credentials")
	}
}

func TestInvokeRejectsUnknownOperation(t *testing.T) {
	client := newTestClient(t, "https://pega.example.com", StaticBearerSource{Token: "x"})

	_, err := client.Invoke(context.Background(), Call{Operation: "drop_tables"})
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", xerrors.CodeOf(err))
	}
}

func TestInvokeRejectsMissingArgs(t *testing.T) {
	client := newTestClient(t, "https://pega.example.com", StaticBearerSource{Token: "x"})

	_, err := client.Invoke(context.Background(), Call{
		Operation: registry.OpCreatePleaCase,
		Args:      map[string]any{"ticketNumber": "T-1"},
	})
	if err == nil {
		t.Fatal("expected error for missing plea argument")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", xerrors.CodeOf(err))
	}
}

func TestNewClientValidatesCredentials(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "https://pega.example.com"}); err == nil {
		t.Fatal("expected error without credential source")
	}
	t.Setenv("TEST_UNSET_TOKEN_ENV", "")
	if _, err := NewClient(Config{
		BaseURL:     "https://pega.example.com",
		Credentials: EnvBearerSource{TokenEnv: "TEST_UNSET_TOKEN_ENV"},
	}); err == nil {
		t.Fatal("expected error for unset token environment variable")
	}
}
