package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func staticConfig() Config {
	return Config{
		Mode: ModeStatic,
		Tokens: []Token{
			{Name: "portal", Value: "portal-token", Permissions: []string{PermAgentRun, PermRunsRead}},
			{Name: "reporting", Value: "report-token", Permissions: []string{PermRunsRead}},
		},
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatal("expected error for unsupported mode")
	}
	if _, err := NewService(Config{Mode: ModeStatic}); err == nil {
		t.Fatal("expected error for static mode without tokens")
	}
	if _, err := NewService(Config{Mode: ModeStatic, Tokens: []Token{{Name: "empty"}}}); err == nil {
		t.Fatal("expected error for token without value")
	}

	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new disabled service: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode, got %s", svc.Mode())
	}
}

func TestNewServiceResolvesTokenFromEnv(t *testing.T) {
	t.Setenv("TEST_PORTAL_TOKEN", "env-token")

	svc, err := NewService(Config{
		Mode: ModeStatic,
		Tokens: []Token{
			{Name: "portal", ValueEnv: "TEST_PORTAL_TOKEN", Permissions: []string{PermAgentRun}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest("Bearer env-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "portal" {
		t.Fatalf("unexpected subject %q", subject.Name)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService(staticConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest("Bearer portal-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !subject.HasPermission(PermAgentRun) {
		t.Fatal("expected agent:run permission")
	}

	if _, err := svc.AuthenticateRequest("Bearer wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token for non-bearer scheme, got %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	subject := &Subject{Name: "reporting", Permissions: []string{PermRunsRead}}
	subject.normalise()

	if err := subject.Authorize(PermRunsRead); err != nil {
		t.Fatalf("authorize read: %v", err)
	}
	if err := subject.Authorize(PermAgentRun); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc, err := NewService(staticConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	var subjectName string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {PermAgentRun},
			"*":             {PermRunsRead},
		},
		AuditEvent: "agent_run",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != nil {
			subjectName = subject.Name
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agent/run", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("insufficient permissions", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/run", nil)
		req.Header.Set("Authorization", "Bearer report-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/run", nil)
		req.Header.Set("Authorization", "Bearer portal-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if subjectName != "portal" {
			t.Fatalf("subject missing from request context, got %q", subjectName)
		}
	})

	t.Run("read with fallback permissions", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("Authorization", "Bearer report-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestSubjectContextRoundTrip(t *testing.T) {
	subject := &Subject{Name: "portal", Permissions: []string{PermRunsRead}}
	ctx := ContextWithSubject(context.Background(), subject)

	got := SubjectFromContext(ctx)
	if got == nil || got.Name != "portal" {
		t.Fatalf("expected portal subject, got %+v", got)
	}
	if !got.HasPermission(PermRunsRead) {
		t.Fatal("expected runs:read permission")
	}

	if SubjectFromContext(context.Background()) != nil {
		t.Fatal("expected nil subject on untouched context")
	}
	if ContextWithSubject(context.Background(), nil) != context.Background() {
		t.Fatal("expected nil subject to leave context untouched")
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {PermAgentRun}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
