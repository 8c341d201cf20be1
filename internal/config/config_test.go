package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "MCR-Agent/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcragent.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "gateway": {"base_url": "https://pega.example.com/prweb/api"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Gateway.AuthScheme != AuthSchemeBearer {
		t.Fatalf("unexpected auth scheme %q", cfg.Gateway.AuthScheme)
	}
	if cfg.Gateway.BearerTokenEnv != "PEGA_BEARER_TOKEN" {
		t.Fatalf("unexpected bearer env %q", cfg.Gateway.BearerTokenEnv)
	}
	if cfg.Gateway.Timeout() != 20*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.Gateway.Timeout())
	}
	if cfg.Workflow.StepBudget != 8 {
		t.Fatalf("unexpected step budget %d", cfg.Workflow.StepBudget)
	}
	if cfg.Workflow.RunTimeout() != 60*time.Second {
		t.Fatalf("unexpected run timeout %s", cfg.Workflow.RunTimeout())
	}
	if cfg.RunStore.Driver != "memory" || cfg.RunStore.MaxRetries != 3 {
		t.Fatalf("unexpected run store defaults %+v", cfg.RunStore)
	}
	if cfg.RunQueue.Driver != "memory" || cfg.RunQueue.Worker != 4 {
		t.Fatalf("unexpected run queue defaults %+v", cfg.RunQueue)
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("unexpected auth mode %q", cfg.Auth.Mode)
	}
}

func TestLoadResolvesCatalogPath(t *testing.T) {
	path := writeConfig(t, `{
  "gateway": {"base_url": "https://pega.example.com"},
  "registry": {"catalog_path": "tools.yaml"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "tools.yaml")
	if cfg.Registry.CatalogPath != want {
		t.Fatalf("expected %q, got %q", want, cfg.Registry.CatalogPath)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing base url", `{"gateway": {}}`},
		{"mixed credentials", `{
  "gateway": {
    "base_url": "https://pega.example.com",
    "auth_scheme": "bearer",
    "bearer_token_env": "PEGA_BEARER_TOKEN",
    "basic_username_env": "PEGA_USER"
  }
}`},
		{"basic without password env", `{
  "gateway": {
    "base_url": "https://pega.example.com",
    "auth_scheme": "basic",
    "basic_username_env": "PEGA_USER"
  }
}`},
		{"unknown auth scheme", `{
  "gateway": {"base_url": "https://pega.example.com", "auth_scheme": "ntlm"}
}`},
		{"mysql without dsn", `{
  "gateway": {"base_url": "https://pega.example.com"},
  "run_store": {"driver": "mysql"}
}`},
		{"unknown queue driver", `{
  "gateway": {"base_url": "https://pega.example.com"},
  "run_queue": {"driver": "kafka"}
}`},
		{"redis without address", `{
  "gateway": {"base_url": "https://pega.example.com"},
  "run_queue": {"driver": "redis"}
}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected configuration error")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
				t.Fatalf("expected CONFIGURATION_FAILURE, got %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
