package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
	if cfg.Matching.ReassignScope != MatchScopeForm {
		t.Fatalf("unexpected reassign scope %q", cfg.Matching.ReassignScope)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  base_path: /api
auth:
  jwt_secret: sekret
  allow_legacy_actor_header: true
matching:
  reassign_scope: any
webhooks:
  - url: https://example.com/hook
    secret: hook-secret
    events: [lead.assigned]
    scope_keys: ["coordinator:c1"]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
	if cfg.Auth.JWTSecret != "sekret" || !cfg.Auth.AllowLegacyActorHeader {
		t.Fatalf("auth not parsed: %+v", cfg.Auth)
	}
	if cfg.Matching.ReassignScope != MatchScopeAny {
		t.Fatalf("unexpected reassign scope %q", cfg.Matching.ReassignScope)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks not parsed: %+v", cfg.Webhooks)
	}
}

func TestFromYAMLDefaultsMissingFields(t *testing.T) {
	cfg, err := FromYAML([]byte("auth:\n  jwt_secret: x\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Matching.ReassignScope != MatchScopeForm {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestFromYAMLRejectsBadScope(t *testing.T) {
	if _, err := FromYAML([]byte("matching:\n  reassign_scope: everywhere\n")); err == nil {
		t.Fatal("expected error for unknown reassign scope")
	}
}

func TestFromYAMLRejectsWebhookWithoutURL(t *testing.T) {
	if _, err := FromYAML([]byte("webhooks:\n  - secret: x\n")); err == nil {
		t.Fatal("expected error for webhook without url")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fieldline.yml"), []byte("server:\n  base_path: /api\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/api" {
		t.Fatalf("file not honored: %+v", cfg)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template must parse: %v", err)
	}
	if cfg.Matching.ReassignScope != MatchScopeForm {
		t.Fatalf("unexpected template scope %q", cfg.Matching.ReassignScope)
	}
}
