package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.taskfront.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "intake-bff" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}

	svc, ok := cfg.Services[ServiceWorkItems]
	if !ok {
		t.Fatal("Services[work-items] not found")
	}
	if svc.BaseURL != "https://api.taskfront.com/v5/challenges" {
		t.Errorf("work-items.BaseURL = %q", svc.BaseURL)
	}
	if svc.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("work-items.CircuitBreaker.FailureThreshold = %d, want 5", svc.CircuitBreaker.FailureThreshold)
	}

	if cfg.Snapshot.Driver != "redis" {
		t.Errorf("Snapshot.Driver = %q, want redis", cfg.Snapshot.Driver)
	}
	if cfg.Snapshot.SnapshotTTL != 336*time.Hour {
		t.Errorf("Snapshot.SnapshotTTL = %v, want 336h", cfg.Snapshot.SnapshotTTL)
	}
	if cfg.Autosave.Debounce != 3*time.Second {
		t.Errorf("Autosave.Debounce = %v, want 3s", cfg.Autosave.Debounce)
	}
	if len(cfg.Specs.Sources) != 1 {
		t.Errorf("Specs.Sources = %d entries, want 1", len(cfg.Specs.Sources))
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Snapshot.Driver != "memory" {
		t.Errorf("default Snapshot.Driver = %q, want memory", cfg.Snapshot.Driver)
	}
	if cfg.Autosave.Debounce != 2*time.Second {
		t.Errorf("default Autosave.Debounce = %v, want 2s", cfg.Autosave.Debounce)
	}
	if cfg.Autosave.Cooldown != 5*time.Second {
		t.Errorf("default Autosave.Cooldown = %v, want 5s", cfg.Autosave.Cooldown)
	}
	for _, id := range []string{ServiceWorkItems, ServicePayments} {
		if _, ok := cfg.Services[id]; !ok {
			t.Errorf("default Services missing %s", id)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INTAKE_SERVER_PORT", "3000")
	t.Setenv("INTAKE_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("INTAKE_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("INTAKE_SNAPSHOT_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Snapshot.Driver != "memory" {
		t.Errorf("Snapshot.Driver = %q, want memory (env override)", cfg.Snapshot.Driver)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.taskfront.com"
	cfg.Identity.JWKSURL = "https://auth.taskfront.com/.well-known/jwks.json"
	cfg.Identity.Audience = "intake-bff"
	for id, svc := range cfg.Services {
		svc.BaseURL = "https://api.taskfront.com"
		cfg.Services[id] = svc
	}
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_missing_service_base_url(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.taskfront.com"
	cfg.Identity.JWKSURL = "https://auth.taskfront.com/.well-known/jwks.json"
	cfg.Identity.Audience = "intake-bff"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() without service base URLs should return error")
	}
}

func TestValidate_unknown_snapshot_driver(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.taskfront.com"
	cfg.Identity.JWKSURL = "https://auth.taskfront.com/.well-known/jwks.json"
	cfg.Identity.Audience = "intake-bff"
	for id, svc := range cfg.Services {
		svc.BaseURL = "https://api.taskfront.com"
		cfg.Services[id] = svc
	}
	cfg.Snapshot.Driver = "cassandra"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with unknown snapshot driver should return error")
	}
}
