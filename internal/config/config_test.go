package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"KESEPIAN_CONFIG", "API_BASE_URL", "API_TIMEOUT", "CREDENTIAL_BACKEND", "CREDENTIAL_DSN",
	"CREDENTIAL_KEY_PREFIX", "PLATFORM_OWNER_EMAIL", "LOG_FORMAT", "LOG_LEVEL", "METRICS_ADDR",
	"CREDENTIAL_KEYS_JSON", "CREDENTIAL_KEY_B64", "CREDENTIAL_KEY_CURRENT_ID", "REDIS_ADDR", "REDIS_DB",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:5000" {
		t.Fatalf("unexpected base url %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %s", cfg.API.Timeout)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.Store.Backend)
	}
	if cfg.Store.KeyPrefix != "aku_kesepian_" {
		t.Fatalf("unexpected key prefix %q", cfg.Store.KeyPrefix)
	}
	if cfg.Crypto.Enabled() {
		t.Fatalf("expected sealing disabled without keys")
	}
}

func TestLoadProfileThenEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "kesepian.toml")
	profile := `
[api]
base_url = "https://chat.example.com/"
timeout = "3s"

[store]
backend = "redis"

[admin]
owner_email = "Boss@Example.com"
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv("KESEPIAN_CONFIG", path)
	t.Setenv("API_TIMEOUT", "7s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://chat.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 7*time.Second {
		t.Fatalf("expected env to override profile timeout, got %s", cfg.API.Timeout)
	}
	if cfg.Store.Backend != BackendRedis {
		t.Fatalf("expected redis backend from profile, got %q", cfg.Store.Backend)
	}
	if cfg.Admin.OwnerEmail != "boss@example.com" {
		t.Fatalf("expected lower-cased owner email, got %q", cfg.Admin.OwnerEmail)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREDENTIAL_BACKEND", "floppy")

	if _, err := Load(); !errors.Is(err, ErrInvalidBackend) {
		t.Fatalf("expected ErrInvalidBackend, got %v", err)
	}
}

func TestLoadCredentialKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREDENTIAL_KEY_B64", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Crypto.Enabled() || cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("expected default key to be current, got %+v", cfg.Crypto.CurrentKeyID)
	}
}

func TestLoadRejectsShortKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREDENTIAL_KEY_B64", "AAAA")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short key")
	}
}
