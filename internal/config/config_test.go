package config

import (
	"path/filepath"
	"testing"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "REDIS_URL", "STATE_FILE", "STATE_CHECKSUM_FILE",
		"CLICKHOUSE_DSN", "CORS_ORIGINS", "GOOGLE_API_KEY", "DASHSCOPE_API_KEY", "GROQ_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFailsWithoutRedisURL(t *testing.T) {
	clearProviderEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected an error when REDIS_URL is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.LocalGPUProviderID != "gpu_local" {
		t.Fatalf("expected default local gpu provider id, got %q", cfg.LocalGPUProviderID)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Fatalf("expected default CORS origins [*], got %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "verbose")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist.env")); err != nil {
		t.Fatalf("expected a missing .env file to be a no-op, got %v", err)
	}
}

func TestLoadDotEnvRejectsDirectory(t *testing.T) {
	if err := loadDotEnv(t.TempDir()); err == nil {
		t.Fatal("expected an error when the .env path is a directory")
	}
}

func TestLoadReadsProviderKeysFromEnv(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("DASHSCOPE_API_KEY", "d-key")
	t.Setenv("GROQ_API_KEY", "q-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GoogleAPIKey != "g-key" || cfg.DashscopeAPIKey != "d-key" || cfg.GroqAPIKey != "q-key" {
		t.Fatalf("expected provider keys to be read from env, got %+v", cfg)
	}
}
