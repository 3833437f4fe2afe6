package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memelib/memelib/pkg/cache"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.Namespaces[cache.NamespaceText].Capacity != 500 {
		t.Errorf("expected txt capacity 500, got %d", cfg.Cache.Namespaces[cache.NamespaceText].Capacity)
	}
	if cfg.Status.BatchInterval != 5*time.Second {
		t.Errorf("expected 5s batch interval, got %v", cfg.Status.BatchInterval)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cfg.Realtime.MaxReconnectAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "memelib.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_VOYAGE_KEY", "pa-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
cache:
  namespaces:
    search:
      capacity: 20
      ttl: 1m
embedding:
  provider: voyage
  api_key: ${TEST_VOYAGE_KEY}
status:
  batch_interval: 2s
limits:
  enabled: true
  policies:
    - user_id: "*"
      requests_per_second: 5
      burst: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Embedding.APIKey != "pa-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Embedding.APIKey)
	}
	if p := cfg.Cache.Namespaces[cache.NamespaceSearch]; p.Capacity != 20 || p.TTL != time.Minute {
		t.Errorf("unexpected search policy %+v", p)
	}
	if p := cfg.Cache.Namespaces[cache.NamespaceText]; p.Capacity != 500 {
		t.Errorf("expected untouched txt default, got %+v", p)
	}
	if cfg.Status.BatchInterval != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.Status.BatchInterval)
	}
	if cfg.Status.BatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.Status.BatchSize)
	}
	if !cfg.Limits.Enabled || len(cfg.Limits.Policies) != 1 {
		t.Errorf("expected one limit policy, got %+v", cfg.Limits)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeConfig(t, `
embedding:
  api_key: ${MEMELIB_TEST_DOTENV_KEY}
`)
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("MEMELIB_TEST_DOTENV_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MEMELIB_TEST_DOTENV_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.APIKey != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", cfg.Embedding.APIKey)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
cache:
  namespaces:
    videos:
      capacity: 10
status:
  batch_size: 500
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "videos") || !strings.Contains(err.Error(), "batch_size") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
