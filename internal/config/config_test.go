package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_KEYS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.Upstream.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("unexpected base URL %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.DefaultModel != "deepseek/deepseek-chat" {
		t.Errorf("unexpected default model %q", cfg.Upstream.DefaultModel)
	}
	if cfg.Queue.MaxConcurrent != 3 || cfg.Queue.MinInterval != 200*time.Millisecond {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.Upstream.Timeout)
	}
	if cfg.LogCapacity != 500 {
		t.Errorf("expected log capacity 500, got %d", cfg.LogCapacity)
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("expected no keys, got %v", cfg.APIKeys)
	}
	if cfg.AdminEnabled() {
		t.Error("admin API should be disabled without a token")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_KEYS", "sk-one, sk-two\nsk-three")
	t.Setenv("MAX_CONCURRENT", "1")
	t.Setenv("MIN_INTERVAL_MS", "100")
	t.Setenv("UPSTREAM_BASE_URL", "http://localhost:9000/v1/")
	t.Setenv("ADMIN_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"sk-one", "sk-two", "sk-three"}
	if !reflect.DeepEqual(cfg.APIKeys, want) {
		t.Errorf("expected keys %v, got %v", want, cfg.APIKeys)
	}
	if cfg.Queue.MaxConcurrent != 1 || cfg.Queue.MinInterval != 100*time.Millisecond {
		t.Errorf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Upstream.BaseURL != "http://localhost:9000/v1" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.Upstream.BaseURL)
	}
	if !cfg.AdminEnabled() {
		t.Error("admin API should be enabled")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{map[string]string{"MAX_CONCURRENT": "0"}, "MAX_CONCURRENT"},
		{map[string]string{"UPSTREAM_BASE_URL": "openrouter.ai"}, "UPSTREAM_BASE_URL"},
		{map[string]string{"RPM_LIMIT": "10"}, "REDIS_URL"},
		{map[string]string{"LOG_CAPACITY": "0"}, "LOG_CAPACITY"},
	}
	for _, c := range cases {
		t.Run(c.want, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("expected error mentioning %s, got %v", c.want, err)
			}
		})
	}
}

func TestParseKeys(t *testing.T) {
	got := ParseKeys("a,b", " c ; d ", "", "e\tf")
	want := []string{"a", "b", "c", "d", "e", "f"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ROTATOR_TEST_VAR=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROTATOR_TEST_VAR", "")
	os.Unsetenv("ROTATOR_TEST_VAR")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("ROTATOR_TEST_VAR"); got != "from-dotenv" {
		t.Errorf("expected value from .env, got %q", got)
	}

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
	if err := loadDotEnv(dir); err == nil {
		t.Error("expected error for directory path")
	}
}
