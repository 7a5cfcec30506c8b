package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "store": {"path": "data/autonaim.db"},
	  "channels": {"telegram": {"enabled": true, "workspace_id": "ws-1"}, "webchat": {"enabled": true}},
	  "provider": {"name": "openai", "model": "gpt-4o-mini"},
	  "interview": {"inactivity_timeout_minutes": 45, "invite_ttl_hours": 72},
	  "jobs": {"max_attempts": 5, "backoff_base_seconds": 2},
	  "gateway": {"host": "0.0.0.0", "port": 18890},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("AUTONAIM_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Store.Path != "data/autonaim.db" {
		t.Fatalf("store.path = %q, want %q", cfg.Store.Path, "data/autonaim.db")
	}
	if cfg.Interview.InactivityTimeoutMinutes != 45 {
		t.Fatalf("interview.inactivity_timeout_minutes = %d, want 45", cfg.Interview.InactivityTimeoutMinutes)
	}
	if cfg.Jobs.MaxAttempts != 5 {
		t.Fatalf("jobs.max_attempts = %d, want 5", cfg.Jobs.MaxAttempts)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("AUTONAIM_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(envTelegramBotToken, "123:abc")
	t.Setenv(envTelegramAllowFrom, " 11, ,22 ")

	cfg := &Config{}
	applyEnvOverrides(cfg)

	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token = %q, want %q", cfg.Channels.Telegram.Token, "123:abc")
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 2 {
		t.Fatalf("allow_from len = %d, want 2", len(cfg.Channels.Telegram.AllowFrom))
	}
}
