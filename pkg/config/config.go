package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Store     StoreConfig     `json:"store"`
	Channels  ChannelsConfig  `json:"channels"`
	Provider  ProviderConfig  `json:"provider"`
	Interview InterviewConfig `json:"interview"`
	Jobs      JobsConfig      `json:"jobs"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// StoreConfig configures the SQLite session store location.
type StoreConfig struct {
	Path string `json:"path"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webchat  WebchatConfig  `json:"webchat"`
}

// TelegramConfig configures the Telegram channel integration.
type TelegramConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token"`
	WorkspaceID string   `json:"workspace_id"`
	AllowFrom   []string `json:"allow_from"`
}

// WebchatConfig configures the streaming web channel.
type WebchatConfig struct {
	Enabled bool `json:"enabled"`
}

// ProviderConfig configures the model provider client.
type ProviderConfig struct {
	Name                  string `json:"name"`
	Model                 string `json:"model"`
	TranscriptionModel    string `json:"transcription_model"`
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// InterviewConfig controls conversation behavior.
type InterviewConfig struct {
	SystemPrompt             string `json:"system_prompt"`
	HistoryWindowBytes       int    `json:"history_window_bytes"`
	TurnTimeoutSeconds       int    `json:"turn_timeout_seconds"`
	InactivityTimeoutMinutes int    `json:"inactivity_timeout_minutes"`
	SweepIntervalMinutes     int    `json:"sweep_interval_minutes"`
	RejectConcurrentTurns    bool   `json:"reject_concurrent_turns"`
	InviteTTLHours           int    `json:"invite_ttl_hours"`
}

// JobsConfig controls the background job dispatcher.
type JobsConfig struct {
	PollIntervalSeconds   int `json:"poll_interval_seconds"`
	HandlerTimeoutSeconds int `json:"handler_timeout_seconds"`
	MaxAttempts           int `json:"max_attempts"`
	BackoffBaseSeconds    int `json:"backoff_base_seconds"`
}

// GatewayConfig configures HTTP bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is AUTONAIM_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("AUTONAIM_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("AUTONAIM_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
