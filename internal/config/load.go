package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/superkanban/internal/skclient"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               18790,
			MaxBufferedBytes:   1 << 20,
			HandshakeTimeoutMs: 10_000,
		},
		Export: ExportConfig{
			StateDir:       "~/.openclaw",
			PluginID:       "super-kanban",
			PollIntervalMs: 1000,
			DebounceMs:     250,
			Redaction: RedactionConfig{
				Mode: "off",
			},
		},
		SkSync: SkSyncConfig{
			TaskLockTTLSeconds: 3600,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}

	envStr(&c.SuperKanban.BaseURL, skclient.EnvBaseURL, skclient.EnvBaseURLAlt)
	envStr(&c.SuperKanban.Token, skclient.EnvToken, skclient.EnvTokenAlt)
	envStr(&c.SuperKanban.APIKey, skclient.EnvAPIKey, skclient.EnvAPIKeyAlt)
	envStr(&c.SuperKanban.AuthHeader, skclient.EnvAuthHeader)

	envStr(&c.Gateway.Token, "SUPERKANBAN_GATEWAY_TOKEN")
	envStr(&c.Gateway.Host, "SUPERKANBAN_HOST")
	if v := os.Getenv("SUPERKANBAN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr(&c.Export.StateDir, "OPENCLAW_STATE_DIR")
	envStr(&c.Telegram.Token, "OPENCLAW_TELEGRAM_TOKEN")
	if envFlag("OPENCLAW_TELEGRAM_DIAG") {
		c.Telegram.Diag = true
	}
	if envFlag("OPENCLAW_TELEGRAM_DEDUP_VOICE") {
		c.Telegram.DedupVoice = true
	}

	if v := os.Getenv("BRAVE_SEARCH_MIN_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Net.SearchMinIntervalMs = ms
		}
	}

	envStr(&c.Telemetry.Endpoint, "SUPERKANBAN_TELEMETRY_ENDPOINT")
	envStr(&c.Telemetry.ServiceName, "SUPERKANBAN_TELEMETRY_SERVICE_NAME")
	if envFlag("SUPERKANBAN_TELEMETRY_ENABLED") {
		c.Telemetry.Enabled = true
	}
}

func envFlag(key string) bool {
	v := os.Getenv(key)
	return v == "1" || strings.EqualFold(v, "true")
}

// expandPaths resolves "~/" prefixes in configured directories.
func (c *Config) expandPaths() {
	c.Export.StateDir = expandHome(c.Export.StateDir)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") && p != "~" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}
