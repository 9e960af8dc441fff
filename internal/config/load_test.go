package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 18790 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.MaxBufferedBytes != 1<<20 {
		t.Errorf("maxBufferedBytes = %d", cfg.Gateway.MaxBufferedBytes)
	}
	if cfg.Export.PollIntervalMs != 1000 || cfg.Export.DebounceMs != 250 {
		t.Errorf("export = %+v", cfg.Export)
	}
	if !cfg.SkSync.WakeParent() {
		t.Error("wakeParentOnEnd default should be true")
	}
	if !cfg.Net.AutoSelectFamilyEnabled() {
		t.Error("autoSelectFamily default should be true")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// gateway listener
		gateway: { port: 9000 },
		super_kanban: { base_url: "https://kanban.example.com" },
		export: { state_dir: "/var/lib/openclaw", backfill: true },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.SuperKanban.BaseURL != "https://kanban.example.com" {
		t.Errorf("baseURL = %q", cfg.SuperKanban.BaseURL)
	}
	if cfg.Export.StateDir != "/var/lib/openclaw" || !cfg.Export.Backfill {
		t.Errorf("export = %+v", cfg.Export)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{ super_kanban: { base_url: "https://file.example.com" } }`), 0o644)

	t.Setenv("SUPER_KANBAN_BASE_URL", "https://env.example.com")
	t.Setenv("OPENCLAW_TELEGRAM_DIAG", "1")
	t.Setenv("BRAVE_SEARCH_MIN_INTERVAL_MS", "1500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SuperKanban.BaseURL != "https://env.example.com" {
		t.Errorf("baseURL = %q", cfg.SuperKanban.BaseURL)
	}
	if !cfg.Telegram.Diag {
		t.Error("diag flag not applied")
	}
	if cfg.Net.SearchMinIntervalMs != 1500 {
		t.Errorf("searchMinIntervalMs = %d", cfg.Net.SearchMinIntervalMs)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := expandHome("~/state")
	if got != filepath.Join(home, "state") {
		t.Errorf("expandHome = %q", got)
	}
	if expandHome("/abs/path") != "/abs/path" {
		t.Error("absolute path rewritten")
	}
}
