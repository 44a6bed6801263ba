package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Binary != "claude" {
		t.Errorf("agent binary = %q", cfg.Agent.Binary)
	}
	if cfg.Web.Port != 8080 || cfg.Web.Host != "127.0.0.1" {
		t.Errorf("web = %+v", cfg.Web)
	}
	if !cfg.Notifications.Desktop {
		t.Error("desktop notifications should default on")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
data_dir = "~/orch-data"

[agent]
binary = "claude-nightly"
extra_args = ["--model", "opus"]
create_prs = true

[notifications]
desktop = false
slack_webhook = "https://hooks.slack.com/services/T00/B00/XXX"

[web]
port = 9191

[[schedule]]
name = "nightly"
cron = "0 3 * * *"
session_id = "nightly"
folder = "~/tasks/nightly"
loop = true
max_loops = 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Agent.Binary != "claude-nightly" || !cfg.Agent.CreatePRs {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if len(cfg.Agent.ExtraArgs) != 2 || cfg.Agent.ExtraArgs[0] != "--model" {
		t.Errorf("extra args = %v", cfg.Agent.ExtraArgs)
	}
	if cfg.Notifications.Desktop {
		t.Error("desktop override not applied")
	}
	if cfg.Web.Port != 9191 {
		t.Errorf("port = %d", cfg.Web.Port)
	}
	// Host keeps its default when not set
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Web.Host)
	}

	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(cfg.Schedules))
	}
	entry := cfg.Schedules[0]
	if entry.Name != "nightly" || entry.Cron != "0 3 * * *" || !entry.Loop || entry.MaxLoops != 2 {
		t.Errorf("schedule = %+v", entry)
	}

	home, _ := os.UserHomeDir()
	if cfg.General.DataDir != filepath.Join(home, "orch-data") {
		t.Errorf("data dir = %q, tilde not expanded", cfg.General.DataDir)
	}
	if entry.Folder != filepath.Join(home, "tasks", "nightly") {
		t.Errorf("schedule folder = %q, tilde not expanded", entry.Folder)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[general\nbroken"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in   string
		want string
	}{
		{"~/x/y", filepath.Join(home, "x", "y")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
