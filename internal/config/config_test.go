package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseFileJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
  "game_server": {"url": "ws://127.0.0.1:9000/ws", "token": "secret", "request_timeout": "5s"},
  "logging": {"level": "debug", "console": true},
  "scheduler": {"enabled": true, "reconcile_every": "30s"},
  "timers": {"min_duration": "2s", "max_timers": 8},
  "storage": {"driver": "sqlite", "path": "./data/test.db", "busy_timeout": "500ms"}
}`)

	cfg, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cfg.GameServer.URL != "ws://127.0.0.1:9000/ws" || cfg.GameServer.Token != "secret" {
		t.Fatalf("game_server = %+v", cfg.GameServer)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.ReconcileEvery != "30s" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Timers.MaxTimers != 8 {
		t.Fatalf("timers = %+v", cfg.Timers)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseFileYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
game_server:
  url: ws://127.0.0.1:9000/ws
logging:
  level: info
  console: true
scheduler:
  enabled: true
timers: {}
storage:
  driver: file
  path: ./state.json
`)

	cfg, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if cfg.GameServer.URL != "ws://127.0.0.1:9000/ws" {
		t.Fatalf("game_server = %+v", cfg.GameServer)
	}
	if !cfg.Scheduler.Enabled || cfg.Storage.Driver != "file" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseFileRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"game_server": {"url": "x"}, "schedular": {"enabled": true}}`)
	if _, err := ParseFile(path); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestParseFileRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"game_server": {"url": "x"}} {"extra": 1}`)
	if _, err := ParseFile(path); err == nil {
		t.Fatal("trailing document accepted")
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{"90s", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1s", 0, true},
		{"5 minutes", 0, true},
		{"5", 0, true},
	}
	for _, tc := range tests {
		got, err := Duration("field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Duration(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("Duration(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Duration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Parallel()
	if got, err := DurationOr("f", "", time.Minute); err != nil || got != time.Minute {
		t.Fatalf("empty = %v, %v; want 1m", got, err)
	}
	if got, err := DurationOr("f", "10s", time.Minute); err != nil || got != 10*time.Second {
		t.Fatalf("set = %v, %v; want 10s", got, err)
	}
	if _, err := DurationOr("f", "bogus", time.Minute); err == nil {
		t.Fatal("bogus duration accepted")
	}
}
