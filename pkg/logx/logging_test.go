package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.With(String("comp", "test")).Info("hello",
		Int("n", 7),
		Duration("d", time.Second),
	)

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	for _, want := range []string{"hello", `"comp":"test"`, `"n":7`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	svc, log := New(Config{
		Level: "warn",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error not enabled at warn level")
	}

	log.Debug("quiet")
	log.Warn("loud")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "quiet") {
		t.Fatalf("suppressed level written: %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestApplySwapsLevelForLiveLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	svc, log := New(Config{
		Level: "error",
		File:  FileConfig{Enabled: true, Path: path},
	})
	defer svc.Close()

	log.Info("before")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("after")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "before") {
		t.Fatalf("pre-Apply info line written: %q", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatalf("post-Apply info line missing: %q", out)
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	var log Logger
	log.Info("dropped")
	Nop().Error("dropped", Err(nil))
	if !log.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
}
