package main

import (
	"path/filepath"
	"testing"

	"github.com/fruitsalade/fruitsalade/hub/internal/config"
	"github.com/fruitsalade/fruitsalade/hub/internal/logging"
)

func TestReloadLogLevel(t *testing.T) {
	t.Setenv(config.FileEnv, "")
	if err := logging.Init(logging.Config{Level: "info", Format: "json", OutputPath: filepath.Join(t.TempDir(), "log")}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Setenv("LOG_LEVEL", "warn")
	reloadLogLevel()
	if got := logging.Level(); got != "warn" {
		t.Errorf("level after reload = %q, want warn", got)
	}

	t.Setenv("LOG_LEVEL", "loud")
	reloadLogLevel()
	if got := logging.Level(); got != "warn" {
		t.Errorf("unknown level changed the level to %q", got)
	}
}
