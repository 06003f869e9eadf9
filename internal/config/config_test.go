package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/playperu/hunt/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/hunt.db" {
		t.Errorf("DBPath = %q, want data/hunt.db", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
	if cfg.GuessCooldown != 5*time.Second {
		t.Errorf("GuessCooldown = %s, want 5s", cfg.GuessCooldown)
	}
	if cfg.ScriptInstructionLimit != 1_000_000 {
		t.Errorf("ScriptInstructionLimit = %d, want 1000000", cfg.ScriptInstructionLimit)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, want empty", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_PATH", ":memory:")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("GUESS_COOLDOWN", "250ms")
	t.Setenv("SCRIPT_TIMEOUT", "1s")
	t.Setenv("SEED_DEMO", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DBPath != ":memory:" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	if cfg.GuessCooldown != 250*time.Millisecond {
		t.Errorf("GuessCooldown = %s", cfg.GuessCooldown)
	}
	if cfg.ScriptTimeout != time.Second {
		t.Errorf("ScriptTimeout = %s", cfg.ScriptTimeout)
	}
	if !cfg.SeedDemo {
		t.Errorf("SeedDemo = false")
	}
}

func TestLoadRejectsNegativeCooldown(t *testing.T) {
	t.Setenv("GUESS_COOLDOWN", "-1s")

	if _, err := config.Load(); err == nil {
		t.Fatal("Load succeeded with negative cooldown")
	}
}
