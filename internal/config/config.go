package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr string     `env:"HTTP_ADDR" envDefault:":8080"`
	DBPath   string     `env:"DB_PATH" envDefault:"data/hunt.db"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`

	// RedisURL enables the Redis event relay. Empty keeps events in-process.
	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"hunt:events"`

	GuessCooldown time.Duration `env:"GUESS_COOLDOWN" envDefault:"5s"`

	ScriptInstructionLimit int64         `env:"SCRIPT_INSTRUCTION_LIMIT" envDefault:"1000000"`
	ScriptMemoryLimit      int64         `env:"SCRIPT_MEMORY_LIMIT" envDefault:"33554432"`
	ScriptTimeout          time.Duration `env:"SCRIPT_TIMEOUT" envDefault:"2s"`
	SandboxPoolSize        int           `env:"SANDBOX_POOL_SIZE" envDefault:"8"`

	SeedDemo bool `env:"SEED_DEMO" envDefault:"false"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.GuessCooldown < 0 {
		return nil, fmt.Errorf("GUESS_COOLDOWN must not be negative, got %s", cfg.GuessCooldown)
	}
	if cfg.SandboxPoolSize < 0 {
		return nil, fmt.Errorf("SANDBOX_POOL_SIZE must not be negative, got %d", cfg.SandboxPoolSize)
	}
	return &cfg, nil
}
