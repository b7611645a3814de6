// Package config loads server settings from the environment, with a .env file
// picked up in development when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr      string        `env:"GAME_LISTEN_ADDR" envDefault:":8080"`
	JWTSecret       string        `env:"GAME_JWT_SECRET,required,notEmpty"`
	DatabaseDSN     string        `env:"GAME_DATABASE_DSN"` // empty disables match history
	TickRate        int           `env:"GAME_TICK_RATE" envDefault:"60"`
	WinScore        int           `env:"GAME_WIN_SCORE" envDefault:"10"`
	ReconnectWindow time.Duration `env:"GAME_RECONNECT_WINDOW" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"GAME_IDLE_TIMEOUT" envDefault:"60s"`
	Debug           bool          `env:"GAME_DEBUG"`
}

func Load() (Config, error) {
	// Missing .env is fine; the environment is the source of truth.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TickRate <= 0 {
		return Config{}, fmt.Errorf("GAME_TICK_RATE must be positive, got %d", cfg.TickRate)
	}
	if cfg.WinScore <= 0 {
		return Config{}, fmt.Errorf("GAME_WIN_SCORE must be positive, got %d", cfg.WinScore)
	}
	return cfg, nil
}

// TickInterval converts the configured tick rate to a per-frame duration.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
