package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

// Env holds process-level overrides read from SWARM_* variables.
type Env struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // "text" or "json"
	DBPath    string `envconfig:"DB_PATH"`                   // Overrides store.path
	Config    string `envconfig:"CONFIG"`                    // Explicit project config file
}

const namespace = "SWARM"

// LoadEnv reads the SWARM_* environment.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

// SlogLevel parses LogLevel, falling back to info.
func (e *Env) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Apply copies environment overrides into cfg.
func (e *Env) Apply(cfg *Config) {
	if e == nil {
		return
	}
	if e.DBPath != "" {
		cfg.Store.Path = e.DBPath
	}
}
