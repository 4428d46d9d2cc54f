// Package config loads process configuration from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Validator is implemented by configs that check themselves after parsing.
type Validator interface {
	Validate() error
}

// LoadEnvFiles loads the given .env files that exist, leaving variables that
// are already set untouched. It returns how many files were loaded.
func LoadEnvFiles(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("stat %s: %w", f, err)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return 0, fmt.Errorf("load env files: %w", err)
	}
	return len(existing), nil
}

// Load fills cfg from the environment after loading the given .env files.
// Fields already holding defaults keep them unless the environment or an
// envDefault tag overrides them. cfg is validated when it implements
// Validator.
func Load(cfg any, files ...string) error {
	if _, err := LoadEnvFiles(files...); err != nil {
		return err
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level. Unknown names yield info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the JSON logger every process writes to stdout.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLogLevel(level)}))
}
