package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Port    string        `env:"SAMPLE_PORT" envDefault:"8080"`
	Timeout time.Duration `env:"SAMPLE_TIMEOUT" envDefault:"5s"`
	Name    string        `env:"SAMPLE_NAME"`
}

type validated struct {
	Storage string `env:"SAMPLE_STORAGE" envDefault:"memory"`
}

func (v *validated) Validate() error {
	if v.Storage != "memory" && v.Storage != "redis" {
		return errors.New("storage must be memory or redis")
	}
	return nil
}

func TestLoad_DefaultsAndEnvironment(t *testing.T) {
	t.Setenv("SAMPLE_TIMEOUT", "250ms")

	var cfg sample
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
}

func TestLoad_ReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SAMPLE_NAME=from-file\nSAMPLE_PORT=9000\n"), 0o600))

	t.Setenv("SAMPLE_PORT", "7000")
	// Unset after the test so the file value does not leak.
	t.Setenv("SAMPLE_NAME", "")
	require.NoError(t, os.Unsetenv("SAMPLE_NAME"))

	var cfg sample
	require.NoError(t, Load(&cfg, path, filepath.Join(dir, "missing.env")))

	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, "7000", cfg.Port)
}

func TestLoad_RunsValidate(t *testing.T) {
	t.Setenv("SAMPLE_STORAGE", "disk")

	var cfg validated
	err := Load(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage must be memory or redis")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}
